// Package replication carries synchronizer messages between simulation sides
// over websockets. The server relays; clients dial in.
package replication

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"blockwire.ai/internal/protocol"
	"blockwire.ai/internal/sim/tuning"
	"blockwire.ai/internal/telemetry"
)

const (
	handshakeTimeout = 5 * time.Second
	writeTimeout     = 5 * time.Second
	readTimeout      = 60 * time.Second
	pingInterval     = 20 * time.Second
)

// Sink accepts validated SYNC messages. Deliver must not block; it reports
// false when the message was dropped.
type Sink interface {
	Deliver(msg protocol.SyncMsg, from string) bool
}

type Options struct {
	SessionID     string
	CatalogDigest string
	TickRateHz    int
	// Channels lists the replication channels announced in WELCOME.
	Channels     []string
	Limits       tuning.Replication
	LoopbackOnly bool
	Metrics      *telemetry.Metrics
}

type PeerInfo struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Remote    string    `json:"remote"`
	Connected time.Time `json:"connected"`
	Queued    int       `json:"queued"`
}

type peer struct {
	info    PeerInfo
	out     chan []byte
	limiter *rate.Limiter
}

// Server accepts replication peers and fans messages out to them.
type Server struct {
	sink Sink
	opts Options
	log  *log.Logger

	upgrader websocket.Upgrader
	nextID   atomic.Uint64

	mu    sync.Mutex
	peers map[string]*peer
}

func NewServer(sink Sink, opts Options, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(log.Writer(), "[replication] ", log.LstdFlags|log.Lmicroseconds)
	}
	if opts.Limits.PeerQueue <= 0 {
		opts.Limits = tuning.Defaults().Replication
	}
	return &Server{
		sink:  sink,
		opts:  opts,
		log:   logger,
		peers: map[string]*peer{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Broadcast queues msg for every peer except the one named. A peer whose
// queue is full misses the message.
func (s *Server) Broadcast(msg protocol.SyncMsg, except string) {
	b, err := json.Marshal(msg)
	if err != nil {
		s.log.Printf("broadcast %s: %v", msg.Channel, err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, p := range s.peers {
		if id == except {
			continue
		}
		select {
		case p.out <- b:
		default:
			s.opts.Metrics.Dropped("queue_full")
		}
	}
}

// Peers lists connected peers by id.
func (s *Server) Peers() []PeerInfo {
	s.mu.Lock()
	out := make([]PeerInfo, 0, len(s.peers))
	for _, p := range s.peers {
		info := p.info
		info.Queued = len(p.out)
		out = append(out, info)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Server) add(p *peer) {
	s.mu.Lock()
	s.peers[p.info.ID] = p
	n := len(s.peers)
	s.mu.Unlock()
	s.opts.Metrics.Peers(n)
}

func (s *Server) remove(id string) {
	s.mu.Lock()
	delete(s.peers, id)
	n := len(s.peers)
	s.mu.Unlock()
	s.opts.Metrics.Peers(n)
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if s.opts.LoopbackOnly && !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if s.opts.Limits.MaxMessageBytes > 0 {
			conn.SetReadLimit(s.opts.Limits.MaxMessageBytes)
		}

		p := s.handshake(conn, r.RemoteAddr)
		if p == nil {
			return
		}
		s.add(p)
		defer s.remove(p.info.ID)
		s.log.Printf("peer %s (%s) joined from %s", p.info.ID, p.info.Name, p.info.Remote)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		writeErr := make(chan error, 1)
		go func() { writeErr <- writeLoop(ctx, conn, p.out) }()

		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(readTimeout))
		})
		for {
			_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
			_, raw, err := conn.ReadMessage()
			if err != nil {
				break
			}
			s.receive(p, raw)
		}

		cancel()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))
		select {
		case <-writeErr:
		case <-time.After(500 * time.Millisecond):
		}
		s.log.Printf("peer %s left", p.info.ID)
	}
}

func (s *Server) receive(p *peer, raw []byte) {
	base, err := protocol.DecodeBase(raw)
	if err != nil || base.Type != protocol.TypeSync {
		return
	}
	if err := protocol.ValidateEnvelope(protocol.TypeSync, raw); err != nil {
		s.reply(p, protocol.NewError(protocol.ErrProtoBadRequest, err.Error()))
		return
	}
	var msg protocol.SyncMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.reply(p, protocol.NewError(protocol.ErrProtoBadRequest, err.Error()))
		return
	}
	if msg.ProtocolVersion != protocol.Version {
		s.reply(p, protocol.NewError(protocol.ErrProtoVersion, "unsupported protocol_version "+msg.ProtocolVersion))
		return
	}
	if !p.limiter.Allow() {
		s.opts.Metrics.Dropped("rate_limited")
		s.reply(p, protocol.NewError(protocol.ErrRateLimit, "too many messages"))
		return
	}
	if msg.Origin == "" {
		msg.Origin = p.info.ID
	}
	if !s.sink.Deliver(msg, p.info.ID) {
		s.opts.Metrics.Dropped("inbox_full")
		s.reply(p, protocol.NewError(protocol.ErrSessionBusy, "session inbox full"))
	}
}

func (s *Server) reply(p *peer, e protocol.ErrorMsg) {
	b, err := json.Marshal(e)
	if err != nil {
		return
	}
	select {
	case p.out <- b:
	default:
		s.opts.Metrics.Dropped("queue_full")
	}
}

func (s *Server) handshake(conn *websocket.Conn, remote string) *peer {
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return nil
	}
	base, err := protocol.DecodeBase(raw)
	if err != nil || base.Type != protocol.TypeHello {
		closeWith(conn, websocket.ClosePolicyViolation, "expected HELLO")
		return nil
	}
	if err := protocol.ValidateEnvelope(protocol.TypeHello, raw); err != nil {
		_ = writeJSON(conn, protocol.NewError(protocol.ErrProtoBadRequest, err.Error()))
		closeWith(conn, websocket.ClosePolicyViolation, "bad HELLO")
		return nil
	}
	var hello protocol.HelloMsg
	if err := json.Unmarshal(raw, &hello); err != nil {
		return nil
	}
	if !hello.SupportsVersion() {
		_ = writeJSON(conn, protocol.NewError(protocol.ErrProtoVersion, "server speaks "+protocol.Version))
		closeWith(conn, websocket.ClosePolicyViolation, "bad protocol_version")
		return nil
	}
	if hello.SessionID != "" && hello.SessionID != s.opts.SessionID {
		_ = writeJSON(conn, protocol.NewError(protocol.ErrSessionNotFound, "unknown session "+hello.SessionID))
		closeWith(conn, websocket.ClosePolicyViolation, "unknown session")
		return nil
	}
	if hello.CatalogDigest != "" && hello.CatalogDigest != s.opts.CatalogDigest {
		_ = writeJSON(conn, protocol.NewError(protocol.ErrCatalogMismatch, "block catalog differs from server"))
		closeWith(conn, websocket.ClosePolicyViolation, "catalog mismatch")
		return nil
	}

	limits := s.opts.Limits
	p := &peer{
		info: PeerInfo{
			ID:        fmt.Sprintf("P%d", s.nextID.Add(1)),
			Name:      hello.PeerName,
			Remote:    remote,
			Connected: time.Now().UTC(),
		},
		out:     make(chan []byte, limits.PeerQueue),
		limiter: rate.NewLimiter(rate.Limit(limits.PeerRatePerSecond), limits.PeerBurst),
	}
	channels := s.opts.Channels
	if channels == nil {
		channels = []string{}
	}
	welcome := protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		PeerID:          p.info.ID,
		SessionID:       s.opts.SessionID,
		TickRateHz:      s.opts.TickRateHz,
		CatalogDigest:   s.opts.CatalogDigest,
		Channels:        channels,
	}
	if err := writeJSON(conn, welcome); err != nil {
		return nil
	}
	return p
}

func writeLoop(ctx context.Context, conn *websocket.Conn, out <-chan []byte) error {
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case b, ok := <-out:
			if !ok {
				return nil
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return err
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return err
			}
		}
	}
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, b)
}

func closeWith(conn *websocket.Conn, code int, text string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(time.Second))
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
