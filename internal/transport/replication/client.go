package replication

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"blockwire.ai/internal/protocol"
)

// ServerPeer is the from name clients use for messages relayed by the server.
const ServerPeer = "server"

var ErrRejected = errors.New("replication: server rejected handshake")

// Client is one side's connection to a relay server.
type Client struct {
	conn    *websocket.Conn
	log     *log.Logger
	welcome protocol.WelcomeMsg
	out     chan []byte
	errs    chan protocol.ErrorMsg

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to url, performs the HELLO/WELCOME exchange and starts
// delivering SYNC messages to sink.
func Dial(ctx context.Context, url string, hello protocol.HelloMsg, sink Sink, queue int, logger *log.Logger) (*Client, error) {
	if logger == nil {
		logger = log.New(log.Writer(), "[replication] ", log.LstdFlags|log.Lmicroseconds)
	}
	if queue <= 0 {
		queue = 256
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	hello.Type = protocol.TypeHello
	if hello.ProtocolVersion == "" {
		hello.ProtocolVersion = protocol.Version
	}
	if err := writeJSON(conn, hello); err != nil {
		conn.Close()
		return nil, err
	}

	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, err
	}
	base, err := protocol.DecodeBase(raw)
	if err != nil {
		conn.Close()
		return nil, err
	}
	switch base.Type {
	case protocol.TypeError:
		var e protocol.ErrorMsg
		_ = json.Unmarshal(raw, &e)
		conn.Close()
		return nil, fmt.Errorf("%w: %s: %s", ErrRejected, e.Code, e.Message)
	case protocol.TypeWelcome:
	default:
		conn.Close()
		return nil, fmt.Errorf("%w: unexpected %s", ErrRejected, base.Type)
	}
	if err := protocol.ValidateEnvelope(protocol.TypeWelcome, raw); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %v", ErrRejected, err)
	}
	var welcome protocol.WelcomeMsg
	if err := json.Unmarshal(raw, &welcome); err != nil {
		conn.Close()
		return nil, err
	}

	cctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		conn:    conn,
		log:     logger,
		welcome: welcome,
		out:     make(chan []byte, queue),
		errs:    make(chan protocol.ErrorMsg, 16),
		ctx:     cctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go func() {
		if err := writeLoop(cctx, conn, c.out); err != nil && !errors.Is(err, context.Canceled) {
			c.log.Printf("write: %v", err)
		}
		cancel()
	}()
	go c.readLoop(sink)
	return c, nil
}

func (c *Client) Welcome() protocol.WelcomeMsg { return c.welcome }

// Errors yields ERROR frames sent by the server. Frames are dropped when
// nobody reads.
func (c *Client) Errors() <-chan protocol.ErrorMsg { return c.errs }

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} { return c.done }

// Broadcast sends msg to the server unless except names it.
func (c *Client) Broadcast(msg protocol.SyncMsg, except string) {
	if except == ServerPeer {
		return
	}
	b, err := json.Marshal(msg)
	if err != nil {
		c.log.Printf("broadcast %s: %v", msg.Channel, err)
		return
	}
	select {
	case c.out <- b:
	case <-c.ctx.Done():
	default:
		c.log.Printf("send queue full; dropped %s seq=%d", msg.Channel, msg.Seq)
	}
}

func (c *Client) readLoop(sink Sink) {
	defer close(c.done)
	defer c.cancel()
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	})
	for {
		_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		base, err := protocol.DecodeBase(raw)
		if err != nil {
			continue
		}
		switch base.Type {
		case protocol.TypeSync:
			if err := protocol.ValidateEnvelope(protocol.TypeSync, raw); err != nil {
				c.log.Printf("bad SYNC from server: %v", err)
				continue
			}
			var msg protocol.SyncMsg
			if err := json.Unmarshal(raw, &msg); err != nil {
				continue
			}
			if !sink.Deliver(msg, ServerPeer) {
				c.log.Printf("inbox full; dropped %s seq=%d", msg.Channel, msg.Seq)
			}
		case protocol.TypeError:
			var e protocol.ErrorMsg
			if err := json.Unmarshal(raw, &e); err != nil {
				continue
			}
			select {
			case c.errs <- e:
			default:
			}
		}
	}
}

// Close ends the connection and waits for the reader to stop.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))
		select {
		case <-c.done:
		case <-time.After(time.Second):
		}
		err = c.conn.Close()
	})
	return err
}
