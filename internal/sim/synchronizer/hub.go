// Package synchronizer mirrors validated state-change payloads from the side
// that produced them to every observer, running one apply function everywhere.
package synchronizer

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"blockwire.ai/internal/protocol"
)

var (
	ErrInvalidPayload   = errors.New("payload failed validation")
	ErrDuplicateChannel = errors.New("channel already declared")
)

// Transport forwards messages to remote peers. except names a peer to skip.
type Transport interface {
	Broadcast(msg protocol.SyncMsg, except string)
}

// Journal observes every message sent or applied.
type Journal interface {
	Record(dir string, msg protocol.SyncMsg)
}

// Burner is a logic node that can be permanently disabled.
type Burner interface {
	Burn(reason error)
}

// Observer receives counters for telemetry.
type Observer interface {
	Sent(channel string)
	Received(channel string)
	Rejected(channel, reason string)
}

type handler interface {
	deliver(raw []byte) error
}

type Options struct {
	// Origin identifies this side in outgoing messages.
	Origin string
	// Relay forwards delivered messages to every other peer.
	Relay     bool
	Transport Transport
	Journals  []Journal
	Observer  Observer
	// Tick stamps outgoing messages with the current simulation tick.
	Tick func() uint64
}

// Hub owns the channels of one simulation side. It is not safe for
// concurrent use; sends and deliveries happen on the session loop.
type Hub struct {
	opts     Options
	channels map[string]handler
	seq      map[string]uint64
	lastSeen map[string]uint64
	gaps     uint64
}

func NewHub(opts Options) *Hub {
	return &Hub{
		opts:     opts,
		channels: map[string]handler{},
		seq:      map[string]uint64{},
		lastSeen: map[string]uint64{},
	}
}

// SetTransport swaps the outbound transport; nil drops remote forwarding.
func (h *Hub) SetTransport(t Transport) { h.opts.Transport = t }

func (h *Hub) Origin() string { return h.opts.Origin }

// Channels lists declared channel names in order.
func (h *Hub) Channels() []string {
	out := make([]string, 0, len(h.channels))
	for name := range h.channels {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Gaps counts deliveries whose sequence number skipped ahead.
func (h *Hub) Gaps() uint64 { return h.gaps }

// Channel is a named, schema-checked replication channel carrying T.
type Channel[T any] struct {
	hub    *Hub
	name   string
	schema *jsonschema.Schema
	apply  func(T)
}

// Declare registers a channel. schemaJSON is a JSON Schema document that every
// payload must satisfy, on both the sending and the receiving side.
func Declare[T any](h *Hub, name, schemaJSON string, apply func(T)) (*Channel[T], error) {
	if name == "" {
		return nil, fmt.Errorf("channel name empty")
	}
	if _, dup := h.channels[name]; dup {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateChannel, name)
	}
	c := jsonschema.NewCompiler()
	url := "mem://sync/" + name + ".json"
	if err := c.AddResource(url, strings.NewReader(schemaJSON)); err != nil {
		return nil, fmt.Errorf("channel %s: %w", name, err)
	}
	s, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("channel %s: %w", name, err)
	}
	ch := &Channel[T]{hub: h, name: name, schema: s, apply: apply}
	h.channels[name] = ch
	return ch, nil
}

func (c *Channel[T]) Name() string { return c.name }

// Send validates payload, applies it locally, and forwards it to every peer.
// An invalid payload is dropped without side effects.
func (c *Channel[T]) Send(payload T) error {
	raw, err := c.encode(payload)
	if err != nil {
		if c.hub.opts.Observer != nil {
			c.hub.opts.Observer.Rejected(c.name, "send")
		}
		return err
	}
	c.apply(payload)

	h := c.hub
	h.seq[c.name]++
	msg := protocol.SyncMsg{
		Type:            protocol.TypeSync,
		ProtocolVersion: protocol.Version,
		Channel:         c.name,
		Seq:             h.seq[c.name],
		Origin:          h.opts.Origin,
		Payload:         raw,
	}
	if h.opts.Tick != nil {
		msg.Tick = h.opts.Tick()
	}
	for _, j := range h.opts.Journals {
		j.Record("send", msg)
	}
	if h.opts.Observer != nil {
		h.opts.Observer.Sent(c.name)
	}
	if h.opts.Transport != nil {
		h.opts.Transport.Broadcast(msg, "")
	}
	return nil
}

// SendOrBurn is Send that burns node when the payload is rejected.
func (c *Channel[T]) SendOrBurn(payload T, node Burner) error {
	err := c.Send(payload)
	if err != nil && node != nil {
		node.Burn(err)
	}
	return err
}

func (c *Channel[T]) encode(payload T) (json.RawMessage, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, c.name, err)
	}
	if err := c.validate(raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func (c *Channel[T]) validate(raw []byte) error {
	doc, err := decodeDoc(raw)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, c.name, err)
	}
	if err := c.schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, c.name, err)
	}
	return nil
}

func (c *Channel[T]) deliver(raw []byte) error {
	if err := c.validate(raw); err != nil {
		return err
	}
	doc, _ := decodeDoc(raw)
	var out T
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           &out,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(doc); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, c.name, err)
	}
	c.apply(out)
	return nil
}

func decodeDoc(raw []byte) (any, error) {
	d := json.NewDecoder(bytes.NewReader(raw))
	d.UseNumber()
	var doc any
	if err := d.Decode(&doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// Deliver applies a message received from peer from. Messages for channels
// this side never declared are ignored so mismatched versions can coexist.
func (h *Hub) Deliver(msg protocol.SyncMsg, from string) error {
	ch, ok := h.channels[msg.Channel]
	if !ok {
		if h.opts.Observer != nil {
			h.opts.Observer.Rejected(msg.Channel, "unknown_channel")
		}
		return nil
	}
	if err := ch.deliver(msg.Payload); err != nil {
		if h.opts.Observer != nil {
			h.opts.Observer.Rejected(msg.Channel, "invalid")
		}
		return err
	}
	key := msg.Origin + "|" + msg.Channel
	if last, seen := h.lastSeen[key]; seen && msg.Seq != last+1 {
		h.gaps++
	}
	h.lastSeen[key] = msg.Seq

	for _, j := range h.opts.Journals {
		j.Record("recv", msg)
	}
	if h.opts.Observer != nil {
		h.opts.Observer.Received(msg.Channel)
	}
	if h.opts.Relay && h.opts.Transport != nil {
		h.opts.Transport.Broadcast(msg, from)
	}
	return nil
}
