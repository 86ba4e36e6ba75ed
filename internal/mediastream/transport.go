// Package mediastream adapts the Twilio Media Streams WebSocket protocol to
// the relay's frame and event model.
package mediastream

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chadiek/call-relay/internal/audio"
)

var (
	// ErrConnectionClosed is returned once the underlying socket can no longer be read or written.
	ErrConnectionClosed = errors.New("mediastream: connection closed")
	// ErrNoStream is returned when an outbound envelope is attempted before a start event.
	ErrNoStream = errors.New("mediastream: stream sid not yet known")
)

// DecodeError reports a single inbound message that could not be decoded.
// It is never terminal for the stream.
type DecodeError struct {
	Event string
	Err   error
}

func (e *DecodeError) Error() string {
	if e.Event == "" {
		return fmt.Sprintf("mediastream: decode message: %v", e.Err)
	}
	return fmt.Sprintf("mediastream: decode %q event: %v", e.Event, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Conn is the subset of *websocket.Conn the transport uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// EventKind names an inbound envelope type.
type EventKind string

const (
	EventConnected EventKind = "connected"
	EventStart     EventKind = "start"
	EventMedia     EventKind = "media"
	EventMark      EventKind = "mark"
	EventDTMF      EventKind = "dtmf"
	EventStop      EventKind = "stop"
)

// StartInfo is the metadata carried by a start event.
type StartInfo struct {
	StreamSID        string
	AccountSID       string
	CallSID          string
	Tracks           []string
	CustomParameters map[string]string
	MediaFormat      MediaFormat
}

// Event is one decoded inbound envelope.
type Event struct {
	Kind      EventKind
	StreamSID string
	Start     *StartInfo
	Payload   audio.Frame
	Mark      string
	Digit     string
}

const defaultWriteTimeout = 5 * time.Second

// Transport reads and writes Twilio envelopes over one duplex connection.
// Next must only be called from a single goroutine; the Send methods are safe
// for concurrent use.
type Transport struct {
	conn         Conn
	writeTimeout time.Duration

	writeMu sync.Mutex

	sid       atomic.Pointer[string]
	released  atomic.Bool
	ready     chan struct{}
	readyOnce sync.Once

	closeOnce sync.Once
	closeErr  error
}

// Option configures a Transport.
type Option func(*Transport)

// WithWriteTimeout bounds every outbound write.
func WithWriteTimeout(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.writeTimeout = d
		}
	}
}

// NewTransport wraps an accepted connection.
func NewTransport(conn Conn, opts ...Option) *Transport {
	t := &Transport{
		conn:         conn,
		writeTimeout: defaultWriteTimeout,
		ready:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Next blocks for the next inbound envelope. A *DecodeError means the message
// was unusable and the caller should continue; ErrConnectionClosed is terminal.
// A start event records the stream sid before Next returns.
func (t *Transport) Next() (Event, error) {
	mt, data, err := t.conn.ReadMessage()
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}
	if mt != websocket.TextMessage {
		return Event{}, &DecodeError{Err: fmt.Errorf("unexpected message type %d", mt)}
	}
	return t.decode(data)
}

func (t *Transport) decode(data []byte) (Event, error) {
	var env inboundEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Event{}, &DecodeError{Err: err}
	}
	ev := Event{Kind: EventKind(env.Event), StreamSID: env.StreamSid}
	switch ev.Kind {
	case EventStart:
		if env.Start == nil || env.Start.StreamSid == "" {
			return Event{}, &DecodeError{Event: env.Event, Err: errors.New("missing streamSid")}
		}
		ev.StreamSID = env.Start.StreamSid
		ev.Start = &StartInfo{
			StreamSID:        env.Start.StreamSid,
			AccountSID:       env.Start.AccountSid,
			CallSID:          env.Start.CallSid,
			Tracks:           env.Start.Tracks,
			CustomParameters: env.Start.CustomParameters,
			MediaFormat:      env.Start.MediaFormat,
		}
		t.setStream(env.Start.StreamSid)
	case EventMedia:
		if env.Media == nil {
			return Event{}, &DecodeError{Event: env.Event, Err: errors.New("missing media")}
		}
		payload, err := base64.StdEncoding.DecodeString(env.Media.Payload)
		if err != nil {
			return Event{}, &DecodeError{Event: env.Event, Err: err}
		}
		ev.Payload = payload
	case EventMark:
		if env.Mark != nil {
			ev.Mark = env.Mark.Name
		}
	case EventDTMF:
		if env.DTMF != nil {
			ev.Digit = env.DTMF.Digit
		}
	case EventConnected, EventStop:
	default:
		return Event{}, &DecodeError{Event: env.Event, Err: errors.New("unknown event")}
	}
	return ev, nil
}

// setStream records the stream sid exactly once and publishes it via Ready.
func (t *Transport) setStream(sid string) bool {
	if t.released.Load() {
		return false
	}
	if !t.sid.CompareAndSwap(nil, &sid) {
		return false
	}
	t.readyOnce.Do(func() { close(t.ready) })
	return true
}

// StreamSID returns the stream sid, or "" before start or after Release.
func (t *Transport) StreamSID() string {
	if p := t.sid.Load(); p != nil {
		return *p
	}
	return ""
}

// Ready is closed once the stream sid is known.
func (t *Transport) Ready() <-chan struct{} { return t.ready }

// Release forgets the stream sid; later outbound writes fail with ErrNoStream.
func (t *Transport) Release() {
	t.released.Store(true)
	t.sid.Store(nil)
}

// SendMedia writes one outbound media envelope.
func (t *Transport) SendMedia(frame audio.Frame) error {
	sid := t.StreamSID()
	if sid == "" {
		return ErrNoStream
	}
	return t.write(outboundEnvelope{
		Event:     string(EventMedia),
		StreamSid: sid,
		Media:     &outboundMedia{Payload: base64.StdEncoding.EncodeToString(frame)},
	})
}

// SendClear asks Twilio to discard any audio it has buffered for playback.
func (t *Transport) SendClear() error {
	sid := t.StreamSID()
	if sid == "" {
		return ErrNoStream
	}
	return t.write(outboundEnvelope{Event: "clear", StreamSid: sid})
}

// SendMark asks Twilio to echo name back once playback reaches this point.
func (t *Transport) SendMark(name string) error {
	sid := t.StreamSID()
	if sid == "" {
		return ErrNoStream
	}
	return t.write(outboundEnvelope{Event: string(EventMark), StreamSid: sid, Mark: &markPayload{Name: name}})
}

func (t *Transport) write(env outboundEnvelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}
	return nil
}

// Close closes the underlying connection. Safe to call more than once.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() { t.closeErr = t.conn.Close() })
	return t.closeErr
}
