package relay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/chadiek/call-relay/internal/mediastream"
	"github.com/chadiek/call-relay/internal/metrics"
)

// State is the lifecycle phase of one relayed call leg.
type State int32

const (
	StateIdle State = iota
	StateAccepting
	StateActive
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAccepting:
		return "accepting"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// ErrControllerUsed is returned when Run is called on a controller that already ran.
var ErrControllerUsed = errors.New("relay: controller already used")

// Controller owns one call leg: it creates the conversation, wires the
// bridge between it and the media stream, and tears both down together.
type Controller struct {
	id              string
	cfg             Config
	conn            mediastream.Conn
	newConversation ConversationFactory
	metrics         *metrics.Metrics
	onStreamStart   func(mediastream.StartInfo)
	observer        Hooks

	state atomic.Int32
	mode  atomic.Value
	used  atomic.Bool

	streamStarted atomic.Bool
	convStarted   atomic.Bool

	endOnce sync.Once
	endCh   chan struct{}

	transport    *mediastream.Transport
	bridge       *Bridge
	conversation Conversation
}

// Option configures a Controller.
type Option func(*Controller)

// WithCallID overrides the generated id used in log lines.
func WithCallID(id string) Option {
	return func(c *Controller) {
		if id != "" {
			c.id = id
		}
	}
}

// WithMetrics records session and frame metrics into m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithStreamStartHook is invoked once the telephony start event arrives.
func WithStreamStartHook(fn func(mediastream.StartInfo)) Option {
	return func(c *Controller) { c.onStreamStart = fn }
}

// WithObserver receives transcript and mode notifications in addition to the
// controller's own handling.
func WithObserver(h Hooks) Option {
	return func(c *Controller) { c.observer = h }
}

// NewController prepares a controller for an accepted media stream connection.
func NewController(conn mediastream.Conn, newConversation ConversationFactory, cfg Config, opts ...Option) *Controller {
	c := &Controller{
		id:              uuid.NewString(),
		cfg:             cfg.withDefaults(),
		conn:            conn,
		newConversation: newConversation,
		endCh:           make(chan struct{}),
	}
	c.mode.Store("")
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ID returns the id used in log lines for this call leg.
func (c *Controller) ID() string { return c.id }

// State reports the current lifecycle phase.
func (c *Controller) State() State { return State(c.state.Load()) }

// Mode reports the last mode announced by the engine ("speaking", "listening").
func (c *Controller) Mode() string { return c.mode.Load().(string) }

// End requests teardown. Safe to call at any time and more than once.
func (c *Controller) End() {
	c.endOnce.Do(func() { close(c.endCh) })
}

// Run relays audio until the call ends and returns once every resource is
// released. A nil error means the call ended normally.
func (c *Controller) Run(ctx context.Context) (err error) {
	if !c.used.CompareAndSwap(false, true) {
		return ErrControllerUsed
	}
	began := time.Now()
	c.metrics.SessionOpened()
	defer func() {
		c.metrics.SessionClosed(time.Since(began).Seconds(), err != nil)
		log.Printf("[%s] session closed after %s", c.id, time.Since(began).Round(time.Millisecond))
	}()

	c.setState(StateAccepting)
	c.transport = mediastream.NewTransport(c.conn, mediastream.WithWriteTimeout(c.cfg.WriteTimeout))
	c.bridge = NewBridge(c.id, c.transport, c.cfg, c.metrics)

	if err := c.startConversation(ctx); err != nil {
		c.metrics.ConversationFailed()
		log.Printf("[%s] conversation could not be established: %v", c.id, err)
		return errors.Join(err, c.teardown())
	}

	readDone := make(chan struct{})
	var g errgroup.Group
	g.Go(func() error {
		defer close(readDone)
		return c.readLoop()
	})
	g.Go(func() error {
		select {
		case <-readDone:
		case <-c.endCh:
			log.Printf("[%s] end requested", c.id)
		case <-ctx.Done():
			log.Printf("[%s] context done: %v", c.id, ctx.Err())
		}
		c.setState(StateDraining)
		// unblocks the reader if it is still waiting
		_ = c.transport.Close()
		return nil
	})
	loopErr := g.Wait()

	return errors.Join(loopErr, c.teardown())
}

func (c *Controller) startConversation(ctx context.Context) error {
	conv, err := c.newConversation(c.bridge, c.hooks())
	if err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}
	c.conversation = conv
	if err := conv.StartSession(ctx); err != nil {
		return fmt.Errorf("start conversation: %w", err)
	}
	c.convStarted.Store(true)
	c.maybeActivate()
	return nil
}

// teardown is the single cleanup path for every way a session can end.
func (c *Controller) teardown() error {
	var errs []error
	if c.conversation != nil {
		c.conversation.EndSession()
	}
	c.bridge.Stop()
	if c.conversation != nil {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.EndTimeout)
		convID, err := c.conversation.WaitForSessionEnd(ctx)
		cancel()
		if err != nil {
			errs = append(errs, fmt.Errorf("wait for conversation end: %w", err))
		} else if convID != "" {
			log.Printf("[%s] conversation %s ended", c.id, convID)
		}
	}
	c.transport.Release()
	_ = c.transport.Close()
	c.setState(StateClosed)
	return errors.Join(errs...)
}

func (c *Controller) readLoop() error {
	for {
		ev, err := c.transport.Next()
		if err != nil {
			var de *mediastream.DecodeError
			if errors.As(err, &de) {
				c.metrics.DecodeError()
				log.Printf("[%s] skipping inbound message: %v", c.id, err)
				continue
			}
			log.Printf("[%s] media stream disconnected: %v", c.id, err)
			return nil
		}
		if c.handle(ev) {
			return nil
		}
	}
}

// handle processes one inbound event and reports whether the stream ended.
// A panic while handling one message is contained to that message.
func (c *Controller) handle(ev mediastream.Event) (stop bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[%s] recovered while handling %s event: %v", c.id, ev.Kind, r)
			stop = false
		}
	}()
	switch ev.Kind {
	case mediastream.EventConnected:
		log.Printf("[%s] media stream connected", c.id)
	case mediastream.EventStart:
		if sid := c.transport.StreamSID(); sid != ev.StreamSID {
			log.Printf("[%s] ignoring second start for %s (stream is %s)", c.id, ev.StreamSID, sid)
			return false
		}
		if !c.streamStarted.CompareAndSwap(false, true) {
			log.Printf("[%s] ignoring repeated start for %s", c.id, ev.StreamSID)
			return false
		}
		log.Printf("[%s] stream started: streamSid=%s callSid=%s format=%s/%d", c.id, ev.Start.StreamSID, ev.Start.CallSID, ev.Start.MediaFormat.Encoding, ev.Start.MediaFormat.SampleRate)
		c.maybeActivate()
		if c.onStreamStart != nil {
			c.onStreamStart(*ev.Start)
		}
	case mediastream.EventMedia:
		c.bridge.Deliver(ev.Payload)
	case mediastream.EventMark:
		log.Printf("[%s] playback reached mark %q", c.id, ev.Mark)
	case mediastream.EventDTMF:
		log.Printf("[%s] caller pressed %q", c.id, ev.Digit)
	case mediastream.EventStop:
		log.Printf("[%s] stream stopped by remote", c.id)
		return true
	}
	return false
}

func (c *Controller) hooks() Hooks {
	return Hooks{
		AgentResponse: func(text string) {
			log.Printf("[%s] agent: %s", c.id, text)
			if c.observer.AgentResponse != nil {
				c.observer.AgentResponse(text)
			}
		},
		UserTranscript: func(text string) {
			log.Printf("[%s] caller: %s", c.id, text)
			if c.observer.UserTranscript != nil {
				c.observer.UserTranscript(text)
			}
		},
		ModeChange: func(mode string) {
			c.mode.Store(mode)
			if c.observer.ModeChange != nil {
				c.observer.ModeChange(mode)
			}
		},
		Disconnect: func() {
			log.Printf("[%s] conversation ended by engine", c.id)
			if c.observer.Disconnect != nil {
				c.observer.Disconnect()
			}
			c.End()
		},
	}
}

func (c *Controller) maybeActivate() {
	if !c.streamStarted.Load() || !c.convStarted.Load() {
		return
	}
	if c.state.CompareAndSwap(int32(StateAccepting), int32(StateActive)) {
		log.Printf("[%s] state %s -> %s", c.id, StateAccepting, StateActive)
	}
}

func (c *Controller) setState(s State) {
	for {
		cur := State(c.state.Load())
		if cur == s || cur == StateClosed {
			return
		}
		if c.state.CompareAndSwap(int32(cur), int32(s)) {
			log.Printf("[%s] state %s -> %s", c.id, cur, s)
			return
		}
	}
}
