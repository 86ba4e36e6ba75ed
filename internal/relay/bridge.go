package relay

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/chadiek/call-relay/internal/audio"
	"github.com/chadiek/call-relay/internal/mediastream"
	"github.com/chadiek/call-relay/internal/metrics"
)

// telephonySink is the outbound half of the telephony transport.
type telephonySink interface {
	Ready() <-chan struct{}
	StreamSID() string
	SendMedia(frame audio.Frame) error
	SendClear() error
	Release()
}

// Bridge plays agent audio onto the telephony leg and hands caller audio to
// the engine. It implements AudioDevice.
type Bridge struct {
	callID  string
	sink    telephonySink
	queue   *audio.FrameQueue
	metrics *metrics.Metrics

	popTimeout  time.Duration
	stopTimeout time.Duration

	mu      sync.Mutex
	input   func(audio.Frame)
	started bool
	stopped bool
	stopCh  chan struct{}
	done    chan struct{}

	// sendMu orders each transmitted frame against Interrupt and Stop.
	sendMu sync.Mutex
	halted bool
}

var _ AudioDevice = (*Bridge)(nil)

// NewBridge creates a bridge writing to sink.
func NewBridge(callID string, sink telephonySink, cfg Config, m *metrics.Metrics) *Bridge {
	cfg = cfg.withDefaults()
	return &Bridge{
		callID:      callID,
		sink:        sink,
		queue:       audio.NewFrameQueue(cfg.QueueCapacity, cfg.PushTimeout),
		metrics:     m,
		popTimeout:  cfg.PopTimeout,
		stopTimeout: cfg.StopTimeout,
	}
}

// Start records input and spawns the output goroutine. Calling it twice is a
// programming error and panics.
func (b *Bridge) Start(input func(audio.Frame)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		panic("relay: bridge started twice")
	}
	b.started = true
	b.input = input
	b.stopCh = make(chan struct{})
	b.done = make(chan struct{})
	go b.outputLoop(b.stopCh, b.done)
}

// Deliver hands one decoded caller frame to the engine. It reports whether a
// callback was registered.
func (b *Bridge) Deliver(frame audio.Frame) bool {
	b.mu.Lock()
	input := b.input
	stopped := b.stopped
	b.mu.Unlock()
	if input == nil || stopped {
		return false
	}
	input(frame)
	b.metrics.FrameIn()
	return true
}

// Output queues frame for playback. Frames output before the stream sid is
// known stay queued until it is.
func (b *Bridge) Output(frame audio.Frame) {
	before := b.queue.Evicted()
	if err := b.queue.Push(frame); err != nil {
		return
	}
	if after := b.queue.Evicted(); after > before {
		b.metrics.FramesEvicted(int(after - before))
		log.Printf("[%s] outbound queue full, dropped %d oldest frame(s)", b.callID, after-before)
	}
}

// Interrupt drains every pending frame and tells Twilio to flush its playback
// buffer. Frames output after Interrupt returns are played normally.
func (b *Bridge) Interrupt() {
	b.sendMu.Lock()
	defer b.sendMu.Unlock()
	n := b.queue.DrainAll()
	b.metrics.Interrupted()
	b.metrics.FramesStale(n)
	if b.halted {
		return
	}
	if b.sink.StreamSID() == "" {
		// nothing can be playing before start
		return
	}
	if err := b.sink.SendClear(); err != nil {
		log.Printf("[%s] clear failed: %v", b.callID, err)
		return
	}
	log.Printf("[%s] barge-in: cleared playback (%d queued frame(s) dropped)", b.callID, n)
}

// Stop halts playback, waits for the output goroutine and releases the
// stream sid. Safe to call more than once.
func (b *Bridge) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	started := b.started
	stopCh, done := b.stopCh, b.done
	b.mu.Unlock()

	b.sendMu.Lock()
	b.halted = true
	b.sendMu.Unlock()

	b.queue.Close()
	if started {
		close(stopCh)
		select {
		case <-done:
		case <-time.After(b.stopTimeout):
			log.Printf("[%s] output loop did not exit within %s", b.callID, b.stopTimeout)
		}
	}
	if n := b.queue.DrainAll(); n > 0 {
		b.metrics.FramesStale(n)
	}
	b.sink.Release()
}

func (b *Bridge) outputLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	select {
	case <-b.sink.Ready():
	case <-stop:
		return
	}
	for {
		select {
		case <-stop:
			return
		default:
		}
		frame, gen, err := b.queue.Pop(b.popTimeout)
		if errors.Is(err, audio.ErrPopTimeout) {
			continue
		}
		if err != nil {
			return
		}
		if !b.send(frame, gen) {
			return
		}
	}
}

// send writes frame unless an Interrupt drained the queue after it was
// popped. It returns false once the loop should exit.
func (b *Bridge) send(frame audio.Frame, gen uint64) bool {
	b.sendMu.Lock()
	defer b.sendMu.Unlock()
	if b.halted {
		return false
	}
	if gen != b.queue.Generation() {
		b.metrics.FramesStale(1)
		return true
	}
	if err := b.sink.SendMedia(frame); err != nil {
		if errors.Is(err, mediastream.ErrConnectionClosed) {
			log.Printf("[%s] output loop stopping: %v", b.callID, err)
			return false
		}
		log.Printf("[%s] send media failed: %v", b.callID, err)
		return true
	}
	b.metrics.FrameOut()
	return true
}
