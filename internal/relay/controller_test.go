package relay

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chadiek/call-relay/internal/audio"
	"github.com/chadiek/call-relay/internal/mediastream"
)

type fakeConn struct {
	in        chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	writes []map[string]any
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 16), done: make(chan struct{})}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case b, ok := <-f.in:
		if !ok {
			return 0, nil, io.EOF
		}
		return websocket.TextMessage, b, nil
	case <-f.done:
		return 0, nil, errors.New("use of closed connection")
	}
}

func (f *fakeConn) WriteMessage(_ int, data []byte) error {
	select {
	case <-f.done:
		return errors.New("use of closed connection")
	default:
	}
	var m map[string]any
	_ = json.Unmarshal(data, &m)
	f.mu.Lock()
	f.writes = append(f.writes, m)
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeConn) Close() error {
	f.closeOnce.Do(func() { close(f.done) })
	return nil
}

func (f *fakeConn) outbound() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]map[string]any, len(f.writes))
	copy(out, f.writes)
	return out
}

type fakeConversation struct {
	startErr error
	waitErr  error
	device   AudioDevice
	hooks    Hooks
	started  chan struct{}

	mu     sync.Mutex
	inputs []audio.Frame

	endCalls  int32
	waitCalls int32
}

func newFakeConversation() *fakeConversation {
	return &fakeConversation{started: make(chan struct{})}
}

func (f *fakeConversation) factory() ConversationFactory {
	return func(device AudioDevice, hooks Hooks) (Conversation, error) {
		f.device = device
		f.hooks = hooks
		return f, nil
	}
}

func (f *fakeConversation) StartSession(context.Context) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.device.Start(func(fr audio.Frame) {
		f.mu.Lock()
		f.inputs = append(f.inputs, fr)
		f.mu.Unlock()
	})
	close(f.started)
	return nil
}

func (f *fakeConversation) EndSession() {
	atomic.AddInt32(&f.endCalls, 1)
	f.device.Stop()
}

func (f *fakeConversation) WaitForSessionEnd(context.Context) (string, error) {
	atomic.AddInt32(&f.waitCalls, 1)
	if f.waitErr != nil {
		return "", f.waitErr
	}
	return "conv_1", nil
}

func (f *fakeConversation) inputCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inputs)
}

func runAsync(c *Controller) <-chan error {
	errc := make(chan error, 1)
	go func() { errc <- c.Run(context.Background()) }()
	return errc
}

func waitErr(t *testing.T, errc <-chan error) error {
	t.Helper()
	select {
	case err := <-errc:
		return err
	case <-time.After(3 * time.Second):
		t.Fatalf("controller did not return")
		return nil
	}
}

func waitUntil(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestController_StartMediaStop(t *testing.T) {
	conn := newFakeConn()
	conv := newFakeConversation()
	var started atomic.Value
	c := NewController(conn, conv.factory(), testConfig(), WithStreamStartHook(func(info mediastream.StartInfo) {
		started.Store(info.StreamSID)
	}))
	errc := runAsync(c)

	silence := make([]byte, 160) // 20ms of 8kHz mu-law
	for i := range silence {
		silence[i] = 0xFF
	}
	conn.in <- []byte(`{"event":"start","start":{"streamSid":"SID1","callSid":"CA1"}}`)
	conn.in <- []byte(`{"event":"media","media":{"payload":"` + base64.StdEncoding.EncodeToString(silence) + `"}}`)

	waitUntil(t, func() bool { return conv.inputCount() == 1 }, "input callback")
	if c.State() != StateActive {
		t.Fatalf("expected active, got %s", c.State())
	}
	if started.Load() != "SID1" {
		t.Fatalf("expected stream SID1, got %v", started.Load())
	}
	conv.mu.Lock()
	if len(conv.inputs[0]) != 160 || conv.inputs[0][0] != 0xFF {
		t.Fatalf("unexpected input frame %v", conv.inputs[0])
	}
	conv.mu.Unlock()

	conn.in <- []byte(`{"event":"stop"}`)
	if err := waitErr(t, errc); err != nil {
		t.Fatalf("run: %v", err)
	}
	if c.State() != StateClosed {
		t.Fatalf("expected closed, got %s", c.State())
	}
	if atomic.LoadInt32(&conv.endCalls) != 1 || atomic.LoadInt32(&conv.waitCalls) != 1 {
		t.Fatalf("expected end and wait once, got end=%d wait=%d", conv.endCalls, conv.waitCalls)
	}
	if conv.inputCount() != 1 {
		t.Fatalf("expected exactly one input, got %d", conv.inputCount())
	}
}

func TestController_RepeatedStartFiresHookOnce(t *testing.T) {
	conn := newFakeConn()
	conv := newFakeConversation()
	var hookCalls int32
	c := NewController(conn, conv.factory(), testConfig(), WithStreamStartHook(func(mediastream.StartInfo) {
		atomic.AddInt32(&hookCalls, 1)
	}))
	errc := runAsync(c)

	start := []byte(`{"event":"start","start":{"streamSid":"SID1","callSid":"CA1"}}`)
	conn.in <- start
	conn.in <- start
	conn.in <- []byte(`{"event":"stop"}`)
	if err := waitErr(t, errc); err != nil {
		t.Fatalf("run: %v", err)
	}
	if n := atomic.LoadInt32(&hookCalls); n != 1 {
		t.Fatalf("expected start hook once, got %d", n)
	}
}

func TestController_DrainFailureIsReturned(t *testing.T) {
	conn := newFakeConn()
	conv := newFakeConversation()
	conv.waitErr = errors.New("engine did not close")
	c := NewController(conn, conv.factory(), testConfig())
	errc := runAsync(c)

	conn.in <- []byte(`{"event":"start","start":{"streamSid":"SID1","callSid":"CA1"}}`)
	conn.in <- []byte(`{"event":"stop"}`)
	err := waitErr(t, errc)
	if !errors.Is(err, conv.waitErr) {
		t.Fatalf("expected wait error, got %v", err)
	}
	if c.State() != StateClosed {
		t.Fatalf("expected closed, got %s", c.State())
	}
	if atomic.LoadInt32(&conv.endCalls) != 1 || atomic.LoadInt32(&conv.waitCalls) != 1 {
		t.Fatalf("expected end and wait once, got end=%d wait=%d", conv.endCalls, conv.waitCalls)
	}
}

func TestController_AgentAudioCarriesStreamSID(t *testing.T) {
	conn := newFakeConn()
	conv := newFakeConversation()
	c := NewController(conn, conv.factory(), testConfig())
	errc := runAsync(c)

	select {
	case <-conv.started:
	case <-time.After(2 * time.Second):
		t.Fatalf("conversation did not start")
	}
	conv.device.Output(audio.Frame("early"))
	time.Sleep(20 * time.Millisecond)
	if n := len(conn.outbound()); n != 0 {
		t.Fatalf("expected no outbound before start, got %d", n)
	}

	conn.in <- []byte(`{"event":"start","start":{"streamSid":"SID1"}}`)
	waitUntil(t, func() bool { return len(conn.outbound()) == 1 }, "outbound media")
	env := conn.outbound()[0]
	if env["event"] != "media" || env["streamSid"] != "SID1" {
		t.Fatalf("unexpected envelope %v", env)
	}

	conv.device.Interrupt()
	conv.device.Output(audio.Frame("after"))
	waitUntil(t, func() bool { return len(conn.outbound()) == 3 }, "clear then media")
	out := conn.outbound()
	if out[1]["event"] != "clear" || out[1]["streamSid"] != "SID1" || out[2]["event"] != "media" {
		t.Fatalf("unexpected sequence %v", out)
	}

	c.End()
	if err := waitErr(t, errc); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestController_MalformedMessageIsIsolated(t *testing.T) {
	conn := newFakeConn()
	conv := newFakeConversation()
	c := NewController(conn, conv.factory(), testConfig())
	errc := runAsync(c)

	payload := base64.StdEncoding.EncodeToString([]byte{0xFF, 0xFF})
	conn.in <- []byte(`{"event":"start","start":{"streamSid":"SID1"}}`)
	conn.in <- []byte(`{"event":"media","media":`)
	conn.in <- []byte(`{"event":"media","media":{"payload":"` + payload + `"}}`)

	waitUntil(t, func() bool { return conv.inputCount() == 1 }, "well-formed media")
	close(conn.in)
	if err := waitErr(t, errc); err != nil {
		t.Fatalf("disconnect must not be an error: %v", err)
	}
	if conv.inputCount() != 1 {
		t.Fatalf("expected 1 input, got %d", conv.inputCount())
	}
}

func TestController_InputPanicIsContained(t *testing.T) {
	conn := newFakeConn()
	var calls int32
	factory := func(device AudioDevice, hooks Hooks) (Conversation, error) {
		conv := &panickyConversation{device: device, calls: &calls}
		return conv, nil
	}
	c := NewController(conn, factory, testConfig())
	errc := runAsync(c)

	payload := base64.StdEncoding.EncodeToString([]byte{1})
	conn.in <- []byte(`{"event":"start","start":{"streamSid":"SID1"}}`)
	conn.in <- []byte(`{"event":"media","media":{"payload":"` + payload + `"}}`)
	conn.in <- []byte(`{"event":"media","media":{"payload":"` + payload + `"}}`)
	waitUntil(t, func() bool { return atomic.LoadInt32(&calls) == 2 }, "second media after panic")
	conn.in <- []byte(`{"event":"stop"}`)
	if err := waitErr(t, errc); err != nil {
		t.Fatalf("run: %v", err)
	}
}

type panickyConversation struct {
	device AudioDevice
	calls  *int32
}

func (p *panickyConversation) StartSession(context.Context) error {
	p.device.Start(func(audio.Frame) {
		if atomic.AddInt32(p.calls, 1) == 1 {
			panic("boom")
		}
	})
	return nil
}
func (p *panickyConversation) EndSession() { p.device.Stop() }
func (p *panickyConversation) WaitForSessionEnd(context.Context) (string, error) {
	return "", nil
}

func TestController_FactoryFailure(t *testing.T) {
	conn := newFakeConn()
	boom := errors.New("no agent")
	factory := func(AudioDevice, Hooks) (Conversation, error) { return nil, boom }
	c := NewController(conn, factory, testConfig())
	err := c.Run(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("expected factory error, got %v", err)
	}
	if c.State() != StateClosed {
		t.Fatalf("expected closed, got %s", c.State())
	}
}

func TestController_StartSessionFailureStillEndsConversation(t *testing.T) {
	conn := newFakeConn()
	boom := errors.New("handshake refused")
	conv := newFakeConversation()
	conv.startErr = boom
	c := NewController(conn, conv.factory(), testConfig())
	err := c.Run(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("expected start error, got %v", err)
	}
	if atomic.LoadInt32(&conv.endCalls) != 1 || atomic.LoadInt32(&conv.waitCalls) != 1 {
		t.Fatalf("expected end and wait once, got end=%d wait=%d", conv.endCalls, conv.waitCalls)
	}
	if c.State() != StateClosed {
		t.Fatalf("expected closed, got %s", c.State())
	}
}

func TestController_EngineDisconnectEndsStream(t *testing.T) {
	conn := newFakeConn()
	conv := newFakeConversation()
	c := NewController(conn, conv.factory(), testConfig())
	errc := runAsync(c)
	conn.in <- []byte(`{"event":"start","start":{"streamSid":"SID1"}}`)
	waitUntil(t, func() bool { return c.State() == StateActive }, "active")

	conv.hooks.ModeChange("speaking")
	if c.Mode() != "speaking" {
		t.Fatalf("expected mode speaking, got %q", c.Mode())
	}
	conv.hooks.Disconnect()
	if err := waitErr(t, errc); err != nil {
		t.Fatalf("run: %v", err)
	}
	select {
	case <-conn.done:
	default:
		t.Fatalf("expected telephony connection closed")
	}
}

func TestController_ContextCancelTearsDown(t *testing.T) {
	conn := newFakeConn()
	conv := newFakeConversation()
	c := NewController(conn, conv.factory(), testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- c.Run(ctx) }()
	waitUntil(t, func() bool { return c.State() == StateAccepting }, "accepting")
	cancel()
	if err := waitErr(t, errc); err != nil {
		t.Fatalf("run: %v", err)
	}
	if atomic.LoadInt32(&conv.endCalls) != 1 {
		t.Fatalf("expected end once, got %d", conv.endCalls)
	}
}

func TestController_RunOnlyOnce(t *testing.T) {
	conn := newFakeConn()
	conv := newFakeConversation()
	c := NewController(conn, conv.factory(), testConfig())
	close(conn.in)
	_ = c.Run(context.Background())
	if err := c.Run(context.Background()); !errors.Is(err, ErrControllerUsed) {
		t.Fatalf("expected ErrControllerUsed, got %v", err)
	}
}
