package relay

import (
	"context"
	"time"

	"github.com/chadiek/call-relay/internal/audio"
)

// AudioDevice is the capability contract a conversational engine expects from
// an audio device. Bridge is the only implementation.
type AudioDevice interface {
	// Start records the callback for captured audio and begins playback.
	Start(input func(audio.Frame))
	// Stop ends playback. Safe to call more than once.
	Stop()
	// Output queues synthesized audio for playback.
	Output(frame audio.Frame)
	// Interrupt discards pending playback immediately (barge-in).
	Interrupt()
}

// Hooks are the session-level observers the controller hands to the engine.
// All are fire-and-forget.
type Hooks struct {
	AgentResponse  func(text string)
	UserTranscript func(text string)
	ModeChange     func(mode string)
	// Disconnect fires when the engine side ends the conversation on its own.
	Disconnect func()
}

// Conversation is the live handle to the conversational engine.
type Conversation interface {
	StartSession(ctx context.Context) error
	EndSession()
	// WaitForSessionEnd blocks until the engine acknowledged termination and
	// returns the engine's conversation id, if any.
	WaitForSessionEnd(ctx context.Context) (string, error)
}

// ConversationFactory creates one conversation bound to device.
type ConversationFactory func(device AudioDevice, hooks Hooks) (Conversation, error)

// Config tunes one relay session.
type Config struct {
	// QueueCapacity bounds the outbound frame queue.
	QueueCapacity int
	// PushTimeout is how long Output waits for queue space before evicting the oldest frame.
	PushTimeout time.Duration
	// PopTimeout bounds each wait of the output goroutine so it can observe Stop.
	PopTimeout time.Duration
	// StopTimeout bounds how long Stop waits for the output goroutine.
	StopTimeout time.Duration
	// EndTimeout bounds WaitForSessionEnd during teardown.
	EndTimeout time.Duration
	// WriteTimeout bounds each outbound telephony write.
	WriteTimeout time.Duration
}

// DefaultConfig holds about ten seconds of 20ms frames.
func DefaultConfig() Config {
	return Config{
		QueueCapacity: 500,
		PushTimeout:   20 * time.Millisecond,
		PopTimeout:    100 * time.Millisecond,
		StopTimeout:   time.Second,
		EndTimeout:    5 * time.Second,
		WriteTimeout:  5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = d.QueueCapacity
	}
	if c.PushTimeout < 0 {
		c.PushTimeout = 0
	}
	if c.PopTimeout <= 0 {
		c.PopTimeout = d.PopTimeout
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = d.StopTimeout
	}
	if c.EndTimeout <= 0 {
		c.EndTimeout = d.EndTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	return c
}
