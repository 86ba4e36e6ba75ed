package convai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chadiek/call-relay/internal/audio"
)

const (
	ModeSpeaking  = "speaking"
	ModeListening = "listening"

	writeWait = 5 * time.Second
)

// ErrAlreadyStarted is returned when StartSession is called twice.
var ErrAlreadyStarted = errors.New("convai: session already started")

// AudioInterface is the audio device a conversation plays into and captures
// from. Output and Interrupt are called from the socket reader goroutine.
type AudioInterface interface {
	Start(input func(audio.Frame))
	Stop()
	Output(frame audio.Frame)
	Interrupt()
}

// Callbacks observe the conversation. Any of them may be nil.
type Callbacks struct {
	AgentResponse           func(text string)
	AgentResponseCorrection func(original, corrected string)
	UserTranscript          func(text string)
	ModeChange              func(mode string)
	// Disconnect fires when the agent side closed the socket without EndSession.
	Disconnect func()
}

// Conversation is one live session with the agent.
type Conversation struct {
	client *Client
	device AudioInterface
	cb     Callbacks

	writeMu sync.Mutex
	conn    *websocket.Conn

	mu             sync.Mutex
	started        bool
	conversationID string
	lastInterrupt  int64
	mode           string

	ending     atomic.Bool
	endOnce    sync.Once
	sendFailed atomic.Bool
	done       chan struct{}
}

// NewConversation binds a new, not yet started conversation to device.
func (c *Client) NewConversation(device AudioInterface, cb Callbacks) *Conversation {
	return &Conversation{
		client: c,
		device: device,
		cb:     cb,
		done:   make(chan struct{}),
	}
}

// StartSession connects to the agent, sends the initiation message and starts
// the audio device. It returns once the socket is open.
func (cv *Conversation) StartSession(ctx context.Context) error {
	cv.mu.Lock()
	if cv.started {
		cv.mu.Unlock()
		return ErrAlreadyStarted
	}
	cv.started = true
	cv.mu.Unlock()

	conn, err := cv.client.dial(ctx)
	if err != nil {
		close(cv.done)
		return err
	}
	cv.writeMu.Lock()
	cv.conn = conn
	cv.writeMu.Unlock()

	if err := cv.writeJSON(initiationMessage{Type: "conversation_initiation_client_data"}); err != nil {
		_ = conn.Close()
		close(cv.done)
		return fmt.Errorf("convai: send initiation: %w", err)
	}
	if cv.ending.Load() {
		_ = conn.Close()
		close(cv.done)
		return errors.New("convai: session ended during start")
	}
	cv.device.Start(cv.sendUserAudio)
	go cv.readLoop(conn)
	return nil
}

// EndSession stops the device and closes the socket. Safe to call more than
// once and before StartSession.
func (cv *Conversation) EndSession() {
	cv.endOnce.Do(func() {
		cv.ending.Store(true)
		cv.device.Stop()
		cv.writeMu.Lock()
		defer cv.writeMu.Unlock()
		if cv.conn == nil {
			return
		}
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = cv.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = cv.conn.Close()
	})
}

// WaitForSessionEnd blocks until the socket reader exited and returns the
// conversation id announced by the agent.
func (cv *Conversation) WaitForSessionEnd(ctx context.Context) (string, error) {
	cv.mu.Lock()
	started := cv.started
	cv.mu.Unlock()
	if !started {
		return "", nil
	}
	select {
	case <-cv.done:
		return cv.ConversationID(), nil
	case <-ctx.Done():
		return cv.ConversationID(), fmt.Errorf("convai: wait for session end: %w", ctx.Err())
	}
}

// ConversationID is empty until the initiation metadata arrived.
func (cv *Conversation) ConversationID() string {
	cv.mu.Lock()
	defer cv.mu.Unlock()
	return cv.conversationID
}

// Mode reports whether the agent is currently speaking or listening.
func (cv *Conversation) Mode() string {
	cv.mu.Lock()
	defer cv.mu.Unlock()
	return cv.mode
}

func (cv *Conversation) readLoop(conn *websocket.Conn) {
	defer func() {
		close(cv.done)
		if cv.ending.Load() {
			return
		}
		log.Printf("convai: agent closed conversation %s", cv.ConversationID())
		if cv.cb.Disconnect != nil {
			cv.cb.Disconnect()
		}
	}()
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if !cv.ending.Load() && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				log.Printf("convai: read error: %v", err)
			}
			return
		}
		cv.handleMessage(message)
	}
}

func (cv *Conversation) handleMessage(message []byte) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("convai: recovered while handling message: %v", r)
		}
	}()
	var ev serverEvent
	if err := json.Unmarshal(message, &ev); err != nil {
		log.Printf("convai: unmarshal message: %v", err)
		return
	}
	switch ev.Type {
	case typeInitiationMetadata:
		if ev.Metadata == nil {
			return
		}
		cv.mu.Lock()
		cv.conversationID = ev.Metadata.ConversationID
		cv.mu.Unlock()
		log.Printf("convai: conversation %s started (agent_output=%s user_input=%s)",
			ev.Metadata.ConversationID, ev.Metadata.AgentOutputAudioFormat, ev.Metadata.UserInputAudioFormat)
		if f := ev.Metadata.AgentOutputAudioFormat; f != "" && f != telephonyFormat {
			log.Printf("convai: WARNING agent output format is %s, callers expect %s", f, telephonyFormat)
		}
		if f := ev.Metadata.UserInputAudioFormat; f != "" && f != telephonyFormat {
			log.Printf("convai: WARNING agent input format is %s, caller audio is %s", f, telephonyFormat)
		}
	case typeAudio:
		if ev.Audio == nil {
			return
		}
		cv.mu.Lock()
		stale := ev.Audio.EventID <= cv.lastInterrupt
		cv.mu.Unlock()
		if stale {
			return
		}
		pcm, err := base64.StdEncoding.DecodeString(ev.Audio.Audio)
		if err != nil {
			log.Printf("convai: decode audio event %d: %v", ev.Audio.EventID, err)
			return
		}
		cv.setMode(ModeSpeaking)
		cv.device.Output(audio.Frame(pcm))
	case typeInterruption:
		if ev.Interruption == nil {
			return
		}
		cv.mu.Lock()
		if ev.Interruption.EventID > cv.lastInterrupt {
			cv.lastInterrupt = ev.Interruption.EventID
		}
		cv.mu.Unlock()
		cv.device.Interrupt()
		cv.setMode(ModeListening)
	case typeAgentResponse:
		if ev.AgentResponse != nil && cv.cb.AgentResponse != nil {
			cv.cb.AgentResponse(ev.AgentResponse.AgentResponse)
		}
	case typeAgentCorrection:
		if ev.Correction != nil && cv.cb.AgentResponseCorrection != nil {
			cv.cb.AgentResponseCorrection(ev.Correction.Original, ev.Correction.Corrected)
		}
	case typeUserTranscript:
		if ev.Transcript == nil {
			return
		}
		if cv.cb.UserTranscript != nil {
			cv.cb.UserTranscript(ev.Transcript.UserTranscript)
		}
		cv.setMode(ModeListening)
	case typePing:
		if ev.Ping == nil {
			return
		}
		if err := cv.writeJSON(pongMessage{Type: "pong", EventID: ev.Ping.EventID}); err != nil {
			log.Printf("convai: pong %d: %v", ev.Ping.EventID, err)
		}
	}
}

func (cv *Conversation) setMode(mode string) {
	cv.mu.Lock()
	changed := cv.mode != mode
	cv.mode = mode
	cv.mu.Unlock()
	if changed && cv.cb.ModeChange != nil {
		cv.cb.ModeChange(mode)
	}
}

// sendUserAudio is the device input callback.
func (cv *Conversation) sendUserAudio(frame audio.Frame) {
	if cv.ending.Load() {
		return
	}
	msg := userAudioMessage{UserAudioChunk: base64.StdEncoding.EncodeToString(frame)}
	if err := cv.writeJSON(msg); err != nil && cv.sendFailed.CompareAndSwap(false, true) {
		log.Printf("convai: send user audio: %v (further failures suppressed)", err)
	}
}

func (cv *Conversation) writeJSON(v any) error {
	cv.writeMu.Lock()
	defer cv.writeMu.Unlock()
	if cv.conn == nil {
		return errors.New("convai: not connected")
	}
	_ = cv.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return cv.conn.WriteJSON(v)
}
