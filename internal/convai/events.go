package convai

// Wire format of the agent socket. Only the fields the relay acts on are
// decoded.

const (
	typeInitiationMetadata = "conversation_initiation_metadata"
	typeAudio              = "audio"
	typeInterruption       = "interruption"
	typeAgentResponse      = "agent_response"
	typeAgentCorrection    = "agent_response_correction"
	typeUserTranscript     = "user_transcript"
	typePing               = "ping"

	// expected on both legs, the same format Twilio streams
	telephonyFormat = "ulaw_8000"
)

type serverEvent struct {
	Type string `json:"type"`

	Metadata      *initiationMetadata `json:"conversation_initiation_metadata_event,omitempty"`
	Audio         *audioEvent         `json:"audio_event,omitempty"`
	Interruption  *interruptionEvent  `json:"interruption_event,omitempty"`
	AgentResponse *agentResponseEvent `json:"agent_response_event,omitempty"`
	Correction    *correctionEvent    `json:"agent_response_correction_event,omitempty"`
	Transcript    *transcriptEvent    `json:"user_transcription_event,omitempty"`
	Ping          *pingEvent          `json:"ping_event,omitempty"`
}

type initiationMetadata struct {
	ConversationID         string `json:"conversation_id"`
	AgentOutputAudioFormat string `json:"agent_output_audio_format"`
	UserInputAudioFormat   string `json:"user_input_audio_format"`
}

type audioEvent struct {
	Audio   string `json:"audio_base_64"`
	EventID int64  `json:"event_id"`
}

type interruptionEvent struct {
	EventID int64 `json:"event_id"`
}

type agentResponseEvent struct {
	AgentResponse string `json:"agent_response"`
}

type correctionEvent struct {
	Original  string `json:"original_agent_response"`
	Corrected string `json:"corrected_agent_response"`
}

type transcriptEvent struct {
	UserTranscript string `json:"user_transcript"`
}

type pingEvent struct {
	EventID int64 `json:"event_id"`
	PingMS  int64 `json:"ping_ms"`
}

type initiationMessage struct {
	Type string `json:"type"`
}

type pongMessage struct {
	Type    string `json:"type"`
	EventID int64  `json:"event_id"`
}

type userAudioMessage struct {
	UserAudioChunk string `json:"user_audio_chunk"`
}
