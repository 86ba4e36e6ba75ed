package httpserver

import (
	"github.com/chadiek/call-relay/internal/convai"
	"github.com/chadiek/call-relay/internal/relay"
)

// NewConversationFactory opens one agent conversation per relayed call.
func NewConversationFactory(client *convai.Client) relay.ConversationFactory {
	return func(device relay.AudioDevice, hooks relay.Hooks) (relay.Conversation, error) {
		return client.NewConversation(device, convai.Callbacks{
			AgentResponse:  hooks.AgentResponse,
			UserTranscript: hooks.UserTranscript,
			ModeChange:     hooks.ModeChange,
			Disconnect:     hooks.Disconnect,
		}), nil
	}
}
