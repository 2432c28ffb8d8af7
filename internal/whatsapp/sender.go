package whatsapp

import (
	"context"
	"sync"

	"go.mau.fi/whatsmeow"
	waProto "go.mau.fi/whatsmeow/binary/proto"
	"go.mau.fi/whatsmeow/types"
	"go.uber.org/zap"

	apperrors "github.com/convoflow/convoflow/internal/common/errors"
	"github.com/convoflow/convoflow/internal/common/logger"
	"github.com/convoflow/convoflow/internal/orchestrator/executor"
)

// sentIDWindow caps how many of our own outbound message IDs we remember.
// The window only needs to cover the echo latency of the provider, which
// delivers our own sends back to us as inbound events.
const sentIDWindow = 256

// Sender delivers replies through a connected WhatsApp client.
type Sender struct {
	client *whatsmeow.Client
	logger *logger.Logger

	mu      sync.Mutex
	sentIDs map[string]struct{}
	sentLog []string
}

var _ executor.Delivery = (*Sender)(nil)

// NewSender wraps a connected client as a reply transport.
func NewSender(client *whatsmeow.Client, log *logger.Logger) *Sender {
	return &Sender{
		client:  client,
		logger:  log.WithFields(zap.String("component", "whatsapp-sender")),
		sentIDs: make(map[string]struct{}),
	}
}

// Send delivers text to the conversation's chat. When quotedMessageID is
// set the reply references that message so multi-message batches read as
// one answer to the latest message.
func (s *Sender) Send(ctx context.Context, conversationID, text, quotedMessageID string) (*executor.Receipt, error) {
	jid, err := types.ParseJID(conversationID)
	if err != nil {
		return nil, apperrors.InvalidInput("conversation ID is not a valid JID: " + conversationID)
	}

	msg := &waProto.Message{}
	if quotedMessageID != "" {
		msg.ExtendedTextMessage = &waProto.ExtendedTextMessage{
			Text: &text,
			ContextInfo: &waProto.ContextInfo{
				StanzaID: &quotedMessageID,
			},
		}
	} else {
		msg.Conversation = &text
	}

	resp, err := s.client.SendMessage(ctx, jid, msg)
	if err != nil {
		return nil, apperrors.Wrap(err, "send whatsapp message")
	}

	s.rememberSent(resp.ID)
	s.logger.Debug("reply delivered",
		zap.String(string(logger.ConversationIDKey), conversationID),
		zap.String("provider_message_id", resp.ID))
	return &executor.Receipt{ProviderMessageID: resp.ID}, nil
}

// Composing shows the typing indicator in the conversation's chat.
func (s *Sender) Composing(ctx context.Context, conversationID string) error {
	jid, err := types.ParseJID(conversationID)
	if err != nil {
		return apperrors.InvalidInput("conversation ID is not a valid JID: " + conversationID)
	}
	return s.client.SendChatPresence(ctx, jid, types.ChatPresenceComposing, types.ChatPresenceMediaText)
}

// WasSentByBot reports whether a provider message ID belongs to one of our
// own recent sends. Inbound events for such IDs are echoes, not human
// operator replies.
func (s *Sender) WasSentByBot(providerMessageID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sentIDs[providerMessageID]
	return ok
}

func (s *Sender) rememberSent(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sentIDs[id] = struct{}{}
	s.sentLog = append(s.sentLog, id)
	if len(s.sentLog) > sentIDWindow {
		oldest := s.sentLog[0]
		s.sentLog = s.sentLog[1:]
		delete(s.sentIDs, oldest)
	}
}
