package whatsapp

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	waProto "go.mau.fi/whatsmeow/binary/proto"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/convoflow/convoflow/internal/common/logger"
	v1 "github.com/convoflow/convoflow/pkg/api/v1"
)

func inbound(chat string, msg *waProto.Message) *events.Message {
	jid, _ := types.ParseJID(chat)
	return &events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{Chat: jid},
			ID:            "wamid-1",
			Timestamp:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		},
		Message: msg,
	}
}

func str(s string) *string { return &s }

func TestTranslateTextMessage(t *testing.T) {
	g := &Gateway{logger: logger.Default()}

	msg := g.translate(inbound("123@s.whatsapp.net", &waProto.Message{
		Conversation: str("hello"),
	}), "123@s.whatsapp.net")

	require.NotNil(t, msg)
	assert.Equal(t, v1.MessageKindText, msg.Kind)
	assert.Equal(t, "hello", msg.Content)
	assert.Equal(t, "wamid-1", msg.ProviderMessageID)
	assert.Equal(t, "123@s.whatsapp.net", msg.ConversationID)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), msg.OriginalTimestamp)
	assert.False(t, msg.Kind.NeedsPreparation())
}

func TestTranslateExtendedTextCarriesQuote(t *testing.T) {
	g := &Gateway{logger: logger.Default()}

	msg := g.translate(inbound("123@s.whatsapp.net", &waProto.Message{
		ExtendedTextMessage: &waProto.ExtendedTextMessage{
			Text:        str("replying"),
			ContextInfo: &waProto.ContextInfo{StanzaID: str("earlier-id")},
		},
	}), "123@s.whatsapp.net")

	require.NotNil(t, msg)
	assert.Equal(t, "replying", msg.Content)
	assert.Equal(t, "earlier-id", msg.QuotedMessageID)
}

func TestTranslateAudioNeedsPreparation(t *testing.T) {
	g := &Gateway{logger: logger.Default()}

	msg := g.translate(inbound("123@s.whatsapp.net", &waProto.Message{
		AudioMessage: &waProto.AudioMessage{URL: str("https://media.example/a.ogg")},
	}), "123@s.whatsapp.net")

	require.NotNil(t, msg)
	assert.Equal(t, v1.MessageKindAudio, msg.Kind)
	assert.Empty(t, msg.Content)
	assert.Equal(t, "https://media.example/a.ogg", msg.MediaURL)
	assert.True(t, msg.Kind.NeedsPreparation())
}

func TestTranslateImageKeepsCaption(t *testing.T) {
	g := &Gateway{logger: logger.Default()}

	msg := g.translate(inbound("123@s.whatsapp.net", &waProto.Message{
		ImageMessage: &waProto.ImageMessage{
			URL:     str("https://media.example/p.jpg"),
			Caption: str("look at this"),
		},
	}), "123@s.whatsapp.net")

	require.NotNil(t, msg)
	assert.Equal(t, v1.MessageKindImage, msg.Kind)
	assert.Equal(t, "look at this", msg.Content)
}

func TestTranslateUnsupportedPayload(t *testing.T) {
	g := &Gateway{logger: logger.Default()}

	msg := g.translate(inbound("123@s.whatsapp.net", &waProto.Message{}), "123@s.whatsapp.net")
	assert.Nil(t, msg)
}

func TestSenderRemembersRecentSends(t *testing.T) {
	s := NewSender(nil, logger.Default())

	s.rememberSent("id-1")
	assert.True(t, s.WasSentByBot("id-1"))
	assert.False(t, s.WasSentByBot("id-2"))
}

func TestSenderSentWindowEvictsOldest(t *testing.T) {
	s := NewSender(nil, logger.Default())

	for i := 0; i <= sentIDWindow; i++ {
		s.rememberSent(fmt.Sprintf("id-%d", i))
	}

	assert.False(t, s.WasSentByBot("id-0"))
	assert.True(t, s.WasSentByBot(fmt.Sprintf("id-%d", sentIDWindow)))
}
