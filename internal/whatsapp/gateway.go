package whatsapp

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"go.uber.org/zap"

	v1 "github.com/convoflow/convoflow/pkg/api/v1"

	"github.com/convoflow/convoflow/internal/common/config"
	apperrors "github.com/convoflow/convoflow/internal/common/errors"
	"github.com/convoflow/convoflow/internal/common/logger"
	"github.com/convoflow/convoflow/internal/orchestrator/executor"
)

// Engine receives inbound traffic from the gateway. The scheduler
// satisfies it.
type Engine interface {
	OnMessageArrived(ctx context.Context, msg *v1.Message) error
	OnHumanReply(ctx context.Context, conversationID string) error
}

// inboundTimeout bounds how long one inbound event may spend in the
// engine before the handler gives up on it.
const inboundTimeout = 10 * time.Second

// Gateway owns the WhatsApp session: device store, connection, QR pairing,
// and translation of provider events into engine calls.
type Gateway struct {
	cfg    config.WhatsAppConfig
	client *whatsmeow.Client
	sender *Sender
	engine Engine
	logger *logger.Logger
}

// NewGateway opens the device store and constructs the client. The gateway
// is not connected until Start is called. The engine is injected later via
// SetEngine because the executor needs this gateway's sender first.
func NewGateway(ctx context.Context, cfg config.WhatsAppConfig, log *logger.Logger) (*Gateway, error) {
	dbLog := waLog.Stdout("Database", "ERROR", true)
	container, err := sqlstore.New(ctx, "sqlite3", cfg.StorePath, dbLog)
	if err != nil {
		return nil, apperrors.Wrap(err, "open whatsapp device store")
	}

	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, apperrors.Wrap(err, "load whatsapp device")
	}

	client := whatsmeow.NewClient(device, waLog.Stdout("Client", "ERROR", true))
	g := &Gateway{
		cfg:    cfg,
		client: client,
		logger: log.WithFields(zap.String("component", "whatsapp-gateway")),
	}
	g.sender = NewSender(client, log)
	client.AddEventHandler(g.handleEvent)
	return g, nil
}

// Sender returns the reply transport bound to this session.
func (g *Gateway) Sender() *Sender {
	return g.sender
}

// SetEngine installs the inbound message handler. Must be called before
// Start.
func (g *Gateway) SetEngine(engine Engine) {
	g.engine = engine
}

// Start connects the client. On a fresh device it blocks on QR pairing
// until the session is linked.
func (g *Gateway) Start(ctx context.Context) error {
	if g.client.Store.ID == nil {
		qrChan, err := g.client.GetQRChannel(ctx)
		if err != nil {
			return apperrors.Wrap(err, "open qr channel")
		}
		if err := g.client.Connect(); err != nil {
			return apperrors.Wrap(err, "connect whatsapp client")
		}
		for evt := range qrChan {
			switch evt.Event {
			case "code":
				if g.cfg.ShowQR {
					qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, os.Stdout)
				} else {
					g.logger.Info("pairing code available", zap.String("code", evt.Code))
				}
			case "success":
				g.logger.Info("device paired")
			default:
				g.logger.Debug("qr channel event", zap.String("event", evt.Event))
			}
		}
		return nil
	}

	if err := g.client.Connect(); err != nil {
		return apperrors.Wrap(err, "connect whatsapp client")
	}
	g.logger.Info("connected", zap.String("device", g.client.Store.ID.String()))
	return nil
}

// Stop disconnects the client.
func (g *Gateway) Stop() {
	g.client.Disconnect()
}

func (g *Gateway) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.Message:
		g.handleMessage(v)
	case *events.Connected:
		g.logger.Info("session connected")
	case *events.Disconnected:
		g.logger.Warn("session disconnected")
	case *events.LoggedOut:
		g.logger.Error("device logged out, pairing required")
	}
}

func (g *Gateway) handleMessage(v *events.Message) {
	if g.engine == nil || v.Info.Chat.User == "status" {
		return
	}
	conversationID := v.Info.Chat.String()

	ctx, cancel := context.WithTimeout(context.Background(), inboundTimeout)
	defer cancel()

	if v.Info.IsFromMe {
		// Our own sends echo back as inbound events. Anything else from
		// this account is a human operator answering directly.
		if g.sender.WasSentByBot(v.Info.ID) {
			return
		}
		if err := g.engine.OnHumanReply(ctx, conversationID); err != nil {
			g.logger.Warn("human reply not recorded",
				zap.String(string(logger.ConversationIDKey), conversationID), zap.Error(err))
		}
		return
	}

	msg := g.translate(v, conversationID)
	if msg == nil {
		return
	}
	if err := g.engine.OnMessageArrived(ctx, msg); err != nil {
		g.logger.Error("inbound message rejected",
			zap.String(string(logger.ConversationIDKey), conversationID), zap.Error(err))
	}
}

// translate maps a provider event onto the engine's message shape.
// Unsupported payloads (stickers, reactions, receipts) map to nil.
func (g *Gateway) translate(v *events.Message, conversationID string) *v1.Message {
	msg := &v1.Message{
		ID:                uuid.New().String(),
		ConversationID:    conversationID,
		Direction:         v1.DirectionInbound,
		ProviderMessageID: v.Info.ID,
		ArrivedAt:         time.Now().UTC(),
		OriginalTimestamp: v.Info.Timestamp.UTC(),
	}

	switch {
	case v.Message.GetConversation() != "":
		msg.Kind = v1.MessageKindText
		msg.Content = v.Message.GetConversation()
	case v.Message.GetExtendedTextMessage() != nil:
		msg.Kind = v1.MessageKindText
		msg.Content = v.Message.GetExtendedTextMessage().GetText()
		msg.QuotedMessageID = v.Message.GetExtendedTextMessage().GetContextInfo().GetStanzaID()
	case v.Message.GetAudioMessage() != nil:
		msg.Kind = v1.MessageKindAudio
		msg.MediaURL = v.Message.GetAudioMessage().GetURL()
	case v.Message.GetImageMessage() != nil:
		msg.Kind = v1.MessageKindImage
		msg.MediaURL = v.Message.GetImageMessage().GetURL()
		if c := v.Message.GetImageMessage().GetCaption(); c != "" {
			msg.Content = c
		}
	default:
		return nil
	}

	if msg.Kind == v1.MessageKindText && msg.Content == "" {
		return nil
	}
	return msg
}

// ConsoleDelivery writes replies to stdout. It stands in for the WhatsApp
// transport when the gateway is disabled, which keeps the rest of the
// engine runnable in development.
type ConsoleDelivery struct {
	logger *logger.Logger
}

var _ executor.Delivery = (*ConsoleDelivery)(nil)

func NewConsoleDelivery(log *logger.Logger) *ConsoleDelivery {
	return &ConsoleDelivery{logger: log.WithFields(zap.String("component", "console-delivery"))}
}

func (d *ConsoleDelivery) Send(ctx context.Context, conversationID, text, quotedMessageID string) (*executor.Receipt, error) {
	fmt.Printf("[%s] %s\n", conversationID, text)
	return &executor.Receipt{ProviderMessageID: "console-" + uuid.New().String()}, nil
}

func (d *ConsoleDelivery) Composing(ctx context.Context, conversationID string) error {
	return nil
}
