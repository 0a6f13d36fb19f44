package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	qrterminal "github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"

	"github.com/stellarlinkco/deckbot/internal/bus"
	"github.com/stellarlinkco/deckbot/internal/config"
	"github.com/stellarlinkco/deckbot/pkg/logger"

	_ "modernc.org/sqlite"
)

const (
	whatsappChannelName = "whatsapp"
	whatsappSendTimeout = 30 * time.Second
)

var errWhatsAppNotReady = errors.New("whatsapp client not initialized")

// WhatsAppChannel talks to WhatsApp as a linked device. The device keys live
// in a SQLite store next to the config; an empty store means the next Start
// prints a pairing QR code.
type WhatsAppChannel struct {
	BaseChannel
	cfg       config.WhatsAppConfig
	client    *whatsmeow.Client
	devices   *sqlstore.Container
	handlerID uint32
	qrOut     io.Writer
	cancel    context.CancelFunc
}

func NewWhatsApp(cfg config.WhatsAppConfig, msgBus *bus.MessageBus) (*WhatsAppChannel, error) {
	waLogger := logger.WhatsApp(logger.Global().Named(whatsappChannelName))

	devices, device, err := openDeviceStore(context.Background(), cfg.StorePath, waLogger.Sub("store"))
	if err != nil {
		return nil, err
	}

	ch := &WhatsAppChannel{
		BaseChannel: NewBaseChannel(whatsappChannelName, msgBus, cfg.AllowFrom),
		cfg:         cfg,
		client:      whatsmeow.NewClient(device, waLogger.Sub("client")),
		devices:     devices,
		qrOut:       os.Stdout,
	}
	ch.handlerID = ch.client.AddEventHandler(ch.handleEvent)
	return ch, nil
}

// openDeviceStore opens the linked-device database and returns its first
// device, or a blank one when nothing is paired yet.
func openDeviceStore(ctx context.Context, path string, log waLog.Logger) (*sqlstore.Container, *store.Device, error) {
	if path = strings.TrimSpace(path); path == "" {
		path = filepath.Join(config.ConfigDir(), "whatsapp-store.db")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, nil, fmt.Errorf("create whatsapp store dir: %w", err)
	}

	dsn := "file:" + filepath.ToSlash(path) + "?_pragma=foreign_keys(1)"
	devices, err := sqlstore.New(ctx, "sqlite", dsn, log)
	if err != nil {
		return nil, nil, fmt.Errorf("open whatsapp device store: %w", err)
	}
	device, err := devices.GetFirstDevice(ctx)
	if err != nil {
		_ = devices.Close()
		return nil, nil, fmt.Errorf("load whatsapp device: %w", err)
	}
	return devices, device, nil
}

func (w *WhatsAppChannel) paired() bool {
	return w.client != nil && w.client.Store.ID != nil
}

func (w *WhatsAppChannel) Start(ctx context.Context) error {
	if w.client == nil {
		return errWhatsAppNotReady
	}
	ctx, cancel := context.WithCancel(ctx)

	if !w.paired() {
		codes, err := w.client.GetQRChannel(ctx)
		if err != nil {
			cancel()
			return fmt.Errorf("whatsapp pairing: %w", err)
		}
		w.log.Info("device not linked, waiting for QR scan")
		go w.renderPairing(ctx, codes)
	}

	if err := w.client.Connect(); err != nil {
		cancel()
		return fmt.Errorf("connect whatsapp: %w", err)
	}
	w.cancel = cancel

	go func() {
		<-ctx.Done()
		w.client.Disconnect()
	}()
	return nil
}

// Stop disconnects and releases the device store. It is safe to call on a
// channel that never started.
func (w *WhatsAppChannel) Stop() error {
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
	if w.client != nil {
		if w.handlerID != 0 {
			w.client.RemoveEventHandler(w.handlerID)
			w.handlerID = 0
		}
		w.client.Disconnect()
	}

	var err error
	if w.devices != nil {
		if cerr := w.devices.Close(); cerr != nil {
			err = fmt.Errorf("close whatsapp device store: %w", cerr)
		}
		w.devices = nil
	}
	w.log.Info("stopped", zap.Bool("paired", w.paired()))
	return err
}

func (w *WhatsAppChannel) Send(msg bus.OutboundMessage) error {
	if w.client == nil {
		return errWhatsAppNotReady
	}
	text := strings.TrimSpace(msg.Content)
	if text == "" {
		return nil
	}
	to, err := w.recipient(msg.ChatID)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), whatsappSendTimeout)
	defer cancel()
	if _, err := w.client.SendMessage(ctx, to, &waE2E.Message{Conversation: proto.String(text)}); err != nil {
		return fmt.Errorf("send whatsapp message to %s: %w", to, err)
	}
	return nil
}

// recipient resolves a reply target, falling back to the configured JID.
func (w *WhatsAppChannel) recipient(chatID string) (types.JID, error) {
	target := strings.TrimSpace(chatID)
	if target == "" {
		target = strings.TrimSpace(w.cfg.JID)
	}
	if target == "" {
		return types.EmptyJID, errors.New("whatsapp chat id is required")
	}
	jid, err := parseWhatsAppJID(target)
	if err != nil {
		return types.EmptyJID, fmt.Errorf("parse whatsapp chat id %q: %w", target, err)
	}
	return jid, nil
}

// renderPairing draws each pairing code as a terminal QR code and logs the
// outcome of the pairing attempt.
func (w *WhatsAppChannel) renderPairing(ctx context.Context, codes <-chan whatsmeow.QRChannelItem) {
	for {
		var item whatsmeow.QRChannelItem
		var ok bool
		select {
		case <-ctx.Done():
			return
		case item, ok = <-codes:
		}
		if !ok {
			return
		}

		if item.Event == whatsmeow.QRChannelEventCode {
			w.log.Info("scan the QR code with WhatsApp > Linked devices", zap.Duration("expires_in", item.Timeout))
			qrterminal.GenerateHalfBlock(item.Code, qrterminal.L, w.qrOut)
			continue
		}
		fields := []zap.Field{zap.String("event", item.Event)}
		if item.Error != nil {
			w.log.Warn("pairing failed", append(fields, zap.Error(item.Error))...)
			continue
		}
		w.log.Info("pairing finished", fields...)
	}
}

func (w *WhatsAppChannel) handleEvent(evt interface{}) {
	switch e := evt.(type) {
	case *events.Message:
		w.handleMessage(e)
	case *events.Connected:
		w.log.Info("connected")
	case *events.Disconnected:
		w.log.Warn("disconnected")
	case *events.LoggedOut:
		w.log.Warn("device unlinked, delete the store to pair again", zap.Any("reason", e.Reason))
	}
}

func (w *WhatsAppChannel) handleMessage(evt *events.Message) {
	if evt == nil || evt.Message == nil || evt.Info.IsFromMe {
		return
	}

	device := evt.Info.Sender.String()
	sender := evt.Info.Sender.ToNonAD().String()
	if !w.IsAllowed(sender) && !w.IsAllowed(device) {
		w.log.Info("rejected message", zap.String("sender", sender))
		return
	}

	text := extractWhatsAppText(evt.Message)
	if text == "" {
		return
	}

	w.publish(bus.InboundMessage{
		Channel:   whatsappChannelName,
		SenderID:  sender,
		ChatID:    evt.Info.Chat.String(),
		Content:   text,
		Timestamp: evt.Info.Timestamp,
		Metadata: map[string]any{
			"message_id": evt.Info.ID,
			"sender_jid": device,
			"push_name":  evt.Info.PushName,
		},
	})
}

// extractWhatsAppText returns the text body of a message: a plain
// conversation, an extended text message, or a media caption.
func extractWhatsAppText(msg *waE2E.Message) string {
	candidates := []string{
		msg.GetConversation(),
		msg.GetExtendedTextMessage().GetText(),
		msg.GetImageMessage().GetCaption(),
		msg.GetDocumentMessage().GetCaption(),
	}
	for _, c := range candidates {
		if c = strings.TrimSpace(c); c != "" {
			return c
		}
	}
	return ""
}

// parseWhatsAppJID accepts a full JID or a phone number with optional "+".
func parseWhatsAppJID(raw string) (types.JID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return types.EmptyJID, errors.New("empty jid")
	}
	if strings.Contains(raw, "@") {
		return types.ParseJID(raw)
	}
	if phone := strings.TrimPrefix(raw, "+"); phone != "" && strings.Trim(phone, "0123456789") == "" {
		return types.NewJID(phone, types.DefaultUserServer), nil
	}
	return types.ParseJID(raw)
}
