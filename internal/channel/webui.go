package channel

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"net/http"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stellarlinkco/deckbot/internal/bus"
	"github.com/stellarlinkco/deckbot/internal/config"
)

//go:embed static
var staticFiles embed.FS

const (
	webUIChannelName  = "webui"
	webUIWriteTimeout = 5 * time.Second
)

// Browsers keep a stable client id in local storage so a user's history
// survives reloads.
var webUIClientIDPattern = regexp.MustCompile(`^[A-Za-z0-9-]{8,64}$`)

type wsMessage struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
}

type wsClient struct {
	conn     *websocket.Conn
	senderID string
}

// WebUIChannel serves a small browser chat over a websocket. It has no
// listener of its own; the gateway mounts Routes on its HTTP server.
type WebUIChannel struct {
	BaseChannel
	clients sync.Map // connection id -> *wsClient
	nextID  atomic.Int64
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewWebUIChannel(cfg config.WebUIConfig, b *bus.MessageBus) (*WebUIChannel, error) {
	ctx, cancel := context.WithCancel(context.Background())
	return &WebUIChannel{
		BaseChannel: NewBaseChannel(webUIChannelName, b, cfg.AllowFrom),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Routes registers the chat page and the websocket endpoint.
func (w *WebUIChannel) Routes(r chi.Router) error {
	staticFS, err := fs.Sub(staticFiles, "static")
	if err != nil {
		return fmt.Errorf("embed static fs: %w", err)
	}
	r.Handle("/", http.FileServer(http.FS(staticFS)))
	r.Get("/ws", w.handleWS)
	return nil
}

// Start ties open connections to ctx.
func (w *WebUIChannel) Start(ctx context.Context) error {
	go func() {
		select {
		case <-ctx.Done():
			w.cancel()
		case <-w.ctx.Done():
		}
	}()
	return nil
}

func (w *WebUIChannel) handleWS(wr http.ResponseWriter, r *http.Request) {
	senderID := r.URL.Query().Get("id")
	if !webUIClientIDPattern.MatchString(senderID) {
		senderID = uuid.NewString()
	}
	if !w.IsAllowed(senderID) {
		w.log.Info("rejected client", zap.String("sender", senderID))
		http.Error(wr, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(wr, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		w.log.Warn("websocket accept failed", zap.Error(err))
		return
	}

	connID := fmt.Sprintf("webui-%d", w.nextID.Add(1))
	w.clients.Store(connID, &wsClient{conn: conn, senderID: senderID})
	w.log.Info("client connected", zap.String("conn", connID), zap.String("sender", senderID))

	defer func() {
		w.clients.Delete(connID)
		conn.CloseNow()
		w.log.Info("client disconnected", zap.String("conn", connID))
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		select {
		case <-w.ctx.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type != "message" || msg.Content == "" {
			continue
		}

		w.publish(bus.InboundMessage{
			Channel:   webUIChannelName,
			SenderID:  senderID,
			ChatID:    connID,
			Content:   msg.Content,
			Timestamp: time.Now(),
		})
	}
}

// Send writes a reply to the connection it answers. Replies for a closed
// connection are dropped with an error; they are never broadcast.
func (w *WebUIChannel) Send(msg bus.OutboundMessage) error {
	v, ok := w.clients.Load(msg.ChatID)
	if !ok {
		return fmt.Errorf("webui client %s is not connected", msg.ChatID)
	}

	data, err := json.Marshal(wsMessage{Type: "message", Content: msg.Content})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), webUIWriteTimeout)
	defer cancel()
	return v.(*wsClient).conn.Write(ctx, websocket.MessageText, data)
}

func (w *WebUIChannel) Stop() error {
	w.cancel()
	w.clients.Range(func(_, value any) bool {
		value.(*wsClient).conn.CloseNow()
		return true
	})
	w.log.Info("stopped")
	return nil
}
