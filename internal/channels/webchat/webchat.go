// Package webchat serves a WebSocket chat endpoint speaking the frames in
// pkg/protocol. Each connection is its own conversation.
package webchat

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/replydesk/internal/bus"
	"github.com/nextlevelbuilder/replydesk/internal/channels"
	"github.com/nextlevelbuilder/replydesk/internal/config"
	"github.com/nextlevelbuilder/replydesk/pkg/protocol"
)

const (
	channelName = "webchat"

	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendQueueSize  = 32
	maxUserIDLen   = 64
)

// ErrQueueFull is returned when a client is not draining its frames.
var ErrQueueFull = errors.New("webchat: client send queue full")

// Channel is the web chat server.
type Channel struct {
	cfg      config.WebChatConfig
	bus      *bus.MessageBus
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*client // chat id → connection
	srv     *http.Server
	subID   string
}

func New(cfg config.WebChatConfig, mb *bus.MessageBus) *Channel {
	c := &Channel{
		cfg:     cfg,
		bus:     mb,
		clients: make(map[string]*client),
		subID:   channelName + "-" + uuid.NewString(),
	}
	c.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     c.checkOrigin,
	}
	return c
}

func (c *Channel) Name() string { return channelName }

// Handler returns the HTTP handler serving /ws and /health.
func (c *Channel) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", c.handleWS)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"status": "ok", "clients": c.ClientCount()})
	})
	return mux
}

func (c *Channel) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", c.cfg.Listen)
	if err != nil {
		return fmt.Errorf("webchat listen %s: %w", c.cfg.Listen, err)
	}
	srv := &http.Server{
		Handler:           c.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	c.mu.Lock()
	c.srv = srv
	c.mu.Unlock()

	c.bus.Subscribe(c.subID, c.forwardEvent)

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("webchat: server stopped", "error", err)
		}
	}()
	slog.Info("webchat: listening", "addr", ln.Addr().String())
	return nil
}

func (c *Channel) Stop(ctx context.Context) error {
	c.bus.Unsubscribe(c.subID)

	c.mu.Lock()
	srv := c.srv
	c.srv = nil
	clients := make([]*client, 0, len(c.clients))
	for _, cl := range c.clients {
		clients = append(clients, cl)
	}
	c.mu.Unlock()

	for _, cl := range clients {
		cl.enqueue(protocol.NewEvent(protocol.EventShutdown, nil))
		cl.close()
	}
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// ClientCount reports the number of open connections.
func (c *Channel) ClientCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.clients)
}

func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	return c.push(msg.ChatID, protocol.NewEvent(protocol.EventChat, protocol.ChatPayload{
		Type: protocol.ChatEventMessage,
		Text: msg.Content,
	}))
}

func (c *Channel) SendTyping(ctx context.Context, chatID string) error {
	return c.push(chatID, protocol.NewEvent(protocol.EventChat, protocol.ChatPayload{
		Type: protocol.ChatEventTyping,
	}))
}

func (c *Channel) push(chatID string, frame *protocol.EventFrame) error {
	c.mu.RLock()
	cl, ok := c.clients[chatID]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: webchat %s", channels.ErrNotConnected, chatID)
	}
	return cl.enqueue(frame)
}

// forwardEvent relays bus broadcasts to every connected client.
func (c *Channel) forwardEvent(ev bus.Event) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, cl := range c.clients {
		if err := cl.enqueue(protocol.NewEvent(ev.Name, ev.Payload)); err != nil {
			slog.Debug("webchat: event dropped", "chat", cl.chatID, "event", ev.Name, "error", err)
		}
	}
}

func (c *Channel) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(c.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range c.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	slog.Warn("webchat: origin rejected", "origin", origin)
	return false
}

func (c *Channel) authorized(r *http.Request) bool {
	if c.cfg.Token == "" {
		return true
	}
	token := r.URL.Query().Get("token")
	if token == "" {
		token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(c.cfg.Token)) == 1
}

func (c *Channel) handleWS(w http.ResponseWriter, r *http.Request) {
	if !c.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("webchat: upgrade failed", "error", err)
		return
	}

	chatID := uuid.NewString()
	cl := &client{
		chatID: chatID,
		userID: userIDFromQuery(r.URL.Query(), chatID),
		conn:   conn,
		send:   make(chan *protocol.EventFrame, sendQueueSize),
		resp:   make(chan *protocol.ResponseFrame, sendQueueSize),
		done:   make(chan struct{}),
	}

	c.mu.Lock()
	c.clients[chatID] = cl
	c.mu.Unlock()
	slog.Info("webchat: connected", "chat", chatID, "user", cl.userID, "remote", r.RemoteAddr)

	cl.enqueue(protocol.NewEvent(protocol.EventConnected, protocol.ConnectedPayload{
		Protocol: protocol.ProtocolVersion,
		ChatID:   chatID,
		UserID:   cl.userID,
	}))

	go cl.writePump()
	c.readPump(cl)

	c.mu.Lock()
	delete(c.clients, chatID)
	c.mu.Unlock()
	cl.close()
	slog.Info("webchat: disconnected", "chat", chatID)
}

// userIDFromQuery lets a page keep one identity across reconnects via
// ?user=. Without it every connection is a new user.
func userIDFromQuery(q url.Values, fallback string) string {
	id := strings.TrimSpace(q.Get("user"))
	if id == "" || len(id) > maxUserIDLen {
		return fallback
	}
	return id
}

func (c *Channel) readPump(cl *client) {
	cl.conn.SetReadLimit(maxMessageSize)
	cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	cl.conn.SetPongHandler(func(string) error {
		return cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := cl.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("webchat: read error", "chat", cl.chatID, "error", err)
			}
			return
		}
		cl.respond(c.handleFrame(cl, data))
	}
}

func (c *Channel) handleFrame(cl *client, data []byte) *protocol.ResponseFrame {
	var req protocol.RequestFrame
	if err := json.Unmarshal(data, &req); err != nil || req.Type != protocol.FrameTypeRequest {
		return protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "expected a request frame")
	}

	switch req.Method {
	case protocol.MethodChatSend:
		var params protocol.ChatSendParams
		if len(req.Params) > 0 {
			if err := json.Unmarshal(req.Params, &params); err != nil {
				return protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "invalid params")
			}
		}
		text := strings.TrimSpace(params.Text)
		if text == "" {
			return protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "text is required")
		}
		c.bus.PublishInbound(bus.InboundMessage{
			Channel:    channelName,
			SenderID:   cl.userID,
			SenderName: params.Name,
			ChatID:     cl.chatID,
			MessageID:  req.ID,
			Content:    text,
		})
		return protocol.NewOKResponse(req.ID, map[string]bool{"accepted": true})

	case protocol.MethodHealth:
		return protocol.NewOKResponse(req.ID, map[string]string{"status": "ok"})

	default:
		return protocol.NewErrorResponse(req.ID, protocol.ErrNotFound, "unknown method: "+req.Method)
	}
}

// client is one WebSocket connection. Only writePump writes to conn.
type client struct {
	chatID string
	userID string
	conn   *websocket.Conn

	send chan *protocol.EventFrame
	resp chan *protocol.ResponseFrame
	seq  int64

	closeOnce sync.Once
	done      chan struct{}
}

func (cl *client) enqueue(frame *protocol.EventFrame) error {
	select {
	case <-cl.done:
		return channels.ErrNotConnected
	default:
	}
	select {
	case cl.send <- frame:
		return nil
	case <-cl.done:
		return channels.ErrNotConnected
	default:
		return ErrQueueFull
	}
}

func (cl *client) respond(frame *protocol.ResponseFrame) {
	select {
	case cl.resp <- frame:
	case <-cl.done:
	}
}

func (cl *client) close() {
	cl.closeOnce.Do(func() {
		close(cl.done)
	})
}

func (cl *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		cl.conn.Close()
	}()

	for {
		select {
		case frame := <-cl.resp:
			if err := cl.write(frame); err != nil {
				return
			}
		case frame := <-cl.send:
			cl.seq++
			frame.Seq = cl.seq
			if err := cl.write(frame); err != nil {
				return
			}
		case <-ticker.C:
			cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cl.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-cl.done:
			cl.drain()
			cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			cl.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// drain flushes frames queued before the connection was closed.
func (cl *client) drain() {
	for {
		select {
		case frame := <-cl.resp:
			if cl.write(frame) != nil {
				return
			}
		case frame := <-cl.send:
			cl.seq++
			frame.Seq = cl.seq
			if cl.write(frame) != nil {
				return
			}
		default:
			return
		}
	}
}

func (cl *client) write(v any) error {
	cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := cl.conn.WriteJSON(v); err != nil {
		slog.Debug("webchat: write failed", "chat", cl.chatID, "error", err)
		return err
	}
	return nil
}
