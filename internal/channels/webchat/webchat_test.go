package webchat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/replydesk/internal/bus"
	"github.com/nextlevelbuilder/replydesk/internal/channels"
	"github.com/nextlevelbuilder/replydesk/internal/config"
	"github.com/nextlevelbuilder/replydesk/pkg/protocol"
)

type frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	OK      bool            `json:"ok"`
	Event   string          `json:"event"`
	Seq     int64           `json:"seq"`
	Payload json.RawMessage `json:"payload"`
	Error   *protocol.ErrorShape
}

func startServer(t *testing.T, cfg config.WebChatConfig) (*Channel, *bus.MessageBus, *httptest.Server) {
	t.Helper()
	mb := bus.New()
	ch := New(cfg, mb)
	srv := httptest.NewServer(ch.Handler())
	t.Cleanup(srv.Close)
	return ch, mb, srv
}

func wsURL(srv *httptest.Server, query string) string {
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	if query != "" {
		u += "?" + query
	}
	return u
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f frame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return f
}

func readConnected(t *testing.T, conn *websocket.Conn) protocol.ConnectedPayload {
	t.Helper()
	f := readFrame(t, conn)
	if f.Type != protocol.FrameTypeEvent || f.Event != protocol.EventConnected {
		t.Fatalf("first frame = %+v, want connected event", f)
	}
	var p protocol.ConnectedPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		t.Fatalf("decode connected: %v", err)
	}
	return p
}

func sendReq(t *testing.T, conn *websocket.Conn, id, method string, params any) {
	t.Helper()
	raw, _ := json.Marshal(params)
	req := protocol.RequestFrame{Type: protocol.FrameTypeRequest, ID: id, Method: method, Params: raw}
	if err := conn.WriteJSON(req); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestChatRoundTrip(t *testing.T) {
	ch, mb, srv := startServer(t, config.WebChatConfig{})
	conn := dial(t, wsURL(srv, "user=visitor-7"))
	hello := readConnected(t, conn)
	if hello.UserID != "visitor-7" || hello.ChatID == "" || hello.Protocol != protocol.ProtocolVersion {
		t.Fatalf("connected payload = %+v", hello)
	}

	sendReq(t, conn, "r1", protocol.MethodChatSend, protocol.ChatSendParams{Text: "  hello  "})
	res := readFrame(t, conn)
	if res.Type != protocol.FrameTypeResponse || res.ID != "r1" || !res.OK {
		t.Fatalf("response = %+v", res)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	in, ok := mb.ConsumeInbound(ctx)
	if !ok {
		t.Fatal("no inbound message published")
	}
	if in.Channel != "webchat" || in.SenderID != "visitor-7" || in.ChatID != hello.ChatID || in.Content != "hello" || in.MessageID != "r1" {
		t.Errorf("inbound = %+v", in)
	}

	if err := ch.SendTyping(ctx, hello.ChatID); err != nil {
		t.Fatalf("SendTyping: %v", err)
	}
	if err := ch.Send(ctx, bus.OutboundMessage{Channel: "webchat", ChatID: hello.ChatID, Content: "hi there"}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	typing := readFrame(t, conn)
	msg := readFrame(t, conn)
	var tp, mp protocol.ChatPayload
	json.Unmarshal(typing.Payload, &tp)
	json.Unmarshal(msg.Payload, &mp)
	if typing.Event != protocol.EventChat || tp.Type != protocol.ChatEventTyping {
		t.Errorf("typing frame = %+v", typing)
	}
	if msg.Event != protocol.EventChat || mp.Type != protocol.ChatEventMessage || mp.Text != "hi there" {
		t.Errorf("message frame = %+v", msg)
	}
	if msg.Seq <= typing.Seq {
		t.Errorf("seq not increasing: %d then %d", typing.Seq, msg.Seq)
	}
}

func TestUserDefaultsToChatID(t *testing.T) {
	_, _, srv := startServer(t, config.WebChatConfig{})
	conn := dial(t, wsURL(srv, ""))
	hello := readConnected(t, conn)
	if hello.UserID != hello.ChatID {
		t.Errorf("user %q, chat %q: want equal", hello.UserID, hello.ChatID)
	}
}

func TestRequestErrors(t *testing.T) {
	_, _, srv := startServer(t, config.WebChatConfig{})
	conn := dial(t, wsURL(srv, ""))
	readConnected(t, conn)

	tests := []struct {
		name   string
		send   func()
		wantID string
		code   string
	}{
		{"empty text", func() { sendReq(t, conn, "a", protocol.MethodChatSend, protocol.ChatSendParams{Text: " "}) }, "a", protocol.ErrInvalidRequest},
		{"unknown method", func() { sendReq(t, conn, "b", "agent.run", nil) }, "b", protocol.ErrNotFound},
		{"not a request", func() { conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"event"}`)) }, "", protocol.ErrInvalidRequest},
		{"garbage", func() { conn.WriteMessage(websocket.TextMessage, []byte(`nope`)) }, "", protocol.ErrInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.send()
			f := readFrame(t, conn)
			if f.OK || f.ID != tt.wantID || f.Error == nil || f.Error.Code != tt.code {
				t.Errorf("got %+v, want error %s", f, tt.code)
			}
		})
	}

	sendReq(t, conn, "h", protocol.MethodHealth, nil)
	if f := readFrame(t, conn); !f.OK || f.ID != "h" {
		t.Errorf("health = %+v", f)
	}
}

func TestTokenAuth(t *testing.T) {
	_, _, srv := startServer(t, config.WebChatConfig{Token: "s3cret"})

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "token=wrong"), nil)
	if err == nil {
		t.Fatal("expected dial to fail with wrong token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %v, want 401", resp)
	}

	conn := dial(t, wsURL(srv, "token=s3cret"))
	readConnected(t, conn)

	header := http.Header{"Authorization": []string{"Bearer s3cret"}}
	c2, _, err := websocket.DefaultDialer.Dial(wsURL(srv, ""), header)
	if err != nil {
		t.Fatalf("bearer dial: %v", err)
	}
	c2.Close()
}

func TestAllowedOrigins(t *testing.T) {
	_, _, srv := startServer(t, config.WebChatConfig{AllowedOrigins: []string{"https://shop.example"}})

	bad := http.Header{"Origin": []string{"https://evil.example"}}
	if _, _, err := websocket.DefaultDialer.Dial(wsURL(srv, ""), bad); err == nil {
		t.Error("expected foreign origin to be rejected")
	}

	good := http.Header{"Origin": []string{"https://shop.example"}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, ""), good)
	if err != nil {
		t.Fatalf("allowed origin rejected: %v", err)
	}
	conn.Close()
}

func TestSendToUnknownChat(t *testing.T) {
	ch, _, _ := startServer(t, config.WebChatConfig{})
	err := ch.Send(context.Background(), bus.OutboundMessage{ChatID: "gone", Content: "x"})
	if !errors.Is(err, channels.ErrNotConnected) {
		t.Errorf("got %v, want ErrNotConnected", err)
	}
}

func TestBroadcastForwarded(t *testing.T) {
	ch, mb, _ := startServer(t, config.WebChatConfig{Listen: "127.0.0.1:0"})
	ctx := context.Background()
	if err := ch.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer ch.Stop(ctx)

	srv := httptest.NewServer(ch.Handler())
	defer srv.Close()
	conn := dial(t, wsURL(srv, ""))
	readConnected(t, conn)

	deadline := time.Now().Add(2 * time.Second)
	for ch.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	mb.Broadcast(bus.Event{Name: protocol.EventKB, Payload: map[string]string{"version": "v1"}})

	f := readFrame(t, conn)
	if f.Event != protocol.EventKB || !strings.Contains(string(f.Payload), "v1") {
		t.Errorf("frame = %+v", f)
	}
}

func TestStopClosesClients(t *testing.T) {
	ch, _, srv := startServer(t, config.WebChatConfig{})
	conn := dial(t, wsURL(srv, ""))
	readConnected(t, conn)

	if err := ch.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if f := readFrame(t, conn); f.Event != protocol.EventShutdown {
		t.Errorf("frame = %+v, want shutdown event", f)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("expected connection to close")
	}
}
