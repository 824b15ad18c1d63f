package telegram

import (
	"strings"
	"testing"
	"time"

	"github.com/mymmrac/telego"

	"github.com/nextlevelbuilder/replydesk/internal/config"
)

func privateMessage(text string) *telego.Message {
	return &telego.Message{
		MessageID: 42,
		From:      &telego.User{ID: 1001, FirstName: "Ann", LastName: "Lee"},
		Chat:      telego.Chat{ID: 1001, Type: telego.ChatTypePrivate},
		Text:      text,
	}
}

func TestInboundFromUpdate(t *testing.T) {
	msg, business, ok := inboundFromUpdate(telego.Update{Message: privateMessage("hello")}, "desk_bot")
	if !ok {
		t.Fatal("expected message to be accepted")
	}
	if business != "" {
		t.Errorf("business = %q, want empty", business)
	}
	if msg.Channel != "telegram" || msg.SenderID != "1001" || msg.ChatID != "1001" || msg.MessageID != "42" {
		t.Errorf("unexpected ids: %+v", msg)
	}
	if msg.SenderName != "Ann Lee" {
		t.Errorf("SenderName = %q", msg.SenderName)
	}
	if msg.Content != "hello" || msg.IsGroup {
		t.Errorf("unexpected content/group: %+v", msg)
	}
}

func TestInboundFromUpdate_Business(t *testing.T) {
	m := privateMessage("price?")
	m.BusinessConnectionID = "bc-1"
	msg, business, ok := inboundFromUpdate(telego.Update{BusinessMessage: m}, "")
	if !ok || business != "bc-1" || msg.Content != "price?" {
		t.Errorf("got %+v %q %v", msg, business, ok)
	}
}

func TestInboundFromUpdate_Skipped(t *testing.T) {
	bot := privateMessage("hi")
	bot.From.IsBot = true
	empty := privateMessage("   ")
	noSender := privateMessage("hi")
	noSender.From = nil

	tests := []struct {
		name   string
		update telego.Update
	}{
		{"no message", telego.Update{}},
		{"from bot", telego.Update{Message: bot}},
		{"blank", telego.Update{Message: empty}},
		{"no sender", telego.Update{Message: noSender}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, ok := inboundFromUpdate(tt.update, "desk_bot"); ok {
				t.Error("expected update to be skipped")
			}
		})
	}
}

func TestInboundFromUpdate_CaptionAndGroup(t *testing.T) {
	m := privateMessage("")
	m.Caption = "see photo"
	m.Chat.Type = telego.ChatTypeSupergroup
	msg, _, ok := inboundFromUpdate(telego.Update{Message: m}, "desk_bot")
	if !ok || msg.Content != "see photo" || !msg.IsGroup {
		t.Errorf("got %+v ok=%v", msg, ok)
	}
}

func TestInboundFromUpdate_CommandMention(t *testing.T) {
	msg, _, _ := inboundFromUpdate(telego.Update{Message: privateMessage("/help@desk_bot now")}, "desk_bot")
	if msg.Content != "/help now" {
		t.Errorf("Content = %q", msg.Content)
	}
}

func TestEnrichContentWithContext(t *testing.T) {
	m := privateMessage("what about this?")
	m.ReplyToMessage = &telego.Message{
		From: &telego.User{FirstName: "Bob"},
		Text: strings.Repeat("x", 600),
	}
	m.ForwardOrigin = &telego.MessageOriginHiddenUser{
		Type:           "hidden_user",
		Date:           time.Date(2024, 5, 1, 10, 30, 0, 0, time.UTC).Unix(),
		SenderUserName: "Secret",
	}

	got := enrichContentWithContext(m.Text, buildMessageContext(m, "desk_bot"))
	if !strings.HasPrefix(got, "[Forwarded from Secret at 2024-05-01 10:30]\nwhat about this?") {
		t.Errorf("missing forward prefix: %q", got)
	}
	if !strings.Contains(got, "[Replying to Bob]\n"+strings.Repeat("x", 500)+"...\n[/Replying]") {
		t.Errorf("missing truncated reply: %q", got)
	}
}

func TestEnrichContentWithContext_BotReplyNotQuoted(t *testing.T) {
	m := privateMessage("thanks")
	m.ReplyToMessage = &telego.Message{
		From: &telego.User{FirstName: "Desk", Username: "desk_bot", IsBot: true},
		Text: "earlier answer",
	}
	if got := enrichContentWithContext(m.Text, buildMessageContext(m, "desk_bot")); got != "thanks" {
		t.Errorf("got %q", got)
	}
}

func TestParseChatID(t *testing.T) {
	if id, err := parseChatID("-100123"); err != nil || id != -100123 {
		t.Errorf("got %d, %v", id, err)
	}
	if _, err := parseChatID("abc"); err == nil {
		t.Error("expected error for non-numeric id")
	}
}

func TestBuildUserName(t *testing.T) {
	if got := buildUserName(nil); got != "unknown" {
		t.Errorf("got %q", got)
	}
	if got := buildUserName(&telego.User{FirstName: "Ann"}); got != "Ann" {
		t.Errorf("got %q", got)
	}
}

func TestDefaultMenuCommands(t *testing.T) {
	cmds := DefaultMenuCommands()
	seen := map[string]bool{}
	for _, c := range cmds {
		if strings.HasPrefix(c.Command, "/") {
			t.Errorf("command %q must not start with /", c.Command)
		}
		if c.Description == "" {
			t.Errorf("command %q has no description", c.Command)
		}
		seen[c.Command] = true
	}
	for _, want := range []string{"start", "help", "clear"} {
		if !seen[want] {
			t.Errorf("menu is missing %q", want)
		}
	}
	if seen["reset_all"] || seen["update"] {
		t.Error("privileged commands must not be in the menu")
	}
}

func TestNew_RequiresToken(t *testing.T) {
	if _, err := New(config.TelegramConfig{}, nil); err == nil {
		t.Error("expected error without token")
	}
}
