package telegram

import (
	"fmt"
	"strings"
	"time"

	"github.com/mymmrac/telego"
)

// MessageContext holds context extracted from a Telegram message that the
// assistant should see alongside the text.
type MessageContext struct {
	ForwardInfo *ForwardInfo
	ReplyInfo   *ReplyInfo
}

// ForwardInfo describes where a forwarded message came from.
type ForwardInfo struct {
	From     string    // sender name or channel title
	FromType string    // "user", "channel", "supergroup", "hidden"
	Date     time.Time // original message date
}

// ReplyInfo describes the message being replied to.
type ReplyInfo struct {
	Sender     string
	Body       string
	IsBotReply bool
}

func buildMessageContext(msg *telego.Message, botUsername string) *MessageContext {
	return &MessageContext{
		ForwardInfo: extractForwardInfo(msg),
		ReplyInfo:   extractReplyInfo(msg, botUsername),
	}
}

// enrichContentWithContext wraps content with forward and reply markers.
// Replies to the bot's own messages are not quoted back.
func enrichContentWithContext(content string, msgCtx *MessageContext) string {
	if msgCtx == nil {
		return content
	}

	var result strings.Builder
	if msgCtx.ForwardInfo != nil {
		dateStr := msgCtx.ForwardInfo.Date.UTC().Format("2006-01-02 15:04")
		fmt.Fprintf(&result, "[Forwarded from %s at %s]\n", msgCtx.ForwardInfo.From, dateStr)
	}

	result.WriteString(content)

	if r := msgCtx.ReplyInfo; r != nil && r.Body != "" && !r.IsBotReply {
		fmt.Fprintf(&result, "\n\n[Replying to %s]\n%s\n[/Replying]", r.Sender, r.Body)
	}
	return result.String()
}

func extractForwardInfo(msg *telego.Message) *ForwardInfo {
	if msg.ForwardOrigin == nil {
		return nil
	}

	info := &ForwardInfo{}
	switch origin := msg.ForwardOrigin.(type) {
	case *telego.MessageOriginUser:
		user := origin.SenderUser
		info.From = buildUserName(&user)
		info.FromType = "user"
		info.Date = time.Unix(origin.Date, 0)
	case *telego.MessageOriginChat:
		info.From = origin.SenderChat.Title
		info.FromType = string(origin.SenderChat.Type)
		info.Date = time.Unix(origin.Date, 0)
	case *telego.MessageOriginChannel:
		info.From = origin.Chat.Title
		info.FromType = "channel"
		info.Date = time.Unix(origin.Date, 0)
	case *telego.MessageOriginHiddenUser:
		info.From = origin.SenderUserName
		info.FromType = "hidden"
		info.Date = time.Unix(origin.Date, 0)
	default:
		return nil
	}
	return info
}

func extractReplyInfo(msg *telego.Message, botUsername string) *ReplyInfo {
	reply := msg.ReplyToMessage
	if reply == nil {
		return nil
	}

	info := &ReplyInfo{Sender: "unknown"}
	if reply.From != nil {
		info.Sender = buildUserName(reply.From)
		info.IsBotReply = botUsername != "" && reply.From.Username == botUsername
	}

	info.Body = reply.Text
	if info.Body == "" {
		info.Body = reply.Caption
	}
	if r := []rune(info.Body); len(r) > replyBodyMaxLen {
		info.Body = string(r[:replyBodyMaxLen]) + "..."
	}
	return info
}

// buildUserName formats a Telegram user's display name.
func buildUserName(user *telego.User) string {
	if user == nil {
		return "unknown"
	}
	name := user.FirstName
	if user.LastName != "" {
		name += " " + user.LastName
	}
	return name
}
