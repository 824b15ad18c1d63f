package bus

// InboundMessage is a message received by a channel from a chat participant.
type InboundMessage struct {
	Channel    string `json:"channel"`     // channel instance name ("telegram", "discord", "webchat")
	SenderID   string `json:"sender_id"`   // platform user id of the author
	SenderName string `json:"sender_name,omitempty"`
	ChatID     string `json:"chat_id"`     // conversation the reply goes to
	MessageID  string `json:"message_id,omitempty"`
	Content    string `json:"content"`
	IsGroup    bool   `json:"is_group,omitempty"`
}

// UserKey identifies the per-user state bucket for a message. Ids from
// different platforms never collide because the channel name is part of it.
func (m InboundMessage) UserKey() string {
	return m.Channel + ":" + m.SenderID
}

// ConversationKey identifies the conversation a message belongs to.
func (m InboundMessage) ConversationKey() string {
	return ConversationKey(m.Channel, m.ChatID)
}

// ConversationKey qualifies a platform chat id with its channel name.
func ConversationKey(channel, chatID string) string {
	return channel + ":" + chatID
}

// OutboundMessage is a reply routed back to a channel.
type OutboundMessage struct {
	Channel string `json:"channel"`
	ChatID  string `json:"chat_id"`
	Content string `json:"content"`
}

// Event is a broadcast notification for observers such as web chat clients.
type Event struct {
	Name    string `json:"name"`
	Payload any    `json:"payload,omitempty"`
}

// EventHandler receives broadcast events. It must not block.
type EventHandler func(Event)
