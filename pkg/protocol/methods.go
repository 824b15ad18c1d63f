package protocol

// Methods a client may invoke.
const (
	MethodChatSend = "chat.send"
	MethodHealth   = "health"
)

// ChatSendParams are the params of chat.send.
type ChatSendParams struct {
	Text string `json:"text"`
	Name string `json:"name,omitempty"` // display name, informational
}
