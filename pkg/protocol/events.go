package protocol

// Event names pushed from server to client.
const (
	EventConnected = "connected"
	EventChat      = "chat"
	EventKB        = "kb"
	EventSilence   = "silence"
	EventShutdown  = "shutdown"
)

// Chat event subtypes (in payload.type)
const (
	ChatEventMessage = "message"
	ChatEventTyping  = "typing"
)

// ChatPayload is the payload of a chat event.
type ChatPayload struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ConnectedPayload greets a new connection.
type ConnectedPayload struct {
	Protocol int    `json:"protocol"`
	ChatID   string `json:"chatId"`
	UserID   string `json:"userId"`
}
