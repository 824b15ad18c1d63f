package assistant

// ReplyKind tags the variant held by a Reply.
type ReplyKind int

const (
	// ReplyText is a final answer for the user.
	ReplyText ReplyKind = iota
	// ReplyAction asks the caller to run one or more actions and call
	// the model again with their results.
	ReplyAction
	// ReplyFailure means the model produced no usable answer.
	ReplyFailure
)

func (k ReplyKind) String() string {
	switch k {
	case ReplyText:
		return "text"
	case ReplyAction:
		return "action"
	case ReplyFailure:
		return "failure"
	}
	return "unknown"
}

// Action is one function call requested by the model.
type Action struct {
	ID   string                 `json:"id"`
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args"`
}

// Reply is the decoded model response. Exactly one of Text, Actions or
// Reason is meaningful, selected by Kind.
type Reply struct {
	Kind    ReplyKind
	Text    string
	Actions []Action
	Reason  string
}

func TextReply(text string) Reply        { return Reply{Kind: ReplyText, Text: text} }
func ActionReply(actions ...Action) Reply { return Reply{Kind: ReplyAction, Actions: actions} }
func FailureReply(reason string) Reply   { return Reply{Kind: ReplyFailure, Reason: reason} }
