package bus

// InboundMessage is a user utterance arriving from a front end.
type InboundMessage struct {
	Channel  string
	SenderID string
	// SenderName is the display name the front end knows the sender by.
	SenderName string
	ChatID     string
	Content    string
	Metadata   map[string]string
}

// OutboundMessage is a reply addressed to a front end conversation.
type OutboundMessage struct {
	Channel string
	ChatID  string
	Content string
	// ReplyTo is the front end's id of the message being answered, if any.
	ReplyTo string
}
