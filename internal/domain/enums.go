package domain

// AttachmentKind is the kind of an attached file.
type AttachmentKind string

const (
	AttachmentKindImage AttachmentKind = "image"
	AttachmentKindFile  AttachmentKind = "file"
)

// Valid reports whether k is a known attachment kind.
func (k AttachmentKind) Valid() bool {
	return k == AttachmentKindImage || k == AttachmentKindFile
}

// EventKind identifies a presence event variant.
type EventKind string

const (
	EventTypingStart EventKind = "typing_start"
	EventTypingStop  EventKind = "typing_stop"
	EventReadReceipt EventKind = "read_receipt"
	EventOnline      EventKind = "online"
	EventOffline     EventKind = "offline"
	EventMessageSent EventKind = "message_sent"
	// EventNewMessage is delivered on a user's personal channel.
	EventNewMessage EventKind = "new_message"
)

// Valid reports whether k is a known event kind.
func (k EventKind) Valid() bool {
	switch k {
	case EventTypingStart, EventTypingStop, EventReadReceipt, EventOnline,
		EventOffline, EventMessageSent, EventNewMessage:
		return true
	}
	return false
}

// ClientPublishable reports whether clients may publish events of kind k.
// online, offline and new_message are emitted by the server only.
func (k EventKind) ClientPublishable() bool {
	switch k {
	case EventTypingStart, EventTypingStop, EventMessageSent, EventReadReceipt:
		return true
	}
	return false
}

// DeliveryState is the sender-side indicator of an own message.
type DeliveryState string

const (
	DeliveryPending DeliveryState = "pending"
	DeliverySent    DeliveryState = "sent" // single check
	DeliveryRead    DeliveryState = "read" // double check
)
