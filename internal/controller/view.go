package controller

import (
	"errors"
	"sort"

	"github.com/allyhub/messaging/internal/domain"
)

// MessageView is a message as rendered for the local user.
type MessageView struct {
	domain.Message
	Own bool
	// Delivery is set for own messages only.
	Delivery domain.DeliveryState
}

// View is an immutable snapshot of the conversation screen.
type View struct {
	Conversation domain.Conversation
	SelfID       string
	PeerID       string

	// Messages are ordered by (created_at, id).
	Messages []MessageView
	// Pending is the message being sent, if any.
	Pending *MessageView

	Input      string
	Attachment *domain.AttachmentRef
	Composing  bool

	PeerTyping bool
	PeerOnline bool

	Sending  bool
	SlowSend bool
	Loading  bool
	HasMore  bool
	Focused  bool
	Closed   bool

	// Err is the last store failure. It stays until the next successful
	// send or page load.
	Err error
}

// Retryable reports whether Err is a transient store failure.
func (v *View) Retryable() bool {
	return v.Err != nil && errors.Is(v.Err, domain.ErrStoreUnavailable)
}

// Unread returns how many of the peer's messages are still unread.
func (v *View) Unread() int {
	n := 0
	for _, m := range v.Messages {
		if !m.Own && m.ReadAt == nil {
			n++
		}
	}
	return n
}

func (c *Controller) buildView() *View {
	st := &c.st
	msgs := make([]*domain.Message, 0, len(st.messages))
	for _, m := range st.messages {
		msgs = append(msgs, m)
	}
	sort.Slice(msgs, func(i, j int) bool { return less(msgs[i], msgs[j]) })

	view := &View{
		Conversation: c.conv,
		SelfID:       c.selfID,
		PeerID:       c.peerID,
		Messages:     make([]MessageView, 0, len(msgs)),
		Input:        st.input,
		Attachment:   st.attach,
		Composing:    st.composing,
		PeerTyping:   st.peerTyping,
		PeerOnline:   st.peerOnline,
		Sending:      st.sending,
		SlowSend:     st.slowSend,
		Loading:      st.loading,
		HasMore:      st.hasMore,
		Focused:      st.focused,
		Closed:       st.closed,
		Err:          st.err,
	}
	for _, m := range msgs {
		view.Messages = append(view.Messages, c.messageView(*m))
	}
	if st.sending {
		view.Pending = &MessageView{
			Message: domain.Message{
				ConversationID: c.conv.ID,
				SenderID:       c.selfID,
				Content:        st.sendingText,
			},
			Own:      true,
			Delivery: domain.DeliveryPending,
		}
	}
	return view
}

func (c *Controller) messageView(m domain.Message) MessageView {
	mv := MessageView{Message: m, Own: m.SenderID == c.selfID}
	if mv.Own {
		mv.Delivery = domain.DeliverySent
		if m.ReadAt != nil {
			mv.Delivery = domain.DeliveryRead
		}
	}
	return mv
}
