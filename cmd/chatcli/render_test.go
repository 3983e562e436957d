package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/allyhub/messaging/internal/controller"
	"github.com/allyhub/messaging/internal/domain"
)

func TestRendererPrintsChangesOnce(t *testing.T) {
	var buf bytes.Buffer
	r := newRenderer(&buf)

	msg := controller.MessageView{
		Message:  domain.Message{ID: "msg_1", SenderID: "alice", Content: "Hola", CreatedAt: time.Now()},
		Own:      true,
		Delivery: domain.DeliverySent,
	}
	view := &controller.View{PeerID: "bob", Messages: []controller.MessageView{msg}}
	r.render(view)
	r.render(view)
	assert.Equal(t, 1, bytes.Count(buf.Bytes(), []byte("you: Hola ✓")))

	read := msg
	read.Delivery = domain.DeliveryRead
	r.render(&controller.View{PeerID: "bob", PeerTyping: true, Messages: []controller.MessageView{read}})
	assert.Contains(t, buf.String(), "✓✓ read: Hola")
	assert.Contains(t, buf.String(), "bob is typing")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, "ab…", truncate("abcdef", 2))
}
