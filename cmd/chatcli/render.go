package main

import (
	"fmt"
	"io"
	"time"

	"github.com/allyhub/messaging/internal/controller"
	"github.com/allyhub/messaging/internal/domain"
)

// renderer prints view changes as a scrolling transcript.
type renderer struct {
	out        io.Writer
	delivery   map[string]domain.DeliveryState
	peerTyping bool
	peerOnline bool
	slow       bool
	lastErr    error
}

func newRenderer(out io.Writer) *renderer {
	return &renderer{out: out, delivery: make(map[string]domain.DeliveryState)}
}

func (r *renderer) render(v *controller.View) {
	for _, m := range v.Messages {
		prev, seen := r.delivery[m.ID]
		switch {
		case !seen:
			r.printMessage(m)
		case m.Own && prev != m.Delivery && m.Delivery == domain.DeliveryRead:
			fmt.Fprintf(r.out, "  ✓✓ read: %s\n", truncate(m.Content, 40))
		}
		r.delivery[m.ID] = m.Delivery
	}

	if v.PeerOnline != r.peerOnline {
		r.peerOnline = v.PeerOnline
		state := "offline"
		if v.PeerOnline {
			state = "online"
		}
		fmt.Fprintf(r.out, "  · %s is %s\n", v.PeerID, state)
	}
	if v.PeerTyping != r.peerTyping {
		r.peerTyping = v.PeerTyping
		if v.PeerTyping {
			fmt.Fprintf(r.out, "  · %s is typing…\n", v.PeerID)
		}
	}
	if v.SlowSend && !r.slow {
		fmt.Fprintln(r.out, "  · sending…")
	}
	r.slow = v.SlowSend

	if v.Err != nil && v.Err != r.lastErr {
		hint := ""
		if v.Retryable() {
			hint = " (server unreachable, resend to retry)"
		}
		fmt.Fprintf(r.out, "! %v%s\n", v.Err, hint)
	}
	r.lastErr = v.Err
}

func (r *renderer) printMessage(m controller.MessageView) {
	who := m.SenderID
	if m.Own {
		who = "you"
	}
	body := m.Content
	if m.Attachment != nil {
		att := fmt.Sprintf("[%s %s %s]", m.Attachment.Kind, m.Attachment.Filename, m.Attachment.StoragePath)
		if body != "" {
			body += " "
		}
		body += att
	}
	check := ""
	switch m.Delivery {
	case domain.DeliverySent:
		check = " ✓"
	case domain.DeliveryRead:
		check = " ✓✓"
	}
	fmt.Fprintf(r.out, "[%s] %s: %s%s\n", m.CreatedAt.Local().Format(time.TimeOnly), who, body, check)
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "…"
}
