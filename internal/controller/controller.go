// Package controller drives one open conversation on the client side.
//
// All state lives on a single event-loop goroutine. User actions, presence
// events, store results and timers are posted to that loop as closures, so
// nothing inside it needs locking. Readers get immutable View snapshots.
package controller

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/allyhub/messaging/internal/domain"
	"github.com/allyhub/messaging/internal/obs"
	"github.com/allyhub/messaging/internal/presence"
)

// MessageStore is the part of the message store the controller needs, bound
// to the local user. Implemented by client.StoreClient and service.Session.
type MessageStore interface {
	ListMessages(ctx context.Context, conversationID string, before *time.Time, limit int) (*domain.ListMessagesResponse, error)
	SendMessage(ctx context.Context, req domain.SendMessageRequest) (*domain.Message, error)
	MarkRead(ctx context.Context, messageID string) (*domain.Message, error)
}

// Options tunes controller timing.
type Options struct {
	// TypingIdle is how long after the last keystroke typing_stop is sent.
	TypingIdle time.Duration
	// RemoteTypingTimeout clears a peer's typing indicator that was never
	// stopped explicitly.
	RemoteTypingTimeout time.Duration
	// SlowSendThreshold is when a pending send starts showing as slow.
	SlowSendThreshold time.Duration
	PageSize          int
	Logger            *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.TypingIdle <= 0 {
		o.TypingIdle = 3 * time.Second
	}
	if o.RemoteTypingTimeout <= 0 {
		o.RemoteTypingTimeout = 6 * time.Second
	}
	if o.SlowSendThreshold <= 0 {
		o.SlowSendThreshold = 400 * time.Millisecond
	}
	if o.PageSize <= 0 {
		o.PageSize = 50
	}
	if o.Logger == nil {
		o.Logger = obs.Discard()
	}
	return o
}

const (
	inputBuffer   = 128
	teardownGrace = time.Second

	// Receipts for messages not loaded yet are kept this long, and at most
	// this many, before they are dropped.
	pendingReadTTL  = 30 * time.Second
	maxPendingReads = 256
)

// Controller owns the client-side state of one conversation.
type Controller struct {
	conv    domain.Conversation
	selfID  string
	peerID  string
	key     string
	store   MessageStore
	channel presence.Channel
	opts    Options
	logger  *slog.Logger
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	inputs    chan func()
	quit      chan struct{}
	loopDone  chan struct{}
	updates   chan struct{}
	closeOnce sync.Once
	snapshot  atomic.Pointer[View]

	// Owned by the loop goroutine.
	st state
}

type state struct {
	messages  map[string]*domain.Message
	readIDs   map[string]pendingRead // receipts seen before their message
	typingAt  map[string]time.Time   // last typing event per actor
	marking   map[string]bool
	sub       presence.Subscription
	input     string
	attach    *domain.AttachmentRef
	composing bool
	focused   bool
	closed    bool

	peerTyping bool
	peerOnline bool

	sending     bool
	sendingText string
	slowSend    bool
	loading     bool
	hasMore     bool
	err         error

	idleTimer   *time.Timer
	idleGen     int
	remoteTimer *time.Timer
	remoteGen   int
	slowTimer   *time.Timer
	sendGen     int
}

type pendingRead struct {
	at   time.Time
	seen time.Time
}

// New creates a controller for conv as seen by selfID. channel may be nil,
// in which case the controller works from the store alone.
func New(conv domain.Conversation, selfID string, store MessageStore, channel presence.Channel, opts Options) *Controller {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		conv:     conv,
		selfID:   selfID,
		peerID:   conv.Peer(selfID),
		key:      presence.ConversationKey(conv.ID),
		store:    store,
		channel:  channel,
		opts:     opts,
		logger:   opts.Logger.With("conversation_id", conv.ID, "user_id", selfID),
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		inputs:   make(chan func(), inputBuffer),
		quit:     make(chan struct{}),
		loopDone: make(chan struct{}),
		updates:  make(chan struct{}, 1),
		st: state{
			messages: make(map[string]*domain.Message),
			readIDs:  make(map[string]pendingRead),
			typingAt: make(map[string]time.Time),
			marking:  make(map[string]bool),
		},
	}
	c.snapshot.Store(c.buildView())
	go c.run()
	return c
}

func (c *Controller) run() {
	defer close(c.loopDone)
	for {
		select {
		case fn := <-c.inputs:
			fn()
			c.publishView()
		case <-c.quit:
			return
		}
	}
}

// post schedules fn on the loop. It reports false once the loop has stopped.
func (c *Controller) post(fn func()) bool {
	select {
	case <-c.quit:
		return false
	default:
	}
	select {
	case c.inputs <- fn:
		return true
	case <-c.quit:
		return false
	}
}

// call runs fn on the loop and waits for it.
func (c *Controller) call(fn func()) bool {
	done := make(chan struct{})
	if !c.post(func() { fn(); close(done) }) {
		return false
	}
	select {
	case <-done:
		return true
	case <-c.quit:
		return false
	}
}

// async runs work off the loop and posts apply with its result. Work is
// bound to the controller context so Close abandons it.
func async[T any](c *Controller, work func(ctx context.Context) (T, error), apply func(T, error)) {
	go func() {
		result, err := work(c.ctx)
		if c.ctx.Err() != nil {
			return
		}
		c.post(func() {
			if c.st.closed {
				return
			}
			apply(result, err)
		})
	}()
}

// Open subscribes to the conversation channel and loads the newest page of
// history. A channel failure is logged and the controller continues without
// presence; a store failure is returned and also shown in the view.
func (c *Controller) Open(ctx context.Context) error {
	if c.channel != nil {
		sub, err := c.channel.Subscribe(ctx, c.key, c.onEvent)
		if err != nil {
			c.logger.Warn("presence unavailable", "error", err)
		} else if !c.post(func() { c.st.sub = sub }) {
			sub.Unsubscribe()
		}
	}

	c.post(func() { c.st.loading = true })
	reqCtx, cancel := context.WithCancel(c.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	page, err := c.store.ListMessages(reqCtx, c.conv.ID, nil, c.opts.PageSize)
	c.call(func() {
		c.st.loading = false
		if err != nil {
			c.st.err = err
			return
		}
		c.mergePage(page)
		c.markVisibleRead()
	})
	return err
}

// Close cancels in-flight work, stops typing and leaves the channel. The
// Updates channel is closed afterwards. Close is idempotent.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		c.call(c.teardown)
		c.cancel()
		close(c.quit)
		<-c.loopDone
		c.publishView()
		close(c.updates)
	})
}

func (c *Controller) teardown() {
	st := &c.st
	if st.composing {
		st.composing = false
		ctx, cancel := context.WithTimeout(context.Background(), teardownGrace)
		c.publishWith(ctx, domain.TypingStop{})
		cancel()
	}
	for _, t := range []*time.Timer{st.idleTimer, st.remoteTimer, st.slowTimer} {
		if t != nil {
			t.Stop()
		}
	}
	if st.sub != nil {
		st.sub.Unsubscribe()
		st.sub = nil
	}
	st.closed = true
	st.sending = false
	st.slowSend = false
	st.loading = false
}

// SetInput replaces the composer text.
func (c *Controller) SetInput(text string) {
	c.post(func() {
		if c.st.closed {
			return
		}
		c.st.input = text
		if strings.TrimSpace(text) == "" {
			c.stopTyping()
			return
		}
		c.startTyping()
	})
}

// AttachFile stages an uploaded attachment for the next send. nil clears it.
func (c *Controller) AttachFile(ref *domain.AttachmentRef) {
	c.post(func() {
		if ref.Empty() {
			c.st.attach = nil
			return
		}
		c.st.attach = ref
	})
}

// SetFocused records whether the conversation is visible. Gaining focus marks
// the peer's visible messages read.
func (c *Controller) SetFocused(focused bool) {
	c.post(func() {
		c.st.focused = focused
		if focused {
			c.markVisibleRead()
		}
	})
}

// Send stores the composed message. Only one send is in flight at a time; a
// failure keeps the input so the user can retry.
func (c *Controller) Send() {
	c.post(c.send)
}

// LoadOlder fetches the page before the oldest loaded message.
func (c *Controller) LoadOlder() {
	c.post(func() {
		st := &c.st
		if st.closed || st.loading || !st.hasMore {
			return
		}
		var before *time.Time
		if oldest := c.oldest(); oldest != nil {
			t := oldest.CreatedAt
			before = &t
		}
		st.loading = true
		async(c, func(ctx context.Context) (*domain.ListMessagesResponse, error) {
			return c.store.ListMessages(ctx, c.conv.ID, before, c.opts.PageSize)
		}, func(page *domain.ListMessagesResponse, err error) {
			st.loading = false
			if err != nil {
				st.err = err
				return
			}
			st.err = nil
			c.mergePage(page)
		})
	})
}

// Updates signals that a new View is available. Signals coalesce.
func (c *Controller) Updates() <-chan struct{} {
	return c.updates
}

// View returns the latest snapshot.
func (c *Controller) View() *View {
	return c.snapshot.Load()
}

func (c *Controller) publishView() {
	c.snapshot.Store(c.buildView())
	select {
	case c.updates <- struct{}{}:
	default:
	}
}

func (c *Controller) send() {
	st := &c.st
	if st.closed || st.sending {
		return
	}
	text := st.input
	if strings.TrimSpace(text) == "" && st.attach.Empty() {
		return
	}
	req := domain.SendMessageRequest{
		ConversationID: c.conv.ID,
		Content:        text,
		Attachment:     st.attach,
	}

	st.sending = true
	st.sendingText = text
	st.slowSend = false
	st.err = nil
	c.stopTyping()

	st.sendGen++
	gen := st.sendGen
	st.slowTimer = time.AfterFunc(c.opts.SlowSendThreshold, func() {
		c.post(func() {
			if st.sending && st.sendGen == gen {
				st.slowSend = true
			}
		})
	})

	async(c, func(ctx context.Context) (*domain.Message, error) {
		return c.store.SendMessage(ctx, req)
	}, func(msg *domain.Message, err error) {
		st.sending = false
		st.slowSend = false
		st.slowTimer.Stop()
		if err != nil {
			c.logger.Warn("send failed", "error", err)
			st.err = err
			return
		}
		if st.input == text {
			st.input = ""
		}
		if st.attach == req.Attachment {
			st.attach = nil
		}
		c.merge(msg)
		c.publish(domain.MessageSent{MessageID: msg.ID, Message: msg})
	})
}

func (c *Controller) startTyping() {
	st := &c.st
	if !st.composing {
		st.composing = true
		c.publish(domain.TypingStart{})
	}
	st.idleGen++
	gen := st.idleGen
	if st.idleTimer != nil {
		st.idleTimer.Stop()
	}
	st.idleTimer = time.AfterFunc(c.opts.TypingIdle, func() {
		c.post(func() {
			if st.idleGen == gen {
				c.stopTyping()
			}
		})
	})
}

func (c *Controller) stopTyping() {
	st := &c.st
	st.idleGen++
	if st.idleTimer != nil {
		st.idleTimer.Stop()
	}
	if st.composing {
		st.composing = false
		c.publish(domain.TypingStop{})
	}
}

func (c *Controller) publish(payload domain.EventPayload) {
	c.publishWith(c.ctx, payload)
}

func (c *Controller) publishWith(ctx context.Context, payload domain.EventPayload) {
	if c.channel == nil {
		return
	}
	ev := domain.NewEvent(c.conv.ID, c.selfID, payload)
	if err := c.channel.Publish(ctx, c.key, ev); err != nil {
		c.logger.Debug("presence publish dropped", "kind", ev.Kind(), "error", err)
	}
}

// onEvent runs on the channel's delivery goroutine.
func (c *Controller) onEvent(ev domain.PresenceEvent) {
	c.post(func() {
		if !c.st.closed {
			c.handleEvent(ev)
		}
	})
}

func (c *Controller) handleEvent(ev domain.PresenceEvent) {
	st := &c.st
	if ev.ConversationID != "" && ev.ConversationID != c.conv.ID {
		return
	}
	if p, ok := ev.Payload.(domain.MessageSent); ok {
		c.onMessageSent(ev, p)
		return
	}
	if ev.ActorID == c.selfID {
		return
	}

	switch p := ev.Payload.(type) {
	case domain.TypingStart:
		if c.staleTyping(ev) {
			return
		}
		st.peerTyping = true
		st.remoteGen++
		gen := st.remoteGen
		if st.remoteTimer != nil {
			st.remoteTimer.Stop()
		}
		st.remoteTimer = time.AfterFunc(c.opts.RemoteTypingTimeout, func() {
			c.post(func() {
				if st.remoteGen == gen {
					st.peerTyping = false
				}
			})
		})
	case domain.TypingStop:
		if c.staleTyping(ev) {
			return
		}
		c.clearPeerTyping()
	case domain.ReadReceipt:
		for _, id := range p.MessageIDs {
			c.applyRead(id, ev.Timestamp)
		}
	case domain.Online:
		st.peerOnline = true
	case domain.Offline:
		st.peerOnline = false
		c.clearPeerTyping()
	}
}

// staleTyping reports whether ev is older than the last typing event seen
// from the same actor, recording its timestamp otherwise.
func (c *Controller) staleTyping(ev domain.PresenceEvent) bool {
	if ev.Timestamp.IsZero() {
		return false
	}
	if last, ok := c.st.typingAt[ev.ActorID]; ok && ev.Timestamp.Before(last) {
		return true
	}
	c.st.typingAt[ev.ActorID] = ev.Timestamp
	return false
}

func (c *Controller) clearPeerTyping() {
	c.st.peerTyping = false
	c.st.remoteGen++
	if c.st.remoteTimer != nil {
		c.st.remoteTimer.Stop()
	}
}

func (c *Controller) onMessageSent(ev domain.PresenceEvent, p domain.MessageSent) {
	if ev.ActorID != c.selfID && !c.staleTyping(ev) {
		c.clearPeerTyping()
	}
	if p.Message != nil && p.Message.ConversationID == c.conv.ID && p.Message.ID == p.MessageID {
		c.merge(p.Message)
		c.markVisibleRead()
		return
	}
	if _, known := c.st.messages[p.MessageID]; known {
		return
	}
	async(c, func(ctx context.Context) (*domain.ListMessagesResponse, error) {
		return c.store.ListMessages(ctx, c.conv.ID, nil, c.opts.PageSize)
	}, func(page *domain.ListMessagesResponse, err error) {
		if err != nil {
			c.st.err = err
			return
		}
		c.mergeMessages(page.Messages)
		c.markVisibleRead()
	})
}

// applyRead marks an own message read. Receipts for messages not loaded yet
// are remembered for a while and applied on merge.
func (c *Controller) applyRead(id string, at time.Time) {
	msg, ok := c.st.messages[id]
	if !ok {
		c.prunePendingReads()
		if _, pending := c.st.readIDs[id]; !pending && len(c.st.readIDs) >= maxPendingReads {
			c.evictOldestPendingRead()
		}
		c.st.readIDs[id] = pendingRead{at: at, seen: c.now()}
		return
	}
	if msg.SenderID != c.selfID || msg.ReadAt != nil {
		return
	}
	updated := *msg
	updated.ReadAt = &at
	c.st.messages[id] = &updated
}

func (c *Controller) prunePendingReads() {
	cutoff := c.now().Add(-pendingReadTTL)
	for id, pr := range c.st.readIDs {
		if pr.seen.Before(cutoff) {
			delete(c.st.readIDs, id)
		}
	}
}

func (c *Controller) evictOldestPendingRead() {
	var oldestID string
	var oldest time.Time
	for id, pr := range c.st.readIDs {
		if oldestID == "" || pr.seen.Before(oldest) {
			oldestID, oldest = id, pr.seen
		}
	}
	delete(c.st.readIDs, oldestID)
}

// markVisibleRead marks the peer's unread messages read while focused and
// announces them with one read_receipt.
func (c *Controller) markVisibleRead() {
	st := &c.st
	if !st.focused || st.closed {
		return
	}
	var ids []string
	for id, msg := range st.messages {
		if msg.SenderID != c.selfID && msg.ReadAt == nil && !st.marking[id] {
			ids = append(ids, id)
			st.marking[id] = true
		}
	}
	if len(ids) == 0 {
		return
	}
	sort.Strings(ids)

	async(c, func(ctx context.Context) ([]*domain.Message, error) {
		var read []*domain.Message
		var errs []error
		for _, id := range ids {
			msg, err := c.store.MarkRead(ctx, id)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			read = append(read, msg)
		}
		return read, errors.Join(errs...)
	}, func(read []*domain.Message, err error) {
		for _, id := range ids {
			delete(st.marking, id)
		}
		if err != nil {
			c.logger.Warn("mark read failed", "error", err)
			st.err = err
		}
		if len(read) == 0 {
			return
		}
		receipt := make([]string, 0, len(read))
		for _, msg := range read {
			c.merge(msg)
			receipt = append(receipt, msg.ID)
		}
		c.publish(domain.ReadReceipt{MessageIDs: receipt})
	})
}

func (c *Controller) mergePage(page *domain.ListMessagesResponse) {
	if page == nil {
		return
	}
	c.mergeMessages(page.Messages)
	c.st.hasMore = page.HasMore
	c.prunePendingReads()
}

func (c *Controller) mergeMessages(msgs []domain.Message) {
	for i := range msgs {
		c.merge(&msgs[i])
	}
}

// merge inserts or updates a message by id. A read message never becomes
// unread again.
func (c *Controller) merge(msg *domain.Message) {
	if msg == nil || msg.ConversationID != c.conv.ID {
		return
	}
	incoming := *msg
	if existing, ok := c.st.messages[msg.ID]; ok && existing.ReadAt != nil && incoming.ReadAt == nil {
		incoming.ReadAt = existing.ReadAt
	}
	if pr, ok := c.st.readIDs[msg.ID]; ok {
		delete(c.st.readIDs, msg.ID)
		fresh := !pr.seen.Before(c.now().Add(-pendingReadTTL))
		if fresh && incoming.ReadAt == nil && incoming.SenderID == c.selfID {
			at := pr.at
			incoming.ReadAt = &at
		}
	}
	c.st.messages[msg.ID] = &incoming
}

func (c *Controller) oldest() *domain.Message {
	var oldest *domain.Message
	for _, msg := range c.st.messages {
		if oldest == nil || less(msg, oldest) {
			oldest = msg
		}
	}
	return oldest
}

func less(a, b *domain.Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}
