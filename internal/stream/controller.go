package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/MegaGrindStone/streamchat/internal/models"
	"github.com/google/uuid"
)

// API is the subset of the chat backend the controller depends on.
type API interface {
	CreateChat(ctx context.Context, req models.NewChatRequest) (models.Chat, error)
	Chats(ctx context.Context) ([]models.Chat, error)
	Chat(ctx context.Context, chatID string) (models.ChatDetail, error)
	// SendMessage posts a user message and returns the event stream of the resulting turn. Cancelling ctx
	// must abort the request and unblock reads on the returned body.
	SendMessage(ctx context.Context, chatID string, req models.SendRequest) (io.ReadCloser, error)
}

// SendRequest is one outbound user message.
type SendRequest struct {
	// ChatID is empty to start a new conversation.
	ChatID  string
	Content string
	// Model is only used when a new conversation is created.
	Model         string
	Reasoning     *models.ReasoningConfig
	AttachmentIDs []string
}

// Phase is the lifecycle position of one conversation.
type Phase string

// Conversation phases.
const (
	PhaseIdle              Phase = "idle"
	PhaseSending           Phase = "sending"
	PhaseStreamingPreTool  Phase = "streaming_pre_tool"
	PhaseStreamingPostTool Phase = "streaming_post_tool"
	PhaseReconciling       Phase = "reconciling"
)

// NoticeKind tells observers what changed.
type NoticeKind string

// Notice kinds.
const (
	NoticeState      NoticeKind = "state"
	NoticeTitle      NoticeKind = "title"
	NoticeChats      NoticeKind = "chats"
	NoticeTranscript NoticeKind = "transcript"
	NoticeStats      NoticeKind = "stats"
	NoticeFocus      NoticeKind = "focus"
	NoticeError      NoticeKind = "error"
)

// Notice is delivered to subscribers after every observable change. Err is set for NoticeError only.
type Notice struct {
	Kind   NoticeKind
	ChatID string
	Err    error
}

// StreamingMessageID is the id of the virtual assistant message returned by Visible while a turn streams.
const StreamingMessageID = "streaming"

const optimisticIDPrefix = "pending-"

var (
	// ErrEmptyMessage is returned when the message is blank after trimming.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrAlreadyStreaming is returned when the conversation already has a turn in flight.
	ErrAlreadyStreaming = errors.New("conversation is already streaming")
	// ErrChatChanged is returned when the focused conversation changed while a new one was being created.
	// It is a soft cancellation and is not reported to subscribers.
	ErrChatChanged = errors.New("conversation changed before send completed")
	// ErrInvalidEffort is returned for an unknown reasoning effort.
	ErrInvalidEffort = errors.New("invalid reasoning effort")
)

// ServerError is a failure reported by the server through an error event.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return "server error: " + e.Message
}

// Option configures a Controller.
type Option func(*Controller)

// WithStore makes the controller write into s instead of a private store.
func WithStore(s *Store) Option {
	return func(c *Controller) { c.store = s }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

type turn struct {
	id     string
	cancel context.CancelFunc
}

// Controller owns the lifecycle of every send: it creates the conversation when needed, registers one
// cancellation token per conversation, drives Decode and Reduce over the response stream, and reconciles
// the transient state with the server once the turn ends. It is the single place where failures are
// reported to subscribers.
type Controller struct {
	api    API
	store  *Store
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	turns   map[string]*turn
	phases  map[string]Phase
	current string
	stats   Totals

	transcript Transcript
	chats      ChatList

	subMu   sync.Mutex
	subs    map[int]func(Notice)
	nextSub int

	unobserve func()
}

// NewController creates a controller talking to api.
func NewController(api API, logger *slog.Logger, opts ...Option) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Controller{
		api:    api,
		logger: logger.With(slog.String("module", "controller")),
		now:    time.Now,
		turns:  map[string]*turn{},
		phases: map[string]Phase{},
		subs:   map[int]func(Notice){},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.store == nil {
		c.store = NewStore()
	}

	c.unobserve = c.store.Observe(func(ch Change) {
		c.publish(Notice{Kind: NoticeState, ChatID: ch.ChatID})
	})
	return c
}

// Store returns the state store the controller writes into.
func (c *Controller) Store() *Store {
	return c.store
}

// Close stops every turn in flight and detaches from the store.
func (c *Controller) Close() {
	c.mu.Lock()
	ids := make([]string, 0, len(c.turns))
	for id := range c.turns {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		c.Stop(id)
	}
	c.unobserve()
}

// Subscribe registers fn for every notice. fn runs on the goroutine that made the change and must not
// block for long. The returned function unregisters it.
func (c *Controller) Subscribe(fn func(Notice)) func() {
	c.subMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.subMu.Lock()
			delete(c.subs, id)
			c.subMu.Unlock()
		})
	}
}

// Send delivers one user message and blocks until its turn has ended, been cancelled, or failed. It
// returns the id of the conversation, which is new when req.ChatID was empty.
//
// A cancelled turn returns a nil error. Transport and server failures are reported to subscribers once and
// returned; they are never retried.
func (c *Controller) Send(ctx context.Context, req SendRequest) (string, error) {
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return req.ChatID, ErrEmptyMessage
	}
	if req.Reasoning != nil && !models.ValidEffort(req.Reasoning.Effort) {
		return req.ChatID, fmt.Errorf("%w: %q", ErrInvalidEffort, req.Reasoning.Effort)
	}

	chatID := req.ChatID
	if chatID == "" {
		id, err := c.createChat(ctx, req.Model)
		if err != nil {
			return "", err
		}
		chatID = id
	}

	turnCtx, cancel := context.WithCancel(ctx)
	t := &turn{id: uuid.New().String(), cancel: cancel}

	c.mu.Lock()
	if _, busy := c.turns[chatID]; busy {
		c.mu.Unlock()
		cancel()
		return chatID, ErrAlreadyStreaming
	}
	c.turns[chatID] = t
	c.phases[chatID] = PhaseSending
	c.mu.Unlock()
	defer c.unregister(chatID, t)

	logger := c.logger.With(slog.String("chatID", chatID), slog.String("turnID", t.id))

	now := c.now()
	c.store.begin(NewState(chatID, t.id, now))

	if c.Current() == chatID {
		c.transcript.Upsert(chatID, models.Message{
			ID:          optimisticIDPrefix + t.id,
			Role:        models.RoleUser,
			Content:     content,
			Attachments: slices.Clone(req.AttachmentIDs),
			CreatedAt:   now,
		})
		c.publish(Notice{Kind: NoticeTranscript, ChatID: chatID})
	}

	attachments := req.AttachmentIDs
	if attachments == nil {
		attachments = []string{}
	}
	body, err := c.api.SendMessage(turnCtx, chatID, models.SendRequest{
		Content:       content,
		Reasoning:     req.Reasoning,
		AttachmentIDs: attachments,
	})
	if err != nil {
		c.store.remove(chatID, t.id)
		if turnCtx.Err() != nil {
			logger.Info("Send cancelled before the stream opened")
			return chatID, nil
		}
		err = fmt.Errorf("failed to send message: %w", err)
		c.fail(chatID, err)
		return chatID, err
	}
	defer body.Close()

	var (
		terminal  bool
		serverErr *ServerError
		streamErr error
		started   bool
	)
	for ev, err := range Decode(turnCtx, body, logger) {
		if err != nil {
			streamErr = err
			break
		}

		if _, done := ev.(DoneEvent); done {
			// done tears the state down; report the reconciliation that follows from that moment on.
			c.setPhase(chatID, t, PhaseReconciling)
		}
		eff, ok := c.store.apply(chatID, t.id, ev, c.now())
		if !ok {
			break
		}
		if !started {
			started = true
			c.clearPhase(chatID, t, PhaseSending)
		}

		c.route(chatID, ev, eff)

		if eff.Terminal {
			terminal = true
			if eff.Error != "" {
				serverErr = &ServerError{Message: eff.Error}
			}
			break
		}
	}

	switch {
	case serverErr != nil:
		logger.Error("Turn failed", slog.String(errLoggerKey, serverErr.Error()))
		c.fail(chatID, serverErr)
		return chatID, serverErr

	case terminal:
		c.reconcile(ctx, chatID, t)
		return chatID, nil

	case turnCtx.Err() != nil:
		c.store.remove(chatID, t.id)
		logger.Info("Turn cancelled")
		if ctx.Err() == nil {
			c.reconcile(ctx, chatID, t)
		}
		return chatID, nil

	case streamErr != nil:
		c.store.remove(chatID, t.id)
		err := fmt.Errorf("stream interrupted: %w", streamErr)
		c.fail(chatID, err)
		return chatID, err

	default:
		logger.Warn("Stream ended without a terminal event")
		c.setPhase(chatID, t, PhaseReconciling)
		c.store.remove(chatID, t.id)
		c.reconcile(ctx, chatID, t)
		return chatID, nil
	}
}

// Stop cancels the turn in flight for chatID and discards its state before returning. Stopping a
// conversation without a turn in flight does nothing.
func (c *Controller) Stop(chatID string) {
	c.mu.Lock()
	t, ok := c.turns[chatID]
	if ok {
		delete(c.turns, chatID)
		delete(c.phases, chatID)
	}
	c.mu.Unlock()

	if !ok {
		return
	}
	t.cancel()
	c.store.remove(chatID, t.id)
	c.logger.Info("Stopped generation", slog.String("chatID", chatID))
}

// Focus makes chatID the displayed conversation without loading it. Turns of other conversations keep
// streaming in the background.
func (c *Controller) Focus(chatID string) {
	c.mu.Lock()
	c.current = chatID
	c.stats = Totals{}
	c.mu.Unlock()

	c.transcript.Reset(chatID, nil)
	c.publish(Notice{Kind: NoticeFocus, ChatID: chatID})
}

// Open focuses chatID and loads its persisted messages.
func (c *Controller) Open(ctx context.Context, chatID string) error {
	c.Focus(chatID)
	if chatID == "" {
		return nil
	}

	detail, err := c.api.Chat(ctx, chatID)
	if err != nil {
		err = fmt.Errorf("failed to load chat %s: %w", chatID, err)
		c.fail(chatID, err)
		return err
	}

	c.chats.Upsert(detail.Chat)
	c.publish(Notice{Kind: NoticeChats, ChatID: chatID})

	c.mu.Lock()
	focused := c.current == chatID
	if focused {
		c.stats = TotalsOf(detail.Messages)
	}
	c.mu.Unlock()

	if !focused {
		return nil
	}
	c.transcript.Reset(chatID, detail.Messages)
	c.publish(Notice{Kind: NoticeTranscript, ChatID: chatID})
	c.publish(Notice{Kind: NoticeStats, ChatID: chatID})
	return nil
}

// RefreshChats reloads the chat list.
func (c *Controller) RefreshChats(ctx context.Context) error {
	chats, err := c.api.Chats(ctx)
	if err != nil {
		err = fmt.Errorf("failed to list chats: %w", err)
		c.fail("", err)
		return err
	}
	c.chats.Set(chats)
	c.publish(Notice{Kind: NoticeChats})
	return nil
}

// Current returns the displayed conversation, empty when none is.
func (c *Controller) Current() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// IsGenerating reports whether chatID has a turn in flight, whether or not it is displayed.
func (c *Controller) IsGenerating(chatID string) bool {
	return c.store.IsStreaming(chatID)
}

// Phase reports where chatID is in its lifecycle.
func (c *Controller) Phase(chatID string) Phase {
	c.mu.Lock()
	p, ok := c.phases[chatID]
	c.mu.Unlock()
	if ok {
		return p
	}
	if st, ok := c.store.Get(chatID); ok {
		return st.Phase()
	}
	return PhaseIdle
}

// Visible returns the displayed transcript followed, while a turn streams, by a virtual assistant message
// built from its state.
func (c *Controller) Visible() []models.Message {
	msgs := c.transcript.Messages()
	chatID := c.transcript.ChatID()
	if chatID == "" {
		return msgs
	}

	st, ok := c.store.Get(chatID)
	if !ok {
		return msgs
	}
	if st.MessageID != "" && c.transcript.Has(st.MessageID) {
		return msgs
	}
	return append(msgs, st.VirtualMessage(StreamingMessageID, c.now()))
}

// Stats returns the accounting of the displayed conversation.
func (c *Controller) Stats() Totals {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Chats returns the known conversations.
func (c *Controller) Chats() []models.Chat {
	return c.chats.Chats()
}

func (c *Controller) createChat(ctx context.Context, model string) (string, error) {
	origin := c.Current()

	chat, err := c.api.CreateChat(ctx, models.NewChatRequest{Model: model})
	if err != nil {
		err = fmt.Errorf("failed to create chat: %w", err)
		c.fail("", err)
		return "", err
	}

	c.chats.Upsert(chat)
	c.publish(Notice{Kind: NoticeChats, ChatID: chat.ID})

	c.mu.Lock()
	if c.current != origin {
		c.mu.Unlock()
		c.logger.Info("Conversation changed while creating a chat, dropping send",
			slog.String("chatID", chat.ID),
			slog.String("origin", origin))
		return "", ErrChatChanged
	}
	c.current = chat.ID
	c.stats = Totals{}
	c.mu.Unlock()

	c.transcript.Reset(chat.ID, nil)
	c.publish(Notice{Kind: NoticeFocus, ChatID: chat.ID})
	return chat.ID, nil
}

// route applies the effects of one event outside the conversation's own state.
func (c *Controller) route(chatID string, ev Event, eff Effects) {
	if eff.Title != "" {
		if !c.chats.Rename(chatID, eff.Title) {
			c.chats.Upsert(models.Chat{ID: chatID, Title: eff.Title})
		}
		c.publish(Notice{Kind: NoticeTitle, ChatID: chatID})
	}

	if eff.Finalized != nil && c.Current() == chatID {
		if c.transcript.Upsert(chatID, *eff.Finalized) {
			c.publish(Notice{Kind: NoticeTranscript, ChatID: chatID})
		}
	}

	if _, done := ev.(DoneEvent); done && (eff.Usage != nil || eff.Cost != nil) {
		c.mu.Lock()
		focused := c.current == chatID
		if focused {
			c.stats = c.stats.add(eff)
		}
		c.mu.Unlock()
		if focused {
			c.publish(Notice{Kind: NoticeStats, ChatID: chatID})
		}
	}
}

// reconcile replaces transient client state with the persisted chat.
func (c *Controller) reconcile(ctx context.Context, chatID string, t *turn) {
	if c.superseded(chatID, t) {
		return
	}
	c.setPhase(chatID, t, PhaseReconciling)
	defer c.clearPhase(chatID, t, PhaseReconciling)

	detail, err := c.api.Chat(ctx, chatID)
	if err != nil {
		c.fail(chatID, fmt.Errorf("failed to reload chat %s: %w", chatID, err))
		return
	}

	c.chats.Upsert(detail.Chat)
	c.publish(Notice{Kind: NoticeChats, ChatID: chatID})

	// A newer turn owns the transcript now; its own reconciliation will reload it.
	if c.Current() != chatID || c.superseded(chatID, t) {
		return
	}
	c.mu.Lock()
	focused := c.current == chatID
	if focused {
		// The running total may already include this turn, e.g. when the chat was opened after the message
		// was persisted; the persisted messages are the authority.
		c.stats = TotalsOf(detail.Messages)
	}
	c.mu.Unlock()
	if !focused {
		return
	}

	c.transcript.Reset(chatID, detail.Messages)
	c.publish(Notice{Kind: NoticeTranscript, ChatID: chatID})
	c.publish(Notice{Kind: NoticeStats, ChatID: chatID})
}

func (c *Controller) unregister(chatID string, t *turn) {
	c.mu.Lock()
	if c.turns[chatID] == t {
		delete(c.turns, chatID)
		delete(c.phases, chatID)
	}
	c.mu.Unlock()
	t.cancel()
}

// superseded reports whether another turn has been registered for chatID since t.
func (c *Controller) superseded(chatID string, t *turn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur, ok := c.turns[chatID]
	return ok && cur != t
}

func (c *Controller) setPhase(chatID string, t *turn, p Phase) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.turns[chatID] == t {
		c.phases[chatID] = p
	}
}

func (c *Controller) clearPhase(chatID string, t *turn, p Phase) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.turns[chatID] == t && c.phases[chatID] == p {
		delete(c.phases, chatID)
	}
}

func (c *Controller) fail(chatID string, err error) {
	c.logger.Error("Chat operation failed",
		slog.String("chatID", chatID),
		slog.String(errLoggerKey, err.Error()))
	c.publish(Notice{Kind: NoticeError, ChatID: chatID, Err: err})
}

func (c *Controller) publish(n Notice) {
	c.subMu.Lock()
	fns := make([]func(Notice), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.subMu.Unlock()

	for _, fn := range fns {
		fn(n)
	}
}
