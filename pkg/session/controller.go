// ALICE - locally hosted conversational companion
// License: MIT
//
// Copyright (c) 2026 ALICE contributors

// Package session coordinates modes, memory and generation for each
// conversation.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dotsetgreg/alice/pkg/logger"
	"github.com/dotsetgreg/alice/pkg/memory"
	"github.com/dotsetgreg/alice/pkg/modes"
	"github.com/dotsetgreg/alice/pkg/providers"
	"github.com/dotsetgreg/alice/pkg/retry"
)

const (
	defaultContextTurns  = 20
	defaultContextTokens = 2048
)

type Options struct {
	Store     memory.Store
	Modes     *modes.Registry
	Generator providers.Generator

	// IdleAfter and ArchiveAfter drive the lazy lifecycle. Zero disables
	// the transition.
	IdleAfter    time.Duration
	ArchiveAfter time.Duration

	ContextTurns  int
	ContextTokens int

	// ReadRetry bounds retries of pure reads on transient store errors.
	ReadRetry retry.Config
	Now       func() time.Time
}

// Controller runs the per-session state machine. Appends and mode switches
// on one session are serialized; generation runs without any lock held.
type Controller struct {
	store        memory.Store
	modes        *modes.Registry
	gen          providers.Generator
	idleAfter    time.Duration
	archiveAfter time.Duration
	budget       memory.Budget
	readRetry    retry.Config
	now          func() time.Time

	locks  sync.Map // session id -> *sync.Mutex
	drains sync.Map // session id -> *sync.Mutex, held for a whole Resume
}

// Reply is the outcome of Send and the other conversational operations.
type Reply struct {
	SessionID string
	Mode      string
	Text      string
	// Command is the slash command that produced the reply, if any.
	Command  string
	Queued   bool
	UserTurn memory.Turn
	// Turn is the recorded assistant or marker turn; zero when nothing was
	// recorded.
	Turn  memory.Turn
	Facts []memory.Fact
	// Closed is set when the reply ended the session.
	Closed bool
}

func New(opts Options) (*Controller, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("session controller: store is required")
	}
	if opts.Modes == nil {
		return nil, fmt.Errorf("session controller: mode registry is required")
	}
	if opts.Generator == nil {
		return nil, fmt.Errorf("session controller: generator is required")
	}
	c := &Controller{
		store:        opts.Store,
		modes:        opts.Modes,
		gen:          opts.Generator,
		idleAfter:    opts.IdleAfter,
		archiveAfter: opts.ArchiveAfter,
		budget: memory.Budget{
			MaxTurns:  opts.ContextTurns,
			MaxTokens: opts.ContextTokens,
		},
		readRetry: opts.ReadRetry,
		now:       opts.Now,
	}
	if !c.budget.Valid() {
		c.budget = memory.Budget{MaxTurns: defaultContextTurns, MaxTokens: defaultContextTokens}
	}
	if c.readRetry.MaxAttempts == 0 {
		c.readRetry = retry.DefaultConfig
	}
	c.readRetry.ShouldRetry = memory.IsTransient
	if c.now == nil {
		c.now = time.Now
	}
	if err := c.restoreModeOverrides(context.Background()); err != nil {
		return nil, fmt.Errorf("session controller: %w", err)
	}
	return c, nil
}

// restoreModeOverrides installs the modes earlier imports stored. Names the
// registry already customizes (from the modes file) keep the local
// definition.
func (c *Controller) restoreModeOverrides(ctx context.Context) error {
	stored, err := c.store.ModeOverrides(ctx)
	if err != nil {
		return err
	}
	local := map[string]bool{}
	for _, m := range c.modes.Overrides() {
		local[m.Name] = true
	}
	for _, m := range stored {
		if local[m.Name] {
			logger.DebugCF("session", "Stored mode override shadowed by modes file", map[string]interface{}{"mode": m.Name})
			continue
		}
		if err := c.modes.ApplyOverrides([]modes.Mode{m}); err != nil {
			logger.WarnCF("session", "Stored mode override skipped", map[string]interface{}{
				"mode":  m.Name,
				"error": err.Error(),
			})
		}
	}
	return nil
}

func (c *Controller) Modes() *modes.Registry { return c.modes }

func (c *Controller) Generator() providers.Generator { return c.gen }

// Readiness pings the store and, when it supports it, the generator.
func (c *Controller) Readiness(ctx context.Context) (storeErr, genErr error) {
	storeErr = c.store.Ping(ctx)
	if p, ok := c.gen.(providers.Pinger); ok {
		genErr = p.Ping(ctx)
	}
	return storeErr, genErr
}

func (c *Controller) lock(sessionID string) func() {
	v, _ := c.locks.LoadOrStore(sessionID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (c *Controller) drainLock(sessionID string) func() {
	v, _ := c.drains.LoadOrStore(sessionID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

type startConfig struct {
	sessionID   string
	displayName string
	parentID    string
}

type StartOption func(*startConfig)

// WithSessionID fixes the new session's id instead of generating one.
func WithSessionID(id string) StartOption {
	return func(sc *startConfig) { sc.sessionID = strings.TrimSpace(id) }
}

// WithDisplayName sets the display name when the user is created.
func WithDisplayName(name string) StartOption {
	return func(sc *startConfig) { sc.displayName = strings.TrimSpace(name) }
}

// StartSession opens a new session for userID, creating the user on first
// contact. An empty mode selects the registry default.
func (c *Controller) StartSession(ctx context.Context, userID, mode string, opts ...StartOption) (memory.Session, error) {
	var sc startConfig
	for _, opt := range opts {
		opt(&sc)
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return memory.Session{}, fmt.Errorf("start session: %w: empty user id", memory.ErrUnknownUser)
	}

	m := c.modes.Default()
	if mode = strings.TrimSpace(mode); mode != "" {
		var err error
		if m, err = c.modes.Get(mode); err != nil {
			return memory.Session{}, fmt.Errorf("start session: %w", err)
		}
	}

	if _, err := c.store.EnsureUser(ctx, userID, sc.displayName); err != nil {
		return memory.Session{}, fmt.Errorf("start session: %w", err)
	}
	sess, err := c.store.CreateSession(ctx, memory.Session{
		ID:           sc.sessionID,
		UserID:       userID,
		Mode:         m.Name,
		ParentID:     sc.parentID,
		CreatedAt:    c.now(),
		LastActiveAt: c.now(),
	})
	if err != nil {
		return memory.Session{}, fmt.Errorf("start session: %w", err)
	}
	logger.InfoCF("session", "Session started", map[string]interface{}{
		"session_id": sess.ID,
		"user_id":    userID,
		"mode":       sess.Mode,
		"parent_id":  sess.ParentID,
	})
	return sess, nil
}

// Greeting is the opening line of the session's current mode.
func (c *Controller) Greeting(sess memory.Session) string {
	return c.modes.Resolve(sess.Mode).Greeting
}

// Session loads a session and applies any lifecycle transition that is due.
func (c *Controller) Session(ctx context.Context, sessionID string) (memory.Session, error) {
	unlock := c.lock(sessionID)
	defer unlock()
	return c.load(ctx, sessionID)
}

// load must be called with the session lock held.
func (c *Controller) load(ctx context.Context, sessionID string) (memory.Session, error) {
	sess, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return memory.Session{}, err
	}
	return c.settle(ctx, sess)
}

// settle moves a session along active -> idle -> archived according to the
// time since its last activity. Paused sessions are never archived by
// inactivity.
func (c *Controller) settle(ctx context.Context, sess memory.Session) (memory.Session, error) {
	if sess.State == memory.SessionArchived {
		return sess, nil
	}
	now := c.now()
	inactive := now.Sub(sess.LastActiveAt)
	target := sess.State
	switch {
	case c.archiveAfter > 0 && inactive >= c.archiveAfter && !sess.Paused:
		target = memory.SessionArchived
	case c.idleAfter > 0 && inactive >= c.idleAfter:
		target = memory.SessionIdle
	}
	if target == sess.State {
		return sess, nil
	}
	if err := c.store.SetSessionState(ctx, sess.ID, target, now); err != nil {
		return memory.Session{}, err
	}
	logger.DebugCF("session", "Session state changed", map[string]interface{}{
		"session_id": sess.ID,
		"from":       string(sess.State),
		"to":         string(target),
	})
	sess.State = target
	if target == memory.SessionArchived {
		sess.ArchivedAt = now.UTC().Truncate(time.Millisecond)
	}
	return sess, nil
}

// activate returns an idle session to active before it takes a turn.
func (c *Controller) activate(ctx context.Context, sess memory.Session) (memory.Session, error) {
	switch sess.State {
	case memory.SessionArchived:
		return sess, fmt.Errorf("%w: %q", ErrSessionArchived, sess.ID)
	case memory.SessionIdle:
		if err := c.store.SetSessionState(ctx, sess.ID, memory.SessionActive, time.Time{}); err != nil {
			return sess, err
		}
		sess.State = memory.SessionActive
	}
	return sess, nil
}

// Send handles one user utterance. Slash commands are answered directly;
// anything else is recorded and answered by the generator. When the session
// is paused the turn is queued and Reply.Queued is set.
func (c *Controller) Send(ctx context.Context, sessionID, text string) (Reply, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Reply{}, ErrEmptyMessage
	}
	if strings.HasPrefix(text, "/") {
		return c.handleCommand(ctx, sessionID, text)
	}
	return c.converse(ctx, sessionID, text)
}

func (c *Controller) converse(ctx context.Context, sessionID, text string) (Reply, error) {
	unlock := c.lock(sessionID)
	sess, err := c.load(ctx, sessionID)
	if err == nil {
		sess, err = c.activate(ctx, sess)
	}
	if err != nil {
		unlock()
		return Reply{}, fmt.Errorf("send: %w", err)
	}

	userTurn := memory.Turn{Speaker: memory.SpeakerUser, Kind: memory.KindMessage, Text: text}
	if sess.Paused {
		userTurn, err = c.store.AppendHeldTurn(ctx, sessionID, userTurn)
		unlock()
		if err != nil {
			return Reply{}, fmt.Errorf("send: %w", err)
		}
		logger.InfoCF("session", "Turn queued while paused", map[string]interface{}{
			"session_id": sessionID,
			"seq":        userTurn.Seq,
		})
		return Reply{SessionID: sessionID, Mode: sess.Mode, Queued: true, UserTurn: userTurn}, nil
	}

	userTurn, err = c.store.AppendTurn(ctx, sessionID, userTurn)
	unlock()
	if err != nil {
		return Reply{}, fmt.Errorf("send: %w", err)
	}

	mode := c.modes.Resolve(sess.Mode)
	reply, err := c.respond(ctx, sess, mode, userTurn, func(t memory.Turn) (memory.Turn, error) {
		return c.store.AppendTurn(ctx, sessionID, t)
	})
	reply.UserTurn = userTurn
	return reply, err
}

// respond generates and records the assistant reply to userTurn. record
// persists the reply; it runs under the session lock.
func (c *Controller) respond(ctx context.Context, sess memory.Session, mode modes.Mode, userTurn memory.Turn, record func(memory.Turn) (memory.Turn, error)) (Reply, error) {
	reply := Reply{SessionID: sess.ID, Mode: mode.Name}

	req, known, err := c.buildRequest(ctx, sess, mode, userTurn)
	if err != nil {
		return reply, fmt.Errorf("build context: %w", err)
	}

	started := c.now()
	resp, err := c.gen.Generate(ctx, req)
	if ctxErr := ctx.Err(); ctxErr != nil {
		logger.InfoCF("session", "Generation cancelled", map[string]interface{}{
			"session_id": sess.ID,
			"seq":        userTurn.Seq,
		})
		return reply, ctxErr
	}
	if err != nil {
		logger.WarnCF("session", "Generation failed", map[string]interface{}{
			"session_id": sess.ID,
			"generator":  c.gen.Name(),
			"error":      err.Error(),
		})
		return reply, fmt.Errorf("generate reply: %w", err)
	}
	logger.DebugCF("session", "Generation finished", map[string]interface{}{
		"session_id":  sess.ID,
		"mode":        mode.Name,
		"messages":    len(req.Messages),
		"duration_ms": c.now().Sub(started).Milliseconds(),
	})

	unlock := c.lock(sess.ID)
	turn, err := record(memory.Turn{
		Speaker: memory.SpeakerAssistant,
		Kind:    memory.KindMessage,
		Text:    resp.Text,
		Mode:    mode.Name,
	})
	unlock()
	if err != nil {
		return reply, fmt.Errorf("record reply: %w", err)
	}
	reply.Turn = turn
	reply.Text = turn.Text
	reply.Facts = c.storeSuggestions(ctx, sess.UserID, known, resp.Facts)
	return reply, nil
}

// storeSuggestions records facts the generator extracted. Suggestions that
// repeat the current value are skipped so history only grows on change.
func (c *Controller) storeSuggestions(ctx context.Context, userID string, known []memory.Fact, suggestions []providers.FactSuggestion) []memory.Fact {
	if len(suggestions) == 0 {
		return nil
	}
	current := make(map[string]string, len(known))
	for _, f := range known {
		current[f.Key] = f.Value
	}
	var stored []memory.Fact
	for _, s := range suggestions {
		key := memory.NormalizeFactKey(s.Key)
		if v, ok := current[key]; ok && v == strings.TrimSpace(s.Value) {
			continue
		}
		f, err := c.store.UpsertFact(ctx, userID, memory.FactInput{
			Key:        s.Key,
			Value:      s.Value,
			Source:     memory.SourceInferred,
			Confidence: s.Confidence,
		})
		if err != nil {
			logger.WarnCF("session", "Dropped fact suggestion", map[string]interface{}{
				"user_id": userID,
				"key":     s.Key,
				"error":   err.Error(),
			})
			continue
		}
		current[f.Key] = f.Value
		stored = append(stored, f)
	}
	return stored
}

// SwitchMode changes the session's mode and records a marker turn. An
// unknown name leaves the session untouched and returns ErrModeNotFound.
func (c *Controller) SwitchMode(ctx context.Context, sessionID, name string) (Reply, error) {
	m, err := c.modes.Get(strings.TrimSpace(name))
	if err != nil {
		return Reply{}, fmt.Errorf("switch mode: %w", err)
	}

	unlock := c.lock(sessionID)
	defer unlock()
	sess, err := c.load(ctx, sessionID)
	if err == nil {
		sess, err = c.activate(ctx, sess)
	}
	if err != nil {
		return Reply{}, fmt.Errorf("switch mode: %w", err)
	}
	reply := Reply{SessionID: sessionID, Mode: m.Name, Text: m.Greeting}
	if sess.Mode == m.Name {
		return reply, nil
	}

	if err := c.store.SetSessionMode(ctx, sessionID, m.Name); err != nil {
		return Reply{}, fmt.Errorf("switch mode: %w", err)
	}
	marker, err := c.store.AppendTurn(ctx, sessionID, memory.Turn{
		Speaker: memory.SpeakerSystem,
		Kind:    memory.KindModeChange,
		Text:    fmt.Sprintf("Mode changed from %s to %s", sess.Mode, m.Name),
		Mode:    m.Name,
	})
	if err != nil {
		if rbErr := c.store.SetSessionMode(ctx, sessionID, sess.Mode); rbErr != nil {
			err = errors.Join(err, rbErr)
		}
		return Reply{}, fmt.Errorf("switch mode marker: %w", err)
	}
	logger.InfoCF("session", "Mode switched", map[string]interface{}{
		"session_id": sessionID,
		"from":       sess.Mode,
		"to":         m.Name,
	})
	reply.Turn = marker
	return reply, nil
}

// Pause holds generation for the session. Turns sent while paused are
// recorded and queued until Resume.
func (c *Controller) Pause(ctx context.Context, sessionID string) (memory.Session, error) {
	unlock := c.lock(sessionID)
	defer unlock()
	sess, err := c.load(ctx, sessionID)
	if err != nil {
		return memory.Session{}, fmt.Errorf("pause: %w", err)
	}
	if sess.State == memory.SessionArchived {
		return memory.Session{}, fmt.Errorf("pause: %w: %q", ErrSessionArchived, sessionID)
	}
	if sess.Paused {
		return sess, nil
	}
	if err := c.store.SetSessionPaused(ctx, sessionID, true); err != nil {
		return memory.Session{}, fmt.Errorf("pause: %w", err)
	}
	sess.Paused = true
	logger.InfoCF("session", "Generation paused", map[string]interface{}{"session_id": sessionID})
	return sess, nil
}

// Resume answers queued turns oldest first, then unpauses the session. On
// error the session stays paused and unanswered turns stay queued.
func (c *Controller) Resume(ctx context.Context, sessionID string) ([]Reply, error) {
	release := c.drainLock(sessionID)
	defer release()

	var replies []Reply
	for {
		unlock := c.lock(sessionID)
		sess, err := c.load(ctx, sessionID)
		if err != nil {
			unlock()
			return replies, fmt.Errorf("resume: %w", err)
		}
		if sess.State == memory.SessionArchived {
			unlock()
			return replies, fmt.Errorf("resume: %w: %q", ErrSessionArchived, sessionID)
		}
		queued, err := c.store.ListQueued(ctx, sessionID)
		if err != nil {
			unlock()
			return replies, fmt.Errorf("resume: %w", err)
		}
		if len(queued) == 0 {
			if sess.Paused {
				err = c.store.SetSessionPaused(ctx, sessionID, false)
			}
			unlock()
			if err != nil {
				return replies, fmt.Errorf("resume: %w", err)
			}
			logger.InfoCF("session", "Generation resumed", map[string]interface{}{
				"session_id": sessionID,
				"answered":   len(replies),
			})
			return replies, nil
		}
		sess, err = c.activate(ctx, sess)
		unlock()
		if err != nil {
			return replies, fmt.Errorf("resume: %w", err)
		}

		q := queued[0]
		userTurn := memory.Turn{
			ID:        q.TurnID,
			SessionID: sessionID,
			Seq:       q.TurnSeq,
			Speaker:   memory.SpeakerUser,
			Kind:      memory.KindMessage,
			Text:      q.Text,
			CreatedAt: q.QueuedAt,
		}
		reply, err := c.respond(ctx, sess, c.modes.Resolve(sess.Mode), userTurn, func(t memory.Turn) (memory.Turn, error) {
			return c.store.AnswerQueued(ctx, q.ID, t)
		})
		reply.UserTurn = userTurn
		if err != nil {
			return replies, fmt.Errorf("resume: %w", err)
		}
		replies = append(replies, reply)
	}
}

// Close archives the session. Turns still queued are dropped from the queue;
// they remain in the history.
func (c *Controller) Close(ctx context.Context, sessionID string) (memory.Session, error) {
	unlock := c.lock(sessionID)
	defer unlock()
	sess, err := c.load(ctx, sessionID)
	if err != nil {
		return memory.Session{}, fmt.Errorf("close: %w", err)
	}
	if sess.State == memory.SessionArchived {
		return sess, nil
	}
	queued, err := c.store.ListQueued(ctx, sessionID)
	if err != nil {
		return memory.Session{}, fmt.Errorf("close: %w", err)
	}
	for _, q := range queued {
		if err := c.store.Dequeue(ctx, q.ID); err != nil {
			return memory.Session{}, fmt.Errorf("close: %w", err)
		}
	}
	if sess.Paused {
		if err := c.store.SetSessionPaused(ctx, sessionID, false); err != nil {
			return memory.Session{}, fmt.Errorf("close: %w", err)
		}
	}
	now := c.now()
	if err := c.store.SetSessionState(ctx, sessionID, memory.SessionArchived, now); err != nil {
		return memory.Session{}, fmt.Errorf("close: %w", err)
	}
	logger.InfoCF("session", "Session closed", map[string]interface{}{"session_id": sessionID})
	return c.store.GetSession(ctx, sessionID)
}

// Reopen continues an archived session in a new session whose ParentID
// points at it. Sessions that are not archived are returned unchanged.
func (c *Controller) Reopen(ctx context.Context, sessionID string) (memory.Session, error) {
	sess, err := c.Session(ctx, sessionID)
	if err != nil {
		return memory.Session{}, fmt.Errorf("reopen: %w", err)
	}
	if sess.State != memory.SessionArchived {
		return sess, nil
	}
	mode := c.modes.Resolve(sess.Mode)
	next, err := c.StartSession(ctx, sess.UserID, mode.Name, func(sc *startConfig) { sc.parentID = sess.ID })
	if err != nil {
		return memory.Session{}, fmt.Errorf("reopen: %w", err)
	}
	return next, nil
}

// RememberFact stores an explicit fact for the user.
func (c *Controller) RememberFact(ctx context.Context, userID, key, value string) (memory.Fact, error) {
	f, err := c.store.UpsertFact(ctx, userID, memory.FactInput{
		Key:    key,
		Value:  value,
		Source: memory.SourceExplicit,
	})
	if err != nil {
		return memory.Fact{}, fmt.Errorf("remember fact: %w", err)
	}
	return f, nil
}

// Facts returns the user's current facts. Transient store contention is
// retried.
func (c *Controller) Facts(ctx context.Context, userID string) ([]memory.Fact, error) {
	facts, err := retry.Value(ctx, c.readRetry, func() ([]memory.Fact, error) {
		return c.store.FactsFor(ctx, userID)
	})
	if err != nil {
		return nil, fmt.Errorf("facts: %w", err)
	}
	return facts, nil
}

func (c *Controller) FactHistory(ctx context.Context, userID, key string) ([]memory.Fact, error) {
	return c.store.FactHistory(ctx, userID, key)
}

// History returns turns after afterSeq in append order.
func (c *Controller) History(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]memory.Turn, error) {
	if _, err := c.store.GetSession(ctx, sessionID); err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	return c.store.ListTurns(ctx, sessionID, afterSeq, limit)
}

func (c *Controller) ListSessions(ctx context.Context, userID string) ([]memory.Session, error) {
	return c.store.ListSessions(ctx, userID)
}

func (c *Controller) Stats(ctx context.Context) (memory.Stats, error) {
	return retry.Value(ctx, c.readRetry, func() (memory.Stats, error) {
		return c.store.Stats(ctx)
	})
}

// Export serializes the user's closure (every user when userID is empty)
// with the registry's mode overrides.
func (c *Controller) Export(ctx context.Context, userID string) ([]byte, error) {
	return c.store.Export(ctx, userID, c.modes.Overrides())
}

// Import installs an export blob. Mode overrides that conflict with the
// registry abort the import before the store is touched; otherwise the store
// keeps them with the imported records and they are applied to the registry
// after the commit.
func (c *Controller) Import(ctx context.Context, userID string, blob []byte) (memory.ImportResult, error) {
	doc, err := c.store.ParseExport(blob)
	if err != nil {
		return memory.ImportResult{}, err
	}
	if err := c.modes.CheckOverrides(doc.ModeOverrides); err != nil {
		return memory.ImportResult{}, fmt.Errorf("import mode overrides: %w", err)
	}
	res, err := c.store.Import(ctx, userID, blob)
	if err != nil {
		return memory.ImportResult{}, err
	}
	if err := c.modes.ApplyOverrides(res.ModeOverrides); err != nil {
		return res, fmt.Errorf("apply mode overrides: %w", err)
	}
	logger.InfoCF("session", "Import applied", map[string]interface{}{
		"users":          res.Users,
		"sessions":       res.Sessions,
		"turns":          res.Turns,
		"facts":          res.Facts,
		"mode_overrides": len(res.ModeOverrides),
	})
	return res, nil
}
