// Package session implements the protocol session server: one actor per
// generation request mediating its worker and any number of operators.
package session

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"appforge/internal/model"
	"appforge/internal/protocol"
	"appforge/internal/service/credential"
	"appforge/pkg/config"
	"appforge/pkg/interfaces"
	"appforge/pkg/logger"
	"appforge/pkg/metrics"
	"appforge/pkg/orcherr"
	"appforge/pkg/status"
	"appforge/pkg/store/mysql"
)

var (
	// ErrInvalidToken is returned when a worker presents a wrong token
	ErrInvalidToken = errors.New("invalid worker token")

	// ErrInvalidTransition is returned when a control command does not apply to the current phase
	ErrInvalidTransition = errors.New("invalid phase transition")

	// ErrShuttingDown is returned once Shutdown has been called
	ErrShuttingDown = errors.New("session manager shutting down")

	// ErrCredentialsLost is returned for a bring-your-own-credentials request
	// whose credentials are no longer held; they are never persisted.
	ErrCredentialsLost = errors.New("bring-your-own credentials are not kept across restarts, open the request again with credentials")
)

// RequestStore persists generation requests
type RequestStore interface {
	Create(ctx context.Context, req *model.GenerationRequest) error
	Get(ctx context.Context, requestID string) (*model.GenerationRequest, error)
	Transition(ctx context.Context, requestID string, from, to model.Phase, errMsg string) error
	SetWorkerHandle(ctx context.Context, requestID, handle string) error
	ClearWorkerHandle(ctx context.Context, requestID string) error
}

// EventRecorder stores the session audit trail
type EventRecorder interface {
	RecordEvent(ctx context.Context, event *mysql.SessionEvent) error
}

// LogStore is the durable copy of every session's broadcast stream
type LogStore interface {
	Append(ctx context.Context, requestID string, entries ...model.LogEntry) error
	Range(ctx context.Context, requestID string, since, limit int64) ([]model.LogEntry, error)
}

// LeasePool grants backing credentials
type LeasePool interface {
	Policy() string
	Override(requestID string, creds model.Credentials)
	IsOverridden(requestID string) bool
	Lease(ctx context.Context, requestID string) (*credential.Lease, error)
	LeaseWait(ctx context.Context, requestID string) (*credential.Lease, error)
	Held(ctx context.Context, requestID string) (*credential.Lease, error)
	Release(ctx context.Context, requestID string) error
}

// Dispatcher queues side effects of finished sessions
type Dispatcher interface {
	EnqueueNotification(ctx context.Context, n *interfaces.Notification) error
	EnqueueDeduction(ctx context.Context, userID, requestID string, amount int) error
}

// Timings bounds every wait in a session
type Timings struct {
	SpawnTimeout     time.Duration
	SpawnRetries     int
	SpawnBackoff     time.Duration
	TerminateTimeout time.Duration
	TerminateRetries int
	TerminateBackoff time.Duration
	DecisionTimeout  time.Duration
	ReconnectGrace   time.Duration
	IdleGrace        time.Duration
	SweepInterval    time.Duration
	StoreTimeout     time.Duration
	OutboundQueue    int
	InboxSize        int
	AutoStart        bool
}

// TimingsFromConfig converts the session section of the config
func TimingsFromConfig(c config.SessionConfig) Timings {
	return Timings{
		SpawnTimeout:     config.Seconds(c.SpawnTimeout),
		SpawnRetries:     c.SpawnRetries,
		SpawnBackoff:     config.Seconds(c.SpawnBackoff),
		TerminateTimeout: config.Seconds(c.TerminateTimeout),
		TerminateRetries: c.TerminateRetries,
		TerminateBackoff: time.Second,
		DecisionTimeout:  config.Seconds(c.DecisionTimeout),
		ReconnectGrace:   config.Seconds(c.ReconnectGrace),
		IdleGrace:        config.Seconds(c.IdleGrace),
		SweepInterval:    config.Seconds(c.SweepInterval),
		StoreTimeout:     5 * time.Second,
		OutboundQueue:    c.OutboundQueue,
		InboxSize:        1024,
		AutoStart:        c.AutoStart,
	}
}

// Options wires a Manager
type Options struct {
	Backend    interfaces.WorkerLifecycle
	Requests   RequestStore
	Audit      EventRecorder // optional
	Log        LogStore      // optional
	Pool       LeasePool
	Dispatcher Dispatcher // optional
	Sanitizer  *status.StatusSanitizer
	Metrics    *metrics.Recorder
	Timings    Timings

	CallbackURL          string
	WorkerSecret         string
	CreditsPerRun        int
	DefaultMaxIterations int
}

// Manager owns the session registry. The registry lock only guards lookups;
// session state is touched by the session's own actor goroutine.
type Manager struct {
	opts   Options
	secret []byte
	now    func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session

	baseCtx  context.Context
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager creates the session server core
func NewManager(opts Options) *Manager {
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewRecorder(nil)
	}
	if opts.Sanitizer == nil {
		opts.Sanitizer = status.NewStatusSanitizer()
	}
	if opts.Timings.StoreTimeout <= 0 {
		opts.Timings.StoreTimeout = 5 * time.Second
	}
	if opts.Timings.InboxSize <= 0 {
		opts.Timings.InboxSize = 1024
	}
	if opts.Timings.SweepInterval <= 0 {
		opts.Timings.SweepInterval = time.Second
	}
	if opts.DefaultMaxIterations <= 0 {
		opts.DefaultMaxIterations = 10
	}

	secret := []byte(opts.WorkerSecret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			panic(fmt.Sprintf("failed to generate worker secret: %v", err))
		}
		logger.Warnf("server.worker_secret is empty, recovered workers will not be able to reconnect after a restart")
	}

	return &Manager{
		opts:     opts,
		secret:   secret,
		now:      time.Now,
		sessions: make(map[string]*Session),
		baseCtx:  context.Background(),
		stopCh:   make(chan struct{}),
	}
}

// Start runs the sweep loop until Shutdown
func (m *Manager) Start() {
	m.goBackground(m.sweepLoop)
}

// Shutdown stops every session without finalizing it; persisted state lets
// the recovery reconciler pick the sessions up after a restart.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.stopOnce.Do(func() { close(m.stopCh) })

	for _, s := range m.list() {
		s.post(func() { s.halt(ReasonShutdown) })
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("session manager shutdown: %w", ctx.Err())
	}
}

// Open opens (or returns) the session of a request. The request row is
// created when it does not exist yet.
func (m *Manager) Open(ctx context.Context, req *model.OpenSessionRequest) (*model.OpenSessionResponse, error) {
	if m.stopping() {
		return nil, ErrShuttingDown
	}
	ctx = logger.WithRequestID(ctx, req.RequestID)

	if s := m.get(req.RequestID); s != nil {
		snap, err := s.snapshot(ctx)
		if err != nil {
			return nil, err
		}
		return &model.OpenSessionResponse{RequestID: req.RequestID, Phase: snap.Phase, Created: false}, nil
	}

	greq, err := m.loadOrCreate(ctx, req)
	if err != nil {
		return nil, err
	}
	if greq.Status.IsTerminal() {
		return nil, fmt.Errorf("request %s is %s: %w", req.RequestID, greq.Status, orcherr.ErrSessionTerminal)
	}
	if req.Credentials != nil {
		m.opts.Pool.Override(req.RequestID, *req.Credentials)
	}
	if greq.Status != model.PhaseQueued {
		// live request without a session, e.g. opened again before the reconciler ran
		if err := m.Recover(ctx, greq); err != nil {
			return nil, err
		}
		return &model.OpenSessionResponse{RequestID: req.RequestID, Phase: greq.Status, Created: false}, nil
	}

	byot := greq.BYOT || req.Credentials != nil
	if byot && !m.opts.Pool.IsOverridden(req.RequestID) {
		return nil, fmt.Errorf("request %s: %w", req.RequestID, ErrCredentialsLost)
	}
	var lease *credential.Lease
	if m.opts.Pool.Policy() != credential.PolicyWait || byot {
		lease, err = m.opts.Pool.Lease(ctx, req.RequestID)
		if err != nil {
			logger.WarnCtx(ctx, "cannot open session: %v", err)
			return nil, err
		}
	}

	s := newSession(m, greq)
	s.lease = lease
	if existing, ok := m.register(s); !ok {
		snap, err := existing.snapshot(ctx)
		if err != nil {
			return nil, err
		}
		return &model.OpenSessionResponse{RequestID: req.RequestID, Phase: snap.Phase, Created: false}, nil
	}

	m.opts.Metrics.SessionOpened()
	s.start()
	s.post(s.open)
	logger.InfoCtx(ctx, "session opened, policy=%s byot=%v", m.opts.Pool.Policy(), greq.BYOT)
	return &model.OpenSessionResponse{RequestID: req.RequestID, Phase: model.PhaseQueued, Created: true}, nil
}

func (m *Manager) loadOrCreate(ctx context.Context, req *model.OpenSessionRequest) (*model.GenerationRequest, error) {
	greq, err := m.opts.Requests.Get(ctx, req.RequestID)
	if err == nil {
		return greq, nil
	}
	if !errors.Is(err, orcherr.ErrNotFound) {
		return nil, err
	}

	maxIter := req.MaxIterations
	if maxIter <= 0 {
		maxIter = m.opts.DefaultMaxIterations
	}
	fresh := &model.GenerationRequest{
		RequestID:     req.RequestID,
		UserID:        req.UserID,
		Prompt:        req.Prompt,
		Mode:          req.Mode,
		MaxIterations: maxIter,
		Status:        model.PhaseQueued,
		BYOT:          req.Credentials != nil,
	}
	if err := m.opts.Requests.Create(ctx, fresh); err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	return m.opts.Requests.Get(ctx, req.RequestID)
}

// Recover rebuilds the session of a non-terminal request after a restart.
// A stored worker handle gets a reconnect window of one spawn timeout.
func (m *Manager) Recover(ctx context.Context, req *model.GenerationRequest) error {
	if m.stopping() {
		return ErrShuttingDown
	}
	if req.Status.IsTerminal() || m.get(req.RequestID) != nil {
		return nil
	}
	ctx = logger.WithRequestID(ctx, req.RequestID)

	s := newSession(m, req)
	s.phase = req.Status
	s.recovering = true
	switch {
	case !req.BYOT:
		lease, err := m.opts.Pool.Held(ctx, req.RequestID)
		if err != nil {
			logger.WarnCtx(ctx, "failed to look up held lease: %v", err)
		}
		s.lease = lease
	case m.opts.Pool.IsOverridden(req.RequestID):
		// credentials supplied again by the caller; Lease returns them without the pool
		lease, err := m.opts.Pool.Lease(ctx, req.RequestID)
		if err != nil {
			return err
		}
		s.lease = lease
	}
	if req.WorkerHandle != "" {
		handle, err := interfaces.ParseWorkerHandle(req.WorkerHandle)
		if err != nil {
			logger.WarnCtx(ctx, "ignoring stored worker handle: %v", err)
		} else {
			s.handle = handle
		}
	}
	if m.opts.Log != nil {
		// new entries continue the stored sequence, so recovery needs the stored log
		history, err := m.opts.Log.Range(ctx, req.RequestID, 0, 0)
		if err != nil {
			return fmt.Errorf("failed to load session log: %w", err)
		}
		s.history = history
	}

	if _, ok := m.register(s); !ok {
		return nil
	}
	s.start()
	s.post(s.resume)
	logger.InfoCtx(ctx, "recovering session in phase %s, handle=%s", req.Status, req.WorkerHandle)
	return nil
}

// AttachOperator joins an operator to a session. The returned peer carries
// the full buffered history followed by live messages. A persisted request
// without a live session is recovered first; a finished one is replayed from
// the durable log and the peer is closed after the replay.
func (m *Manager) AttachOperator(ctx context.Context, requestID string) (*Peer, error) {
	s := m.get(requestID)
	if s == nil {
		var err error
		if s, err = m.sessionFromStore(ctx, requestID); err != nil {
			return nil, err
		}
		if s == nil {
			return m.replayOnly(ctx, requestID)
		}
	}
	peer := newPeer(model.RoleOperator, requestID, m.opts.Timings.OutboundQueue)
	if err := s.do(ctx, func() error { return s.attachOperator(peer) }); err != nil {
		return nil, err
	}
	return peer, nil
}

// sessionFromStore recovers the session of a persisted non-terminal request.
// It returns nil for a terminal request.
func (m *Manager) sessionFromStore(ctx context.Context, requestID string) (*Session, error) {
	if m.stopping() {
		return nil, ErrShuttingDown
	}
	req, err := m.opts.Requests.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status.IsTerminal() {
		return nil, nil
	}
	if err := m.Recover(ctx, req); err != nil {
		return nil, err
	}
	s := m.get(requestID)
	if s == nil {
		return nil, fmt.Errorf("session %s: %w", requestID, orcherr.ErrNotFound)
	}
	return s, nil
}

// replayOnly serves the stored log of a finished request whose session is gone.
func (m *Manager) replayOnly(ctx context.Context, requestID string) (*Peer, error) {
	var history []model.LogEntry
	if m.opts.Log != nil {
		var err error
		if history, err = m.opts.Log.Range(ctx, requestID, 0, 0); err != nil {
			return nil, err
		}
	}
	replay := make([][]byte, 0, len(history)+1)
	for _, e := range history {
		replay = append(replay, []byte(e.Line))
	}
	done, err := protocol.Encode(protocol.NewReplayComplete(requestID, len(history)))
	if err != nil {
		return nil, err
	}
	peer := newPeer(model.RoleOperator, requestID, 1)
	peer.setReplay(append(replay, done))
	peer.close(ReasonSessionEnded)
	logger.InfoCtx(ctx, "operator %s replaying %d stored entries of a finished session", peer.ID, len(history))
	return peer, nil
}

// AttachWorker accepts a worker connection. It becomes the session's worker
// once it sends ready.
func (m *Manager) AttachWorker(ctx context.Context, requestID, token string) (*Peer, error) {
	if !m.validToken(requestID, token) {
		return nil, ErrInvalidToken
	}
	s := m.get(requestID)
	if s == nil {
		return nil, fmt.Errorf("session %s: %w", requestID, orcherr.ErrNotFound)
	}
	peer := newPeer(model.RoleWorker, requestID, m.opts.Timings.OutboundQueue)
	if err := s.do(ctx, func() error { return s.attachWorker(peer) }); err != nil {
		return nil, err
	}
	return peer, nil
}

// Deliver routes one inbound line from peer. Bad lines are logged and dropped.
func (m *Manager) Deliver(ctx context.Context, peer *Peer, data []byte) {
	msg, err := protocol.Parse(data)
	if err != nil {
		m.dropped(ctx, peer, "", "malformed", err)
		return
	}
	if err := msg.ValidateFor(peer.Role, peer.RequestID); err != nil {
		m.dropped(ctx, peer, msg.Type, "unroutable", err)
		return
	}
	s := m.get(peer.RequestID)
	if s == nil {
		m.dropped(ctx, peer, msg.Type, "no_session", orcherr.ErrNotFound)
		return
	}
	s.post(func() { s.route(peer, msg) })
}

// Detach removes a closed connection from its session. Messages the
// connection delivered before are applied first.
func (m *Manager) Detach(peer *Peer) {
	s := m.get(peer.RequestID)
	if s == nil || !s.post(func() {
		s.detach(peer)
		peer.close("disconnected")
	}) {
		peer.close("disconnected")
	}
}

// Control applies an operator command through the REST surface
func (m *Manager) Control(ctx context.Context, requestID string, cmd model.ControlCommand) (*model.SessionSnapshot, error) {
	s := m.get(requestID)
	if s == nil {
		return nil, fmt.Errorf("session %s: %w", requestID, orcherr.ErrNotFound)
	}
	if err := s.do(ctx, func() error { return s.control(cmd, "operator") }); err != nil {
		return nil, err
	}
	return s.snapshot(ctx)
}

// Snapshot returns the live state of a session, or the persisted state of a
// request whose session is gone.
func (m *Manager) Snapshot(ctx context.Context, requestID string) (*model.SessionSnapshot, error) {
	if s := m.get(requestID); s != nil {
		return s.snapshot(ctx)
	}
	req, err := m.opts.Requests.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	return &model.SessionSnapshot{
		RequestID:    req.RequestID,
		Phase:        req.Status,
		WorkerHandle: req.WorkerHandle,
		CreatedAt:    req.CreatedAt,
		UpdatedAt:    req.UpdatedAt,
	}, nil
}

// Events returns a page of the session's broadcast stream starting at sequence since
func (m *Manager) Events(ctx context.Context, requestID string, since, limit int64) (*model.EventPage, error) {
	if since < 0 {
		since = 0
	}
	// a live session's history is ahead of the durable copy
	entries, err := m.liveEvents(ctx, requestID, since, limit)
	if errors.Is(err, orcherr.ErrNotFound) && m.opts.Log != nil {
		entries, err = m.opts.Log.Range(ctx, requestID, since, limit)
	}
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []model.LogEntry{}
	}
	return &model.EventPage{RequestID: requestID, Since: since, Next: since + int64(len(entries)), Events: entries}, nil
}

func (m *Manager) liveEvents(ctx context.Context, requestID string, since, limit int64) ([]model.LogEntry, error) {
	s := m.get(requestID)
	if s == nil {
		return nil, fmt.Errorf("session %s: %w", requestID, orcherr.ErrNotFound)
	}
	var entries []model.LogEntry
	err := s.do(ctx, func() error {
		entries = s.historySlice(since, limit)
		return nil
	})
	return entries, err
}

// Has reports whether a live session exists for requestID
func (m *Manager) Has(requestID string) bool {
	return m.get(requestID) != nil
}

// Count returns the number of live sessions
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *Manager) get(requestID string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[requestID]
}

func (m *Manager) list() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

func (m *Manager) register(s *Session) (*Session, bool) {
	m.mu.Lock()
	if existing, ok := m.sessions[s.id]; ok {
		m.mu.Unlock()
		return existing, false
	}
	m.sessions[s.id] = s
	n := len(m.sessions)
	m.mu.Unlock()
	m.opts.Metrics.ActiveSessions(n)
	return s, true
}

func (m *Manager) remove(s *Session) {
	m.mu.Lock()
	if m.sessions[s.id] == s {
		delete(m.sessions, s.id)
	}
	n := len(m.sessions)
	m.mu.Unlock()
	m.opts.Metrics.ActiveSessions(n)
}

func (m *Manager) stopping() bool {
	select {
	case <-m.stopCh:
		return true
	default:
		return false
	}
}

func (m *Manager) sweepLoop() {
	ticker := time.NewTicker(m.opts.Timings.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			now := m.now()
			for _, s := range m.list() {
				s := s
				s.tryPost(func() { s.sweep(now) })
			}
		}
	}
}

// goBackground runs fn on a tracked goroutine with panic isolation
func (m *Manager) goBackground(fn func()) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("background task panic: %v\n%s", r, debug.Stack())
			}
		}()
		fn()
	}()
}

func (m *Manager) dropped(ctx context.Context, peer *Peer, msgType protocol.MessageType, reason string, err error) {
	m.opts.Metrics.ProtocolDropped(reason)
	logger.WarnCtx(logger.WithRequestID(ctx, peer.RequestID), "dropped %s message from %s %s (%s): %v",
		msgType, peer.Role, peer.ID, reason, err)
}
