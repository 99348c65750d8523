// Package registry binds each user to at most one live session: an agent
// supervisor, a workspace directory, and the event fan-out toward the
// client gateway.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cloudcodex/gateway/internal/domain"
)

// AgentProcess is what the registry needs from a supervisor.
type AgentProcess interface {
	Start(ctx context.Context) error
	Initialize(ctx context.Context, clientInfo map[string]any) error
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
	Stop() error
}

// Hooks are the per-session callbacks a factory wires into the supervisor's
// tap so events flow back up to the registry.
type Hooks struct {
	OnEvent        func(ev domain.RawEvent)
	OnRunUpdate    func(view *domain.RunView)
	OnProcessError func(perr domain.ProcessError)
	OnExit         func(exitCode int)
}

// Factory builds the agent process for a new session. It receives the
// session identity so it can wire hooks and the approval broker.
type Factory func(sessionID, userID, workDir string, hooks Hooks) AgentProcess

// Listener receives registry-level events tagged with session identity.
type Listener struct {
	OnSessionEvent    func(sessionID, userID string, ev domain.RawEvent)
	OnIRUpdate        func(sessionID, userID string, view *domain.RunView)
	OnApprovalRequest func(sessionID, userID string, frame map[string]any)
	OnSessionError    func(sessionID, userID string, perr domain.ProcessError)
	OnExit            func(sessionID, userID string, exitCode int)
}

// Session is the per-user binding of client traffic to one agent subprocess
// and workspace. The registry owns the session; the session owns its agent.
type Session struct {
	ID               string
	UserID           string
	CreatedAt        time.Time
	WorkingDirectory string

	mu           sync.Mutex
	state        domain.SessionState
	lastActiveAt time.Time

	agent AgentProcess
	ready chan struct{}
	err   error
}

// Agent returns the session's agent process. Nil until initialization has
// created it, which happens before the agent is started and handshaken.
func (s *Session) Agent() AgentProcess {
	return s.agent
}

// State returns the session's current state.
func (s *Session) State() domain.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastActiveAt returns the time of the last observed activity.
func (s *Session) LastActiveAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActiveAt
}

func (s *Session) setState(state domain.SessionState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActiveAt = time.Now()
	s.mu.Unlock()
}

// Config configures a registry.
type Config struct {
	WorkspaceRoot string
	IdleTimeout   time.Duration
	SweepInterval time.Duration
	ClientInfo    map[string]any
}

// Registry maintains the per-user session table.
type Registry struct {
	cfg      Config
	factory  Factory
	listener Listener

	mu     sync.Mutex
	byUser map[string]*Session
	byID   map[string]*Session

	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a registry. Call SetListener before Run traffic arrives and
// StartSweeper to enable idle reaping.
func New(cfg Config, factory Factory) *Registry {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Minute
	}
	return &Registry{
		cfg:     cfg,
		factory: factory,
		byUser:  make(map[string]*Session),
		byID:    make(map[string]*Session),
		stop:    make(chan struct{}),
	}
}

// SetListener registers the gateway-side event listener.
func (r *Registry) SetListener(l Listener) {
	r.listener = l
}

// GetOrCreate returns the user's live session, creating one if needed.
// Concurrent calls for the same user yield the same session.
func (r *Registry) GetOrCreate(ctx context.Context, userID string) (*Session, error) {
	r.mu.Lock()
	if sess, ok := r.byUser[userID]; ok && sess.State() != domain.SessionStateClosed {
		r.mu.Unlock()
		select {
		case <-sess.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if sess.err != nil {
			return nil, sess.err
		}
		return sess, nil
	}

	sess := &Session{
		ID:               uuid.New().String(),
		UserID:           userID,
		CreatedAt:        time.Now(),
		WorkingDirectory: filepath.Join(r.cfg.WorkspaceRoot, userID),
		state:            domain.SessionStateInitializing,
		lastActiveAt:     time.Now(),
		ready:            make(chan struct{}),
	}
	r.byUser[userID] = sess
	r.byID[sess.ID] = sess
	r.mu.Unlock()

	if err := r.initialize(ctx, sess); err != nil {
		sess.err = err
		sess.setState(domain.SessionStateClosed)
		r.mu.Lock()
		if r.byUser[userID] == sess {
			delete(r.byUser, userID)
		}
		delete(r.byID, sess.ID)
		r.mu.Unlock()
		close(sess.ready)
		return nil, err
	}

	sess.setState(domain.SessionStateReady)
	close(sess.ready)
	return sess, nil
}

func (r *Registry) initialize(ctx context.Context, sess *Session) error {
	if err := os.MkdirAll(sess.WorkingDirectory, 0o755); err != nil {
		return fmt.Errorf("failed to create workspace: %w", err)
	}

	sess.agent = r.factory(sess.ID, sess.UserID, sess.WorkingDirectory, r.hooks(sess))

	// The agent must outlive this call's context.
	if err := sess.agent.Start(context.Background()); err != nil {
		return fmt.Errorf("failed to start agent: %w", err)
	}
	if err := sess.agent.Initialize(ctx, r.cfg.ClientInfo); err != nil {
		sess.agent.Stop()
		return err
	}
	return nil
}

// hooks builds the session's tap wiring: every event refreshes the activity
// clock, busy tracking follows turn boundaries, and everything re-broadcasts
// tagged with the session identity.
func (r *Registry) hooks(sess *Session) Hooks {
	return Hooks{
		OnEvent: func(ev domain.RawEvent) {
			sess.touch()
			switch ev.Type {
			case "turn/started":
				sess.setState(domain.SessionStateBusy)
			case "turn/completed":
				sess.setState(domain.SessionStateReady)
			}
			if r.listener.OnSessionEvent != nil {
				r.listener.OnSessionEvent(sess.ID, sess.UserID, ev)
			}
		},
		OnRunUpdate: func(view *domain.RunView) {
			sess.touch()
			if r.listener.OnIRUpdate != nil {
				r.listener.OnIRUpdate(sess.ID, sess.UserID, view)
			}
		},
		OnProcessError: func(perr domain.ProcessError) {
			sess.touch()
			if r.listener.OnSessionError != nil {
				r.listener.OnSessionError(sess.ID, sess.UserID, perr)
			}
		},
		OnExit: func(exitCode int) {
			if r.listener.OnExit != nil {
				r.listener.OnExit(sess.ID, sess.UserID, exitCode)
			}
			// The subprocess is gone; drop the session. Destroy may
			// already have run (sweep or shutdown), so the error is
			// ignored.
			_ = r.Destroy(sess.ID)
		},
	}
}

// NotifyApproval re-broadcasts an approval request as a registry-level
// event and refreshes the session's activity clock.
func (r *Registry) NotifyApproval(sessionID, userID string, frame map[string]any) {
	if sess, err := r.Get(sessionID); err == nil {
		sess.touch()
	}
	if r.listener.OnApprovalRequest != nil {
		r.listener.OnApprovalRequest(sessionID, userID, frame)
	}
}

// Get returns a session by id.
func (r *Registry) Get(sessionID string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.byID[sessionID]
	if !ok {
		return nil, fmt.Errorf("session not found: %s", sessionID)
	}
	return sess, nil
}

// CallAgent forwards a request to the session's agent. A turn/start marks
// the session busy immediately rather than waiting for the turn/started
// notification.
func (r *Registry) CallAgent(ctx context.Context, sessionID, method string, params any) (json.RawMessage, error) {
	sess, err := r.Get(sessionID)
	if err != nil {
		return nil, err
	}
	sess.touch()
	if method == "turn/start" {
		sess.setState(domain.SessionStateBusy)
	}
	return sess.agent.Call(ctx, method, params)
}

// Destroy stops the session's agent, removes its workspace, and drops the
// registry entries. Workspace removal is best-effort.
func (r *Registry) Destroy(sessionID string) error {
	r.mu.Lock()
	sess, ok := r.byID[sessionID]
	if ok {
		delete(r.byID, sessionID)
		if r.byUser[sess.UserID] == sess {
			delete(r.byUser, sess.UserID)
		}
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("session not found: %s", sessionID)
	}

	if sess.State() == domain.SessionStateClosed {
		return nil
	}
	sess.setState(domain.SessionStateClosed)

	if err := sess.agent.Stop(); err != nil {
		log.Printf("WARN: failed to stop agent for session %s: %v", sessionID, err)
	}
	if err := os.RemoveAll(sess.WorkingDirectory); err != nil {
		log.Printf("WARN: failed to remove workspace %s: %v", sess.WorkingDirectory, err)
	}
	return nil
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

// StartSweeper launches the periodic idle sweep.
func (r *Registry) StartSweeper() {
	go func() {
		ticker := time.NewTicker(r.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.sweep()
			case <-r.stop:
				return
			}
		}
	}()
}

// sweep destroys sessions idle past the threshold, skipping busy ones.
func (r *Registry) sweep() {
	now := time.Now()

	r.mu.Lock()
	var expired []string
	for id, sess := range r.byID {
		if sess.State() == domain.SessionStateBusy {
			continue
		}
		if now.Sub(sess.LastActiveAt()) > r.cfg.IdleTimeout {
			expired = append(expired, id)
		}
	}
	r.mu.Unlock()

	for _, id := range expired {
		log.Printf("Reaping idle session %s", id)
		if err := r.Destroy(id); err != nil {
			log.Printf("WARN: failed to reap session %s: %v", id, err)
		}
	}
}

// Shutdown stops the sweeper and destroys every session.
func (r *Registry) Shutdown() {
	r.stopOnce.Do(func() { close(r.stop) })

	r.mu.Lock()
	ids := make([]string, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		if err := r.Destroy(id); err != nil {
			log.Printf("WARN: failed to destroy session %s on shutdown: %v", id, err)
		}
	}
}
