package session

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/compustat/relayd/internal/auth"
	"github.com/compustat/relayd/internal/config"
	"github.com/compustat/relayd/internal/launcher"
	"github.com/compustat/relayd/internal/logger"
	"github.com/compustat/relayd/internal/model"
	"github.com/compustat/relayd/internal/store"
)

const (
	minReapPeriod = time.Second
	maxReapPeriod = 5 * time.Second
)

// workspaceHeader is the fallback for clients that cannot set the path
// or query parameter
const workspaceHeader = "X-Workspace-Id"

// Service is the session registry: it authenticates incoming client
// channels, finds or creates the workspace's Session, and reaps
// sessions nobody is attached to.
type Service struct {
	cfg    *config.Config
	log    *logger.Logger
	store  store.Store
	launch launcher.Launcher
	auth   *auth.Authenticator

	reapDelay  time.Duration
	reapPeriod time.Duration

	mu           sync.Mutex
	sessions     map[int64]*Session
	connIndex    map[string]*Session
	reapTimer    *time.Timer
	timerRunning bool
	stopped      bool
}

// NewService builds the registry. The reaper stays suspended until the
// first session is added.
func NewService(cfg *config.Config, st store.Store, launch launcher.Launcher, authr *auth.Authenticator, log *logger.Logger) *Service {
	delay := cfg.ReapDelay()
	period := delay
	if period > maxReapPeriod {
		period = maxReapPeriod
	}
	if period < minReapPeriod {
		period = minReapPeriod
	}
	return &Service{
		cfg:        cfg,
		log:        log.WithPrefix("registry"),
		store:      st,
		launch:     launch,
		auth:       authr,
		reapDelay:  delay,
		reapPeriod: period,
		sessions:   make(map[int64]*Session),
		connIndex:  make(map[string]*Session),
	}
}

// SessionCount reports how many sessions are live
func (s *Service) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// HandleConnection authenticates an upgraded channel, attaches it to
// the workspace's session and pumps it until it closes. Any auth or
// ownership failure closes the channel with no further action. Blocks
// for the connection's lifetime.
func (s *Service) HandleConnection(ws wsConn, r *http.Request, workspaceParam string) error {
	userID, err := s.auth.AuthenticateRequest(r)
	if err != nil {
		_ = ws.Close()
		return fmt.Errorf("rejected connection: %w", err)
	}

	workspaceID, err := extractWorkspaceID(r, workspaceParam)
	if err != nil {
		_ = ws.Close()
		return err
	}

	wspace, err := s.store.GetWorkspace(workspaceID)
	if err != nil {
		_ = ws.Close()
		return fmt.Errorf("workspace %d: %w", workspaceID, err)
	}
	if wspace.UserID != userID {
		_ = ws.Close()
		return fmt.Errorf("user %d does not own workspace %d", userID, workspaceID)
	}

	sess, err := s.sessionFor(wspace)
	if err != nil {
		_ = ws.Close()
		return err
	}

	conn := NewConnection(ws, userID, s.log, s.cfg.LogClientOutgoing)
	s.mu.Lock()
	s.connIndex[conn.ID] = sess
	s.mu.Unlock()
	sess.Added(conn)

	go conn.WritePump()
	conn.ReadPump(s.received, s.disconnected)
	return nil
}

// sessionFor finds or creates the Session for a workspace under the
// registry mutex. Creation starts the session and resumes the reaper.
func (s *Service) sessionFor(wspace *model.Workspace) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil, fmt.Errorf("registry is shut down")
	}
	if sess, ok := s.sessions[wspace.ID]; ok {
		return sess, nil
	}
	sess := NewSession(wspace, s.cfg, s.store, s.launch, s.log)
	if err := sess.Start(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to start session for workspace %d: %w", wspace.ID, err)
	}
	s.sessions[wspace.ID] = sess
	s.log.Info("session created for workspace %d", wspace.ID)
	s.startReaperLocked()
	return sess, nil
}

// received forwards one client payload to its session
func (s *Service) received(conn *Connection, data []byte) {
	if len(data) < 2 {
		return
	}
	s.mu.Lock()
	sess := s.connIndex[conn.ID]
	s.mu.Unlock()
	if sess == nil {
		s.log.Warn("payload from unindexed connection %s", conn.ID)
		return
	}
	cmd, err := model.DecodeCommand(data)
	if err != nil {
		s.log.Warn("dropping unparseable command from %s: %v", conn.ID, err)
		return
	}
	sess.HandleCommand(cmd, conn)
}

// disconnected detaches a closing connection from its session.
// Unindexed disconnects are anomalies, not errors: they happen when a
// session failed to start.
func (s *Service) disconnected(conn *Connection) {
	s.mu.Lock()
	sess := s.connIndex[conn.ID]
	delete(s.connIndex, conn.ID)
	s.mu.Unlock()
	if sess == nil {
		s.log.Info("disconnect for unindexed connection %s", conn.ID)
		return
	}
	sess.Removed(conn)
	conn.Close()
}

// startReaperLocked arms the reap timer; callers hold s.mu. A reap
// delay of zero disables reaping entirely.
func (s *Service) startReaperLocked() {
	if s.reapDelay == 0 || s.timerRunning || s.stopped {
		return
	}
	s.timerRunning = true
	s.reapTimer = time.AfterFunc(s.reapPeriod, s.reap)
}

// reap shuts down every session that has been empty longer than the
// grace period, then re-arms unless the registry emptied out
func (s *Service) reap() {
	now := time.Now()
	var victims []*Session

	s.mu.Lock()
	for id, sess := range s.sessions {
		if emptyAt, empty := sess.EmptySince(); empty && now.Sub(emptyAt) >= s.reapDelay {
			victims = append(victims, sess)
			delete(s.sessions, id)
		}
	}
	s.timerRunning = false
	if len(s.sessions) > 0 {
		s.startReaperLocked()
	}
	s.mu.Unlock()

	// shut down outside the registry lock
	for _, sess := range victims {
		s.log.Info("reaping idle session for workspace %d", sess.WorkspaceID())
		sess.Shutdown(model.CloseReasonShutdown)
	}
}

// Shutdown stops the reaper and tears down every session
func (s *Service) Shutdown() {
	s.mu.Lock()
	s.stopped = true
	if s.reapTimer != nil {
		s.reapTimer.Stop()
	}
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.sessions = make(map[int64]*Session)
	s.connIndex = make(map[string]*Session)
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.Shutdown(model.CloseReasonShutdown)
	}
}

// extractWorkspaceID resolves the workspace id from the path parameter,
// the query string, or a custom header, in that order
func extractWorkspaceID(r *http.Request, pathParam string) (int64, error) {
	raw := pathParam
	if raw == "" {
		raw = r.URL.Query().Get("wspaceId")
	}
	if raw == "" {
		raw = r.Header.Get(workspaceHeader)
	}
	if raw == "" {
		return 0, fmt.Errorf("no workspace id in request")
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid workspace id %q", raw)
	}
	return id, nil
}
