package session

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/compustat/relayd/internal/auth"
	"github.com/compustat/relayd/internal/compute"
	"github.com/compustat/relayd/internal/config"
	"github.com/compustat/relayd/internal/model"
)

// fakeWS is an in-memory wsConn: it yields a fixed set of inbound
// frames, then EOF
type fakeWS struct {
	mu     sync.Mutex
	frames [][]byte
	next   int
	wrote  [][]byte
	closed bool
}

func (f *fakeWS) ReadMessage() (int, []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.next >= len(f.frames) {
		return 0, nil, io.EOF
	}
	data := f.frames[f.next]
	f.next++
	return websocket.TextMessage, data, nil
}

func (f *fakeWS) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.wrote = append(f.wrote, append([]byte(nil), data...))
	return nil
}

func (f *fakeWS) SetReadLimit(limit int64)            {}
func (f *fakeWS) SetReadDeadline(t time.Time) error   { return nil }
func (f *fakeWS) SetWriteDeadline(t time.Time) error  { return nil }
func (f *fakeWS) SetPongHandler(h func(string) error) {}

func (f *fakeWS) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeWS) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func newTestService(t *testing.T, st *fakeStore) (*Service, *auth.Authenticator) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.ComputeConnectAttempts = 1
	cfg.ComputeConnectMinDelayMS = 1
	cfg.ComputeConnectMaxDelayMS = 2
	authr := auth.NewAuthenticator([]byte("test-secret"), "rc2_auth", st)
	svc := NewService(cfg, st, nil, authr, testLog(t))
	t.Cleanup(svc.Shutdown)
	return svc, authr
}

func authedRequest(t *testing.T, authr *auth.Authenticator, st *fakeStore, userID int64) *http.Request {
	t.Helper()
	tokenID, err := st.CreateToken(userID)
	require.NoError(t, err)
	signed, err := authr.IssueToken(userID, tokenID, time.Hour)
	require.NoError(t, err)
	r := httptest.NewRequest(http.MethodGet, "/ws/42", nil)
	r.Header.Set("Authorization", "Bearer "+signed)
	return r
}

// preparedSession installs a session backed by a connected fake worker
// so HandleConnection never dials a real compute engine
func preparedSession(svc *Service, st *fakeStore, wspace *model.Workspace) (*Session, *fakeWorker) {
	sess := NewSession(wspace, svc.cfg, st, nil, svc.log)
	w := &fakeWorker{state: compute.StateConnected}
	sess.newWorker = func(compute.Delegate) computeWorker { return w }
	sess.mu.Lock()
	sess.worker = w
	sess.mu.Unlock()
	svc.mu.Lock()
	svc.sessions[wspace.ID] = sess
	svc.mu.Unlock()
	return sess, w
}

func TestHandleConnectionRejectsAnonymous(t *testing.T) {
	st := newFakeStore()
	svc, _ := newTestService(t, st)

	ws := &fakeWS{}
	err := svc.HandleConnection(ws, httptest.NewRequest(http.MethodGet, "/ws/42", nil), "42")
	require.Error(t, err)
	assert.ErrorIs(t, err, auth.ErrNoToken)
	assert.True(t, ws.isClosed())
	assert.Equal(t, 0, svc.SessionCount())
}

func TestHandleConnectionRejectsForeignWorkspace(t *testing.T) {
	st := newFakeStore()
	st.workspaces[42] = &model.Workspace{ID: 42, UserID: 8, Name: "not-yours"}
	svc, authr := newTestService(t, st)

	ws := &fakeWS{}
	err := svc.HandleConnection(ws, authedRequest(t, authr, st, 7), "42")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not own")
	assert.True(t, ws.isClosed())
	assert.Equal(t, 0, svc.SessionCount())
}

func TestHandleConnectionRejectsUnknownWorkspace(t *testing.T) {
	st := newFakeStore()
	svc, authr := newTestService(t, st)

	ws := &fakeWS{}
	err := svc.HandleConnection(ws, authedRequest(t, authr, st, 7), "42")
	require.Error(t, err)
	assert.True(t, ws.isClosed())
}

func TestHandleConnectionLifecycle(t *testing.T) {
	st := newFakeStore()
	wspace := &model.Workspace{ID: 42, UserID: 7, Name: "thesis"}
	st.workspaces[42] = wspace
	svc, authr := newTestService(t, st)
	sess, w := preparedSession(svc, st, wspace)

	ws := &fakeWS{frames: [][]byte{
		[]byte(`{"command":"watchVariables","watch":true}`),
	}}
	require.NoError(t, svc.HandleConnection(ws, authedRequest(t, authr, st, 7), "42"))

	// the command reached the session and flowed to the compute link,
	// and the disconnect of the last watcher toggled the watch back off
	msgs := w.sentMessages(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, "toggleVariableWatch", msgs[0]["msg"])
	assert.Equal(t, true, msgs[0]["watch"])
	assert.Equal(t, false, msgs[1]["watch"])

	// disconnect unwound the index and detached the connection
	svc.mu.Lock()
	indexed := len(svc.connIndex)
	svc.mu.Unlock()
	assert.Equal(t, 0, indexed)
	_, empty := sess.EmptySince()
	assert.True(t, empty)
	assert.Equal(t, 1, svc.SessionCount())
}

func TestReceivedDropsGarbage(t *testing.T) {
	st := newFakeStore()
	wspace := &model.Workspace{ID: 42, UserID: 7, Name: "thesis"}
	st.workspaces[42] = wspace
	svc, authr := newTestService(t, st)
	_, w := preparedSession(svc, st, wspace)

	ws := &fakeWS{frames: [][]byte{
		[]byte(`{}`),
		[]byte(`{"command":"timeTravel"}`),
		[]byte(`{"command":"help","topic":"lm","transactionId":"t1"}`),
	}}
	require.NoError(t, svc.HandleConnection(ws, authedRequest(t, authr, st, 7), "42"))

	msgs := w.sentMessages(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, "help", msgs[0]["msg"])
}

func TestReapShutsDownIdleSessions(t *testing.T) {
	st := newFakeStore()
	svc, _ := newTestService(t, st)
	svc.reapDelay = time.Minute

	idle, _ := preparedSession(svc, st, &model.Workspace{ID: 1, UserID: 7, Name: "idle"})
	idle.mu.Lock()
	idle.lastEmpty = time.Now().Add(-2 * time.Minute)
	idle.mu.Unlock()

	busy, _ := preparedSession(svc, st, &model.Workspace{ID: 2, UserID: 7, Name: "busy"})
	conn := NewConnection(nil, 7, testLog(t), false)
	busy.Added(conn)
	recvResponse(t, conn)

	svc.reap()

	assert.Equal(t, 1, svc.SessionCount())
	assert.True(t, idle.isShutdown.Load())
	assert.False(t, busy.isShutdown.Load())
}

func TestReapKeepsRecentlyEmptied(t *testing.T) {
	st := newFakeStore()
	svc, _ := newTestService(t, st)
	svc.reapDelay = time.Minute

	fresh, _ := preparedSession(svc, st, &model.Workspace{ID: 1, UserID: 7, Name: "fresh"})
	fresh.mu.Lock()
	fresh.lastEmpty = time.Now().Add(-time.Second)
	fresh.mu.Unlock()

	svc.reap()

	assert.Equal(t, 1, svc.SessionCount())
	assert.False(t, fresh.isShutdown.Load())
}

func TestReaperDisabledByZeroDelay(t *testing.T) {
	st := newFakeStore()
	svc, _ := newTestService(t, st)
	svc.reapDelay = 0

	svc.mu.Lock()
	svc.startReaperLocked()
	running := svc.timerRunning
	svc.mu.Unlock()
	assert.False(t, running)
}

func TestReapPeriodClamped(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.SessionReapDelaySecs = 300
	st := newFakeStore()
	authr := auth.NewAuthenticator([]byte("s"), "", st)

	svc := NewService(cfg, st, nil, authr, testLog(t))
	assert.Equal(t, 5*time.Second, svc.reapPeriod)
	assert.Equal(t, 300*time.Second, svc.reapDelay)

	cfg.SessionReapDelaySecs = 3
	svc = NewService(cfg, st, nil, authr, testLog(t))
	assert.Equal(t, 3*time.Second, svc.reapPeriod)
}

func TestServiceShutdownStopsEverything(t *testing.T) {
	st := newFakeStore()
	wspace := &model.Workspace{ID: 42, UserID: 7, Name: "thesis"}
	st.workspaces[42] = wspace
	svc, _ := newTestService(t, st)
	sess, _ := preparedSession(svc, st, wspace)

	svc.Shutdown()

	assert.Equal(t, 0, svc.SessionCount())
	assert.True(t, sess.isShutdown.Load())

	_, err := svc.sessionFor(wspace)
	require.Error(t, err)
}

func TestExtractWorkspaceID(t *testing.T) {
	base := func() *http.Request { return httptest.NewRequest(http.MethodGet, "/ws", nil) }

	id, err := extractWorkspaceID(base(), "42")
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)

	r := httptest.NewRequest(http.MethodGet, "/ws?wspaceId=7", nil)
	id, err = extractWorkspaceID(r, "")
	require.NoError(t, err)
	assert.Equal(t, int64(7), id)

	r = base()
	r.Header.Set(workspaceHeader, "9")
	id, err = extractWorkspaceID(r, "")
	require.NoError(t, err)
	assert.Equal(t, int64(9), id)

	_, err = extractWorkspaceID(base(), "")
	require.Error(t, err)

	_, err = extractWorkspaceID(base(), "abc")
	require.Error(t, err)

	_, err = extractWorkspaceID(base(), "-3")
	require.Error(t, err)
}
