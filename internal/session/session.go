package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"

	"github.com/compustat/relayd/internal/compute"
	"github.com/compustat/relayd/internal/config"
	"github.com/compustat/relayd/internal/launcher"
	"github.com/compustat/relayd/internal/logger"
	"github.com/compustat/relayd/internal/model"
	"github.com/compustat/relayd/internal/store"
)

// broadcastWait bounds how long a broadcast will contend for the
// connection-set lock before giving up on that delivery
const broadcastWait = 50 * time.Millisecond

// computeWorker is the slice of *compute.Worker the session drives.
// Tests substitute a fake.
type computeWorker interface {
	Start(ctx context.Context) error
	Send(data []byte) error
	Shutdown() error
	State() compute.State
}

// Session is the per-workspace orchestrator. It is the only component
// that speaks both the client protocol and the compute wire protocol.
type Session struct {
	wspace          *model.Workspace
	sessionRecordID int64

	cfg    *config.Config
	store  store.Store
	launch launcher.Launcher
	log    *logger.Logger
	coder  *compute.Coder

	// newWorker builds a fresh worker for each connect attempt
	newWorker func(delegate compute.Delegate) computeWorker

	mu          sync.Mutex
	connections map[string]*Connection
	lastEmpty   time.Time
	watching    bool
	worker      computeWorker

	isOpen     atomic.Bool
	toldClosed atomic.Bool
	isShutdown atomic.Bool
}

// NewSession creates a session for a workspace. Call Start before
// attaching connections.
func NewSession(wspace *model.Workspace, cfg *config.Config, st store.Store, launch launcher.Launcher, log *logger.Logger) *Session {
	slog := log.WithPrefix(fmt.Sprintf("session:%d", wspace.ID))
	s := &Session{
		wspace:      wspace,
		cfg:         cfg,
		store:       st,
		launch:      launch,
		log:         slog,
		coder:       compute.NewCoder(slog),
		connections: make(map[string]*Connection),
		lastEmpty:   time.Now(),
	}
	s.newWorker = s.buildWorker
	return s
}

// WorkspaceID returns the id of the workspace this session serves
func (s *Session) WorkspaceID() int64 {
	return s.wspace.ID
}

func (s *Session) buildWorker(delegate compute.Delegate) computeWorker {
	cfg := compute.WorkerConfig{
		Host:           s.cfg.ComputeHost,
		Port:           s.cfg.ComputePort,
		ReadBufferSize: s.cfg.ReadBufferBytes(),
	}
	if s.cfg.ComputeViaLauncher && s.launch != nil {
		cfg.Launch = func(ctx context.Context) error {
			return s.launch.LaunchCompute(ctx, s.wspace.ID, s.sessionRecordID)
		}
	}
	return compute.NewWorker(cfg, delegate, s.log)
}

// Start opens the persisted session record, subscribes to file changes
// for the workspace, and begins connecting a compute worker in the
// background. Connect retries and the give-up circuit breaker live
// here, not in the worker.
func (s *Session) Start(ctx context.Context) error {
	recID, err := s.store.CreateSessionRecord(s.wspace.ID)
	if err != nil {
		return fmt.Errorf("failed to create session record: %w", err)
	}
	s.sessionRecordID = recID

	s.store.AddFileChangeObserver(s.wspace.ID, s.handleFileChange)

	go s.connectWorker(ctx)
	return nil
}

// connectWorker tries up to the configured number of attempts, building
// a fresh worker each time since a failed worker is terminal. Delay
// between attempts follows the configured backoff curve.
func (s *Session) connectWorker(ctx context.Context) {
	attempts := s.cfg.ComputeConnectAttempts
	if attempts < 1 {
		attempts = 1
	}
	delay := &backoff.Backoff{
		Min:    s.cfg.ConnectMinDelay(),
		Max:    s.cfg.ConnectMaxDelay(),
		Jitter: true,
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		if s.isShutdown.Load() {
			return
		}
		w := s.newWorker(s)
		s.mu.Lock()
		s.worker = w
		s.mu.Unlock()

		err := w.Start(ctx)
		if err == nil {
			return
		}
		s.log.Warn("compute connect attempt %d/%d failed: %v", attempt, attempts, err)
		if attempt < attempts {
			time.Sleep(delay.Duration())
		}
	}

	s.log.Error("giving up on compute after %d attempts: %v", attempts, compute.ErrTooManyCrashes)
	s.broadcastToAll(model.ErrorData{
		Error:   model.ErrCodeComputeConnect,
		Details: compute.ErrTooManyCrashes.Error(),
	})
	s.broadcastToAll(model.ComputeStatusData{Status: model.ComputeStatusFailed})
}

func (s *Session) currentWorker() computeWorker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.worker
}

// Added attaches a connection. The new client immediately receives the
// workspace info snapshot so it can populate its file browser.
func (s *Session) Added(conn *Connection) {
	s.mu.Lock()
	s.connections[conn.ID] = conn
	s.mu.Unlock()
	s.log.Info("connection %s attached (user %d)", conn.ID, conn.UserID)

	if info, err := s.infoData(); err == nil {
		if err := conn.Send(info); err != nil {
			s.log.Warn("failed to send info to %s: %v", conn.ID, err)
		}
	} else {
		s.log.Warn("failed to load workspace info: %v", err)
	}
}

// Removed detaches a connection. When the set becomes empty the
// last-empty stamp starts the reap clock; when the departing client was
// the last watcher the upstream watch is toggled off.
func (s *Session) Removed(conn *Connection) {
	s.mu.Lock()
	delete(s.connections, conn.ID)
	empty := len(s.connections) == 0
	if empty {
		s.lastEmpty = time.Now()
	}
	stillWatching := false
	for _, c := range s.connections {
		if c.IsWatchingVariables() {
			stillWatching = true
			break
		}
	}
	toggleOff := s.watching && !stillWatching
	if toggleOff {
		s.watching = false
	}
	s.mu.Unlock()

	s.log.Info("connection %s detached", conn.ID)
	if toggleOff {
		s.sendWatchToggle(false, nil)
	}
}

// EmptySince returns when the attached set last became empty, and
// whether it is empty right now
func (s *Session) EmptySince() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastEmpty, len(s.connections) == 0
}

// HandleCommand dispatches one client command. Failures that concern
// only the requesting client go back to that client; everything else is
// broadcast.
func (s *Session) HandleCommand(cmd *model.SessionCommand, from *Connection) {
	if s.cfg.LogClientIncoming {
		s.log.Debug("client -> %s (conn %s)", cmd.Command, from.ID)
	}

	switch cmd.Command {
	case model.CommandExecute:
		s.handleExecute(cmd, from)
	case model.CommandExecuteFile:
		s.handleExecuteFile(cmd, from)
	case model.CommandGetVariable:
		payload, err := s.coder.GetVariable(cmd.Name, cmd.EnvironmentID, from.ID)
		s.forwardToCompute(payload, err, cmd.TransactionID, from)
	case model.CommandHelp:
		payload, err := s.coder.Help(cmd.Topic)
		s.forwardToCompute(payload, err, cmd.TransactionID, from)
	case model.CommandInfo:
		s.broadcastInfo()
	case model.CommandSave:
		s.handleSave(cmd, from)
	case model.CommandFileOperation:
		s.handleFileOperation(cmd, from)
	case model.CommandClearEnvironment:
		envID := 0
		if cmd.EnvironmentID != nil {
			envID = *cmd.EnvironmentID
		}
		payload, err := s.coder.ClearEnvironment(envID)
		s.forwardToCompute(payload, err, cmd.TransactionID, from)
	case model.CommandWatchVariables:
		s.handleWatchVariables(cmd, from)
	case model.CommandCreateEnvironment:
		var varName *string
		if cmd.VariableName != "" {
			varName = &cmd.VariableName
		}
		payload, err := s.coder.CreateEnvironment(cmd.TransactionID, cmd.ParentID, varName)
		s.forwardToCompute(payload, err, cmd.TransactionID, from)
	case model.CommandInitPreview:
		payload, err := s.coder.InitPreview(cmd.FileID, cmd.UpdateIdentifier)
		s.forwardToCompute(payload, err, cmd.TransactionID, from)
	case model.CommandUpdatePreview:
		payload, err := s.coder.UpdatePreview(cmd.PreviewID, cmd.ChunkID, cmd.IncludePrevious, cmd.UpdateIdentifier)
		s.forwardToCompute(payload, err, cmd.TransactionID, from)
	case model.CommandRemovePreview:
		payload, err := s.coder.RemovePreview(cmd.PreviewID)
		s.forwardToCompute(payload, err, cmd.TransactionID, from)
	default:
		s.sendError(from, cmd.TransactionID, model.ErrCodeInvalidRequest,
			fmt.Sprintf("unsupported command %q", cmd.Command))
	}
}

func (s *Session) handleExecute(cmd *model.SessionCommand, from *Connection) {
	if cmd.Source == "" || cmd.TransactionID == "" {
		s.sendError(from, cmd.TransactionID, model.ErrCodeInvalidRequest, "execute requires source and transactionId")
		return
	}
	if cmd.IsUserInitiated() {
		s.broadcastToAll(model.EchoExecuteData{
			TransactionID: cmd.TransactionID,
			Source:        cmd.Source,
			EnvironmentID: cmd.EnvironmentID,
		})
	}
	payload, err := s.coder.ExecuteScript(cmd.TransactionID, cmd.Source)
	s.forwardToCompute(payload, err, cmd.TransactionID, from)
}

func (s *Session) handleExecuteFile(cmd *model.SessionCommand, from *Connection) {
	if cmd.FileID == 0 || cmd.TransactionID == "" {
		s.sendError(from, cmd.TransactionID, model.ErrCodeInvalidRequest, "executeFile requires fileId and transactionId")
		return
	}
	s.broadcastToAll(model.EchoExecuteFileData{
		TransactionID: cmd.TransactionID,
		FileID:        cmd.FileID,
		FileVersion:   cmd.FileVersion,
	})
	payload, err := s.coder.ExecuteFile(cmd.TransactionID, cmd.FileID, cmd.FileVersion)
	s.forwardToCompute(payload, err, cmd.TransactionID, from)
}

func (s *Session) handleSave(cmd *model.SessionCommand, from *Connection) {
	file, err := s.store.SetFile(int64(cmd.FileID), cmd.FileVersion, cmd.Content)
	if err != nil {
		code := model.ErrCodeDatabaseUpdate
		if errors.Is(err, store.ErrNotFound) {
			code = model.ErrCodeFileNotFound
		} else if errors.Is(err, store.ErrVersionMismatch) {
			code = model.ErrCodeInvalidRequest
		}
		s.log.Warn("save of file %d failed: %v", cmd.FileID, err)
		if serr := from.Send(model.SaveData{TransactionID: cmd.TransactionID, Success: false, Error: &code}); serr != nil {
			s.log.Warn("failed to report save failure: %v", serr)
		}
		return
	}
	s.broadcastToAll(model.SaveData{TransactionID: cmd.TransactionID, Success: true, File: file})
}

func (s *Session) handleFileOperation(cmd *model.SessionCommand, from *Connection) {
	fileID := int64(cmd.FileID)
	var (
		file *model.File
		err  error
	)
	switch cmd.Operation {
	case model.FileOpRemove:
		err = s.store.DeleteFile(fileID)
	case model.FileOpRename:
		file, err = s.store.RenameFile(fileID, cmd.FileVersion, cmd.NewName)
	case model.FileOpDuplicate:
		file, err = s.store.DuplicateFile(fileID, cmd.NewName)
	default:
		s.sendError(from, cmd.TransactionID, model.ErrCodeInvalidRequest,
			fmt.Sprintf("unknown file operation %q", cmd.Operation))
		return
	}

	if err != nil {
		code := model.ErrCodeDatabaseUpdate
		if errors.Is(err, store.ErrNotFound) {
			code = model.ErrCodeFileNotFound
		}
		s.log.Warn("file operation %s on %d failed: %v", cmd.Operation, fileID, err)
		s.broadcastToAll(model.FileOperationData{
			TransactionID: cmd.TransactionID,
			Operation:     cmd.Operation,
			Success:       false,
			FileID:        fileID,
			Error:         &code,
		})
		return
	}
	s.broadcastToAll(model.FileOperationData{
		TransactionID: cmd.TransactionID,
		Operation:     cmd.Operation,
		Success:       true,
		FileID:        fileID,
		File:          file,
	})
	s.broadcastInfo()
}

// handleWatchVariables is edge-triggered on the aggregate watch state:
// the upstream toggle goes out only when "at least one client watching"
// flips. A client joining an already-watched session instead gets the
// current values refreshed via a delta listing.
func (s *Session) handleWatchVariables(cmd *model.SessionCommand, from *Connection) {
	from.SetWatchingVariables(cmd.Watch)

	s.mu.Lock()
	anyWatching := false
	for _, c := range s.connections {
		if c.IsWatchingVariables() {
			anyWatching = true
			break
		}
	}
	changed := anyWatching != s.watching
	if changed {
		s.watching = anyWatching
	}
	s.mu.Unlock()

	if changed {
		s.sendWatchToggle(anyWatching, cmd.EnvironmentID)
		return
	}
	if cmd.Watch {
		payload, err := s.coder.ListVariables(true, cmd.EnvironmentID)
		s.forwardToCompute(payload, err, cmd.TransactionID, from)
	}
}

func (s *Session) sendWatchToggle(enable bool, envID *int) {
	payload, err := s.coder.ToggleVariableWatch(enable, envID)
	s.forwardToCompute(payload, err, "", nil)
}

// forwardToCompute sends an encoded payload down the link. Encode or
// send failures surface to the requesting client when one is known,
// otherwise they are only logged.
func (s *Session) forwardToCompute(payload []byte, encodeErr error, transactionID string, from *Connection) {
	if encodeErr != nil {
		s.log.Error("failed to encode compute command: %v", encodeErr)
		s.sendError(from, transactionID, model.ErrCodeUnknown, "internal encoding failure")
		return
	}
	w := s.currentWorker()
	if w == nil || w.State() != compute.StateConnected {
		s.sendError(from, transactionID, model.ErrCodeComputeConnect, "compute engine not connected")
		return
	}
	if s.cfg.LogComputeOutgoing {
		s.log.Debug("compute <- %s", payload)
	}
	if err := w.Send(payload); err != nil {
		s.log.Error("failed to send to compute: %v", err)
		s.sendError(from, transactionID, model.ErrCodeCompute, "failed to send to compute engine")
	}
}

func (s *Session) sendError(to *Connection, transactionID string, code model.SessionErrorCode, details string) {
	data := model.ErrorData{Error: code, Details: details}
	if transactionID != "" {
		data.TransactionID = &transactionID
	}
	if to == nil {
		s.broadcastToAll(data)
		return
	}
	if err := to.Send(data); err != nil {
		s.log.Warn("failed to send error to %s: %v", to.ID, err)
	}
}

// compute.Delegate implementation. These run on the worker's goroutines
// and must stay non-blocking; broadcast uses a bounded lock wait.

// HandleComputeStatus reacts to link state changes. A freshly connected
// link immediately receives the open handshake.
func (s *Session) HandleComputeStatus(state compute.State) {
	s.log.Info("compute link state: %s", state)
	switch state {
	case compute.StateInitialHostSearch, compute.StateConnecting:
		s.broadcastToAll(model.ComputeStatusData{Status: model.ComputeStatusInitializing})
	case compute.StateLoading:
		s.broadcastToAll(model.ComputeStatusData{Status: model.ComputeStatusLoading})
	case compute.StateConnected:
		s.sendOpenHandshake()
	case compute.StateFailedToConnect:
		s.broadcastToAll(model.ComputeStatusData{Status: model.ComputeStatusFailed})
	case compute.StateUnusable:
		// closure notification arrives via HandleConnectionClosed
	}
}

func (s *Session) sendOpenHandshake() {
	payload, err := s.coder.Open(s.wspace.ID, s.sessionRecordID, compute.DBInfo{
		Host:     s.cfg.ComputeDBHost,
		Port:     s.cfg.ComputeDBPort,
		User:     s.cfg.DBUser,
		Name:     s.cfg.DBName,
		Password: s.cfg.DBPassword,
	})
	if err != nil {
		s.log.Error("failed to encode open handshake: %v", err)
		s.broadcastToAll(model.ErrorData{Error: model.ErrCodeComputeConnect, Details: "failed to open compute session"})
		return
	}
	w := s.currentWorker()
	if w == nil {
		return
	}
	if err := w.Send(payload); err != nil {
		s.log.Error("failed to send open handshake: %v", err)
		s.broadcastToAll(model.ErrorData{Error: model.ErrCodeComputeConnect, Details: "failed to open compute session"})
	}
}

// HandleComputeData decodes one payload from the link and fans the
// translated notification out to clients
func (s *Session) HandleComputeData(data []byte) {
	if s.cfg.LogComputeIncoming {
		s.log.Debug("compute -> %s", data)
	}
	rsp, err := s.coder.ParseResponse(data)
	if err != nil {
		// protocol-invariant violations are logged, never user-visible
		s.log.Warn("dropping compute response: %v", err)
		return
	}

	switch r := rsp.(type) {
	case *compute.OpenResponse:
		s.handleOpenResponse(r)
	case *compute.ResultsResponse:
		s.broadcastToAll(model.ResultsData{
			TransactionID: r.TransactionID,
			Output:        r.Output,
			IsError:       r.IsError,
		})
	case *compute.ExecCompleteResponse:
		s.handleExecComplete(r)
	case *compute.ShowOutputResponse:
		s.handleShowOutput(r)
	case *compute.ErrorResponse:
		ed := model.ErrorData{Error: model.ErrCodeCompute, Details: r.Details}
		if r.TransactionID != "" {
			tid := r.TransactionID
			ed.TransactionID = &tid
		}
		s.broadcastToAll(ed)
	case *compute.VariableUpdateResponse:
		s.broadcastToAll(model.ListVariablesData{
			Variables:     r.Variables,
			Added:         r.Added,
			Removed:       r.Removed,
			EnvironmentID: r.EnvironmentID,
			Delta:         r.Delta,
		})
	case *compute.VariableValueResponse:
		s.handleVariableValue(r)
	case *compute.HelpResponse:
		s.broadcastToAll(model.HelpData{Topic: r.Topic, Items: helpItems(r.Paths)})
	case *compute.EnvCreatedResponse:
		s.broadcastToAll(model.CreatedEnvironmentData{
			TransactionID: r.TransactionID,
			EnvironmentID: r.ContextID,
		})
	case *compute.PreviewInitedResponse:
		s.broadcastToAll(model.PreviewInitedData{
			PreviewID:        r.PreviewID,
			FileID:           r.FileID,
			ErrorCode:        r.ErrorCode,
			UpdateIdentifier: r.UpdateIdentifier,
		})
	case *compute.PreviewUpdateStartedResponse:
		s.broadcastToAll(model.PreviewUpdateStartedData{
			PreviewID:        r.PreviewID,
			UpdateIdentifier: r.UpdateIdentifier,
			ActiveChunks:     r.ActiveChunks,
		})
	case *compute.PreviewUpdatedResponse:
		s.broadcastToAll(model.PreviewUpdatedData{
			PreviewID:        r.PreviewID,
			ChunkID:          r.ChunkID,
			UpdateComplete:   r.UpdateComplete,
			UpdateIdentifier: r.UpdateIdentifier,
			Results:          r.Results,
		})
	default:
		s.log.Warn("unhandled compute response %T", rsp)
	}
}

func (s *Session) handleOpenResponse(r *compute.OpenResponse) {
	if !r.Success {
		s.log.Error("compute rejected open: %s", r.ErrorMessage)
		s.broadcastToAll(model.ErrorData{Error: model.ErrCodeComputeConnect, Details: r.ErrorMessage})
		s.broadcastToAll(model.ComputeStatusData{Status: model.ComputeStatusFailed})
		// a session the engine refuses to open cannot recover
		s.Shutdown(model.CloseReasonComputeClosed)
		return
	}
	s.isOpen.Store(true)
	s.broadcastToAll(model.ComputeStatusData{Status: model.ComputeStatusRunning})
}

func (s *Session) handleExecComplete(r *compute.ExecCompleteResponse) {
	var images []model.SessionImage
	if len(r.Images) > 0 {
		var err error
		images, err = s.store.GetImages(r.Images)
		if err != nil {
			s.log.Warn("failed to load images %v: %v", r.Images, err)
		}
	}
	if images == nil {
		images = []model.SessionImage{}
	}
	s.broadcastToAll(model.ExecCompleteData{
		TransactionID:    r.TransactionID,
		BatchID:          r.BatchNumber,
		ExpectShowOutput: r.ExpectShowOutput,
		Images:           images,
	})
}

// handleShowOutput re-fetches the file so clients never see stale
// size/version, and inlines the bytes only under the configured cap
func (s *Session) handleShowOutput(r *compute.ShowOutputResponse) {
	file, err := s.store.GetFile(r.FileID, 0)
	if err != nil {
		s.log.Warn("showoutput for unknown file %d: %v", r.FileID, err)
		return
	}
	data := model.ShowOutputData{TransactionID: r.TransactionID, File: *file}
	if file.FileSize <= s.cfg.MaxInlineFileBytes() {
		if raw, err := s.store.GetFileData(file.ID); err == nil {
			data.FileData = raw
		} else {
			s.log.Warn("failed to load file %d data: %v", file.ID, err)
		}
	}
	s.broadcastToAll(data)
}

// handleVariableValue routes a requested value back to the connection
// that asked when the request carried its identifier
func (s *Session) handleVariableValue(r *compute.VariableValueResponse) {
	data := model.VariableValueData{Value: r.Value, EnvironmentID: r.ContextID}
	if r.ClientID == "" {
		s.broadcastToAll(data)
		return
	}
	s.mu.Lock()
	conn := s.connections[r.ClientID]
	s.mu.Unlock()
	if conn == nil {
		s.log.Info("variable value for departed connection %s", r.ClientID)
		return
	}
	if err := conn.Send(data); err != nil {
		s.log.Warn("failed to deliver variable value to %s: %v", conn.ID, err)
	}
}

// HandleComputeError logs transient link errors; the session keeps
// running on them
func (s *Session) HandleComputeError(err error) {
	s.log.Warn("compute link error: %v", err)
}

// HandleConnectionClosed broadcasts the one-shot closed notification.
// After this the session is eligible for registry teardown.
func (s *Session) HandleConnectionClosed() {
	s.isOpen.Store(false)
	if s.toldClosed.CompareAndSwap(false, true) {
		s.log.Info("compute connection closed")
		s.broadcastToAll(model.CloseData{Reason: model.CloseReasonComputeClosed})
	}
}

// handleFileChange forwards external file edits to attached clients
func (s *Session) handleFileChange(change model.FileChangedData) {
	s.broadcastToAll(change)
}

func (s *Session) infoData() (model.InfoData, error) {
	files, err := s.store.GetFiles(s.wspace.ID)
	if err != nil {
		return model.InfoData{}, err
	}
	if files == nil {
		files = []model.File{}
	}
	return model.InfoData{Workspace: *s.wspace, Files: files}, nil
}

func (s *Session) broadcastInfo() {
	info, err := s.infoData()
	if err != nil {
		s.log.Warn("failed to load workspace info: %v", err)
		return
	}
	s.broadcastToAll(info)
}

// broadcastToAll serializes once and delivers to every attached
// connection. The connection-set lock is only tried for a bounded
// interval; when the set is contended past the deadline the broadcast
// is skipped rather than deadlocking a worker callback.
func (s *Session) broadcastToAll(r model.Response) {
	data, err := model.WrapResponse(r)
	if err != nil {
		s.log.Error("failed to serialize broadcast: %v", err)
		return
	}

	conns, ok := s.snapshotConnections()
	if !ok {
		s.log.Warn("skipping broadcast, connection set busy")
		return
	}
	for _, conn := range conns {
		if err := conn.SendRaw(data); err != nil {
			// one slow client never blocks delivery to the rest
			s.log.Warn("broadcast to %s failed: %v", conn.ID, err)
		}
	}
}

func (s *Session) snapshotConnections() ([]*Connection, bool) {
	deadline := time.Now().Add(broadcastWait)
	for !s.mu.TryLock() {
		if time.Now().After(deadline) {
			return nil, false
		}
		time.Sleep(time.Millisecond)
	}
	conns := make([]*Connection, 0, len(s.connections))
	for _, c := range s.connections {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	return conns, true
}

// Shutdown closes the session record, politely asks the engine to shut
// down, tears down the worker and detaches every client. Idempotent.
func (s *Session) Shutdown(reason model.CloseReason) {
	if !s.isShutdown.CompareAndSwap(false, true) {
		return
	}
	s.log.Info("shutting down session (%s)", reason)

	if err := s.store.CloseSessionRecord(s.sessionRecordID); err != nil {
		s.log.Warn("failed to close session record %d: %v", s.sessionRecordID, err)
	}

	w := s.currentWorker()
	if w != nil && w.State() == compute.StateConnected {
		// persist the environment before asking the engine to exit
		if s.isOpen.Load() {
			if payload, err := s.coder.SaveEnvironment(); err == nil {
				if err := w.Send(payload); err != nil {
					s.log.Warn("failed to send saveEnv to compute: %v", err)
				}
			}
		}
		if payload, err := s.coder.Close(); err == nil {
			if err := w.Send(payload); err != nil {
				s.log.Warn("failed to send close to compute: %v", err)
			}
		}
	}

	if s.toldClosed.CompareAndSwap(false, true) {
		s.broadcastToAll(model.CloseData{Reason: reason})
	}

	if w != nil {
		if err := w.Shutdown(); err != nil && !errors.Is(err, compute.ErrNotConnected) {
			s.log.Warn("worker shutdown: %v", err)
		}
	}

	s.mu.Lock()
	conns := make([]*Connection, 0, len(s.connections))
	for _, c := range s.connections {
		conns = append(conns, c)
	}
	s.connections = make(map[string]*Connection)
	s.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

// helpItems turns raw documentation paths into a title -> path map the
// client can render, e.g. ".../stats/html/lm.html" becomes "lm".
func helpItems(paths []string) map[string]string {
	items := make(map[string]string, len(paths))
	for _, p := range paths {
		title := strings.TrimSuffix(filepath.Base(p), filepath.Ext(p))
		if title == "" || title == "." {
			title = p
		}
		if _, taken := items[title]; taken {
			title = title + " (" + strconv.Itoa(len(items)) + ")"
		}
		items[title] = p
	}
	return items
}
