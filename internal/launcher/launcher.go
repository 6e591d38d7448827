// Package launcher asks an external orchestrator to start a compute
// engine instance for a workspace. The orchestrator owns pod/process
// lifecycle; the relay only needs a yes/no before dialing.
package launcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/compustat/relayd/internal/logger"
)

// Launcher starts a compute engine for a workspace session
type Launcher interface {
	LaunchCompute(ctx context.Context, workspaceID, sessionID int64) error
}

// HTTPLauncher talks to the orchestrator's REST endpoint
type HTTPLauncher struct {
	baseURL string
	client  *http.Client
	log     *logger.Logger
}

// NewHTTPLauncher creates a launcher client for the orchestrator at
// baseURL
func NewHTTPLauncher(baseURL string, log *logger.Logger) *HTTPLauncher {
	return &HTTPLauncher{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 60 * time.Second},
		log:     log,
	}
}

type launchRequest struct {
	WorkspaceID int64 `json:"wspaceId"`
	SessionID   int64 `json:"sessionRecId"`
}

// LaunchCompute posts a launch request and waits for the orchestrator to
// confirm the engine is reachable
func (l *HTTPLauncher) LaunchCompute(ctx context.Context, workspaceID, sessionID int64) error {
	body, err := json.Marshal(launchRequest{WorkspaceID: workspaceID, SessionID: sessionID})
	if err != nil {
		return fmt.Errorf("failed to encode launch request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		l.baseURL+"/compute/launch", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build launch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	l.log.Info("requesting compute launch for workspace %d", workspaceID)
	rsp, err := l.client.Do(req)
	if err != nil {
		return fmt.Errorf("launch request failed: %w", err)
	}
	defer rsp.Body.Close()

	if rsp.StatusCode != http.StatusOK && rsp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(io.LimitReader(rsp.Body, 512))
		return fmt.Errorf("launcher returned %d: %s", rsp.StatusCode, msg)
	}
	return nil
}
