package model

import "encoding/json"

// SessionErrorCode identifies an application-level failure reported to a
// specific client, distinct from channel-level errors.
type SessionErrorCode string

const (
	ErrCodeUnknown          SessionErrorCode = "unknown"
	ErrCodeCompute          SessionErrorCode = "compute"
	ErrCodeComputeConnect   SessionErrorCode = "failedToConnectToCompute"
	ErrCodeDatabaseUpdate   SessionErrorCode = "databaseUpdateFailed"
	ErrCodeInvalidRequest   SessionErrorCode = "invalidRequest"
	ErrCodeFileNotFound     SessionErrorCode = "fileNotFound"
	ErrCodePermissionDenied SessionErrorCode = "permissionDenied"
)

// ComputeStatus is the client-visible rollup of the compute link state
type ComputeStatus string

const (
	ComputeStatusInitializing ComputeStatus = "initializing"
	ComputeStatusLoading      ComputeStatus = "loading"
	ComputeStatusRunning      ComputeStatus = "running"
	ComputeStatusFailed       ComputeStatus = "failed"
)

// CloseReason explains an unsolicited session close notification
type CloseReason string

const (
	CloseReasonComputeClosed CloseReason = "computeClosed"
	CloseReasonShutdown      CloseReason = "shutdown"
)

// Response is a server-to-client notification. Each variant serializes as
// a single-key wrapper object, e.g. {"results":{...}}, so clients can
// dispatch on the key.
type Response interface {
	responseKey() string
}

// WrapResponse serializes a Response into its wrapper object
func WrapResponse(r Response) ([]byte, error) {
	return json.Marshal(map[string]Response{r.responseKey(): r})
}

// ErrorData reports an application-level failure. TransactionID is nil for
// unsolicited errors.
type ErrorData struct {
	TransactionID *string          `json:"transactionId"`
	Error         SessionErrorCode `json:"error"`
	Details       string           `json:"details,omitempty"`
}

func (ErrorData) responseKey() string { return "error" }

// EchoExecuteData echoes a script execution request to every attached
// client so all of them see what is now running.
type EchoExecuteData struct {
	TransactionID string `json:"transactionId"`
	Source        string `json:"source"`
	EnvironmentID *int   `json:"environmentId,omitempty"`
}

func (EchoExecuteData) responseKey() string { return "echoExecute" }

// EchoExecuteFileData echoes a file execution request
type EchoExecuteFileData struct {
	TransactionID string `json:"transactionId"`
	FileID        int    `json:"fileId"`
	FileVersion   int    `json:"fileVersion"`
}

func (EchoExecuteFileData) responseKey() string { return "echoExecuteFile" }

// ResultsData carries stdout/stderr output of a query
type ResultsData struct {
	TransactionID string `json:"transactionId"`
	Output        string `json:"output"`
	IsError       bool   `json:"isError"`
}

func (ResultsData) responseKey() string { return "results" }

// ExecCompleteData reports that a query finished
type ExecCompleteData struct {
	TransactionID    string         `json:"transactionId"`
	BatchID          int            `json:"batchId"`
	ExpectShowOutput bool           `json:"expectShowOutput"`
	Images           []SessionImage `json:"images"`
}

func (ExecCompleteData) responseKey() string { return "execComplete" }

// ShowOutputData tells clients to display a generated file. FileData is
// only populated when the file fits under the inline-transfer cap;
// otherwise clients fetch it by id.
type ShowOutputData struct {
	TransactionID string `json:"transactionId"`
	File          File   `json:"file"`
	FileData      []byte `json:"fileData,omitempty"`
}

func (ShowOutputData) responseKey() string { return "showOutput" }

// ComputeStatusData is broadcast whenever the compute link state changes
type ComputeStatusData struct {
	Status ComputeStatus `json:"status"`
}

func (ComputeStatusData) responseKey() string { return "computeStatus" }

// CloseData is broadcast at most once when the session is going away
type CloseData struct {
	Reason  CloseReason `json:"reason"`
	Details string      `json:"details,omitempty"`
}

func (CloseData) responseKey() string { return "closed" }

// ListVariablesData carries a full or delta variable listing
type ListVariablesData struct {
	Variables     map[string]Variable `json:"variables"`
	Added         map[string]Variable `json:"added,omitempty"`
	Removed       []string            `json:"removed,omitempty"`
	EnvironmentID *int                `json:"environmentId,omitempty"`
	Delta         bool                `json:"delta"`
}

func (ListVariablesData) responseKey() string { return "variables" }

// VariableValueData carries a single requested variable value
type VariableValueData struct {
	Value         Variable `json:"value"`
	EnvironmentID *int     `json:"environmentId,omitempty"`
}

func (VariableValueData) responseKey() string { return "variableValue" }

// InfoData carries current workspace metadata and its file list
type InfoData struct {
	Workspace Workspace `json:"workspace"`
	Files     []File    `json:"files"`
}

func (InfoData) responseKey() string { return "info" }

// SaveData reports the outcome of a file save
type SaveData struct {
	TransactionID string            `json:"transactionId"`
	Success       bool              `json:"success"`
	File          *File             `json:"file,omitempty"`
	Error         *SessionErrorCode `json:"error,omitempty"`
}

func (SaveData) responseKey() string { return "save" }

// FileOperationData reports the outcome of a rename/duplicate/remove
type FileOperationData struct {
	TransactionID string            `json:"transactionId"`
	Operation     FileOperation     `json:"operation"`
	Success       bool              `json:"success"`
	FileID        int64             `json:"fileId"`
	File          *File             `json:"file,omitempty"`
	Error         *SessionErrorCode `json:"error,omitempty"`
}

func (FileOperationData) responseKey() string { return "fileOperation" }

func (FileChangedData) responseKey() string { return "fileChanged" }

// HelpData maps display titles to documentation paths
type HelpData struct {
	Topic string            `json:"topic"`
	Items map[string]string `json:"items"`
}

func (HelpData) responseKey() string { return "help" }

// CreatedEnvironmentData reports a new environment id for a transaction
type CreatedEnvironmentData struct {
	TransactionID string `json:"transactionId"`
	EnvironmentID int    `json:"environmentId"`
}

func (CreatedEnvironmentData) responseKey() string { return "createdEnvironment" }

// PreviewInitedData reports a preview session was created
type PreviewInitedData struct {
	PreviewID        int    `json:"previewId"`
	FileID           int    `json:"fileId"`
	ErrorCode        int    `json:"errorCode"`
	UpdateIdentifier string `json:"updateIdentifier"`
}

func (PreviewInitedData) responseKey() string { return "previewInitialized" }

// PreviewUpdateStartedData reports an update pass has begun
type PreviewUpdateStartedData struct {
	PreviewID        int    `json:"previewId"`
	UpdateIdentifier string `json:"updateIdentifier"`
	ActiveChunks     []int  `json:"activeChunks,omitempty"`
}

func (PreviewUpdateStartedData) responseKey() string { return "previewUpdateStarted" }

// PreviewUpdatedData carries rendered preview content for one chunk
type PreviewUpdatedData struct {
	PreviewID        int    `json:"previewId"`
	ChunkID          int    `json:"chunkId"`
	UpdateComplete   bool   `json:"updateComplete"`
	UpdateIdentifier string `json:"updateIdentifier"`
	Results          string `json:"results"`
}

func (PreviewUpdatedData) responseKey() string { return "previewUpdated" }
