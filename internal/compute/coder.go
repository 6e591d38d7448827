package compute

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/compustat/relayd/internal/logger"
)

const clientIdentKey = "clientIdent"

// DBInfo is the database credential bundle forwarded to the compute
// engine in the open handshake.
type DBInfo struct {
	Host     string
	Port     string
	User     string
	Name     string
	Password string
}

// Coder translates between typed commands/responses and the compute
// engine JSON payloads. Its only mutable state is the transaction-id to
// query-id correlation table, guarded by one mutex: encode for
// query-bearing commands and decode for query-bearing responses are
// called from different goroutines.
type Coder struct {
	log *logger.Logger

	mu             sync.Mutex
	nextQueryID    int
	transactionIDs map[string]int
	queryIDs       map[int]string
}

// NewCoder creates a coder with an empty correlation table. Query ids
// start at 1 and increase for the life of the session.
func NewCoder(log *logger.Logger) *Coder {
	return &Coder{
		log:            log,
		nextQueryID:    1,
		transactionIDs: make(map[string]int),
		queryIDs:       make(map[int]string),
	}
}

// createQueryID allocates the next query id and records both directions
// of the mapping. Entries are never removed; the table is bounded by the
// session's lifetime.
func (c *Coder) createQueryID(transactionID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	qid := c.nextQueryID
	c.nextQueryID++
	c.transactionIDs[transactionID] = qid
	c.queryIDs[qid] = transactionID
	return qid
}

// QueryID returns the query id previously allocated for a transaction
func (c *Coder) QueryID(transactionID string) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	qid, ok := c.transactionIDs[transactionID]
	return qid, ok
}

func (c *Coder) transactionID(queryID int) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tid, ok := c.queryIDs[queryID]
	return tid, ok
}

// command payload shapes. Every outgoing payload carries "msg" plus the
// legacy "argument" field, even when unused.

type genericCommand struct {
	Msg      string `json:"msg"`
	Argument string `json:"argument"`
}

type openCommand struct {
	Msg          string `json:"msg"`
	Argument     string `json:"argument"`
	APIVersion   int    `json:"apiVersion"`
	WorkspaceID  int64  `json:"wspaceId"`
	SessionRecID int64  `json:"sessionRecId"`
	DBHost       string `json:"dbhost"`
	DBPort       string `json:"dbport"`
	DBUser       string `json:"dbuser"`
	DBName       string `json:"dbname"`
	DBPassword   string `json:"dbpassword,omitempty"`
}

type executeScriptCommand struct {
	Msg       string `json:"msg"`
	Argument  string `json:"argument"`
	QueryID   int    `json:"queryId"`
	StartTime string `json:"startTime"`
}

type executeFileCommand struct {
	Msg        string            `json:"msg"`
	Argument   string            `json:"argument"`
	QueryID    int               `json:"queryId"`
	StartTime  string            `json:"startTime"`
	ClientData map[string]string `json:"clientData"`
}

type getVariableCommand struct {
	Msg        string            `json:"msg"`
	Argument   string            `json:"argument"`
	ContextID  *int              `json:"contextId,omitempty"`
	ClientData map[string]string `json:"clientData,omitempty"`
}

type listVariablesCommand struct {
	Msg       string `json:"msg"`
	Argument  string `json:"argument"`
	Delta     bool   `json:"delta"`
	ContextID *int   `json:"contextId,omitempty"`
}

type toggleVariablesCommand struct {
	Msg       string `json:"msg"`
	Argument  string `json:"argument"`
	Watch     bool   `json:"watch"`
	ContextID *int   `json:"contextId,omitempty"`
}

type createEnvironmentCommand struct {
	Msg      string  `json:"msg"`
	Argument string  `json:"argument"`
	ParentID int     `json:"parentId"`
	VarName  *string `json:"varName,omitempty"`
}

type clearEnvironmentCommand struct {
	Msg       string `json:"msg"`
	Argument  string `json:"argument"`
	ContextID int    `json:"contextId"`
}

type initPreviewCommand struct {
	Msg              string `json:"msg"`
	Argument         string `json:"argument"`
	FileID           int    `json:"fileId"`
	UpdateIdentifier string `json:"updateIdentifier"`
}

type updatePreviewCommand struct {
	Msg              string `json:"msg"`
	Argument         string `json:"argument"`
	PreviewID        int    `json:"previewId"`
	ChunkID          *int   `json:"chunkId,omitempty"`
	IncludePrevious  bool   `json:"includePrevious"`
	UpdateIdentifier string `json:"updateIdentifier"`
}

type removePreviewCommand struct {
	Msg       string `json:"msg"`
	Argument  string `json:"argument"`
	PreviewID int    `json:"previewId"`
}

// Open builds the handshake sent immediately after the link connects
func (c *Coder) Open(wspaceID, sessionRecID int64, db DBInfo) ([]byte, error) {
	return json.Marshal(openCommand{
		Msg:          "open",
		APIVersion:   1,
		WorkspaceID:  wspaceID,
		SessionRecID: sessionRecID,
		DBHost:       db.Host,
		DBPort:       db.Port,
		DBUser:       db.User,
		DBName:       db.Name,
		DBPassword:   db.Password,
	})
}

// ExecuteScript builds an execScript query, allocating its query id
func (c *Coder) ExecuteScript(transactionID, script string) ([]byte, error) {
	return json.Marshal(executeScriptCommand{
		Msg:       "execScript",
		Argument:  script,
		QueryID:   c.createQueryID(transactionID),
		StartTime: unixNow(),
	})
}

// ExecuteFile builds an execFile query, allocating its query id
func (c *Coder) ExecuteFile(transactionID string, fileID, fileVersion int) ([]byte, error) {
	return json.Marshal(executeFileCommand{
		Msg:       "execFile",
		Argument:  strconv.Itoa(fileID),
		QueryID:   c.createQueryID(transactionID),
		StartTime: unixNow(),
		ClientData: map[string]string{
			"fileId":      strconv.Itoa(fileID),
			"fileVersion": strconv.Itoa(fileVersion),
		},
	})
}

// GetVariable builds a getVariable request. clientIdentifier, when set,
// travels through clientData so the response can be routed back to the
// connection that asked.
func (c *Coder) GetVariable(name string, contextID *int, clientIdentifier string) ([]byte, error) {
	cmd := getVariableCommand{Msg: "getVariable", Argument: name, ContextID: contextID}
	if clientIdentifier != "" {
		cmd.ClientData = map[string]string{clientIdentKey: clientIdentifier}
	}
	return json.Marshal(cmd)
}

// ListVariables builds a listVariables request
func (c *Coder) ListVariables(deltaOnly bool, contextID *int) ([]byte, error) {
	return json.Marshal(listVariablesCommand{Msg: "listVariables", Delta: deltaOnly, ContextID: contextID})
}

// ToggleVariableWatch builds a toggleVariableWatch request
func (c *Coder) ToggleVariableWatch(enable bool, contextID *int) ([]byte, error) {
	return json.Marshal(toggleVariablesCommand{Msg: "toggleVariableWatch", Watch: enable, ContextID: contextID})
}

// CreateEnvironment builds a createEnviornment request. The misspelled
// discriminator is what the engine expects; do not fix it.
func (c *Coder) CreateEnvironment(transactionID string, parentID int, varName *string) ([]byte, error) {
	return json.Marshal(createEnvironmentCommand{
		Msg:      "createEnviornment",
		Argument: transactionID,
		ParentID: parentID,
		VarName:  varName,
	})
}

// ClearEnvironment builds a clearEnvironment request
func (c *Coder) ClearEnvironment(id int) ([]byte, error) {
	return json.Marshal(clearEnvironmentCommand{Msg: "clearEnvironment", ContextID: id})
}

// SaveEnvironment builds a saveEnv request
func (c *Coder) SaveEnvironment() ([]byte, error) {
	return json.Marshal(genericCommand{Msg: "saveEnv"})
}

// Help builds a help request for a topic
func (c *Coder) Help(topic string) ([]byte, error) {
	return json.Marshal(genericCommand{Msg: "help", Argument: topic})
}

// Close builds the polite shutdown request
func (c *Coder) Close() ([]byte, error) {
	return json.Marshal(genericCommand{Msg: "close"})
}

// InitPreview builds an initPreview request
func (c *Coder) InitPreview(fileID int, updateIdentifier string) ([]byte, error) {
	return json.Marshal(initPreviewCommand{Msg: "initPreview", FileID: fileID, UpdateIdentifier: updateIdentifier})
}

// UpdatePreview builds an updatePreview request
func (c *Coder) UpdatePreview(previewID int, chunkID *int, includePrevious bool, updateIdentifier string) ([]byte, error) {
	return json.Marshal(updatePreviewCommand{
		Msg:              "updatePreview",
		PreviewID:        previewID,
		ChunkID:          chunkID,
		IncludePrevious:  includePrevious,
		UpdateIdentifier: updateIdentifier,
	})
}

// RemovePreview builds a removePreview request
func (c *Coder) RemovePreview(previewID int) ([]byte, error) {
	return json.Marshal(removePreviewCommand{Msg: "removePreview", PreviewID: previewID})
}

// ParseResponse decodes one payload from the engine. Responses that must
// be correlated (execComplete, results, showoutput) fail with
// ErrRequiredFieldMissing when their query id was never allocated here;
// that is an invariant violation and the raw payload is logged for
// postmortem.
func (c *Coder) ParseResponse(data []byte) (Response, error) {
	var envelope struct {
		Msg     string `json:"msg"`
		QueryID *int   `json:"queryId"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		c.log.Warn("unparseable compute payload: %s", data)
		return nil, fmt.Errorf("failed to parse compute payload: %w", err)
	}
	if envelope.Msg == "" {
		c.log.Warn("no msg in data received from compute: %s", data)
		return nil, ErrInvalidInput
	}

	var transID string
	if envelope.QueryID != nil {
		transID, _ = c.transactionID(*envelope.QueryID)
	}

	rsp, err := decodeResponse(envelope.Msg, data)
	if err != nil {
		c.log.Warn("failed to decode compute response: %v; json=%s", err, data)
		return nil, err
	}

	switch r := rsp.(type) {
	case *ExecCompleteResponse:
		if transID == "" {
			c.log.Warn("execComplete with unknown query id; payload=%s", data)
			return nil, ErrRequiredFieldMissing
		}
		r.TransactionID = transID
	case *ResultsResponse:
		if transID == "" {
			c.log.Warn("results with unknown query id; payload=%s", data)
			return nil, ErrRequiredFieldMissing
		}
		r.TransactionID = transID
	case *ShowOutputResponse:
		if transID == "" {
			c.log.Warn("showoutput with unknown query id; payload=%s", data)
			return nil, ErrRequiredFieldMissing
		}
		r.TransactionID = transID
	case *ErrorResponse:
		// errors correlate when possible but are delivered regardless
		r.TransactionID = transID
	}
	return rsp, nil
}

func unixNow() string {
	return strconv.FormatInt(time.Now().Unix(), 10)
}
