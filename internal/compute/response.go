package compute

import (
	"encoding/json"
	"fmt"

	"github.com/compustat/relayd/internal/model"
)

// Response is a decoded compute engine message. Callers type-switch over
// the concrete variants below.
type Response interface {
	computeResponse()
}

// OpenResponse answers the open handshake
type OpenResponse struct {
	Success      bool   `json:"success"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// HelpResponse answers a help request
type HelpResponse struct {
	Topic string   `json:"topic"`
	Paths []string `json:"paths"`
}

// VariableValueResponse answers a getVariable request. ClientID is the
// requesting connection's id when it was carried through clientData.
type VariableValueResponse struct {
	Name       string
	Value      model.Variable
	ContextID  *int
	StartTime  string
	ClientData map[string]string
	ClientID   string
}

// VariableUpdateResponse answers listVariables and carries watch updates
type VariableUpdateResponse struct {
	Delta         bool
	Variables     map[string]model.Variable
	Added         map[string]model.Variable
	Removed       []string
	EnvironmentID *int
	ClientData    map[string]string
}

// ErrorResponse reports an engine-side failure
type ErrorResponse struct {
	ErrorCode     int    `json:"errorCode"`
	Details       string `json:"errorDetails"`
	QueryID       *int   `json:"queryId,omitempty"`
	TransactionID string `json:"-"`
}

// ResultsResponse carries console output for a query
type ResultsResponse struct {
	Output        string `json:"string"`
	IsError       bool   `json:"is_error"`
	QueryID       *int   `json:"queryId,omitempty"`
	TransactionID string `json:"-"`
}

// ShowOutputResponse tells the relay a query generated a displayable file
type ShowOutputResponse struct {
	FileID        int64  `json:"fileId"`
	FileName      string `json:"fileName"`
	FileVersion   int    `json:"fileVersion"`
	QueryID       int    `json:"queryId"`
	TransactionID string `json:"-"`
}

// ExecCompleteResponse reports a query finished
type ExecCompleteResponse struct {
	ExpectShowOutput bool              `json:"expectShowOutput"`
	QueryID          int               `json:"queryId"`
	StartTime        string            `json:"startTime,omitempty"`
	Images           []int64           `json:"images,omitempty"`
	BatchNumber      int               `json:"imgBatch,omitempty"`
	ClientData       map[string]string `json:"clientData,omitempty"`
	TransactionID    string            `json:"-"`
}

// EnvCreatedResponse reports a new environment
type EnvCreatedResponse struct {
	ContextID     int    `json:"contextId"`
	TransactionID string `json:"transactionId"`
}

// PreviewInitedResponse reports a preview session was created
type PreviewInitedResponse struct {
	PreviewID        int    `json:"previewId"`
	FileID           int    `json:"fileId"`
	ErrorCode        int    `json:"errorCode"`
	UpdateIdentifier string `json:"updateIdentifier"`
}

// PreviewUpdateStartedResponse reports an update pass has started
type PreviewUpdateStartedResponse struct {
	PreviewID        int    `json:"previewId"`
	UpdateIdentifier string `json:"updateIdentifier"`
	ActiveChunks     []int  `json:"activeChunks,omitempty"`
}

// PreviewUpdatedResponse carries rendered content for one chunk
type PreviewUpdatedResponse struct {
	PreviewID        int    `json:"previewId"`
	ChunkID          int    `json:"chunkId"`
	UpdateComplete   bool   `json:"updateComplete"`
	UpdateIdentifier string `json:"updateIdentifier"`
	Results          string `json:"results"`
}

func (*OpenResponse) computeResponse()                 {}
func (*HelpResponse) computeResponse()                 {}
func (*VariableValueResponse) computeResponse()        {}
func (*VariableUpdateResponse) computeResponse()       {}
func (*ErrorResponse) computeResponse()                {}
func (*ResultsResponse) computeResponse()              {}
func (*ShowOutputResponse) computeResponse()           {}
func (*ExecCompleteResponse) computeResponse()         {}
func (*EnvCreatedResponse) computeResponse()           {}
func (*PreviewInitedResponse) computeResponse()        {}
func (*PreviewUpdateStartedResponse) computeResponse() {}
func (*PreviewUpdatedResponse) computeResponse()       {}

// decodeResponse parses one payload into the variant selected by msg.
// The variable-bearing variants need the schema-flexible legacy parse.
func decodeResponse(msg string, data []byte) (Response, error) {
	switch msg {
	case "openresponse":
		return decodeInto(data, &OpenResponse{})
	case "execComplete":
		return decodeInto(data, &ExecCompleteResponse{})
	case "results":
		return decodeInto(data, &ResultsResponse{})
	case "showoutput":
		return decodeInto(data, &ShowOutputResponse{})
	case "help":
		rsp := &HelpResponse{}
		if _, err := decodeInto(data, rsp); err != nil {
			return nil, err
		}
		if rsp.Paths == nil {
			return nil, fmt.Errorf("help response missing paths: %w", ErrInvalidInput)
		}
		return rsp, nil
	case "error":
		rsp := &ErrorResponse{ErrorCode: -1}
		if err := json.Unmarshal(data, rsp); err != nil {
			return nil, fmt.Errorf("failed to parse error response: %w", err)
		}
		if rsp.ErrorCode < 0 {
			return nil, fmt.Errorf("error response missing errorCode: %w", ErrInvalidInput)
		}
		return rsp, nil
	case "envCreated":
		return decodeInto(data, &EnvCreatedResponse{})
	case "initPreview":
		return decodeInto(data, &PreviewInitedResponse{})
	case "previewUpdateStarted":
		return decodeInto(data, &PreviewUpdateStartedResponse{})
	case "updatePreview":
		return decodeInto(data, &PreviewUpdatedResponse{})
	case "variableupdate":
		return decodeVariableUpdate(data)
	case "variablevalue":
		return decodeVariableValue(data)
	default:
		return nil, fmt.Errorf("unknown message type %q: %w", msg, ErrInvalidInput)
	}
}

func decodeInto[T Response](data []byte, rsp T) (T, error) {
	if err := json.Unmarshal(data, rsp); err != nil {
		var zero T
		return zero, fmt.Errorf("failed to parse compute response: %w", err)
	}
	return rsp, nil
}

func decodeVariableValue(data []byte) (*VariableValueResponse, error) {
	var tree map[string]any
	if err := json.Unmarshal(data, &tree); err != nil {
		return nil, fmt.Errorf("failed to parse variablevalue: %w", err)
	}
	name, ok := tree["name"].(string)
	if !ok {
		return nil, fmt.Errorf("variablevalue missing name: %w", ErrInvalidInput)
	}
	valueObj, ok := tree["value"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("variablevalue missing value: %w", ErrInvalidInput)
	}
	value, err := model.VariableFromLegacy(valueObj)
	if err != nil {
		return nil, err
	}
	rsp := &VariableValueResponse{
		Name:       name,
		Value:      value,
		ContextID:  treeInt(tree, "contextId"),
		ClientData: treeStringMap(tree, "clientData"),
	}
	if s, ok := tree["startTime"].(string); ok {
		rsp.StartTime = s
	}
	rsp.ClientID = rsp.ClientData[clientIdentKey]
	return rsp, nil
}

func decodeVariableUpdate(data []byte) (*VariableUpdateResponse, error) {
	var tree map[string]any
	if err := json.Unmarshal(data, &tree); err != nil {
		return nil, fmt.Errorf("failed to parse variableupdate: %w", err)
	}
	delta, ok := tree["delta"].(bool)
	if !ok {
		return nil, fmt.Errorf("variableupdate missing delta: %w", ErrInvalidInput)
	}
	rsp := &VariableUpdateResponse{
		Delta:         delta,
		Variables:     map[string]model.Variable{},
		Added:         map[string]model.Variable{},
		EnvironmentID: treeInt(tree, "contextId"),
		ClientData:    treeStringMap(tree, "clientData"),
	}
	if removed, ok := tree["variablesRemoved"].([]any); ok {
		for _, el := range removed {
			if s, ok := el.(string); ok {
				rsp.Removed = append(rsp.Removed, s)
			}
		}
	}
	var err error
	if rsp.Variables, err = treeVariables(tree, "variables"); err != nil {
		return nil, err
	}
	if rsp.Added, err = treeVariables(tree, "variablesAdded"); err != nil {
		return nil, err
	}
	return rsp, nil
}

func treeVariables(tree map[string]any, key string) (map[string]model.Variable, error) {
	out := map[string]model.Variable{}
	raw, ok := tree[key].(map[string]any)
	if !ok {
		return out, nil
	}
	for name, el := range raw {
		obj, ok := el.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("variable %q is not an object: %w", name, ErrInvalidInput)
		}
		v, err := model.VariableFromLegacy(obj)
		if err != nil {
			return nil, err
		}
		out[name] = v
	}
	return out, nil
}

func treeInt(tree map[string]any, key string) *int {
	if f, ok := tree[key].(float64); ok {
		n := int(f)
		return &n
	}
	return nil
}

func treeStringMap(tree map[string]any, key string) map[string]string {
	raw, ok := tree[key].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}
