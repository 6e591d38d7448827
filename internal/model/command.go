package model

import (
	"encoding/json"
	"fmt"
)

// CommandKind discriminates client commands
type CommandKind string

const (
	CommandExecute           CommandKind = "execute"
	CommandExecuteFile       CommandKind = "executeFile"
	CommandFileOperation     CommandKind = "fileOperation"
	CommandGetVariable       CommandKind = "getVariable"
	CommandHelp              CommandKind = "help"
	CommandInfo              CommandKind = "info"
	CommandSave              CommandKind = "save"
	CommandClearEnvironment  CommandKind = "clearEnvironment"
	CommandWatchVariables    CommandKind = "watchVariables"
	CommandCreateEnvironment CommandKind = "createEnvironment"
	CommandInitPreview       CommandKind = "initPreview"
	CommandUpdatePreview     CommandKind = "updatePreview"
	CommandRemovePreview     CommandKind = "removePreview"
)

// FileOperation is the kind of a fileOperation command
type FileOperation string

const (
	FileOpRemove    FileOperation = "remove"
	FileOpRename    FileOperation = "rename"
	FileOpDuplicate FileOperation = "duplicate"
)

// SessionCommand is a client request, a flat JSON object discriminated by
// the "command" field. Only the fields relevant to the command kind are
// populated.
type SessionCommand struct {
	Command       CommandKind `json:"command"`
	TransactionID string      `json:"transactionId,omitempty"`

	// execute
	Source        string `json:"source,omitempty"`
	UserInitiated *bool  `json:"userInitiated,omitempty"`

	// executeFile, save, fileOperation, getVariable (environment), initPreview
	FileID        int           `json:"fileId,omitempty"`
	FileVersion   int           `json:"fileVersion,omitempty"`
	Content       []byte        `json:"content,omitempty"`
	Operation     FileOperation `json:"operation,omitempty"`
	NewName       string        `json:"newName,omitempty"`
	EnvironmentID *int          `json:"environmentId,omitempty"`

	// getVariable, createEnvironment
	Name         string `json:"name,omitempty"`
	ParentID     int    `json:"parentId,omitempty"`
	VariableName string `json:"variableName,omitempty"`

	// help
	Topic string `json:"topic,omitempty"`

	// watchVariables
	Watch bool `json:"watch,omitempty"`

	// previews
	PreviewID        int    `json:"previewId,omitempty"`
	ChunkID          *int   `json:"chunkId,omitempty"`
	IncludePrevious  bool   `json:"includePrevious,omitempty"`
	UpdateIdentifier string `json:"updateIdentifier,omitempty"`
}

// IsUserInitiated reports whether an execute command was typed by the user
// (the default) rather than issued programmatically.
func (c *SessionCommand) IsUserInitiated() bool {
	return c.UserInitiated == nil || *c.UserInitiated
}

var knownCommands = map[CommandKind]bool{
	CommandExecute:           true,
	CommandExecuteFile:       true,
	CommandFileOperation:     true,
	CommandGetVariable:       true,
	CommandHelp:              true,
	CommandInfo:              true,
	CommandSave:              true,
	CommandClearEnvironment:  true,
	CommandWatchVariables:    true,
	CommandCreateEnvironment: true,
	CommandInitPreview:       true,
	CommandUpdatePreview:     true,
	CommandRemovePreview:     true,
}

// DecodeCommand parses a client payload into a SessionCommand
func DecodeCommand(data []byte) (*SessionCommand, error) {
	var cmd SessionCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		return nil, fmt.Errorf("failed to parse command: %w", err)
	}
	if !knownCommands[cmd.Command] {
		return nil, fmt.Errorf("unknown command %q", cmd.Command)
	}
	return &cmd, nil
}
