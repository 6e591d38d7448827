// Package model defines the entities shared between the relay's client
// protocol, its persistence layer, and the compute translation layer.
package model

import "time"

// User is an authenticated account
type User struct {
	ID    int64  `json:"id"`
	Login string `json:"login"`
	Email string `json:"email,omitempty"`
}

// Workspace is the unit a session is scoped to. Immutable for the
// lifetime of a Session.
type Workspace struct {
	ID     int64  `json:"id"`
	UserID int64  `json:"userId"`
	Name   string `json:"name"`
}

// File is a document stored in a workspace
type File struct {
	ID           int64     `json:"id"`
	WorkspaceID  int64     `json:"wspaceId"`
	Name         string    `json:"name"`
	Version      int       `json:"version"`
	FileSize     int64     `json:"fileSize"`
	DateCreated  time.Time `json:"dateCreated"`
	LastModified time.Time `json:"lastModified"`
}

// SessionImage is a generated image attached to an execution batch
type SessionImage struct {
	ID        int64  `json:"id"`
	SessionID int64  `json:"sessionId"`
	BatchID   int    `json:"batchId"`
	Name      string `json:"name"`
	ImageData []byte `json:"imageData,omitempty"`
}

// FileChangeType describes what happened to a file
type FileChangeType string

const (
	FileChangeInsert FileChangeType = "insert"
	FileChangeUpdate FileChangeType = "update"
	FileChangeDelete FileChangeType = "delete"
)

// FileChangedData is delivered to file-change observers and forwarded to
// attached clients when an external edit is committed.
type FileChangedData struct {
	Type   FileChangeType `json:"type"`
	FileID int64          `json:"fileId"`
	File   *File          `json:"file,omitempty"`
}
