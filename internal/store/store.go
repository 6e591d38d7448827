// Package store is the persistence layer consumed by the session
// subsystem: workspaces, users, files, session records, images and
// login tokens, plus a per-workspace file-change subscription feed.
package store

import (
	"errors"

	"github.com/compustat/relayd/internal/model"
)

var (
	// ErrNotFound means the requested row does not exist or is not
	// visible to the requesting user
	ErrNotFound = errors.New("not found")
	// ErrVersionMismatch means a file write carried a stale version
	ErrVersionMismatch = errors.New("file version mismatch")
	// ErrDuplicateName means a file name already exists in the workspace
	ErrDuplicateName = errors.New("duplicate file name")
)

// FileChangeObserver receives file-change events for one workspace.
// Callbacks run synchronously on the goroutine that committed the change.
type FileChangeObserver func(change model.FileChangedData)

// Store is the persistence interface the session subsystem consumes.
// Implementations must be safe for concurrent use.
type Store interface {
	GetWorkspace(id int64) (*model.Workspace, error)
	GetUser(id int64) (*model.User, error)

	CreateSessionRecord(workspaceID int64) (int64, error)
	CloseSessionRecord(sessionID int64) error

	GetFile(id, userID int64) (*model.File, error)
	GetFileData(id int64) ([]byte, error)
	GetFiles(workspaceID int64) ([]model.File, error)
	SetFile(id int64, version int, data []byte) (*model.File, error)
	InsertFile(workspaceID int64, name string, data []byte) (*model.File, error)
	RenameFile(id int64, version int, newName string) (*model.File, error)
	DuplicateFile(id int64, newName string) (*model.File, error)
	DeleteFile(id int64) error

	GetImages(ids []int64) ([]model.SessionImage, error)

	CreateToken(userID int64) (string, error)
	ValidateToken(tokenID string, userID int64) (bool, error)
	InvalidateToken(tokenID string) error

	AddFileChangeObserver(workspaceID int64, observer FileChangeObserver)

	Close() error
}
