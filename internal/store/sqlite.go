package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"github.com/compustat/relayd/internal/model"
)

// SQLiteStore implements Store on an embedded SQLite database
type SQLiteStore struct {
	db     *sql.DB
	dbPath string

	obsMu     sync.Mutex
	observers map[int64][]FileChangeObserver
}

// NewSQLiteStore opens (creating if needed) the database at dbPath and
// ensures the schema exists
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:        db,
		dbPath:    dbPath,
		observers: make(map[int64][]FileChangeObserver),
	}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		login TEXT NOT NULL UNIQUE,
		email TEXT
	);

	CREATE TABLE IF NOT EXISTS workspaces (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		name TEXT NOT NULL,
		FOREIGN KEY (user_id) REFERENCES users(id),
		UNIQUE (user_id, name)
	);

	CREATE TABLE IF NOT EXISTS files (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		wspace_id INTEGER NOT NULL,
		name TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 1,
		data BLOB NOT NULL,
		date_created DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		last_modified DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (wspace_id) REFERENCES workspaces(id) ON DELETE CASCADE,
		UNIQUE (wspace_id, name)
	);

	CREATE TABLE IF NOT EXISTS session_records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		wspace_id INTEGER NOT NULL,
		started_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		ended_at DATETIME,
		FOREIGN KEY (wspace_id) REFERENCES workspaces(id)
	);

	CREATE TABLE IF NOT EXISTS session_images (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id INTEGER NOT NULL,
		batch_id INTEGER NOT NULL DEFAULT 0,
		name TEXT NOT NULL,
		image_data BLOB,
		FOREIGN KEY (session_id) REFERENCES session_records(id)
	);

	CREATE TABLE IF NOT EXISTS login_tokens (
		token TEXT PRIMARY KEY,
		user_id INTEGER NOT NULL,
		valid BOOLEAN NOT NULL DEFAULT TRUE,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (user_id) REFERENCES users(id)
	);

	CREATE INDEX IF NOT EXISTS idx_files_wspace ON files(wspace_id);
	CREATE INDEX IF NOT EXISTS idx_session_records_wspace ON session_records(wspace_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CreateUser inserts a user; used by setup tooling and tests
func (s *SQLiteStore) CreateUser(login, email string) (*model.User, error) {
	res, err := s.db.Exec(`INSERT INTO users (login, email) VALUES (?, ?)`, login, email)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &model.User{ID: id, Login: login, Email: email}, nil
}

// CreateWorkspace inserts a workspace; used by setup tooling and tests
func (s *SQLiteStore) CreateWorkspace(userID int64, name string) (*model.Workspace, error) {
	res, err := s.db.Exec(`INSERT INTO workspaces (user_id, name) VALUES (?, ?)`, userID, name)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &model.Workspace{ID: id, UserID: userID, Name: name}, nil
}

// GetWorkspace fetches one workspace by id
func (s *SQLiteStore) GetWorkspace(id int64) (*model.Workspace, error) {
	w := &model.Workspace{ID: id}
	err := s.db.QueryRow(`SELECT user_id, name FROM workspaces WHERE id = ?`, id).
		Scan(&w.UserID, &w.Name)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return w, nil
}

// GetUser fetches one user by id
func (s *SQLiteStore) GetUser(id int64) (*model.User, error) {
	u := &model.User{ID: id}
	var email sql.NullString
	err := s.db.QueryRow(`SELECT login, email FROM users WHERE id = ?`, id).
		Scan(&u.Login, &email)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if email.Valid {
		u.Email = email.String
	}
	return u, nil
}

// CreateSessionRecord opens a session record for a workspace and returns
// its id
func (s *SQLiteStore) CreateSessionRecord(workspaceID int64) (int64, error) {
	res, err := s.db.Exec(`INSERT INTO session_records (wspace_id, started_at) VALUES (?, ?)`,
		workspaceID, time.Now())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// CloseSessionRecord stamps a session record as ended
func (s *SQLiteStore) CloseSessionRecord(sessionID int64) error {
	_, err := s.db.Exec(`UPDATE session_records SET ended_at = ? WHERE id = ?`,
		time.Now(), sessionID)
	return err
}

const fileColumns = `id, wspace_id, name, version, LENGTH(data), date_created, last_modified`

func scanFile(row *sql.Row) (*model.File, error) {
	f := &model.File{}
	err := row.Scan(&f.ID, &f.WorkspaceID, &f.Name, &f.Version, &f.FileSize,
		&f.DateCreated, &f.LastModified)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

// GetFile fetches file metadata, verifying the file's workspace belongs
// to userID. A userID of 0 skips the ownership check.
func (s *SQLiteStore) GetFile(id, userID int64) (*model.File, error) {
	if userID == 0 {
		return scanFile(s.db.QueryRow(
			`SELECT `+fileColumns+` FROM files WHERE id = ?`, id))
	}
	return scanFile(s.db.QueryRow(
		`SELECT f.id, f.wspace_id, f.name, f.version, LENGTH(f.data), f.date_created, f.last_modified
		 FROM files f JOIN workspaces w ON f.wspace_id = w.id
		 WHERE f.id = ? AND w.user_id = ?`, id, userID))
}

// GetFileData fetches a file's content
func (s *SQLiteStore) GetFileData(id int64) ([]byte, error) {
	var data []byte
	err := s.db.QueryRow(`SELECT data FROM files WHERE id = ?`, id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return data, err
}

// GetFiles lists a workspace's files, newest first
func (s *SQLiteStore) GetFiles(workspaceID int64) ([]model.File, error) {
	rows, err := s.db.Query(
		`SELECT `+fileColumns+` FROM files WHERE wspace_id = ? ORDER BY name`, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var files []model.File
	for rows.Next() {
		var f model.File
		if err := rows.Scan(&f.ID, &f.WorkspaceID, &f.Name, &f.Version, &f.FileSize,
			&f.DateCreated, &f.LastModified); err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// SetFile replaces a file's content iff version matches the stored
// version, bumping the version on success
func (s *SQLiteStore) SetFile(id int64, version int, data []byte) (*model.File, error) {
	res, err := s.db.Exec(
		`UPDATE files SET data = ?, version = version + 1, last_modified = ?
		 WHERE id = ? AND version = ?`, data, time.Now(), id, version)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		// either missing or stale version; disambiguate for the caller
		if _, err := s.GetFile(id, 0); err != nil {
			return nil, err
		}
		return nil, ErrVersionMismatch
	}
	f, err := s.GetFile(id, 0)
	if err != nil {
		return nil, err
	}
	s.notifyFileChange(model.FileChangedData{Type: model.FileChangeUpdate, FileID: id, File: f})
	return f, nil
}

// InsertFile creates a new file in a workspace
func (s *SQLiteStore) InsertFile(workspaceID int64, name string, data []byte) (*model.File, error) {
	// nil would bind as SQL NULL and violate the NOT NULL column;
	// an empty file is legal
	if data == nil {
		data = []byte{}
	}
	now := time.Now()
	res, err := s.db.Exec(
		`INSERT INTO files (wspace_id, name, version, data, date_created, last_modified)
		 VALUES (?, ?, 1, ?, ?, ?)`, workspaceID, name, data, now, now)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateName
		}
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	f, err := s.GetFile(id, 0)
	if err != nil {
		return nil, err
	}
	s.notifyFileChange(model.FileChangedData{Type: model.FileChangeInsert, FileID: id, File: f})
	return f, nil
}

// RenameFile renames a file iff version matches
func (s *SQLiteStore) RenameFile(id int64, version int, newName string) (*model.File, error) {
	res, err := s.db.Exec(
		`UPDATE files SET name = ?, version = version + 1, last_modified = ?
		 WHERE id = ? AND version = ?`, newName, time.Now(), id, version)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateName
		}
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		if _, err := s.GetFile(id, 0); err != nil {
			return nil, err
		}
		return nil, ErrVersionMismatch
	}
	f, err := s.GetFile(id, 0)
	if err != nil {
		return nil, err
	}
	s.notifyFileChange(model.FileChangedData{Type: model.FileChangeUpdate, FileID: id, File: f})
	return f, nil
}

// DuplicateFile copies a file's current content under a new name
func (s *SQLiteStore) DuplicateFile(id int64, newName string) (*model.File, error) {
	src, err := s.GetFile(id, 0)
	if err != nil {
		return nil, err
	}
	data, err := s.GetFileData(id)
	if err != nil {
		return nil, err
	}
	return s.InsertFile(src.WorkspaceID, newName, data)
}

// DeleteFile removes a file
func (s *SQLiteStore) DeleteFile(id int64) error {
	f, err := s.GetFile(id, 0)
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(`DELETE FROM files WHERE id = ?`, id); err != nil {
		return err
	}
	s.notifyFileChange(model.FileChangedData{Type: model.FileChangeDelete, FileID: id, File: f})
	return nil
}

// GetImages fetches session images by id, skipping ids that do not exist
func (s *SQLiteStore) GetImages(ids []int64) ([]model.SessionImage, error) {
	images := make([]model.SessionImage, 0, len(ids))
	for _, id := range ids {
		img := model.SessionImage{ID: id}
		err := s.db.QueryRow(
			`SELECT session_id, batch_id, name, image_data FROM session_images WHERE id = ?`, id).
			Scan(&img.SessionID, &img.BatchID, &img.Name, &img.ImageData)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, err
		}
		images = append(images, img)
	}
	return images, nil
}

// AddImage stores a session image; used by setup tooling and tests
func (s *SQLiteStore) AddImage(img *model.SessionImage) error {
	res, err := s.db.Exec(
		`INSERT INTO session_images (session_id, batch_id, name, image_data) VALUES (?, ?, ?, ?)`,
		img.SessionID, img.BatchID, img.Name, img.ImageData)
	if err != nil {
		return err
	}
	img.ID, err = res.LastInsertId()
	return err
}

// CreateToken mints a login token for a user
func (s *SQLiteStore) CreateToken(userID int64) (string, error) {
	token := uuid.NewString()
	_, err := s.db.Exec(
		`INSERT INTO login_tokens (token, user_id, valid, created_at) VALUES (?, ?, TRUE, ?)`,
		token, userID, time.Now())
	if err != nil {
		return "", err
	}
	return token, nil
}

// ValidateToken reports whether a token exists, belongs to the user and
// has not been invalidated
func (s *SQLiteStore) ValidateToken(tokenID string, userID int64) (bool, error) {
	var valid bool
	err := s.db.QueryRow(
		`SELECT valid FROM login_tokens WHERE token = ? AND user_id = ?`, tokenID, userID).
		Scan(&valid)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return valid, nil
}

// InvalidateToken revokes a token
func (s *SQLiteStore) InvalidateToken(tokenID string) error {
	_, err := s.db.Exec(`UPDATE login_tokens SET valid = FALSE WHERE token = ?`, tokenID)
	return err
}

// AddFileChangeObserver subscribes to file changes in one workspace
func (s *SQLiteStore) AddFileChangeObserver(workspaceID int64, observer FileChangeObserver) {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	s.observers[workspaceID] = append(s.observers[workspaceID], observer)
}

func (s *SQLiteStore) notifyFileChange(change model.FileChangedData) {
	if change.File == nil {
		return
	}
	s.obsMu.Lock()
	observers := append([]FileChangeObserver(nil), s.observers[change.File.WorkspaceID]...)
	s.obsMu.Unlock()
	for _, observer := range observers {
		observer(change)
	}
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}
