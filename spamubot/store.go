package spamubot

import (
	"encoding/json"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unicode/utf8"
)

const (
	solvedCountFile  = "solved_count.json"
	enabledFlagFile  = "bot_enabled.flag"
	customStatusFile = "bot_status.txt"
	userStatusFile   = "bot_user_status.txt"

	// MaxStatusLength is the maximum length, in characters, of the
	// custom and user status strings
	MaxStatusLength = 100
)

var (
	ErrNegativeCount = errors.New("solved count must be >= 0")
	ErrStatusTooLong = fmt.Errorf("status must be at most %d characters", MaxStatusLength)
)

// SettingsStore is the durable settings shared by the chat responder,
// the dashboard and the JSON API. Every read goes to the backing
// storage, so writes from any component are visible to all of them.
//
// Reads never fail: missing or malformed values read as their defaults
// (0, disabled, empty).
type SettingsStore interface {
	SolvedCount() int
	SetSolvedCount(n int) error

	// IncrementSolvedCount adds one to the persisted counter and
	// returns the new value
	IncrementSolvedCount() (int, error)

	Enabled() bool
	SetEnabled(enabled bool) error

	CustomStatus() string
	SetCustomStatus(status string) error

	UserStatus() string
	SetUserStatus(status string) error
}

// solvedCountFileData is the on-disk format of solved_count.json
type solvedCountFileData struct {
	Count int `json:"count"`
}

// FileStore implements SettingsStore with four flat files in a directory.
//
// Operations are serialized with a mutex, which makes IncrementSolvedCount
// atomic within the process. Nothing prevents another process from writing
// the same files.
type FileStore struct {
	dir    string
	mu     sync.Mutex
	logger *slog.Logger
}

// NewFileStore returns a FileStore rooted at dir, creating
// the directory if it doesn't exist.
func NewFileStore(dir string, logger *slog.Logger) (*FileStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("error creating data dir: %w", err)
	}
	return &FileStore{
		dir:    dir,
		logger: logger.With(loggerNameKey, "store"),
	}, nil
}

func (s *FileStore) path(name string) string {
	return filepath.Join(s.dir, name)
}

func (s *FileStore) SolvedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readCount()
}

func (s *FileStore) SetSolvedCount(n int) error {
	if n < 0 {
		return ErrNegativeCount
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeCount(n)
}

func (s *FileStore) IncrementSolvedCount() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.readCount() + 1
	if err := s.writeCount(n); err != nil {
		return n, err
	}
	return n, nil
}

func (s *FileStore) readCount() int {
	b, err := os.ReadFile(s.path(solvedCountFile))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Debug("unable to read solved count", tint.Err(err))
		}
		return 0
	}
	var data solvedCountFileData
	if err = json.Unmarshal(b, &data); err != nil {
		s.logger.Debug("malformed solved count file", tint.Err(err))
		return 0
	}
	if data.Count < 0 {
		return 0
	}
	return data.Count
}

func (s *FileStore) writeCount(n int) error {
	b, err := json.Marshal(solvedCountFileData{Count: n})
	if err != nil {
		return err
	}
	return s.writeFile(solvedCountFile, b)
}

func (s *FileStore) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := os.Stat(s.path(enabledFlagFile))
	return err == nil
}

func (s *FileStore) SetEnabled(enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if enabled {
		return s.writeFile(enabledFlagFile, nil)
	}
	err := os.Remove(s.path(enabledFlagFile))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (s *FileStore) CustomStatus() string {
	return s.readText(customStatusFile)
}

func (s *FileStore) SetCustomStatus(status string) error {
	return s.writeText(customStatusFile, status)
}

func (s *FileStore) UserStatus() string {
	return s.readText(userStatusFile)
}

func (s *FileStore) SetUserStatus(status string) error {
	return s.writeText(userStatusFile, status)
}

func (s *FileStore) readText(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := os.ReadFile(s.path(name))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

func (s *FileStore) writeText(name string, value string) error {
	value = strings.TrimSpace(value)
	if err := validateStatus(value); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeFile(name, []byte(value))
}

// writeFile replaces the named file via a temp file and rename, so
// readers never see a partial write.
func (s *FileStore) writeFile(name string, data []byte) error {
	f, err := os.CreateTemp(s.dir, "."+name+".*")
	if err != nil {
		return err
	}
	tmpName := f.Name()
	_, err = f.Write(data)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Chmod(tmpName, 0o644)
	}
	if err == nil {
		err = os.Rename(tmpName, s.path(name))
	}
	if err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("error writing %s: %w", name, err)
	}
	return nil
}

func validateStatus(status string) error {
	if utf8.RuneCountInString(strings.TrimSpace(status)) > MaxStatusLength {
		return ErrStatusTooLong
	}
	return nil
}
