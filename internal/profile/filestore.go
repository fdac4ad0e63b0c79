package profile

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
)

// FileStore keeps the profile list as one sealed file.
type FileStore struct {
	path string
	key  []byte
	log  zerolog.Logger
}

// NewFileStore creates a store at path. The key must be 32 bytes.
func NewFileStore(path string, key []byte, log zerolog.Logger) (*FileStore, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	return &FileStore{path: path, key: key, log: log}, nil
}

// Load returns the stored profiles. A missing, unreadable or undecryptable
// file yields an empty list.
func (s *FileStore) Load(_ context.Context) ([]Profile, error) {
	sealed, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warn().Err(err).Str("path", s.path).Msg("profile: read failed")
		}
		return []Profile{}, nil
	}
	plain, err := open(s.key, sealed)
	if err != nil {
		s.log.Warn().Err(err).Str("path", s.path).Msg("profile: decrypt failed")
		return []Profile{}, nil
	}
	var out []Profile
	if err := json.Unmarshal(plain, &out); err != nil {
		s.log.Warn().Err(err).Str("path", s.path).Msg("profile: decode failed")
		return []Profile{}, nil
	}
	if out == nil {
		out = []Profile{}
	}
	return out, nil
}

// Save seals and atomically replaces the file.
func (s *FileStore) Save(_ context.Context, profiles []Profile) error {
	plain, err := json.Marshal(profiles)
	if err != nil {
		return fmt.Errorf("profile: encode: %w", err)
	}
	sealed, err := seal(s.key, plain)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("profile: create dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".profiles-*")
	if err != nil {
		return fmt.Errorf("profile: temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(sealed); err != nil {
		tmp.Close()
		return fmt.Errorf("profile: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("profile: write: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		return fmt.Errorf("profile: chmod: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("profile: replace: %w", err)
	}
	return nil
}
