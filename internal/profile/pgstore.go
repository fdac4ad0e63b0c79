package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// PGSchema creates the profile blob table.
const PGSchema = `
CREATE TABLE IF NOT EXISTS profile_blobs (
	owner      TEXT PRIMARY KEY,
	blob       BYTEA       NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// PGStore keeps the same sealed blob as FileStore in Postgres, one row per
// owner.
type PGStore struct {
	db    *pgxpool.Pool
	owner string
	key   []byte
	log   zerolog.Logger
}

// NewPGStore creates a store for owner.
func NewPGStore(db *pgxpool.Pool, owner string, key []byte, log zerolog.Logger) (*PGStore, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	if owner == "" {
		owner = "default"
	}
	return &PGStore{db: db, owner: owner, key: key, log: log}, nil
}

// Migrate creates the table.
func (s *PGStore) Migrate(ctx context.Context) error {
	_, err := s.db.Exec(ctx, PGSchema)
	return err
}

// Load returns the stored profiles. An undecryptable blob yields an empty
// list; database errors are returned.
func (s *PGStore) Load(ctx context.Context) ([]Profile, error) {
	var sealed []byte
	err := s.db.QueryRow(ctx, `SELECT blob FROM profile_blobs WHERE owner = $1`, s.owner).Scan(&sealed)
	if errors.Is(err, pgx.ErrNoRows) {
		return []Profile{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("profile: load: %w", err)
	}
	plain, err := open(s.key, sealed)
	if err != nil {
		s.log.Warn().Err(err).Str("owner", s.owner).Msg("profile: decrypt failed")
		return []Profile{}, nil
	}
	var out []Profile
	if err := json.Unmarshal(plain, &out); err != nil || out == nil {
		return []Profile{}, nil
	}
	return out, nil
}

// Save seals and upserts the profile list.
func (s *PGStore) Save(ctx context.Context, profiles []Profile) error {
	plain, err := json.Marshal(profiles)
	if err != nil {
		return fmt.Errorf("profile: encode: %w", err)
	}
	sealed, err := seal(s.key, plain)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO profile_blobs (owner, blob, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (owner) DO UPDATE SET blob = EXCLUDED.blob, updated_at = now()
	`, s.owner, sealed)
	if err != nil {
		return fmt.Errorf("profile: save: %w", err)
	}
	return nil
}
