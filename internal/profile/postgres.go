package profile

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bumpxchange/exchange-server/internal/database"
	"github.com/bumpxchange/exchange-server/internal/model"
)

// Schema expected by PostgresStore:
//
//	CREATE TABLE exchange_profiles (
//	    id           TEXT PRIMARY KEY,
//	    display_name TEXT NOT NULL,
//	    fields       JSONB NOT NULL DEFAULT '{}'
//	);
type PostgresStore struct {
	db database.DBTX
}

func NewPostgresStore(db database.DBTX) *PostgresStore {
	return &PostgresStore{db: db}
}

type profileRow struct {
	ID          string          `db:"id"`
	DisplayName string          `db:"display_name"`
	Fields      json.RawMessage `db:"fields"`
}

func (s *PostgresStore) ResolveProfile(ctx context.Context, ref model.ProfileRef) (*model.Profile, error) {
	return resolve(ctx, ref, s.find)
}

func (s *PostgresStore) find(ctx context.Context, id string) (*model.Profile, error) {
	var row profileRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, display_name, fields FROM exchange_profiles WHERE id = $1
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find profile: %w", err)
	}

	p := &model.Profile{ID: row.ID, DisplayName: row.DisplayName, Fields: map[string]model.ProfileField{}}
	if len(row.Fields) > 0 {
		if err := json.Unmarshal(row.Fields, &p.Fields); err != nil {
			return nil, fmt.Errorf("decode profile fields: %w", err)
		}
	}
	return p, nil
}

// Upsert writes a profile. Used by seeding tools and tests.
func (s *PostgresStore) Upsert(ctx context.Context, p *model.Profile) error {
	fields, err := json.Marshal(p.Fields)
	if err != nil {
		return fmt.Errorf("encode profile fields: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO exchange_profiles (id, display_name, fields)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET display_name = EXCLUDED.display_name, fields = EXCLUDED.fields
	`, p.ID, p.DisplayName, fields)
	return err
}

// EnsureSchema creates the profile table when missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS exchange_profiles (
			id           TEXT PRIMARY KEY,
			display_name TEXT NOT NULL,
			fields       JSONB NOT NULL DEFAULT '{}'
		)
	`)
	return err
}
