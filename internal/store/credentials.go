package store

import (
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"

	"mprisbridge/internal/models"
)

const credentialColumns = `identity, token, created_at`

func (s *Store) encodeToken(token []byte) (string, error) {
	if s.sealer != nil {
		return s.sealer.Seal(token)
	}
	return base64.StdEncoding.EncodeToString(token), nil
}

func (s *Store) decodeToken(stored string) ([]byte, error) {
	if s.sealer != nil {
		return s.sealer.Open(stored)
	}
	return base64.StdEncoding.DecodeString(stored)
}

func (s *Store) scanRecord(scanner interface{ Scan(...any) error }) (models.TrustRecord, error) {
	var rec models.TrustRecord
	var stored string
	if err := scanner.Scan(&rec.Identity, &stored, &rec.CreatedAt); err != nil {
		return rec, err
	}
	token, err := s.decodeToken(stored)
	if err != nil {
		return rec, fmt.Errorf("decoding token for %s: %w", rec.Identity, err)
	}
	rec.Token = token
	return rec, nil
}

// Put creates the trust record for an identity, replacing any existing one
// in the same statement so no identity ever has two valid records.
func (s *Store) Put(identity string, token []byte) (models.TrustRecord, error) {
	if identity == "" {
		return models.TrustRecord{}, fmt.Errorf("putting credential: empty identity")
	}
	stored, err := s.encodeToken(token)
	if err != nil {
		return models.TrustRecord{}, fmt.Errorf("encoding token: %w", err)
	}
	rec, err := s.scanRecord(s.db.QueryRow(
		`INSERT INTO credentials (identity, token) VALUES (?, ?)
		ON CONFLICT(identity) DO UPDATE SET token = excluded.token, created_at = CURRENT_TIMESTAMP
		RETURNING `+credentialColumns,
		identity, stored,
	))
	if err != nil {
		return models.TrustRecord{}, fmt.Errorf("putting credential: %w", err)
	}
	return rec, nil
}

func (s *Store) Get(identity string) (*models.TrustRecord, error) {
	rec, err := s.scanRecord(s.db.QueryRow(
		`SELECT `+credentialColumns+` FROM credentials WHERE identity = ?`, identity,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("credential %s: %w", identity, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting credential: %w", err)
	}
	return &rec, nil
}

func (s *Store) List() ([]models.TrustRecord, error) {
	rows, err := s.db.Query(`SELECT ` + credentialColumns + ` FROM credentials ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("listing credentials: %w", err)
	}
	defer rows.Close()

	records := []models.TrustRecord{}
	for rows.Next() {
		rec, err := s.scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *Store) Revoke(identity string) error {
	result, err := s.db.Exec(`DELETE FROM credentials WHERE identity = ?`, identity)
	if err != nil {
		return fmt.Errorf("revoking credential: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("credential %s: %w", identity, models.ErrNotFound)
	}
	return nil
}
