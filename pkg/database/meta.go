package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"proxy-pool/pkg/models"
)

// LastListVersion returns the most recently recorded upstream list
// token, or "" if none has been recorded yet.
func (db *DB) LastListVersion(ctx context.Context) (string, error) {
	var version models.ListVersion
	err := db.NewSelect().
		Model(&version).
		Order("id DESC").
		Limit(1).
		Scan(ctx)

	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("error getting last list version: %v", err)
	}

	return version.Token, nil
}

// RecordListVersion appends token to the version log. Recording the
// same token twice is a no-op.
func (db *DB) RecordListVersion(ctx context.Context, token string) error {
	_, err := db.NewInsert().
		Model(&models.ListVersion{Token: token}).
		On("CONFLICT (token) DO NOTHING").
		Exec(ctx)

	if err != nil {
		return fmt.Errorf("error recording list version: %v", err)
	}

	return nil
}
