package store

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const cookieSecretKey = "cookie_secret"

// GetOrCreateSecret returns the persisted cookie secret, generating and storing one on first use.
//
// Concurrent callers (including other processes sharing the database file) all observe the same value: a freshly generated candidate is only kept if no other writer got there first.
func GetOrCreateSecret(ctx context.Context, db *gorm.DB) (string, error) {
	ctx, span := tracer.Start(ctx, "GetOrCreateSecret")
	defer span.End()

	secrets := SecretTable(db)
	existing, err := secrets.Get(ctx, cookieSecretKey)
	if err == nil {
		return string(existing), nil
	}
	if !errors.Is(err, ErrNotFound) {
		return "", err
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating cookie secret: %w", err)
	}
	candidate := hex.EncodeToString(buf)

	err = db.WithContext(ctx).
		Table(secrets.name).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(map[string]any{keyColumn: cookieSecretKey, secrets.valueColumn: candidate}).Error
	if err != nil {
		return "", fmt.Errorf("storing cookie secret: %w", err)
	}

	// whoever won the insert, the stored row is authoritative
	stored, err := secrets.Get(ctx, cookieSecretKey)
	if err != nil {
		return "", fmt.Errorf("re-reading cookie secret: %w", err)
	}
	return string(stored), nil
}
