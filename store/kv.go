package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrNotFound = errors.New("key not found")

var tracer = otel.Tracer("store")

const keyColumn = "key"

// Table is a string-keyed view over one of the middleware's key/value tables.
type Table struct {
	db          *gorm.DB
	name        string
	valueColumn string
	// value column is TEXT rather than BLOB
	text bool
}

// OAuth engine state blobs, keyed by the engine's state identifier.
func StateTable(db *gorm.DB) *Table {
	return &Table{db: db, name: "oauth_state", valueColumn: "state"}
}

// OAuth engine session blobs, keyed by account subject.
func SessionTable(db *gorm.DB) *Table {
	return &Table{db: db, name: "oauth_session", valueColumn: "session"}
}

// Application secrets, such as the provisioned cookie secret.
func SecretTable(db *gorm.DB) *Table {
	return &Table{db: db, name: "app_secrets", valueColumn: "value", text: true}
}

func (t *Table) Name() string {
	return t.name
}

func (t *Table) keyEquals(key string) clause.Eq {
	return clause.Eq{Column: clause.Column{Name: keyColumn}, Value: key}
}

// Get returns the stored value, or ErrNotFound.
func (t *Table) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "Table.Get")
	defer span.End()
	span.SetAttributes(attribute.String("table", t.name))

	var value []byte
	err := t.db.WithContext(ctx).
		Table(t.name).
		Select(t.valueColumn).
		Where(t.keyEquals(key)).
		Limit(1).
		Row().
		Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		kvOps.WithLabelValues(t.name, "get", "miss").Inc()
		return nil, ErrNotFound
	}
	if err != nil {
		kvOps.WithLabelValues(t.name, "get", "error").Inc()
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("reading %s: %w", t.name, err)
	}
	kvOps.WithLabelValues(t.name, "get", "hit").Inc()
	return value, nil
}

// Set inserts or replaces the value under key.
func (t *Table) Set(ctx context.Context, key string, value []byte) error {
	ctx, span := tracer.Start(ctx, "Table.Set")
	defer span.End()
	span.SetAttributes(attribute.String("table", t.name))

	row := map[string]any{keyColumn: key}
	if t.text {
		row[t.valueColumn] = string(value)
	} else {
		row[t.valueColumn] = value
	}

	err := t.db.WithContext(ctx).
		Table(t.name).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: keyColumn}},
			DoUpdates: clause.AssignmentColumns([]string{t.valueColumn}),
		}).
		Create(row).Error
	if err != nil {
		kvOps.WithLabelValues(t.name, "set", "error").Inc()
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("writing %s: %w", t.name, err)
	}
	kvOps.WithLabelValues(t.name, "set", "ok").Inc()
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (t *Table) Delete(ctx context.Context, key string) error {
	ctx, span := tracer.Start(ctx, "Table.Delete")
	defer span.End()
	span.SetAttributes(attribute.String("table", t.name))

	err := t.db.WithContext(ctx).
		Exec("DELETE FROM ? WHERE ? = ?", clause.Table{Name: t.name}, clause.Column{Name: keyColumn}, key).Error
	if err != nil {
		kvOps.WithLabelValues(t.name, "delete", "error").Inc()
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("deleting from %s: %w", t.name, err)
	}
	kvOps.WithLabelValues(t.name, "delete", "ok").Inc()
	return nil
}

// Take removes key and returns the value it held, or ErrNotFound. Of several concurrent callers taking the same key, exactly one gets the value.
func (t *Table) Take(ctx context.Context, key string) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "Table.Take")
	defer span.End()
	span.SetAttributes(attribute.String("table", t.name))

	var value []byte
	err := t.db.WithContext(ctx).
		Raw("DELETE FROM ? WHERE ? = ? RETURNING ?", clause.Table{Name: t.name}, clause.Column{Name: keyColumn}, key, clause.Column{Name: t.valueColumn}).
		Row().
		Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		kvOps.WithLabelValues(t.name, "take", "miss").Inc()
		return nil, ErrNotFound
	}
	if err != nil {
		kvOps.WithLabelValues(t.name, "take", "error").Inc()
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("taking from %s: %w", t.name, err)
	}
	kvOps.WithLabelValues(t.name, "take", "hit").Inc()
	return value, nil
}
