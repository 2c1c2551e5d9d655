package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Generation is one completed LLM request's usage record, addressable by
// the generation id handed back to the caller.
type Generation struct {
	ID               string    `db:"id" json:"id"`
	ClientID         string    `db:"client_id" json:"client_id"`
	Provider         string    `db:"provider" json:"provider"`
	Model            string    `db:"model" json:"model"`
	PromptTokens     int64     `db:"prompt_tokens" json:"prompt_tokens"`
	CompletionTokens int64     `db:"completion_tokens" json:"completion_tokens"`
	Cost             float64   `db:"cost" json:"cost"`
	LatencyMS        int64     `db:"latency_ms" json:"latency_ms"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
}

// ErrGenerationNotFound is returned when no record exists for an id.
var ErrGenerationNotFound = errors.New("generation not found")

type GenerationDAO interface {
	InsertGeneration(ctx context.Context, g Generation) error
	GetGeneration(ctx context.Context, clientID, id string) (Generation, error)
	DeleteGenerationsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

func (d *dao) InsertGeneration(ctx context.Context, g Generation) (err error) {
	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer txClose(tx, &err)

	_, err = tx.NamedExecContext(ctx, `
		INSERT INTO generations (id, client_id, provider, model, prompt_tokens, completion_tokens, cost, latency_ms, created_at)
		VALUES (:id, :client_id, :provider, :model, :prompt_tokens, :completion_tokens, :cost, :latency_ms, :created_at)`, g)
	if err != nil {
		return fmt.Errorf("inserting generation %s: %w", g.ID, err)
	}

	return tx.Commit()
}

// GetGeneration is scoped by client id: a client can only look up its own
// generations.
func (d *dao) GetGeneration(ctx context.Context, clientID, id string) (Generation, error) {
	var g Generation
	err := d.db.GetContext(ctx, &g, `
		SELECT id, client_id, provider, model, prompt_tokens, completion_tokens, cost, latency_ms, created_at
		FROM generations WHERE id = ? AND client_id = ?`, id, clientID)
	if errors.Is(err, sql.ErrNoRows) {
		return Generation{}, ErrGenerationNotFound
	}
	if err != nil {
		return Generation{}, fmt.Errorf("querying generation %s: %w", id, err)
	}
	return g, nil
}

func (d *dao) DeleteGenerationsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := d.db.ExecContext(ctx, `DELETE FROM generations WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting expired generations: %w", err)
	}
	return result.RowsAffected()
}
