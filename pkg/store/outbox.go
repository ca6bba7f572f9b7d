package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// EnqueueEmail writes a pending email row for the delivery worker to
// pick up. Delivery itself happens out of process.
func (s *Store) EnqueueEmail(ctx context.Context, recipient, template string, payload map[string]string) (uuid.UUID, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return uuid.Nil, fmt.Errorf("marshaling email payload: %w", err)
	}

	id := uuid.New()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO email_outbox (id, recipient, template, payload)
		VALUES ($1, $2, $3, $4)`,
		id, recipient, template, body)
	if err != nil {
		return uuid.Nil, fmt.Errorf("enqueueing email: %w", err)
	}
	return id, nil
}
