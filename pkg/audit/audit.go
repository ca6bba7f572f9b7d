package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/woodkill00/gatekeep/pkg/observability"
)

// Event actions recorded by the auth flows.
const (
	ActionSignup             = "auth.signup"
	ActionLogin              = "auth.login"
	ActionLoginFailed        = "auth.login_failed"
	ActionLockedAttempt      = "auth.locked_attempt"
	ActionLockout            = "auth.lockout"
	ActionLogout             = "auth.logout"
	ActionRefresh            = "auth.refresh"
	ActionRefreshReuse       = "auth.refresh_reuse"
	ActionSessionRevoked     = "auth.session_revoked"
	ActionEmailVerifyRequest = "auth.email.verify.requested"
	ActionEmailVerified      = "auth.email.verify.completed"
	ActionEmailChanged       = "auth.email.changed"
	ActionResetRequested     = "auth.password.reset.requested"
	ActionResetCompleted     = "auth.password.reset.completed"
	ActionPasswordChanged    = "auth.password.changed"
	ActionOAuthSuccess       = "auth.oauth.success"
	ActionOAuthFailure       = "auth.oauth.failure"
)

// Event is one append-only audit record.
type Event struct {
	ID        uuid.UUID
	UserID    *uuid.UUID
	Action    string
	IPAddress string
	UserAgent string
	Metadata  map[string]interface{}
	CreatedAt time.Time
}

// Recorder persists audit events to the audit_log table.
type Recorder struct {
	db *sql.DB
}

// NewRecorder creates a recorder over an existing pool. The table is
// created by the store schema pass.
func NewRecorder(db *sql.DB) *Recorder {
	return &Recorder{db: db}
}

// Record appends one event. Metadata is stored as JSONB; a nil map
// becomes an empty object.
func (r *Recorder) Record(ctx context.Context, event Event) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.Metadata == nil {
		event.Metadata = map[string]interface{}{}
	}

	metadata, err := json.Marshal(event.Metadata)
	if err != nil {
		return fmt.Errorf("marshaling audit metadata: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, user_id, action, ip_address, user_agent, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		event.ID, event.UserID, event.Action, event.IPAddress, event.UserAgent, metadata)
	if err != nil {
		return fmt.Errorf("recording audit event: %w", err)
	}
	return nil
}

// BestEffort runs fn and logs its error instead of returning it. Audit
// writes and counters must never fail the request they describe.
func BestEffort(ctx context.Context, name string, fn func() error) {
	if err := fn(); err != nil {
		observability.FromContext(ctx).
			WithError(err).
			WithField("operation", name).
			Warn("best-effort operation failed")
	}
}
