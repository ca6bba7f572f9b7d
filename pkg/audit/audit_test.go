package audit

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecord(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	r := NewRecorder(db)

	userID := uuid.New()
	mock.ExpectExec(`INSERT INTO audit_log`).
		WithArgs(sqlmock.AnyArg(), &userID, ActionLogin, "1.2.3.4", "test-agent", []byte(`{"method":"password"}`)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = r.Record(context.Background(), Event{
		UserID:    &userID,
		Action:    ActionLogin,
		IPAddress: "1.2.3.4",
		UserAgent: "test-agent",
		Metadata:  map[string]interface{}{"method": "password"},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecord_NilUserAndMetadata(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	r := NewRecorder(db)

	mock.ExpectExec(`INSERT INTO audit_log`).
		WithArgs(sqlmock.AnyArg(), nil, ActionLoginFailed, "", "", []byte(`{}`)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = r.Record(context.Background(), Event{Action: ActionLoginFailed})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBestEffort_SwallowsError(t *testing.T) {
	called := false
	BestEffort(context.Background(), "audit.test", func() error {
		called = true
		return errors.New("db down")
	})
	assert.True(t, called)
}
