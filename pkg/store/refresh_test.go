package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func refreshRows(t *RefreshToken) *sqlmock.Rows {
	var replacedBy interface{}
	if t.ReplacedByTokenID != nil {
		replacedBy = t.ReplacedByTokenID.String()
	}
	return sqlmock.NewRows([]string{
		"id", "user_id", "token_hash", "issued_at", "expires_at",
		"last_used_at", "revoked_at", "replaced_by_token_id", "user_agent", "ip_address",
	}).AddRow(t.ID.String(), t.UserID.String(), t.TokenHash, t.IssuedAt, t.ExpiresAt,
		nullableTime(t.LastUsedAt), nullableTime(t.RevokedAt), replacedBy, t.UserAgent, t.IPAddress)
}

func TestRotateRefreshToken_CreatesBeforeRevoking(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := New(db)

	old := &RefreshToken{
		ID:     uuid.New(),
		UserID: uuid.New(),
	}
	next := &RefreshToken{
		ID:        uuid.New(),
		UserID:    old.UserID,
		TokenHash: "newhash",
		IssuedAt:  time.Now(),
		ExpiresAt: time.Now().Add(720 * time.Hour),
	}

	// Insert of the successor must come first; the revoke then points
	// the old row at it.
	mock.ExpectQuery(`INSERT INTO refresh_tokens`).
		WithArgs(sqlmock.AnyArg(), old.UserID, "newhash", sqlmock.AnyArg(), "ua", "1.2.3.4").
		WillReturnRows(refreshRows(next))
	mock.ExpectExec(`UPDATE refresh_tokens`).
		WithArgs(old.ID, next.ID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	got, err := s.RotateRefreshToken(context.Background(), old, "newhash", next.ExpiresAt, "ua", "1.2.3.4")
	require.NoError(t, err)
	assert.Equal(t, next.ID, got.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRefreshTokenByHash_ReturnsRevokedRows(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := New(db)

	revokedAt := time.Now().Add(-time.Hour)
	tok := &RefreshToken{
		ID:        uuid.New(),
		UserID:    uuid.New(),
		TokenHash: "abc",
		IssuedAt:  time.Now().Add(-2 * time.Hour),
		ExpiresAt: time.Now().Add(time.Hour),
		RevokedAt: &revokedAt,
	}

	mock.ExpectQuery(`SELECT .+ FROM refresh_tokens WHERE token_hash`).
		WithArgs("abc").
		WillReturnRows(refreshRows(tok))

	got, err := s.RefreshTokenByHash(context.Background(), "abc")
	require.NoError(t, err)
	assert.NotNil(t, got.RevokedAt)
	assert.False(t, got.Usable(time.Now()))
}

func TestRevokeAllRefreshTokens(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := New(db)

	userID := uuid.New()
	mock.ExpectExec(`UPDATE refresh_tokens SET revoked_at`).
		WithArgs(userID).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := s.RevokeAllRefreshTokens(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestTouchRefreshToken_RecordsClient(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := New(db)

	id := uuid.New()
	mock.ExpectExec(`UPDATE refresh_tokens`).
		WithArgs(id, "5.6.7.8", "curl/8.5").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.TouchRefreshToken(context.Background(), id, "5.6.7.8", "curl/8.5"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRefreshTokenUsable(t *testing.T) {
	now := time.Now()
	revoked := now.Add(-time.Minute)

	cases := []struct {
		name  string
		token RefreshToken
		want  bool
	}{
		{"active", RefreshToken{ExpiresAt: now.Add(time.Hour)}, true},
		{"expired", RefreshToken{ExpiresAt: now.Add(-time.Hour)}, false},
		{"revoked", RefreshToken{ExpiresAt: now.Add(time.Hour), RevokedAt: &revoked}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.token.Usable(now))
		})
	}
}

func TestActiveSessions(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := New(db)

	userID := uuid.New()
	rows := sqlmock.NewRows([]string{
		"id", "user_id", "token_hash", "issued_at", "expires_at",
		"last_used_at", "revoked_at", "replaced_by_token_id", "user_agent", "ip_address",
	}).
		AddRow(uuid.New().String(), userID.String(), "h1", time.Now(), time.Now().Add(time.Hour), nil, nil, nil, "ua1", "ip1").
		AddRow(uuid.New().String(), userID.String(), "h2", time.Now(), time.Now().Add(time.Hour), nil, nil, nil, "ua2", "ip2")

	mock.ExpectQuery(`SELECT .+ FROM refresh_tokens`).
		WithArgs(userID).
		WillReturnRows(rows)

	sessions, err := s.ActiveSessions(context.Background(), userID)
	require.NoError(t, err)
	assert.Len(t, sessions, 2)
}
