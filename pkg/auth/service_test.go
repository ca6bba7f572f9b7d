package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testClient = Client{IP: "198.51.100.7", UserAgent: "test-agent"}

func register(t *testing.T, svc *Service, email, pass string) {
	t.Helper()
	_, _, err := svc.Register(context.Background(), RegisterInput{
		Email:    email,
		Password: pass,
	}, testClient)
	require.NoError(t, err)
}

func TestRegister(t *testing.T) {
	svc, st, auditor := newTestService()
	ctx := context.Background()

	pair, user, err := svc.Register(ctx, RegisterInput{
		Email:    " Alice@Example.COM ",
		Password: "Sup3rSecret",
	}, testClient)
	require.NoError(t, err)

	assert.Equal(t, "alice@example.com", user.Email, "email should be normalized")
	assert.False(t, user.EmailVerified)
	assert.NotEqual(t, "Sup3rSecret", user.PasswordHash)
	assert.NotEmpty(t, pair.AccessToken, "signup should sign the new user in")
	assert.NotEmpty(t, pair.RefreshToken)
	assert.Contains(t, auditor.Actions(), "auth.signup")

	require.Len(t, st.Outbox, 1, "signup should enqueue a verification email")
	assert.Equal(t, "alice@example.com", st.Outbox[0].Recipient)
	assert.Equal(t, TemplateVerifyEmail, st.Outbox[0].Template)
	assert.Contains(t, st.Outbox[0].Payload["verify_url"], "/auth/verify-email?token=")
}

func TestRegister_DuplicateEmail(t *testing.T) {
	svc, _, _ := newTestService()
	register(t, svc, "alice@example.com", "Sup3rSecret")

	_, _, err := svc.Register(context.Background(), RegisterInput{
		Email:    "ALICE@example.com",
		Password: "An0therPass",
	}, testClient)
	assert.ErrorIs(t, err, ErrEmailTaken)
}

func TestRegister_RejectsInvalidInput(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	var vErr *ValidationError

	_, _, err := svc.Register(ctx, RegisterInput{Email: "not-an-email", Password: "Sup3rSecret"}, testClient)
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "email", vErr.Field)

	_, _, err = svc.Register(ctx, RegisterInput{Email: "a@b.co", Password: "weak"}, testClient)
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "password", vErr.Field)
}

func TestLogin(t *testing.T) {
	svc, _, auditor := newTestService()
	register(t, svc, "alice@example.com", "Sup3rSecret")

	pair, user, err := svc.Login(context.Background(), "alice@example.com", "Sup3rSecret", testClient)
	require.NoError(t, err)

	assert.NotEmpty(t, pair.AccessToken)
	assert.NotEmpty(t, pair.RefreshToken)
	assert.Equal(t, "alice@example.com", user.Email)
	assert.Contains(t, auditor.Actions(), "auth.login")

	subject, claims, err := svc.VerifyAccess(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, user.ID, subject)
	assert.Equal(t, user.Email, claims.Email)
}

func TestLogin_WrongPasswordAndUnknownEmailLookAlike(t *testing.T) {
	svc, _, _ := newTestService()
	register(t, svc, "alice@example.com", "Sup3rSecret")
	ctx := context.Background()

	_, _, errWrong := svc.Login(ctx, "alice@example.com", "badguess1X", testClient)
	_, _, errUnknown := svc.Login(ctx, "nobody@example.com", "badguess1X", testClient)

	assert.ErrorIs(t, errWrong, ErrInvalidCredentials)
	assert.ErrorIs(t, errUnknown, ErrInvalidCredentials)
	assert.Equal(t, errWrong.Error(), errUnknown.Error())
}

func TestLogin_LockoutAfterRepeatedFailures(t *testing.T) {
	svc, st, auditor := newTestService()
	register(t, svc, "alice@example.com", "Sup3rSecret")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _, err := svc.Login(ctx, "alice@example.com", "badguess1X", testClient)
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	}

	assert.Contains(t, auditor.Actions(), "auth.lockout")

	// The correct password is now refused too.
	_, _, err := svc.Login(ctx, "alice@example.com", "Sup3rSecret", testClient)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	assert.Contains(t, auditor.Actions(), "auth.locked_attempt")

	// Once the lock expires, a good login succeeds and clears state.
	user, err := st.UserByEmail(ctx, "alice@example.com")
	require.NoError(t, err)
	st.Mu.Lock()
	past := time.Now().Add(-time.Second)
	st.Users[user.ID].LockedUntil = &past
	st.Mu.Unlock()

	_, _, err = svc.Login(ctx, "alice@example.com", "Sup3rSecret", testClient)
	require.NoError(t, err)

	user, err = st.UserByEmail(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.Zero(t, user.FailedLoginAttempts)
	assert.Nil(t, user.LockedUntil)
}

func TestRefresh_RotatesToken(t *testing.T) {
	svc, _, _ := newTestService()
	register(t, svc, "alice@example.com", "Sup3rSecret")
	ctx := context.Background()

	pair, _, err := svc.Login(ctx, "alice@example.com", "Sup3rSecret", testClient)
	require.NoError(t, err)

	next, _, err := svc.Refresh(ctx, pair.RefreshToken, testClient)
	require.NoError(t, err)
	assert.NotEqual(t, pair.RefreshToken, next.RefreshToken)
	assert.NotEmpty(t, next.AccessToken)
}

func TestRefresh_StampsPresentedToken(t *testing.T) {
	svc, st, _ := newTestService()
	register(t, svc, "alice@example.com", "Sup3rSecret")
	ctx := context.Background()

	pair, _, err := svc.Login(ctx, "alice@example.com", "Sup3rSecret", testClient)
	require.NoError(t, err)

	mobile := Client{IP: "203.0.113.50", UserAgent: "mobile-app/2.1"}
	_, _, err = svc.Refresh(ctx, pair.RefreshToken, mobile)
	require.NoError(t, err)

	st.Mu.Lock()
	used := st.RefreshTokens[pair.SessionID]
	st.Mu.Unlock()
	require.NotNil(t, used)
	require.NotNil(t, used.LastUsedAt)
	assert.Equal(t, "203.0.113.50", used.IPAddress)
	assert.Equal(t, "mobile-app/2.1", used.UserAgent)
}

func TestRefresh_ReuseRevokesAllSessions(t *testing.T) {
	svc, _, auditor := newTestService()
	register(t, svc, "alice@example.com", "Sup3rSecret")
	ctx := context.Background()

	pair, user, err := svc.Login(ctx, "alice@example.com", "Sup3rSecret", testClient)
	require.NoError(t, err)

	// A second device signs in, then the first rotates normally.
	_, _, err = svc.Login(ctx, "alice@example.com", "Sup3rSecret", testClient)
	require.NoError(t, err)
	next, _, err := svc.Refresh(ctx, pair.RefreshToken, testClient)
	require.NoError(t, err)

	// Replaying the pre-rotation token burns every session.
	_, _, err = svc.Refresh(ctx, pair.RefreshToken, testClient)
	assert.ErrorIs(t, err, ErrInvalidToken)
	assert.Contains(t, auditor.Actions(), "auth.refresh_reuse")

	_, _, err = svc.Refresh(ctx, next.RefreshToken, testClient)
	assert.ErrorIs(t, err, ErrInvalidToken, "successor token should be dead after reuse")

	sessions, err := svc.Sessions(ctx, user.ID)
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestRefresh_GarbageToken(t *testing.T) {
	svc, _, _ := newTestService()

	_, _, err := svc.Refresh(context.Background(), "not-a-real-token", testClient)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, _, err = svc.Refresh(context.Background(), "", testClient)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestLogout_Idempotent(t *testing.T) {
	svc, _, _ := newTestService()
	register(t, svc, "alice@example.com", "Sup3rSecret")
	ctx := context.Background()

	pair, _, err := svc.Login(ctx, "alice@example.com", "Sup3rSecret", testClient)
	require.NoError(t, err)

	require.NoError(t, svc.Logout(ctx, pair.RefreshToken, testClient))
	require.NoError(t, svc.Logout(ctx, pair.RefreshToken, testClient))
	require.NoError(t, svc.Logout(ctx, "unknown-token", testClient))

	// After logout, presenting the revoked token is reuse, not a
	// quiet failure.
	_, _, err = svc.Refresh(ctx, pair.RefreshToken, testClient)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestRevokeSession(t *testing.T) {
	svc, _, _ := newTestService()
	register(t, svc, "alice@example.com", "Sup3rSecret")
	register(t, svc, "bob@example.com", "Sup3rSecret")
	ctx := context.Background()

	pair, alice, err := svc.Login(ctx, "alice@example.com", "Sup3rSecret", testClient)
	require.NoError(t, err)
	_, bob, err := svc.Login(ctx, "bob@example.com", "Sup3rSecret", testClient)
	require.NoError(t, err)

	// Bob cannot revoke Alice's session.
	err = svc.RevokeSession(ctx, bob.ID, pair.SessionID, testClient)
	assert.ErrorIs(t, err, ErrInvalidToken)

	require.NoError(t, svc.RevokeSession(ctx, alice.ID, pair.SessionID, testClient))

	sessions, err := svc.Sessions(ctx, alice.ID)
	require.NoError(t, err)
	for _, sess := range sessions {
		assert.NotEqual(t, pair.SessionID, sess.ID)
	}
}

func TestUpdateProfile_PartialFields(t *testing.T) {
	svc, _, _ := newTestService()
	register(t, svc, "alice@example.com", "Sup3rSecret")
	ctx := context.Background()

	_, alice, err := svc.Login(ctx, "alice@example.com", "Sup3rSecret", testClient)
	require.NoError(t, err)

	name := "Alice"
	bio := "keeper of gates"
	user, err := svc.UpdateProfile(ctx, alice.ID, &name, nil, &bio)
	require.NoError(t, err)
	assert.Equal(t, "Alice", user.DisplayName)
	assert.Equal(t, "keeper of gates", user.Bio)
	assert.Empty(t, user.AvatarURL)

	// Omitted fields stay put.
	avatar := "https://cdn.example.com/a.png"
	user, err = svc.UpdateProfile(ctx, alice.ID, nil, &avatar, nil)
	require.NoError(t, err)
	assert.Equal(t, "Alice", user.DisplayName)
	assert.Equal(t, avatar, user.AvatarURL)
}

func TestChangeEmail(t *testing.T) {
	svc, st, auditor := newTestService()
	register(t, svc, "alice@example.com", "Sup3rSecret")
	register(t, svc, "bob@example.com", "Sup3rSecret")
	ctx := context.Background()

	_, alice, err := svc.Login(ctx, "alice@example.com", "Sup3rSecret", testClient)
	require.NoError(t, err)
	require.NoError(t, st.MarkEmailVerified(ctx, alice.ID))

	before := len(st.Outbox)
	user, err := svc.ChangeEmail(ctx, alice.ID, " Alice2@Example.COM ", testClient)
	require.NoError(t, err)
	assert.Equal(t, "alice2@example.com", user.Email)
	assert.False(t, user.EmailVerified, "a new address starts unverified")
	assert.Contains(t, auditor.Actions(), "auth.email.changed")
	require.Len(t, st.Outbox, before+1, "a fresh verification email should go out")
	assert.Equal(t, "alice2@example.com", st.Outbox[before].Recipient)

	// Collisions and garbage are rejected.
	_, err = svc.ChangeEmail(ctx, alice.ID, "bob@example.com", testClient)
	assert.ErrorIs(t, err, ErrEmailTaken)
	var vErr *ValidationError
	_, err = svc.ChangeEmail(ctx, alice.ID, "not-an-email", testClient)
	assert.ErrorAs(t, err, &vErr)

	// Changing to the current address is a no-op.
	before = len(st.Outbox)
	_, err = svc.ChangeEmail(ctx, alice.ID, "alice2@example.com", testClient)
	require.NoError(t, err)
	assert.Len(t, st.Outbox, before)
}

func TestRevokeOtherSessions(t *testing.T) {
	svc, _, _ := newTestService()
	register(t, svc, "alice@example.com", "Sup3rSecret")
	ctx := context.Background()

	keep, alice, err := svc.Login(ctx, "alice@example.com", "Sup3rSecret", testClient)
	require.NoError(t, err)
	_, _, err = svc.Login(ctx, "alice@example.com", "Sup3rSecret", testClient)
	require.NoError(t, err)
	_, _, err = svc.Login(ctx, "alice@example.com", "Sup3rSecret", testClient)
	require.NoError(t, err)

	// Three extra sessions: the signup session plus two more logins.
	revoked, err := svc.RevokeOtherSessions(ctx, alice.ID, keep.RefreshToken, testClient)
	require.NoError(t, err)
	assert.EqualValues(t, 3, revoked)

	sessions, err := svc.Sessions(ctx, alice.ID)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, keep.SessionID, sessions[0].ID)

	// The surviving token still rotates.
	_, _, err = svc.Refresh(ctx, keep.RefreshToken, testClient)
	require.NoError(t, err)

	// Without a refresh token in hand, everything goes.
	_, err = svc.RevokeOtherSessions(ctx, alice.ID, "", testClient)
	require.NoError(t, err)
	sessions, err = svc.Sessions(ctx, alice.ID)
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestVerifyEmail(t *testing.T) {
	svc, st, _ := newTestService()
	register(t, svc, "alice@example.com", "Sup3rSecret")
	ctx := context.Background()

	raw := tokenFromOutboxURL(t, st.Outbox[0].Payload["verify_url"])
	require.NoError(t, svc.VerifyEmail(ctx, raw, testClient))

	user, err := st.UserByEmail(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.True(t, user.EmailVerified)

	// Single use.
	assert.ErrorIs(t, svc.VerifyEmail(ctx, raw, testClient), ErrInvalidToken)
	assert.ErrorIs(t, svc.VerifyEmail(ctx, "bogus", testClient), ErrInvalidToken)
}

func TestForgotPassword_SilentForUnknownEmail(t *testing.T) {
	svc, st, _ := newTestService()
	register(t, svc, "alice@example.com", "Sup3rSecret")
	before := len(st.Outbox)

	err := svc.ForgotPassword(context.Background(), "nobody@example.com", testClient)
	require.NoError(t, err)
	assert.Len(t, st.Outbox, before, "no email should be sent for unknown accounts")
}

func TestResetPassword(t *testing.T) {
	svc, st, auditor := newTestService()
	register(t, svc, "alice@example.com", "Sup3rSecret")
	ctx := context.Background()

	pair, _, err := svc.Login(ctx, "alice@example.com", "Sup3rSecret", testClient)
	require.NoError(t, err)

	require.NoError(t, svc.ForgotPassword(ctx, "alice@example.com", testClient))
	raw := tokenFromOutboxURL(t, st.Outbox[len(st.Outbox)-1].Payload["reset_url"])

	require.NoError(t, svc.ResetPassword(ctx, raw, "N3wPassword", testClient))
	assert.Contains(t, auditor.Actions(), "auth.password.reset.completed")

	// Old password dead, old session dead, new password works.
	_, _, err = svc.Login(ctx, "alice@example.com", "Sup3rSecret", testClient)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, _, err = svc.Refresh(ctx, pair.RefreshToken, testClient)
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, _, err = svc.Login(ctx, "alice@example.com", "N3wPassword", testClient)
	require.NoError(t, err)

	// The token is single use.
	assert.ErrorIs(t, svc.ResetPassword(ctx, raw, "Y3tAnother1", testClient), ErrInvalidToken)
}

func TestForgotPassword_InactiveAccountGetsNothing(t *testing.T) {
	svc, st, _ := newTestService()
	register(t, svc, "alice@example.com", "Sup3rSecret")
	ctx := context.Background()

	// A live link exists, then the account is deactivated.
	require.NoError(t, svc.ForgotPassword(ctx, "alice@example.com", testClient))
	raw := tokenFromOutboxURL(t, st.Outbox[len(st.Outbox)-1].Payload["reset_url"])

	user, err := st.UserByEmail(ctx, "alice@example.com")
	require.NoError(t, err)
	st.Mu.Lock()
	st.Users[user.ID].IsActive = false
	st.Mu.Unlock()

	// Issuance is a silent no-op: nil error, no token, no mail.
	before := len(st.Outbox)
	require.NoError(t, svc.ForgotPassword(ctx, "alice@example.com", testClient))
	assert.Len(t, st.Outbox, before)
	st.Mu.Lock()
	unconsumed := 0
	for _, tok := range st.OneTimeTokens {
		if tok.Purpose == "password_reset" && tok.ConsumedAt == nil && tok.TokenHash != "" && tok.UserID == user.ID {
			unconsumed++
		}
	}
	st.Mu.Unlock()
	assert.Equal(t, 1, unconsumed, "deactivation must not mint new reset tokens")

	// The earlier link is dead too.
	assert.ErrorIs(t, svc.ResetPassword(ctx, raw, "N3wPassword", testClient), ErrInvalidToken)
}

func TestResetPassword_NewLinkVoidsOldOne(t *testing.T) {
	svc, st, _ := newTestService()
	register(t, svc, "alice@example.com", "Sup3rSecret")
	ctx := context.Background()

	require.NoError(t, svc.ForgotPassword(ctx, "alice@example.com", testClient))
	first := tokenFromOutboxURL(t, st.Outbox[len(st.Outbox)-1].Payload["reset_url"])
	require.NoError(t, svc.ForgotPassword(ctx, "alice@example.com", testClient))
	second := tokenFromOutboxURL(t, st.Outbox[len(st.Outbox)-1].Payload["reset_url"])

	assert.ErrorIs(t, svc.ResetPassword(ctx, first, "N3wPassword", testClient), ErrInvalidToken)
	require.NoError(t, svc.ResetPassword(ctx, second, "N3wPassword", testClient))
}

func tokenFromOutboxURL(t *testing.T, url string) string {
	t.Helper()
	const marker = "token="
	idx := len(url)
	for i := 0; i+len(marker) <= len(url); i++ {
		if url[i:i+len(marker)] == marker {
			idx = i + len(marker)
			break
		}
	}
	require.Less(t, idx, len(url), "outbox url %q should carry a token", url)
	return url[idx:]
}
