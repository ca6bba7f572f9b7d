// Package auth implements the authentication flows: registration,
// password login with lockout, refresh token rotation with reuse
// detection, one-time tokens for email verification and password
// reset, federated login, and CSRF protection.
package auth
