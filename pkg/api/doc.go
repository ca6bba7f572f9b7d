// Package api exposes the authentication service over HTTP: JSON
// handlers, cookie management, rate-limit and auth middleware.
package api
