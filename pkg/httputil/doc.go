// Package httputil provides shared request parsing and response writing
// helpers used by the HTTP handlers.
package httputil
