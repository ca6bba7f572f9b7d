// Package store implements Postgres persistence for users, the
// refresh-token ledger, one-time tokens, federated identity links, the
// email outbox, and the audit log schema.
package store
