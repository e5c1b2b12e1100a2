// Package session owns the node to controller link helpers.
//
// Ownership boundary:
// - registration control messages (JSON lines)
// - notice/notice.ack frames
// - retry/backoff/outbox primitives
package session
