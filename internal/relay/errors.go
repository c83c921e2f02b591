package relay

import "errors"

var (
	// ErrTenantMismatch means a connection's tenant does not match the
	// session's recorded tenant. Always denied and audited.
	ErrTenantMismatch = errors.New("tenant mismatch")
	// ErrSessionNotFound means no session record exists for the claimed id.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionClosed means the exam attempt has already been submitted.
	ErrSessionClosed = errors.New("session closed")
	// ErrNotSessionOwner means the publishing principal does not own the session.
	ErrNotSessionOwner = errors.New("not session owner")
	// ErrRoleDenied means the principal's role may not observe sessions.
	ErrRoleDenied = errors.New("role denied")
	// ErrConnectionClosed means the connection has been closed.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrSendBufferFull means a control message could not be queued.
	ErrSendBufferFull = errors.New("send buffer full")
)
