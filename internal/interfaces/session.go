package interfaces

// BufferHandle identifies request storage owned by the session layer
type BufferHandle uint64

// NoBuffer is the zero handle; requests carrying it have no session storage
const NoBuffer BufferHandle = 0

// BufferReleaser returns request storage to the session layer
type BufferReleaser interface {
	ReleaseBuffer(h BufferHandle)
}

// SessionTracker reports whether the session that owns a buffer still exists
type SessionTracker interface {
	SessionStillLive(h BufferHandle) bool
}

// Sessions is the full session-layer collaborator
type Sessions interface {
	BufferReleaser
	SessionTracker
}
