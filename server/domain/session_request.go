package domain

// SessionRequest is the client-supplied part of a new session's config.
// Zero values select the server defaults.
type SessionRequest struct {
	Resolution     string
	BufferCapacity int
	Recording      bool
}

func NewSessionRequest(resolution string, bufferCapacity int, recording bool) SessionRequest {
	return SessionRequest{
		Resolution:     resolution,
		BufferCapacity: bufferCapacity,
		Recording:      recording,
	}
}

func (r SessionRequest) Config(defaultCapacity int) SessionConfig {
	capacity := r.BufferCapacity
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	if capacity <= 0 {
		capacity = DefaultBufferCapacity
	}
	return SessionConfig{
		Resolution:     LookupResolution(r.Resolution),
		BufferCapacity: capacity,
		Recording:      r.Recording,
	}
}
