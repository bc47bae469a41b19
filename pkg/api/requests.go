package api

// DeleteStreamRequest is the optional body for DELETE /api/v1/streams/:key.
// The reason is recorded verbatim in the tombstone.
type DeleteStreamRequest struct {
	Reason string `json:"reason"`
}
