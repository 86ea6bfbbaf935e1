package util

import (
	"crypto/rand"
	"encoding/hex"
)

const idBytes = 12

// NewID returns a 24-character hex identifier. Callers that need shorter
// handles (anonymous user ids, default nicknames) truncate it; the full
// width is kept for request ids and token jtis.
func NewID() string {
	b := make([]byte, idBytes)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
