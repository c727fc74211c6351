package idhash

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// ComputeEventID computes a deterministic event id using SHA256.
// Formula: SHA256(event_type|source_id)
// Returns hex-encoded hash (64 characters).
//
// source_id is the trade id for trade and price events and the token
// address for creation events, so a re-published event keeps its id and
// downstream consumers can deduplicate.
func ComputeEventID(eventType, sourceID string) string {
	data := fmt.Sprintf("%s|%s", eventType, sourceID)
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}
