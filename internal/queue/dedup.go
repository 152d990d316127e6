package queue

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"checkq/internal/store"
)

// DefaultDedupTTL keeps processed-credential markers for 30 days.
const DefaultDedupTTL = 30 * 24 * time.Hour

// Identity derives the dedup identity for a credential. Hashing keeps raw
// passwords out of the keyspace.
func Identity(c Credential) string {
	sum := sha256.Sum256([]byte(strings.ToLower(c.Username) + ":" + c.Password))
	return hex.EncodeToString(sum[:])
}

// alreadyProcessed reports whether any dedup marker exists for the
// credential under an outcome that suppresses rechecking.
func (s *Service) alreadyProcessed(ctx context.Context, c Credential) (bool, error) {
	identity := Identity(c)
	for _, status := range DedupStatuses {
		exists, err := s.st.Exists(ctx, store.DedupKey(string(status), identity))
		if err != nil {
			return false, err
		}
		if exists {
			return true, nil
		}
	}
	return false, nil
}

// WriteDedupMarker records that a credential was processed with the given
// outcome. Called by workers on result commit.
func (s *Service) WriteDedupMarker(ctx context.Context, c Credential, status Status) error {
	key := store.DedupKey(string(status), Identity(c))
	return s.st.Set(ctx, key, time.Now().UTC().Format(time.RFC3339), s.dedupTTL)
}
