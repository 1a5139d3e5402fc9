package executor

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"time"

	"trend-bot/pkg/types"
)

// maxClientIDLen is the broker's client order ID limit.
const maxClientIDLen = 48

// ClientOrderID builds the deterministic client order ID for one logical
// attempt: the same symbol, intent and minute bucket always hash to the
// same ID, so a retry after a network error re-submits the same order
// instead of doubling the position. The prefix keeps IDs greppable in
// broker dashboards; the digest makes them unique across sessions.
func ClientOrderID(symbol string, intent types.OrderIntent, at time.Time) string {
	bucket := at.UTC().Truncate(time.Minute).Unix()
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d", symbol, intent, bucket)))
	digest := base64.RawURLEncoding.EncodeToString(sum[:12])

	id := fmt.Sprintf("tb-%s-%s-%s", symbol, intent, digest)
	if len(id) > maxClientIDLen {
		id = id[:maxClientIDLen]
	}
	return id
}
