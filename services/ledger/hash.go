package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// GenerateHash computes the entry hash over a canonical key-sorted field
// encoding. CreatedAt participates, so it must be set before hashing.
func GenerateHash(e *Entry) string {
	fields := map[string]string{
		"account_id":      e.AccountID,
		"kind":            string(e.Kind),
		"amount":          fmt.Sprintf("%d", e.Amount),
		"balance_after":   fmt.Sprintf("%d", e.BalanceAfter),
		"idempotency_key": e.IdempotencyKey,
		"reference":       e.Reference,
		"previous_hash":   e.PreviousHash,
		"created_at":      fmt.Sprintf("%d", e.CreatedAt.UnixNano()),
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteString("=")
		sb.WriteString(fields[k])
		sb.WriteString("|")
	}

	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:])
}
