// Package pagination provides cursor-based pagination utilities.
package pagination

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

// Cursor represents a position in a sequence-ordered result set. Listings
// walk the transaction log newest-first, so the cursor holds the sequence
// number of the last item returned and the next page fetches entries below it.
type Cursor struct {
	Sequence int64
}

// Encode returns an opaque cursor string from a sequence number.
func Encode(sequence int64) string {
	raw := fmt.Sprintf("seq|%d", sequence)
	return base64.URLEncoding.EncodeToString([]byte(raw))
}

// Decode parses an opaque cursor string. Returns nil for empty input.
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor")
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 || parts[0] != "seq" {
		return nil, fmt.Errorf("invalid cursor")
	}
	seq, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || seq < 0 {
		return nil, fmt.Errorf("invalid cursor")
	}
	return &Cursor{Sequence: seq}, nil
}

// ComputePage takes a slice of items (fetched with limit+1), the requested
// limit, and a function to extract the sequence number from the last item.
// Returns the trimmed items, next cursor, and has_more flag.
func ComputePage[T any](items []T, limit int, sequenceOf func(T) int64) ([]T, string, bool) {
	if len(items) <= limit {
		return items, "", false
	}
	items = items[:limit]
	return items, Encode(sequenceOf(items[len(items)-1])), true
}
