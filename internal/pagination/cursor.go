// Package pagination implements keyset pagination over (created_at, key)
// ordered listings.
package pagination

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultLimit = 50
	MaxLimit     = 200
)

var ErrInvalidCursor = errors.New("pagination: invalid cursor")

// Cursor marks the last row of a page. The next page starts strictly after
// it in (CreatedAt DESC, Key DESC) order.
type Cursor struct {
	CreatedAt time.Time
	Key       string
}

// After reports whether a row sorts after c in descending order.
func (c *Cursor) After(createdAt time.Time, key string) bool {
	if c == nil {
		return true
	}
	if createdAt.Equal(c.CreatedAt) {
		return key < c.Key
	}
	return createdAt.Before(c.CreatedAt)
}

// Encode returns the opaque form of (createdAt, key).
func Encode(createdAt time.Time, key string) string {
	raw := strconv.FormatInt(createdAt.UnixNano(), 10) + "|" + key
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Decode parses a cursor produced by Encode. Empty input yields nil.
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	nanos, key, ok := strings.Cut(string(raw), "|")
	if !ok || key == "" {
		return nil, ErrInvalidCursor
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	return &Cursor{CreatedAt: time.Unix(0, n).UTC(), Key: key}, nil
}

// Limit parses a page size, applying DefaultLimit and clamping to MaxLimit.
func Limit(s string) (int, error) {
	if s == "" {
		return DefaultLimit, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, errors.New("pagination: limit must be a positive integer")
	}
	if n > MaxLimit {
		n = MaxLimit
	}
	return n, nil
}

// Page trims items fetched with limit+1 rows down to limit and reports the
// cursor for the next page, if there is one.
func Page[T any](items []T, limit int, key func(T) (time.Time, string)) ([]T, string, bool) {
	if len(items) <= limit {
		return items, "", false
	}
	items = items[:limit]
	createdAt, k := key(items[len(items)-1])
	return items, Encode(createdAt, k), true
}
