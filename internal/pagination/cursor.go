// Package pagination implements keyset cursors for newest-first listings.
package pagination

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidCursor is returned for cursors this package did not produce.
var ErrInvalidCursor = errors.New("invalid cursor")

const version = "c1"

// Cursor is the (created_at, id) key of the last item on a page. The next
// page holds items older than CreatedAt, with ID breaking ties ascending.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// Encode returns an opaque, URL-safe cursor.
func Encode(createdAt time.Time, id string) string {
	raw := version + "|" + strconv.FormatInt(createdAt.UnixNano(), 10) + "|" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Decode parses a cursor. An empty string means the first page and yields nil.
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	parts := strings.SplitN(string(raw), "|", 3)
	if len(parts) != 3 || parts[0] != version || parts[2] == "" {
		return nil, ErrInvalidCursor
	}
	nanos, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	return &Cursor{CreatedAt: time.Unix(0, nanos).UTC(), ID: parts[2]}, nil
}

// ComputePage trims items fetched with limit+1 down to limit and returns the
// cursor for the following page, or "" when there is none.
func ComputePage[T any](items []T, limit int, key func(T) (time.Time, string)) (page []T, next string, more bool) {
	if limit <= 0 || len(items) <= limit {
		return items, "", false
	}
	page = items[:limit]
	createdAt, id := key(page[limit-1])
	return page, Encode(createdAt, id), true
}
