package scrape

import (
	"encoding/base64"
	"strconv"
	"strings"
	"time"
)

// Cursor is the keyset position of the last row on a result page.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// Encode renders the cursor as an opaque token.
func (c Cursor) Encode() string {
	raw := strconv.FormatInt(c.CreatedAt.UnixNano(), 10) + "|" + c.ID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor parses a token produced by Encode.
func DecodeCursor(token string) (Cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, &ValidationError{Field: "cursor", Reason: "malformed cursor"}
	}
	nanos, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return Cursor{}, &ValidationError{Field: "cursor", Reason: "malformed cursor"}
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return Cursor{}, &ValidationError{Field: "cursor", Reason: "malformed cursor"}
	}
	return Cursor{CreatedAt: time.Unix(0, n).UTC(), ID: id}, nil
}

// Follows reports whether a row at (createdAt, id) comes after the cursor in
// a newest-first listing.
func (c Cursor) Follows(createdAt time.Time, id string) bool {
	if createdAt.Equal(c.CreatedAt) {
		return id < c.ID
	}
	return createdAt.Before(c.CreatedAt)
}

// ClampLimit applies the default and maximum page sizes.
func ClampLimit(limit, def, maximum int) int {
	if limit <= 0 {
		limit = def
	}
	if maximum > 0 && limit > maximum {
		limit = maximum
	}
	return limit
}
