package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// GenerateKey creates a deterministic key from ordered parts. Parts are
// length-prefixed so ("ab","c") and ("a","bc") never collide.
func GenerateKey(parts ...string) string {
	var b strings.Builder
	for _, p := range parts {
		p = strings.TrimSpace(p)
		b.WriteString(strconv.Itoa(len(p)))
		b.WriteByte(':')
		b.WriteString(p)
		b.WriteByte('|')
	}
	hash := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(hash[:])
}

// DayKey scopes a key to a calendar day in loc, for once-per-day operations
func DayKey(day time.Time, loc *time.Location, parts ...string) string {
	if loc == nil {
		loc = time.UTC
	}
	return GenerateKey(append([]string{day.In(loc).Format(time.DateOnly)}, parts...)...)
}
