package http

import (
	"strconv"
	"strings"
	"time"

	"PolySignals/pkg/util"
)

// ParseTimeDefault parses a query time or returns def if empty or invalid.
func ParseTimeDefault(s string, def time.Time) time.Time { return util.ParseTimeDefault(s, def) }

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) string {
	const prefix = "bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}

func itoa(n int) string { return strconv.Itoa(n) }
