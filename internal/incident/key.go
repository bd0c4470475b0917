package incident

import (
	"crypto/sha1"
	"encoding/hex"
	"strconv"
	"strings"
)

// SeriesID derives the stable identifier of a (resource, metric) pair.
func SeriesID(resourceID, metricName string) string {
	digest := sha1.Sum([]byte(resourceID + "\n" + metricName))
	return hex.EncodeToString(digest[:])[:16]
}

// Key derives the incident key for one epoch of a series. Keys are safe to
// use as NATS KV keys and URL path segments.
func Key(metricName, seriesID string, epoch int64) string {
	var b strings.Builder
	m := sanitize(metricName)
	b.Grow(len(m) + len(seriesID) + 24)
	b.WriteString(m)
	b.WriteByte('.')
	b.WriteString(seriesID)
	b.WriteByte('.')
	b.WriteString(strconv.FormatInt(epoch, 10))
	return b.String()
}

func sanitize(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "_"
	}
	var b strings.Builder
	b.Grow(len(trimmed))
	for _, r := range trimmed {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r + 32)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
