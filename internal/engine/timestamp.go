package engine

import (
	"bytes"
	"regexp"
	"time"
)

const clfLayout = "02/Jan/2006:15:04:05 -0700"

var clfPattern = regexp.MustCompile(`\[(\d{2}/[A-Za-z]{3}/\d{4}:\d{2}:\d{2}:\d{2} [+-]\d{4})\]`)

// ParseTimestamp extracts the event time of a log line. It understands an
// NCSA common/combined log format timestamp ("[10/Oct/2000:13:55:36 -0700]")
// anywhere in the line and an RFC 3339 timestamp as the first field.
func ParseTimestamp(line []byte) (time.Time, bool) {
	line = bytes.TrimRight(line, "\r\n")

	if bytes.IndexByte(line, '[') >= 0 {
		if m := clfPattern.FindSubmatch(line); m != nil {
			if t, err := time.Parse(clfLayout, string(m[1])); err == nil {
				return t, true
			}
		}
	}

	field := line
	if i := bytes.IndexAny(line, " \t"); i >= 0 {
		field = line[:i]
	}
	if len(field) < len("2006-01-02T15:04:05Z") {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339Nano, string(field)); err == nil {
		return t, true
	}
	return time.Time{}, false
}
