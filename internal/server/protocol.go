package server

import (
	"fmt"
	"strconv"
	"strings"
)

// Reply statuses.
const (
	StatusOK       = "OK"
	StatusNotFound = "NOT_FOUND"
	StatusError    = "ERROR"
)

// Request is one parsed command line.
type Request struct {
	Command string
	Key     string
	// Value holds the PUT value or the SNAPSHOT file name.
	Value  string
	EndKey string
	Limit  int
}

// Response is the first reply line. Lines, when set, follow it one per line.
type Response struct {
	Status  string
	Message string
	Lines   []string
}

// openBound marks an open RANGE bound.
const openBound = "-"

// parseRequest parses a raw command line. Keys are single words; the PUT value
// is the rest of the line.
func parseRequest(raw string) (Request, error) {
	parts := strings.Fields(raw)
	if len(parts) == 0 {
		return Request{}, fmt.Errorf("empty command")
	}

	command := strings.ToUpper(parts[0])
	req := Request{Command: command}

	switch command {
	case "PUT":
		if len(parts) < 3 {
			return Request{}, fmt.Errorf("PUT requires key and value")
		}
		req.Key = parts[1]
		// Keep the value's inner spacing.
		rest := strings.TrimLeft(raw, " \t")
		rest = strings.TrimLeft(rest[len(parts[0]):], " \t")
		req.Value = strings.TrimLeft(rest[len(parts[1]):], " \t")
	case "GET", "DELETE":
		if len(parts) != 2 {
			return Request{}, fmt.Errorf("%s requires a key", command)
		}
		req.Key = parts[1]
	case "RANGE":
		if len(parts) < 3 || len(parts) > 4 {
			return Request{}, fmt.Errorf("RANGE requires start and end keys and an optional limit")
		}
		req.Key, req.EndKey = parts[1], parts[2]
		if len(parts) == 4 {
			limit, err := strconv.Atoi(parts[3])
			if err != nil {
				return Request{}, fmt.Errorf("bad RANGE limit %q", parts[3])
			}
			req.Limit = limit
		}
	case "SNAPSHOT":
		if len(parts) != 2 {
			return Request{}, fmt.Errorf("SNAPSHOT requires a file name")
		}
		req.Value = parts[1]
	case "SIZE", "STATS":
		if len(parts) != 1 {
			return Request{}, fmt.Errorf("%s takes no arguments", command)
		}
	default:
		return Request{}, fmt.Errorf("unknown command: %s", command)
	}
	return req, nil
}

// encode renders the response as it goes on the wire.
func (r Response) encode() []byte {
	var b strings.Builder
	b.WriteString(r.Status)
	if r.Message != "" {
		b.WriteByte(' ')
		b.WriteString(r.Message)
	}
	b.WriteByte('\n')
	for _, l := range r.Lines {
		b.WriteString(l)
		b.WriteByte('\n')
	}
	return []byte(b.String())
}
