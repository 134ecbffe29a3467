package tss

import (
	"fmt"
	"strconv"
	"strings"
)

// StatusSentinel marks the line echoing the TSS server response
const StatusSentinel = "STATUS="

// Response is the response from the TSS server
type Response struct {
	Status  int    `json:"status" yaml:"status"`
	Message string `json:"message,omitempty" yaml:"message,omitempty"`
	Plist   string `json:"-" yaml:"-"`
}

// Success returns true if the server personalized the request
func (r Response) Success() bool {
	return r.Status == 0
}

// ParseStatusLine parses the STATUS=&MESSAGE= response fields echoed in a log line
func ParseStatusLine(line string) (*Response, error) {
	idx := strings.Index(line, StatusSentinel)
	if idx < 0 {
		return nil, fmt.Errorf("no %s field in line", StatusSentinel)
	}

	var tr Response
	for field := range strings.SplitSeq(line[idx:], "&") {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		switch key {
		case "STATUS":
			sInt, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil {
				return nil, fmt.Errorf("failed to parse STATUS %q: %w", value, err)
			}
			tr.Status = sInt
		case "MESSAGE":
			tr.Message = strings.TrimSpace(value)
		case "REQUEST_STRING":
			tr.Plist = value
		}
	}

	return &tr, nil
}
