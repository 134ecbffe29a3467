package otalog

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

var osVersionRE = regexp.MustCompile(`(?P<version>[0-9.]+) \((?P<build>\w+)\)$`)

// Timestamp is the .ips header timestamp (e.g. 2023-08-04 19:10:03.00 +0200)
type Timestamp time.Time

func (ts *Timestamp) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), "\"")
	if s == "null" || s == "" {
		return nil
	}
	t, err := time.Parse("2006-01-02 15:04:05 -0700", s)
	if err != nil {
		// a malformed timestamp should not hide the rest of the header
		return nil
	}
	*ts = Timestamp(t)
	return nil
}

func (ts Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Time(ts))
}

func (ts Timestamp) MarshalYAML() (any, error) {
	return time.Time(ts), nil
}

// IsZero reports whether the timestamp was absent or unparsable
func (ts Timestamp) IsZero() bool {
	return time.Time(ts).IsZero()
}

func (ts Timestamp) Format(layout string) string {
	return time.Time(ts).Format(layout)
}

// Header is the one-line JSON metadata header at the top of .ips files
type Header struct {
	Name         string    `json:"name,omitempty" yaml:"name,omitempty"`
	AppName      string    `json:"app_name,omitempty" yaml:"app_name,omitempty"`
	AppVersion   string    `json:"app_version,omitempty" yaml:"app_version,omitempty"`
	BugType      string    `json:"bug_type,omitempty" yaml:"bug_type,omitempty"`
	OsVersion    string    `json:"os_version,omitempty" yaml:"os_version,omitempty"`
	BuildVersion string    `json:"build_version,omitempty" yaml:"build_version,omitempty"`
	IncidentID   string    `json:"incident_id,omitempty" yaml:"incident_id,omitempty"`
	Timestamp    Timestamp `json:"timestamp" yaml:"timestamp"`
}

// Version returns the OS version part of os_version ("iPhone OS 17.0 (21A329)" -> "17.0")
func (h Header) Version() string {
	matches := osVersionRE.FindStringSubmatch(h.OsVersion)
	if len(matches) != 3 {
		return h.OsVersion
	}
	return matches[osVersionRE.SubexpIndex("version")]
}

// Build returns the OS build part of os_version ("iPhone OS 17.0 (21A329)" -> "21A329")
func (h Header) Build() string {
	matches := osVersionRE.FindStringSubmatch(h.OsVersion)
	if len(matches) != 3 {
		return h.OsVersion
	}
	return matches[osVersionRE.SubexpIndex("build")]
}

// Incident returns the parsed incident UUID
func (h Header) Incident() (uuid.UUID, bool) {
	id, err := uuid.Parse(h.IncidentID)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// Header parses the JSON metadata header on the first non-empty line.
// Plain text logs without a header return false.
func (d *Document) Header() (*Header, bool) {
	for _, line := range d.lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "{") {
			return nil, false
		}
		var hdr Header
		if err := json.Unmarshal([]byte(line), &hdr); err != nil {
			return nil, false
		}
		return &hdr, true
	}
	return nil, false
}
