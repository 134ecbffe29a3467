// Package otalog reads OTA update diagnostic logs (OTAUpdate*.ips) and scans them for sentinel lines.
package otalog

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"regexp"
	"slices"
	"strings"
)

// the embedded TSS request is a single base64 line that easily exceeds bufio's 64KB default
const maxLineSize = 16 * 1024 * 1024

// Document is an OTA update log loaded into memory
type Document struct {
	Path string

	lines []string
}

// Match is a sentinel hit in a Document
type Match struct {
	Pattern string // sentinel substring or regex that matched
	Index   int    // index of the sentinel line
	Text    string // captured group, payload line or full line depending on the scan
}

// Open opens the named file and reads it into a Document
func Open(name string) (*Document, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	doc, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", name, err)
	}
	doc.Path = name

	return doc, nil
}

// Parse reads all lines from r into a Document
func Parse(r io.Reader) (*Document, error) {
	var doc Document

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		doc.lines = append(doc.lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return &doc, nil
}

// NewDocument creates a Document from already split lines
func NewDocument(lines []string) *Document {
	return &Document{lines: slices.Clone(lines)}
}

// Len returns the number of lines in the log
func (d *Document) Len() int {
	return len(d.lines)
}

// Line returns the line at index i
func (d *Document) Line(i int) (string, bool) {
	if i < 0 || i >= len(d.lines) {
		return "", false
	}
	return d.lines[i], true
}

func (d *Document) index(substr string) int {
	return slices.IndexFunc(d.lines, func(line string) bool {
		return strings.Contains(line, substr)
	})
}

// FindFlag returns true if any line contains substr
func (d *Document) FindFlag(substr string) bool {
	return d.index(substr) >= 0
}

// FindCapture returns the first capture group of the first line matching re.
// If re has no capture group the whole match is returned.
func (d *Document) FindCapture(re *regexp.Regexp) (Match, bool) {
	if re == nil {
		return Match{}, false
	}
	for i, line := range d.lines {
		matches := re.FindStringSubmatch(line)
		if matches == nil {
			continue
		}
		m := Match{Pattern: re.String(), Index: i, Text: matches[0]}
		if len(matches) > 1 {
			m.Text = matches[1]
		}
		return m, true
	}
	return Match{}, false
}

// FindPayloadAfter returns the line following the first line that contains substr.
// A sentinel on the last line has no payload and is reported as absent.
func (d *Document) FindPayloadAfter(substr string) (Match, bool) {
	i := d.index(substr)
	if i < 0 {
		return Match{}, false
	}
	payload, ok := d.Line(i + 1)
	if !ok {
		return Match{}, false
	}
	return Match{Pattern: substr, Index: i, Text: payload}, true
}

// FindFullLine returns the first line that contains substr
func (d *Document) FindFullLine(substr string) (Match, bool) {
	i := d.index(substr)
	if i < 0 {
		return Match{}, false
	}
	return Match{Pattern: substr, Index: i, Text: d.lines[i]}, true
}
