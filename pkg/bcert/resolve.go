package bcert

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/apex/log"
)

// SEPVersionOID is the Apple extension carrying the SEP firmware version
const SEPVersionOID = "1.2.840.113635.100.8.7"

// Strategy is a SEP version lookup strategy
type Strategy string

const (
	// StrategyPositional follows the last child of the TBS certificate down to the last extension value (older BCerts)
	StrategyPositional Strategy = "positional"
	// StrategyOID scans the extension list for SEPVersionOID
	StrategyOID Strategy = "oid"
)

// Strategies lists the supported strategies in their default order
var Strategies = []Strategy{StrategyPositional, StrategyOID}

// positional path from the TBS certificate: [3] wrapper -> extensions -> last extension -> value
const positionalDepth = 4

var versionSuffixRE = regexp.MustCompile(`[\d.]+$`)

var (
	// ErrValidityNotFound is returned when the validity pair cannot be located
	ErrValidityNotFound = errors.New("validity not found")
	// ErrNoExtensions is returned when the TBS certificate has no (or an empty) extension list
	ErrNoExtensions = errors.New("no extensions")
	// ErrExtensionNotFound is returned when no extension matches the target OID
	ErrExtensionNotFound = errors.New("extension not found")
	// ErrNoVersion is returned when a value does not end with a dotted version
	ErrNoVersion = errors.New("no version suffix")
)

// Options configures the field resolver
type Options struct {
	OID        string
	Strategies []Strategy
}

// DefaultOptions returns the resolver defaults
func DefaultOptions() Options {
	return Options{
		OID:        SEPVersionOID,
		Strategies: Strategies,
	}
}

// ParseStrategy returns the Strategy named s
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(strings.ToLower(strings.TrimSpace(s))); st {
	case StrategyPositional, StrategyOID:
		return st, nil
	}
	return "", fmt.Errorf("unknown version strategy %q (expected %s or %s)", s, StrategyPositional, StrategyOID)
}

// Fields are the values resolved from a BCert. Each one is optional.
type Fields struct {
	NotBefore  *time.Time `json:"not_before,omitempty" yaml:"not_before,omitempty"`
	NotAfter   *time.Time `json:"not_after,omitempty" yaml:"not_after,omitempty"`
	SEPVersion string     `json:"sep_version,omitempty" yaml:"sep_version,omitempty"`
	Strategy   Strategy   `json:"strategy,omitempty" yaml:"strategy,omitempty"`
}

// HasValidity returns true if both validity timestamps were resolved
func (f Fields) HasValidity() bool {
	return f.NotBefore != nil && f.NotAfter != nil
}

// HasVersion returns true if the SEP version was resolved
func (f Fields) HasVersion() bool {
	return f.SEPVersion != ""
}

// Finding is a field the resolver could not resolve
type Finding struct {
	Field    string
	Strategy Strategy
	Err      error
}

func (f Finding) String() string {
	if f.Strategy != "" {
		return fmt.Sprintf("%s (%s): %v", f.Field, f.Strategy, f.Err)
	}
	return fmt.Sprintf("%s: %v", f.Field, f.Err)
}

// Resolve resolves the validity pair and the SEP version from a decoded BCert.
// Every lookup is independent; failures are returned as findings and never stop the others.
func Resolve(root *Node, opts Options) (Fields, []Finding) {
	var fields Fields
	var findings []Finding

	if notBefore, notAfter, err := ResolveValidity(root); err != nil {
		findings = append(findings, Finding{Field: "validity", Err: err})
	} else {
		fields.NotBefore = &notBefore
		fields.NotAfter = &notAfter
	}

	if opts.OID == "" {
		opts.OID = SEPVersionOID
	}
	if len(opts.Strategies) == 0 {
		opts.Strategies = Strategies
	}

	var misses []Finding
	for _, st := range opts.Strategies {
		var version string
		var err error
		switch st {
		case StrategyPositional:
			version, err = ResolveVersionPositional(root)
		case StrategyOID:
			version, err = ResolveVersionOID(root, opts.OID)
		default:
			err = errors.New("unknown strategy")
		}
		if err != nil {
			log.WithError(err).WithField("strategy", st).Debug("SEP version lookup failed")
			misses = append(misses, Finding{Field: "version", Strategy: st, Err: err})
			continue
		}
		fields.SEPVersion = version
		fields.Strategy = st
		break
	}
	if !fields.HasVersion() {
		findings = append(findings, misses...)
	}

	return fields, findings
}

func tbsCertificate(root *Node) (*Node, error) {
	tbs, ok := root.Child(0)
	if !ok || !tbs.IsSequence() {
		return nil, fmt.Errorf("TBS certificate not found")
	}
	return tbs, nil
}

// ResolveValidity returns the validity pair of the certificate.
// The validity sequence follows serial, signature and issuer; v1 certificates have no explicit [0] version.
func ResolveValidity(root *Node) (notBefore, notAfter time.Time, err error) {
	tbs, err := tbsCertificate(root)
	if err != nil {
		return notBefore, notAfter, fmt.Errorf("%w: %v", ErrValidityNotFound, err)
	}

	idx := 3
	if first, ok := tbs.Child(0); ok && first.IsContext(0) {
		idx = 4
	}

	validity, ok := tbs.Child(idx)
	if !ok || !validity.IsSequence() || validity.Len() != 2 {
		return notBefore, notAfter, fmt.Errorf("%w: no 2-element sequence at TBS index %d", ErrValidityNotFound, idx)
	}
	notBefore, ok = validity.Children[0].Time()
	if !ok {
		return notBefore, notAfter, fmt.Errorf("%w: notBefore is not a time", ErrValidityNotFound)
	}
	notAfter, ok = validity.Children[1].Time()
	if !ok {
		return notBefore, notAfter, fmt.Errorf("%w: notAfter is not a time", ErrValidityNotFound)
	}

	return notBefore, notAfter, nil
}

// ResolveVersionPositional follows the last child of the TBS certificate down to
// the value of the last extension and extracts its trailing dotted version.
func ResolveVersionPositional(root *Node) (string, error) {
	cur, err := tbsCertificate(root)
	if err != nil {
		return "", err
	}
	for step := range positionalDepth {
		next, ok := cur.Last()
		if !ok {
			return "", fmt.Errorf("no child at depth %d", step+1)
		}
		cur = next
	}
	if !cur.IsLeaf() {
		return "", fmt.Errorf("node at depth %d is not a value", positionalDepth)
	}

	text := cur.Text()
	version, ok := ExtractVersion(text)
	// a bare number at the end of an arbitrary value is too weak a signal
	if !ok || !strings.Contains(version, ".") {
		return "", fmt.Errorf("%w in %q", ErrNoVersion, truncate(text))
	}
	return version, nil
}

func extensions(root *Node) (*Node, error) {
	tbs, err := tbsCertificate(root)
	if err != nil {
		return nil, err
	}
	for _, child := range tbs.Children {
		if !child.IsContext(3) {
			continue
		}
		list, ok := child.Child(0)
		if !ok || !list.IsSequence() {
			return nil, fmt.Errorf("%w: [3] does not wrap a sequence", ErrNoExtensions)
		}
		if list.Len() == 0 {
			return nil, fmt.Errorf("%w: empty extension list", ErrNoExtensions)
		}
		return list, nil
	}
	return nil, ErrNoExtensions
}

// ResolveVersionOID looks up the extension identified by oid, decodes its value
// and extracts the trailing dotted version of its first element.
func ResolveVersionOID(root *Node, oid string) (string, error) {
	list, err := extensions(root)
	if err != nil {
		return "", err
	}

	for i, ext := range list.Children {
		id, ok := ext.Child(0)
		if !ok {
			continue
		}
		extID, ok := id.OID()
		if !ok {
			log.Debugf("extension %d: identifier is not an OID (tag %#x)", i, uint8(id.Tag))
			continue
		}
		if extID.String() != oid {
			continue
		}

		value, ok := ext.Last()
		if ext.Len() < 2 || !ok || !value.IsLeaf() {
			return "", fmt.Errorf("extension %s has no value", oid)
		}
		inner, err := Decode(value.Content)
		if err != nil {
			return "", fmt.Errorf("failed to decode extension %s value: %w", oid, err)
		}
		leaf, ok := inner.FirstLeaf()
		if !ok {
			return "", fmt.Errorf("extension %s value is empty", oid)
		}
		version, ok := ExtractVersion(leaf.Text())
		if !ok {
			return "", fmt.Errorf("%w in %q", ErrNoVersion, truncate(leaf.Text()))
		}
		return version, nil
	}

	return "", fmt.Errorf("%w: %s", ErrExtensionNotFound, oid)
}

// ExtractVersion returns the trailing dotted-numeric suffix of text
func ExtractVersion(text string) (string, bool) {
	version := strings.Trim(versionSuffixRE.FindString(text), ".")
	if !strings.ContainsAny(version, "0123456789") {
		return "", false
	}
	return version, true
}
