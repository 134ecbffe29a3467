package tss

import (
	"bytes"
	"encoding/base64"
	"strings"

	"github.com/apex/log"
	"github.com/blacktop/go-plist"
	"github.com/blacktop/otalog/pkg/otalog"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/spf13/cast"
)

// NOTES:
// - https://www.theiphonewiki.com/wiki/SHSH_Protocol
// - OTAUpdate logs dump the request that failed to personalize as a single
//   base64 line right after the sentinel line.

const (
	// RequestSentinel precedes the base64 encoded TSS request in OTAUpdate logs
	RequestSentinel = "failed tss request:<<<<<<<<<<"
	// BCertKey is the request key holding the SEP certificate
	BCertKey = "@BCert"
	// TargetVersionKey is the request key holding the OS version being installed
	TargetVersionKey = "Ap,ProductMarketingVersion"
)

// ErrMissingRequest is returned when no decodable TSS request is found in a log
var ErrMissingRequest = errors.New("TSS request not found")

// Record is the decoded TSS request plist
type Record map[string]any

// Request is the request sent to the TSS server
type Request struct {
	UUID             string `plist:"@UUID,omitempty" mapstructure:"@UUID"`
	HostPlatformInfo string `plist:"@HostPlatformInfo,omitempty" mapstructure:"@HostPlatformInfo"`
	Locality         string `plist:"@Locality,omitempty" mapstructure:"@Locality"`
	VersionInfo      string `plist:"@VersionInfo,omitempty" mapstructure:"@VersionInfo"` // = libauthinstall-850.0.1.0.1 (/usr/lib/libauthinstall.dylib)
	BCert            []byte `plist:"@BCert,omitempty" mapstructure:"@BCert"`
	ApBoardID        uint64 `plist:"ApBoardID,omitempty" mapstructure:"ApBoardID"`
	ApChipID         uint64 `plist:"ApChipID,omitempty" mapstructure:"ApChipID"`
	ApECID           uint64 `plist:"ApECID,omitempty" mapstructure:"ApECID"`
	ApNonce          []byte `plist:"ApNonce,omitempty" mapstructure:"ApNonce"`
	ApProductionMode bool   `plist:"ApProductionMode,omitempty" mapstructure:"ApProductionMode"`
	ApSecurityDomain int    `plist:"ApSecurityDomain,omitempty" mapstructure:"ApSecurityDomain"` // = 1
	ApSecurityMode   bool   `plist:"ApSecurityMode,omitempty" mapstructure:"ApSecurityMode"`
	SepNonce         []byte `plist:"SepNonce,omitempty" mapstructure:"SepNonce"`
	UniqueBuildID    []byte `plist:"UniqueBuildID,omitempty" mapstructure:"UniqueBuildID"`
	// Ap,* keys contain a comma so they can't be expressed as struct tags; see fillApFields
	ApOSLongVersion           string `plist:"-" mapstructure:"-"`
	ApProductMarketingVersion string `plist:"-" mapstructure:"-"`
	ApProductType             string `plist:"-" mapstructure:"-"`
	ApSDKPlatform             string `plist:"-" mapstructure:"-"`
	ApTarget                  string `plist:"-" mapstructure:"-"`
	ApTargetType              string `plist:"-" mapstructure:"-"`

	Record Record `plist:"-" mapstructure:"-"`
	Raw    []byte `plist:"-" mapstructure:"-"` // decoded plist bytes, as found in the log
}

func (r *Request) fillApFields() {
	r.ApOSLongVersion, _ = r.Text("Ap,OSLongVersion")
	r.ApProductMarketingVersion, _ = r.Text("Ap,ProductMarketingVersion")
	r.ApProductType, _ = r.Text("Ap,ProductType")
	r.ApSDKPlatform, _ = r.Text("Ap,SDKPlatform")
	r.ApTarget, _ = r.Text("Ap,Target")
	r.ApTargetType, _ = r.Text("Ap,TargetType")
}

// Extract locates the first TSS request in the log and decodes it.
// Later occurrences are ignored.
func Extract(doc *otalog.Document, sentinel string) (*Request, error) {
	if sentinel == "" {
		sentinel = RequestSentinel
	}
	m, ok := doc.FindPayloadAfter(sentinel)
	if !ok {
		return nil, errors.Wrapf(ErrMissingRequest, "no payload after %q", sentinel)
	}
	log.WithField("line", m.Index+2).Debug("Found TSS request payload")
	return ParseRequest(m.Text)
}

// ParseRequest decodes a base64 encoded TSS request plist
func ParseRequest(payload string) (*Request, error) {
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(payload))
	if err != nil {
		return nil, errors.Wrapf(ErrMissingRequest, "payload is not valid base64: %v", err)
	}

	record := make(Record)
	if err := plist.NewDecoder(bytes.NewReader(data)).Decode(&record); err != nil {
		return nil, errors.Wrapf(ErrMissingRequest, "payload is not a plist dictionary: %v", err)
	}

	req := Request{Record: record, Raw: data}

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &req,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(map[string]any(record)); err != nil {
		// typed fields are a convenience; the raw record is still usable
		log.WithError(err).Debug("failed to decode typed TSS request fields")
	}
	req.fillApFields()

	return &req, nil
}

// Bytes returns the []byte value stored under key
func (r *Request) Bytes(key string) ([]byte, bool) {
	v, ok := r.Record[key]
	if !ok {
		return nil, false
	}
	data, ok := v.([]byte)
	if !ok || len(data) == 0 {
		return nil, false
	}
	return data, true
}

// Text renders the value stored under key as text
func (r *Request) Text(key string) (string, bool) {
	v, ok := r.Record[key]
	if !ok {
		return "", false
	}
	s, err := cast.ToStringE(v)
	if err != nil || s == "" {
		return "", false
	}
	return s, true
}

// TargetVersion returns the OS version the device was trying to install
func (r *Request) TargetVersion() (string, bool) {
	return r.Text(TargetVersionKey)
}

// XML re-renders the request as an indented XML plist
func (r *Request) XML() ([]byte, error) {
	return plist.MarshalIndent(map[string]any(r.Record), plist.XMLFormat, "\t")
}

// Encode returns the base64 form of the request as it appears in the log
func (r *Request) Encode() string {
	return base64.StdEncoding.EncodeToString(r.Raw)
}
