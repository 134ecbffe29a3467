package diagnose

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/base64"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/blacktop/go-plist"
	"github.com/blacktop/otalog/internal/config"
	"github.com/blacktop/otalog/internal/report"
	"github.com/blacktop/otalog/pkg/bcert"
	"github.com/blacktop/otalog/pkg/otalog"
	"github.com/fatih/color"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
)

var (
	oidSEPVersion = asn1.ObjectIdentifier{1, 2, 840, 113635, 100, 8, 7}
	oidChipID     = asn1.ObjectIdentifier{1, 2, 840, 113635, 100, 8, 9, 1}

	now = time.Date(2023, time.October, 4, 9, 12, 44, 0, time.UTC)
)

const (
	jailbreakLine = "Wed Oct  4 09:12:39 2023 [Error] Failed to load update brain trust cache"
	managedLine   = "Wed Oct  4 09:12:40 2023 [Info] Enabling managed request"
	storageLine   = "Wed Oct  4 09:12:41 2023 [Error] Insufficient space for update: need 1073741824 bytes"
	requestLine   = "Wed Oct  4 09:12:42 2023 [Error] failed tss request:<<<<<<<<<<"
	statusLine    = "Wed Oct  4 09:12:43 2023 [Info] STATUS=0&MESSAGE=SUCCESS"
	declinedLine  = "Wed Oct  4 09:12:43 2023 [Error] STATUS=94&MESSAGE=This device isn't eligible for the requested build."
	headerLine    = `{"bug_type":"183","timestamp":"2023-10-04 09:12:44.00 -0700","os_version":"iPhone OS 16.6 (20G75)","incident_id":"5B1A8E52-6C1A-4D1E-9C4B-0C3E0F1E2A11"}`
)

type certOpts struct {
	notBefore time.Time
	notAfter  time.Time
	sep       string // SEP version extension value, omitted when empty
}

func sepValue(version string) []byte {
	var b cryptobyte.Builder
	b.AddASN1(cbasn1.SEQUENCE, func(seq *cryptobyte.Builder) {
		seq.AddASN1(cbasn1.IA5String, func(s *cryptobyte.Builder) {
			s.AddBytes([]byte(version))
		})
	})
	return b.BytesOrPanic()
}

func newBCert(t *testing.T, o certOpts) []byte {
	t.Helper()
	if o.notBefore.IsZero() {
		o.notBefore = now.AddDate(-1, 0, 0)
	}
	if o.notAfter.IsZero() {
		o.notAfter = now.AddDate(5, 0, 0)
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "Basic Attestation User Sub CA1"},
		NotBefore:    o.notBefore,
		NotAfter:     o.notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtraExtensions: []pkix.Extension{
			{Id: oidChipID, Value: []byte{0x02, 0x02, 0x81, 0x10}},
		},
	}
	if o.sep != "" {
		tmpl.ExtraExtensions = append(tmpl.ExtraExtensions, pkix.Extension{Id: oidSEPVersion, Value: sepValue(o.sep)})
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	return der
}

func payload(t *testing.T, bcert []byte, target string) string {
	t.Helper()
	rec := map[string]any{
		"@HostPlatformInfo": "ios",
		"ApBoardID":         uint64(8),
		"ApChipID":          uint64(33040),
		"ApECID":            uint64(6303405673529390),
		"Ap,ProductType":    "iPhone15,2",
	}
	if bcert != nil {
		rec["@BCert"] = bcert
	}
	if target != "" {
		rec["Ap,ProductMarketingVersion"] = target
	}
	data, err := plist.Marshal(rec, plist.XMLFormat)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(data)
}

func testConfig(out *bytes.Buffer) *Config {
	conf := &Config{
		Diagnose: config.Default().Diagnose,
		Now:      func() time.Time { return now },
	}
	if out != nil {
		conf.Output = out
	}
	return conf
}

func runLines(t *testing.T, conf *Config, lines ...string) (*Result, error) {
	t.Helper()
	return Run(otalog.NewDocument(lines), conf, report.New(nil))
}

func find(res *Result, substr string) (report.Diagnostic, bool) {
	for _, d := range res.Diagnostics {
		if strings.Contains(d.Message, substr) {
			return d, true
		}
	}
	return report.Diagnostic{}, false
}

func severities(res *Result) map[report.Severity]int {
	counts := make(map[report.Severity]int)
	for _, d := range res.Diagnostics {
		counts[d.Severity]++
	}
	return counts
}

func TestRun_Healthy(t *testing.T) {
	var out bytes.Buffer
	conf := testConfig(&out)

	res, err := runLines(t, conf, headerLine, managedLine, requestLine,
		payload(t, newBCert(t, certOpts{sep: "17.0"}), "17.0"), statusLine)
	require.NoError(t, err)

	assert.Equal(t, 0, res.ExitCode)
	counts := severities(res)
	assert.Zero(t, counts[report.WarnLevel])
	assert.Zero(t, counts[report.ErrorLevel])
	assert.Zero(t, counts[report.FatalLevel])

	require.NotNil(t, res.Header)
	assert.Equal(t, "20G75", res.Header.Build())
	d, ok := find(res, "Log captured on 16.6 (20G75)")
	require.True(t, ok)
	assert.Equal(t, "183", d.Fields["bug_type"])

	require.NotNil(t, res.Request)
	assert.Equal(t, "iPhone15,2", res.Request.ProductType)
	assert.Equal(t, "17.0", res.Request.TargetVersion)
	assert.Equal(t, uint64(33040), res.Request.ChipID)
	assert.NotZero(t, res.Request.BCertSize)

	require.NotNil(t, res.BCert)
	assert.True(t, res.BCert.HasValidity())
	assert.Equal(t, "17.0", res.BCert.SEPVersion)

	d, ok = find(res, "SEP version: 17.0")
	require.True(t, ok)
	assert.Equal(t, report.InfoLevel, d.Severity)
	// equal versions are compatible
	d, ok = find(res, "Target version 17.0 is compatible with SEP version 17.0")
	require.True(t, ok)
	assert.Equal(t, report.SuccessLevel, d.Severity)
	d, ok = find(res, "valid until")
	require.True(t, ok)
	assert.Equal(t, report.SuccessLevel, d.Severity)
	d, ok = find(res, "STATUS=0&MESSAGE=SUCCESS")
	require.True(t, ok)
	assert.Equal(t, report.InfoLevel, d.Severity)
	require.NotNil(t, res.Status)
	assert.True(t, res.Status.Success())

	assert.Empty(t, out.String(), "nothing is echoed without --print-* flags")
}

func TestRun_Jailbreak(t *testing.T) {
	var out bytes.Buffer
	conf := testConfig(&out)
	conf.PrintRequest = true
	conf.PrintBCert = true

	res, err := runLines(t, conf, headerLine, jailbreakLine, requestLine,
		payload(t, newBCert(t, certOpts{sep: "17.0"}), "17.0"), statusLine)
	require.ErrorIs(t, err, report.ErrFatal)

	assert.Equal(t, 1, res.ExitCode)
	require.Len(t, res.Diagnostics, 1)
	assert.Equal(t, report.FatalLevel, res.Diagnostics[0].Severity)
	assert.Contains(t, res.Diagnostics[0].Message, "jailbroken")
	assert.Nil(t, res.Header)
	assert.Nil(t, res.Request)
	assert.Nil(t, res.BCert)
	assert.Nil(t, res.Status)
	assert.Empty(t, out.String())
}

func TestRun_NoRequest(t *testing.T) {
	tests := []struct {
		name  string
		lines []string
	}{
		{"missing", []string{managedLine, statusLine}},
		{"sentinel on last line", []string{managedLine, requestLine}},
		{"malformed payload", []string{managedLine, requestLine, "%%%", statusLine}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := runLines(t, testConfig(nil), tt.lines...)
			require.ErrorIs(t, err, report.ErrFatal)
			assert.Equal(t, 1, res.ExitCode)

			last := res.Diagnostics[len(res.Diagnostics)-1]
			assert.Equal(t, report.FatalLevel, last.Severity)
			assert.Contains(t, last.Message, "TSS request")
			assert.Nil(t, res.Request)
			_, ok := find(res, "STATUS=")
			assert.False(t, ok, "processing must stop at the fatal diagnostic")
		})
	}
}

func TestRun_NoBCert(t *testing.T) {
	res, err := runLines(t, testConfig(nil), managedLine, requestLine, payload(t, nil, "17.0"), statusLine)
	require.ErrorIs(t, err, report.ErrFatal)
	assert.Equal(t, 1, res.ExitCode)
	d, ok := find(res, "No BCert found in TSS request")
	require.True(t, ok)
	assert.Equal(t, report.FatalLevel, d.Severity)
	assert.Nil(t, res.BCert)
}

func TestRun_SEPVersionNotFound(t *testing.T) {
	lines := []string{managedLine, requestLine, payload(t, newBCert(t, certOpts{}), "17.0"), statusLine}

	res, err := runLines(t, testConfig(nil), lines...)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)

	d, ok := find(res, "SEP version not found")
	require.True(t, ok)
	assert.Equal(t, report.WarnLevel, d.Severity)
	assert.Contains(t, d.Fields["reason"], "extension not found")
	// the run continued past the warning
	_, ok = find(res, "STATUS=0")
	assert.True(t, ok)
	_, ok = find(res, "Target version")
	assert.False(t, ok, "no comparison without a SEP version")
	assert.True(t, res.BCert.HasValidity())

	conf := testConfig(nil)
	conf.Strict = true
	res, err = runLines(t, conf, lines...)
	require.ErrorIs(t, err, report.ErrFatal)
	assert.Equal(t, 1, res.ExitCode)
	d, ok = find(res, "SEP version not found")
	require.True(t, ok)
	assert.Equal(t, report.FatalLevel, d.Severity)
}

func TestRun_Expired(t *testing.T) {
	notAfter := time.Date(2022, time.March, 1, 12, 0, 0, 0, time.UTC)
	bc := newBCert(t, certOpts{notBefore: notAfter.AddDate(-2, 0, 0), notAfter: notAfter, sep: "17.0"})

	res, err := runLines(t, testConfig(nil), managedLine, requestLine, payload(t, bc, "17.0"), statusLine)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)

	d, ok := find(res, "certificate expired")
	require.True(t, ok)
	assert.Equal(t, report.ErrorLevel, d.Severity)
	assert.Contains(t, d.Message, "2022-03-01 12:00:00 UTC")
	assert.Contains(t, d.Message, "ago")
}

func TestRun_NotYetValid(t *testing.T) {
	bc := newBCert(t, certOpts{notBefore: now.AddDate(0, 1, 0), sep: "17.0"})

	res, err := runLines(t, testConfig(nil), managedLine, requestLine, payload(t, bc, "17.0"), statusLine)
	require.NoError(t, err)
	d, ok := find(res, "not valid before")
	require.True(t, ok)
	assert.Equal(t, report.ErrorLevel, d.Severity)
}

func TestRun_UndecodableBCert(t *testing.T) {
	res, err := runLines(t, testConfig(nil), managedLine, requestLine, payload(t, []byte("not DER"), "17.0"), statusLine)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)

	d, ok := find(res, "Failed to decode BCert")
	require.True(t, ok)
	assert.Equal(t, report.ErrorLevel, d.Severity)
	d, ok = find(res, "Validity period not found")
	require.True(t, ok)
	assert.Equal(t, report.WarnLevel, d.Severity)
	_, ok = find(res, "SEP version not found")
	assert.True(t, ok)
}

func TestRun_Storage(t *testing.T) {
	res, err := runLines(t, testConfig(nil), managedLine, storageLine, requestLine,
		payload(t, newBCert(t, certOpts{sep: "17.0"}), "17.0"), statusLine)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)

	d, ok := find(res, "Not enough storage")
	require.True(t, ok)
	assert.Equal(t, report.ErrorLevel, d.Severity)
	assert.Contains(t, d.Message, "1.07 GB")
	assert.Equal(t, "1,073,741,824 bytes", d.Fields["bytes"])
	require.NotNil(t, res.Storage)
	assert.Equal(t, uint64(1073741824), res.Storage.Bytes)
}

func TestRun_TargetVersion(t *testing.T) {
	tests := []struct {
		name     string
		target   string
		sep      string
		want     report.Severity
		wantExit int
	}{
		{"equal", "17.0", "17.0", report.SuccessLevel, 0},
		{"newer", "17.1", "17.0", report.SuccessLevel, 0},
		{"numeric ordering", "2.10", "2.9", report.SuccessLevel, 0},
		{"older", "16.6", "17.0", report.FatalLevel, 1},
		{"numeric ordering older", "2.9", "2.10", report.FatalLevel, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := runLines(t, testConfig(nil), managedLine, requestLine,
				payload(t, newBCert(t, certOpts{sep: tt.sep}), tt.target), statusLine)
			assert.Equal(t, tt.wantExit, res.ExitCode)
			if tt.want == report.FatalLevel {
				require.ErrorIs(t, err, report.ErrFatal)
			} else {
				require.NoError(t, err)
			}
			d, ok := find(res, "Target version "+tt.target)
			require.True(t, ok)
			assert.Equal(t, tt.want, d.Severity)
		})
	}
}

func TestRun_NoTargetVersion(t *testing.T) {
	res, err := runLines(t, testConfig(nil), managedLine, requestLine,
		payload(t, newBCert(t, certOpts{sep: "17.0"}), ""), statusLine)
	require.NoError(t, err)
	_, ok := find(res, "Target version")
	assert.False(t, ok)
	assert.Equal(t, "17.0", res.BCert.SEPVersion)
}

func TestRun_Status(t *testing.T) {
	bc := newBCert(t, certOpts{sep: "17.0"})

	tests := []struct {
		name     string
		conf     func(*Config)
		status   string
		want     report.Severity
		wantExit int
	}{
		{"missing default", nil, "", report.WarnLevel, 0},
		{"missing configured", func(c *Config) { c.StatusSeverity = report.ErrorLevel }, "", report.ErrorLevel, 0},
		{"missing strict", func(c *Config) { c.Strict = true }, "", report.FatalLevel, 1},
		{"missing unset severity", func(c *Config) { c.StatusSeverity = 0 }, "", report.WarnLevel, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conf := testConfig(nil)
			if tt.conf != nil {
				tt.conf(conf)
			}
			res, _ := runLines(t, conf, managedLine, requestLine, payload(t, bc, "17.0"))
			assert.Equal(t, tt.wantExit, res.ExitCode)
			d, ok := find(res, "Unable to find TSS response line")
			require.True(t, ok)
			assert.Equal(t, tt.want, d.Severity)
		})
	}

	res, err := runLines(t, testConfig(nil), managedLine, requestLine, payload(t, bc, "17.0"), declinedLine)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	d, ok := find(res, "TSS server declined the request")
	require.True(t, ok)
	assert.Equal(t, report.ErrorLevel, d.Severity)
	assert.Contains(t, d.Message, "isn't eligible")
	require.NotNil(t, res.Status)
	assert.Equal(t, 94, res.Status.Status)
}

func TestRun_Unsupervised(t *testing.T) {
	res, err := runLines(t, testConfig(nil), requestLine, payload(t, newBCert(t, certOpts{sep: "17.0"}), "17.0"), statusLine)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	d, ok := find(res, "Are you supervised?")
	require.True(t, ok)
	assert.Equal(t, report.WarnLevel, d.Severity)
}

func TestRun_Print(t *testing.T) {
	orig := color.NoColor
	defer func() { color.NoColor = orig }()
	color.NoColor = true

	bc := newBCert(t, certOpts{sep: "17.0"})
	var out bytes.Buffer
	conf := testConfig(&out)
	conf.PrintRequest = true
	conf.PrintBCert = true

	_, err := runLines(t, conf, managedLine, requestLine, payload(t, bc, "17.0"), statusLine)
	require.NoError(t, err)

	assert.Contains(t, out.String(), "<key>Ap,ProductMarketingVersion</key>")
	assert.Contains(t, out.String(), base64.StdEncoding.EncodeToString(bc))
}

func TestRun_Strategies(t *testing.T) {
	conf := testConfig(nil)
	v := viper.New()
	v.Set("diagnose.strategies", "oid")
	c, err := config.Load(v)
	require.NoError(t, err)
	conf.Diagnose = c.Diagnose

	res, err := runLines(t, conf, managedLine, requestLine, payload(t, newBCert(t, certOpts{sep: "17.0"}), "17.0"), statusLine)
	require.NoError(t, err)
	assert.Equal(t, bcert.StrategyOID, res.BCert.Strategy)
	assert.Equal(t, "17.0", res.BCert.SEPVersion)
}
