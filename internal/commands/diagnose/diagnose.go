// Package diagnose explains why an OTA update failed by inspecting its OTAUpdate log.
package diagnose

import (
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/alecthomas/chroma/v2/quick"
	"github.com/apex/log"
	"github.com/blacktop/otalog/internal/colors"
	"github.com/blacktop/otalog/internal/config"
	"github.com/blacktop/otalog/internal/report"
	"github.com/blacktop/otalog/internal/utils"
	"github.com/blacktop/otalog/pkg/bcert"
	"github.com/blacktop/otalog/pkg/otalog"
	"github.com/blacktop/otalog/pkg/tss"
	"github.com/dustin/go-humanize"
)

const dateFormat = "2006-01-02 15:04:05 MST"

// Config is the diagnose config
type Config struct {
	config.Diagnose

	Now    func() time.Time // defaults to time.Now
	Output io.Writer        // destination of --print-request/--print-bcert (defaults to stdout)
}

func (c *Config) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *Config) output() io.Writer {
	if c.Output != nil {
		return c.Output
	}
	return os.Stdout
}

func (c *Config) statusSeverity() report.Severity {
	switch {
	case c.Strict:
		return report.FatalLevel
	case c.StatusSeverity == 0:
		return report.WarnLevel
	default:
		return c.StatusSeverity
	}
}

// Request summarizes the TSS request found in the log
type Request struct {
	ProductType   string `json:"product_type,omitempty" yaml:"product_type,omitempty"`
	TargetVersion string `json:"target_version,omitempty" yaml:"target_version,omitempty"`
	ChipID        uint64 `json:"chip_id,omitempty" yaml:"chip_id,omitempty"`
	BoardID       uint64 `json:"board_id,omitempty" yaml:"board_id,omitempty"`
	ECID          uint64 `json:"ecid,omitempty" yaml:"ecid,omitempty"`
	BCertSize     int    `json:"bcert_size,omitempty" yaml:"bcert_size,omitempty"`
}

// Storage is the storage shortage reported in the log
type Storage struct {
	Bytes uint64 `json:"bytes" yaml:"bytes"`
	Size  string `json:"size" yaml:"size"`
}

// Result is everything learned from the log
type Result struct {
	File        string              `json:"file,omitempty" yaml:"file,omitempty"`
	Header      *otalog.Header      `json:"header,omitempty" yaml:"header,omitempty"`
	Request     *Request            `json:"request,omitempty" yaml:"request,omitempty"`
	BCert       *bcert.Fields       `json:"bcert,omitempty" yaml:"bcert,omitempty"`
	Storage     *Storage            `json:"storage,omitempty" yaml:"storage,omitempty"`
	Status      *tss.Response       `json:"status,omitempty" yaml:"status,omitempty"`
	Diagnostics []report.Diagnostic `json:"diagnostics" yaml:"diagnostics"`
	ExitCode    int                 `json:"exit_code" yaml:"exit_code"`
}

// Run diagnoses doc in a single pass. Every finding is recorded in rep.
// It returns report.ErrFatal as soon as a fatal diagnostic is recorded; the
// returned Result holds whatever was resolved up to that point.
func Run(doc *otalog.Document, conf *Config, rep *report.Report) (*Result, error) {
	res := &Result{File: doc.Path}
	err := run(doc, conf, rep, res)
	res.Diagnostics = rep.Diagnostics()
	res.ExitCode = rep.ExitCode()
	return res, err
}

func run(doc *otalog.Document, conf *Config, rep *report.Report, res *Result) error {
	// a jailbroken device explains everything; nothing else is inspected
	if doc.FindFlag(conf.Sentinels.Jailbreak) {
		return rep.Fatal("%s. You are probably in a jailbroken state, reboot.", conf.Sentinels.Jailbreak)
	}

	if hdr, ok := doc.Header(); ok {
		res.Header = hdr
		header(hdr, rep)
	}

	if doc.FindFlag(conf.Sentinels.Managed) {
		rep.Success("Managed request found (device is supervised)")
	} else {
		rep.Warn("Managed request line not found in log file. Are you supervised?")
	}

	storage(doc, conf, rep, res)

	req, err := tss.Extract(doc, conf.Sentinels.Request)
	if err != nil {
		log.WithError(err).Debug("TSS request extraction failed")
		return rep.Fatal("Unable to find TSS request in log file")
	}
	res.Request = &Request{
		ProductType: req.ApProductType,
		ChipID:      req.ApChipID,
		BoardID:     req.ApBoardID,
		ECID:        req.ApECID,
	}
	target, hasTarget := req.TargetVersion()
	res.Request.TargetVersion = target
	if !conf.Format.Structured() {
		summary(res.Request)
	}
	if conf.PrintRequest {
		if err := printRequest(conf.output(), req); err != nil {
			log.WithError(err).Error("failed to print TSS request")
		}
	}

	cert, ok := req.Bytes(conf.BCertKey)
	if !ok {
		return rep.Fatal("No BCert found in TSS request (%s)", conf.BCertKey)
	}
	res.Request.BCertSize = len(cert)
	if conf.PrintBCert {
		fmt.Fprintln(conf.output(), base64.StdEncoding.EncodeToString(cert))
	}

	root, err := bcert.Decode(cert)
	if err != nil {
		rep.Error("Failed to decode BCert: %v", err)
	}
	fields, findings := bcert.Resolve(root, conf.Options())
	res.BCert = &fields

	validity(fields, findings, conf.now(), rep)

	if fields.HasVersion() {
		rep.Add(report.InfoLevel, log.Fields{"strategy": fields.Strategy}, "SEP version: %s", fields.SEPVersion)
	} else {
		reasons := findingFields(findings, "version")
		if conf.Strict {
			return rep.Add(report.FatalLevel, reasons, "SEP version not found in BCert")
		}
		rep.Add(report.WarnLevel, reasons, "SEP version not found in BCert")
	}

	if hasTarget && fields.HasVersion() {
		if err := compareVersions(target, fields.SEPVersion, rep); err != nil {
			return err
		}
	} else if !hasTarget {
		log.Debugf("no %s in TSS request", tss.TargetVersionKey)
	}

	return status(doc, conf, rep, res)
}

func header(hdr *otalog.Header, rep *report.Report) {
	fields := log.Fields{}
	if hdr.BugType != "" {
		fields["bug_type"] = hdr.BugType
	}
	if !hdr.Timestamp.IsZero() {
		fields["timestamp"] = hdr.Timestamp.Format(dateFormat)
	}
	if id, ok := hdr.Incident(); ok {
		fields["incident"] = id.String()
	}
	if hdr.OsVersion == "" {
		rep.Add(report.InfoLevel, fields, "Log header found")
		return
	}
	rep.Add(report.InfoLevel, fields, "Log captured on %s (%s)", hdr.Version(), hdr.Build())
}

func summary(req *Request) {
	log.Info("TSS Request")
	if req.ProductType != "" {
		utils.Indent(log.Info, 2)(colors.Field("Product", req.ProductType))
	}
	if req.TargetVersion != "" {
		utils.Indent(log.Info, 2)(colors.Field("Target", req.TargetVersion))
	}
	if req.ChipID != 0 {
		utils.Indent(log.Info, 2)(colors.Field("ChipID", fmt.Sprintf("%#x", req.ChipID)))
	}
	if req.BoardID != 0 {
		utils.Indent(log.Info, 2)(colors.Field("BoardID", fmt.Sprintf("%#x", req.BoardID)))
	}
	if req.ECID != 0 {
		utils.Indent(log.Info, 2)(colors.Field("ECID", fmt.Sprintf("%#x", req.ECID)))
	}
}

func storage(doc *otalog.Document, conf *Config, rep *report.Report, res *Result) {
	m, ok := doc.FindCapture(conf.StorageRE())
	if !ok {
		return
	}
	n, err := strconv.ParseUint(m.Text, 10, 64)
	if err != nil {
		rep.Warn("Unable to parse storage shortage %q on line %d", m.Text, m.Index+1)
		return
	}
	res.Storage = &Storage{Bytes: n, Size: report.FormatStorageSize(n)}
	rep.Add(report.ErrorLevel, log.Fields{"bytes": report.FormatByteCount(n)},
		"Not enough storage for the update: %s required", res.Storage.Size)
}

func validity(fields bcert.Fields, findings []bcert.Finding, now time.Time, rep *report.Report) {
	if !fields.HasValidity() {
		rep.Add(report.WarnLevel, findingFields(findings, "validity"), "Validity period not found in BCert")
		return
	}
	notBefore, notAfter := *fields.NotBefore, *fields.NotAfter
	switch {
	case notAfter.Before(now):
		rep.Add(report.ErrorLevel, log.Fields{"not_before": notBefore.Format(dateFormat)},
			"BCert certificate expired %s (%s)", notAfter.Format(dateFormat), humanize.RelTime(notAfter, now, "ago", "from now"))
	case notBefore.After(now):
		rep.Add(report.ErrorLevel, log.Fields{"not_after": notAfter.Format(dateFormat)},
			"BCert certificate not valid before %s (%s)", notBefore.Format(dateFormat), humanize.RelTime(notBefore, now, "ago", "from now"))
	default:
		rep.Add(report.SuccessLevel, log.Fields{"not_before": notBefore.Format(dateFormat)},
			"BCert certificate valid until %s", notAfter.Format(dateFormat))
	}
}

func compareVersions(target, sep string, rep *report.Report) error {
	cmp, err := utils.CompareVersions(target, sep)
	if err != nil {
		rep.Warn("Unable to compare target version %s with SEP version %s: %v", target, sep, err)
		return nil
	}
	if cmp < 0 {
		return rep.Fatal("Target version %s is lower than SEP version %s, it is unsafe to proceed with this update", target, sep)
	}
	rep.Success("Target version %s is compatible with SEP version %s", target, sep)
	return nil
}

func status(doc *otalog.Document, conf *Config, rep *report.Report, res *Result) error {
	m, ok := doc.FindFullLine(conf.Sentinels.Status)
	if !ok {
		return rep.Add(conf.statusSeverity(), nil, "Unable to find TSS response line in log file")
	}
	rep.Add(report.InfoLevel, log.Fields{"line": m.Index + 1}, "%s", strings.TrimSpace(m.Text))

	resp, err := tss.ParseStatusLine(m.Text)
	if err != nil {
		log.WithError(err).Debug("failed to parse TSS response line")
		return nil
	}
	res.Status = resp
	if !resp.Success() {
		rep.Add(report.ErrorLevel, log.Fields{"status": resp.Status}, "TSS server declined the request: %s", resp.Message)
	}
	return nil
}

func findingFields(findings []bcert.Finding, field string) log.Fields {
	var reasons []string
	for _, f := range findings {
		if f.Field == field {
			reasons = append(reasons, f.String())
		}
	}
	if len(reasons) == 0 {
		return nil
	}
	return log.Fields{"reason": strings.Join(reasons, "; ")}
}

func printRequest(w io.Writer, req *tss.Request) error {
	xml, err := req.XML()
	if err != nil {
		return err
	}
	if colors.Enabled() {
		return quick.Highlight(w, string(xml)+"\n", "xml", "terminal256", "nord")
	}
	_, err = fmt.Fprintln(w, string(xml))
	return err
}
