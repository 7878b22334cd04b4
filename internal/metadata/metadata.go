// Package metadata extracts recording metadata from artifact filenames.
//
// Filenames follow the pattern
//
//	Artifacts_<flight>_<box>_<color>_<role>_<person...>_<DD.MM.YYYY>.csv
//
// The date token is the anchor: every positional field is read only if it
// appears before the anchor, and anything missing falls back to Unknown.
package metadata

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// Unknown is the sentinel for a positional field absent from the filename.
const Unknown = "Unknown"

// DateLayout is the on-disk layout of the anchor token.
const DateLayout = "02.01.2006"

var anchorRe = regexp.MustCompile(`^\d{2}\.\d{2}\.\d{4}$`)

// Metadata is the fixed-shape record derived from one filename.
type Metadata struct {
	FlightCode string    `json:"flight_code"`
	BoxName    string    `json:"box_name"`
	BoxColor   string    `json:"box_color"`
	Role       string    `json:"role"`
	PersonName string    `json:"person_name"`
	FileDate   time.Time `json:"-"`
}

// Date returns the file date as YYYY-MM-DD, or "" when unset.
func (m Metadata) Date() string {
	if m.FileDate.IsZero() {
		return ""
	}
	return m.FileDate.Format("2006-01-02")
}

// MarshalJSON renders FileDate as a calendar date.
func (m Metadata) MarshalJSON() ([]byte, error) {
	type plain Metadata
	return json.Marshal(struct {
		plain
		FileDate string `json:"file_date,omitempty"`
	}{plain: plain(m), FileDate: m.Date()})
}

// ParseFailure explains why a filename could not be parsed.
type ParseFailure struct {
	FileName string
	Reason   string
}

func (f *ParseFailure) Error() string {
	return fmt.Sprintf("file name %q: %s", f.FileName, f.Reason)
}

// Result is the outcome of Parse. Failure is nil on success.
type Result struct {
	Metadata Metadata
	Failure  *ParseFailure
}

// OK reports whether the filename parsed successfully.
func (r Result) OK() bool { return r.Failure == nil }

// Parser holds the tokenisation rules. The zero value is not usable; start
// from DefaultParser.
type Parser struct {
	Prefix    string
	Suffix    string
	Delimiter string
}

// DefaultParser handles the artifact export naming scheme.
var DefaultParser = Parser{Prefix: "Artifacts_", Suffix: ".csv", Delimiter: "_"}

// Parse runs DefaultParser.Parse.
func Parse(fileName string) Result { return DefaultParser.Parse(fileName) }

// Parse extracts Metadata from fileName. It never panics; problems are
// reported through Result.Failure.
func (p Parser) Parse(fileName string) Result {
	base := filepath.Base(fileName)

	stem := base
	if p.Suffix != "" && len(stem) >= len(p.Suffix) && strings.EqualFold(stem[len(stem)-len(p.Suffix):], p.Suffix) {
		stem = stem[:len(stem)-len(p.Suffix)]
	}
	stem = strings.TrimPrefix(stem, p.Prefix)

	delim := p.Delimiter
	if delim == "" {
		delim = "_"
	}
	parts := strings.Split(stem, delim)

	anchor := -1
	for i, tok := range parts {
		if anchorRe.MatchString(tok) {
			anchor = i
			break
		}
	}

	md := unknownMetadata()
	if anchor < 0 {
		return Result{Metadata: md, Failure: &ParseFailure{FileName: base, Reason: "date not found"}}
	}

	fields := []*string{&md.FlightCode, &md.BoxName, &md.BoxColor, &md.Role}
	for i, dst := range fields {
		if anchor > i && parts[i] != "" {
			*dst = parts[i]
		}
	}
	if anchor > 4 {
		name := strings.Join(parts[4:anchor], " ")
		if strings.TrimSpace(name) != "" {
			md.PersonName = norm.NFC.String(name)
		}
	}

	d, err := time.Parse(DateLayout, parts[anchor])
	if err != nil {
		return Result{Metadata: md, Failure: &ParseFailure{FileName: base, Reason: fmt.Sprintf("invalid date %q", parts[anchor])}}
	}
	md.FileDate = d

	return Result{Metadata: md}
}

func unknownMetadata() Metadata {
	return Metadata{
		FlightCode: Unknown,
		BoxName:    Unknown,
		BoxColor:   Unknown,
		Role:       Unknown,
		PersonName: Unknown,
	}
}
