package htsget

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// ErrMalformedQuery is returned for query strings outside the
// "<sequence>:<start>-<end>" grammar.
var ErrMalformedQuery = errors.New("htsget: malformed query")

var queryPattern = regexp.MustCompile(`^([^:]+):(\d+)-(\d+)$`)

// Query selects a region of a reference sequence. End is inclusive; zero
// means "to the end of the sequence".
type Query struct {
	Sequence string
	Start    uint64
	End      uint64
}

// ParseQuery parses "<sequence>:<start>-<end>".
func ParseQuery(s string) (Query, error) {
	m := queryPattern.FindStringSubmatch(s)
	if m == nil {
		return Query{}, fmt.Errorf("%w: %q", ErrMalformedQuery, s)
	}

	start, err := strconv.ParseUint(m[2], 10, 64)
	if err != nil {
		return Query{}, fmt.Errorf("%w: start: %v", ErrMalformedQuery, err)
	}
	end, err := strconv.ParseUint(m[3], 10, 64)
	if err != nil {
		return Query{}, fmt.Errorf("%w: end: %v", ErrMalformedQuery, err)
	}

	return Query{Sequence: m[1], Start: start, End: end}, nil
}

func (q Query) String() string {
	return fmt.Sprintf("%s:%d-%d", q.Sequence, q.Start, q.End)
}

// Format is a genomic file format served over htsget.
type Format string

const (
	BAM  Format = "BAM"
	CRAM Format = "CRAM"
	VCF  Format = "VCF"
	BCF  Format = "BCF"
)

// ParseFormat parses a format name, ignoring case.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToUpper(strings.TrimSpace(s))); f {
	case BAM, CRAM, VCF, BCF:
		return f, nil
	}
	return "", fmt.Errorf("htsget: unknown format %q", s)
}

// IsVariant reports whether f is served by the variants endpoint.
func (f Format) IsVariant() bool {
	return f == VCF || f == BCF
}

// TicketURL builds the ticket request URL for a dataset query. End is only
// appended when positive.
func TicketURL(base, datasetID string, format Format, q Query) string {
	var b strings.Builder
	b.WriteString(base)
	b.WriteString(url.PathEscape(datasetID))
	b.WriteString("?format=")
	b.WriteString(url.QueryEscape(string(format)))
	b.WriteString("&referenceName=")
	b.WriteString(url.QueryEscape(q.Sequence))
	b.WriteString("&start=")
	b.WriteString(strconv.FormatUint(q.Start, 10))
	if q.End > 0 {
		b.WriteString("&end=")
		b.WriteString(strconv.FormatUint(q.End, 10))
	}
	return b.String()
}
