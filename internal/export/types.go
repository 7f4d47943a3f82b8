// Package export renders a PID's variable catalog as CSV, HTML or PDF.
package export

import (
	"errors"
	"time"

	"maqlexpress/api/internal/store"
)

type Format string

const (
	FormatCSV  Format = "csv"
	FormatHTML Format = "html"
	FormatPDF  Format = "pdf"
)

// ParseFormat defaults to CSV for an empty value.
func ParseFormat(raw string) (Format, error) {
	switch Format(raw) {
	case "":
		return FormatCSV, nil
	case FormatCSV, FormatHTML, FormatPDF:
		return Format(raw), nil
	}
	return "", ErrUnsupportedFormat
}

type Request struct {
	PIDName     string
	ProjectID   string
	Owner       string
	Variables   []store.Variable
	Format      Format
	GeneratedAt time.Time
}

type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

var (
	ErrUnsupportedFormat = errors.New("unsupported export format")
	// ErrPDFDependencyMissing indicates no Chrome/Chromium binary is available.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
)
