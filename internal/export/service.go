package export

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/gosimple/slug"

	"maqlexpress/api/internal/catalog"
)

// Service produces catalog exports. chromePath may be empty, in which case
// PDF export looks for a Chromium binary on PATH.
type Service struct {
	chromePath string
	timeout    time.Duration
}

func NewService(chromePath string) *Service {
	return &Service{chromePath: chromePath, timeout: 30 * time.Second}
}

func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	if req.GeneratedAt.IsZero() {
		req.GeneratedAt = time.Now().UTC()
	}
	base := filename(req.PIDName)

	switch req.Format {
	case FormatCSV, "":
		var buf bytes.Buffer
		if err := catalog.Write(&buf, req.Variables); err != nil {
			return nil, fmt.Errorf("render csv: %w", err)
		}
		return &Result{Data: buf.Bytes(), Filename: base + ".csv", MimeType: "text/csv; charset=utf-8"}, nil
	case FormatHTML:
		html, err := RenderCatalogHTML(newTemplateData(req))
		if err != nil {
			return nil, fmt.Errorf("render template: %w", err)
		}
		return &Result{Data: []byte(html), Filename: base + ".html", MimeType: "text/html; charset=utf-8"}, nil
	case FormatPDF:
		html, err := RenderCatalogHTML(newTemplateData(req))
		if err != nil {
			return nil, fmt.Errorf("render template: %w", err)
		}
		data, err := s.renderPDF(ctx, html)
		if err != nil {
			return nil, err
		}
		return &Result{Data: data, Filename: base + ".pdf", MimeType: "application/pdf"}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, req.Format)
	}
}

func filename(pidName string) string {
	s := slug.Make(pidName)
	if len(s) > 50 {
		s = s[:50]
	}
	if s == "" {
		return "variables"
	}
	return s + "-variables"
}
