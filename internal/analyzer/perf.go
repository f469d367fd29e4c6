package analyzer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/PuerkitoBio/goquery"

	"github.com/sitepulse/sitepulse/internal/scan"
)

// PerfReport is the perf analyzer's result payload. Times are
// milliseconds.
type PerfReport struct {
	FetchMillis      int64 `json:"fetch_ms"`
	RenderMillis     int64 `json:"render_ms,omitempty"`
	BodyBytes        int   `json:"body_bytes"`
	ScriptCount      int   `json:"script_count"`
	StylesheetCount  int   `json:"stylesheet_count"`
	ImageCount       int   `json:"image_count"`
	ExternalRequests int   `json:"external_requests"`
	StatusCode       int   `json:"status_code"`
	Compressed       bool  `json:"compressed"`
}

// PerfAnalyzer measures page weight and load timing. The plain fetch
// timing always lands in the report; render timing is added when a
// headless fetcher is configured.
type PerfAnalyzer struct {
	probe    scan.Fetcher
	headless scan.Fetcher
	clock    scan.Clock
}

// NewPerf constructs a PerfAnalyzer. headless may be nil.
func NewPerf(probe scan.Fetcher, headless scan.Fetcher, clock scan.Clock) *PerfAnalyzer {
	return &PerfAnalyzer{probe: probe, headless: headless, clock: clock}
}

// Analyze fetches the URL and reports its load characteristics.
func (a *PerfAnalyzer) Analyze(ctx context.Context, url string) (scan.Analysis, error) {
	resp, err := a.probe.Fetch(ctx, scan.FetchRequest{URL: url})
	if err != nil {
		return scan.Analysis{}, fmt.Errorf("perf probe: %w", err)
	}

	report := PerfReport{
		FetchMillis: resp.Duration.Milliseconds(),
		BodyBytes:   len(resp.Body),
		StatusCode:  resp.StatusCode,
		Compressed:  resp.Headers.Get("Content-Encoding") != "",
	}
	if doc, parseErr := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body)); parseErr == nil {
		report.ScriptCount = doc.Find("script[src]").Length()
		report.StylesheetCount = doc.Find(`link[rel="stylesheet"]`).Length()
		report.ImageCount = doc.Find("img[src]").Length()
		report.ExternalRequests = report.ScriptCount + report.StylesheetCount + report.ImageCount
	}

	if a.headless != nil {
		if rendered, renderErr := a.headless.Fetch(ctx, scan.FetchRequest{URL: url}); renderErr == nil {
			report.RenderMillis = rendered.Duration.Milliseconds()
		}
	}

	data, err := json.Marshal(report)
	if err != nil {
		return scan.Analysis{}, fmt.Errorf("encode perf report: %w", err)
	}
	return scan.Analysis{
		Type:        scan.TaskPerf,
		URL:         url,
		GeneratedAt: a.clock.Now(),
		Data:        data,
	}, nil
}
