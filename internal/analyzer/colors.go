package analyzer

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/sitepulse/sitepulse/internal/scan"
)

// ColorUsage is one palette entry with its occurrence count.
type ColorUsage struct {
	Hex   string `json:"hex"`
	Count int    `json:"count"`
}

// ColorsReport is the colors analyzer's result payload.
type ColorsReport struct {
	Palette  []ColorUsage `json:"palette"`
	Rendered bool         `json:"rendered"`
}

// ColorsAnalyzer extracts the dominant color palette from a page's
// markup and styles. It prefers the rendered DOM so styles injected by
// JavaScript are visible; without a renderer it falls back to the raw
// markup and flags the result as pending so it is retried soon.
type ColorsAnalyzer struct {
	probe    scan.Fetcher
	headless scan.Fetcher
	clock    scan.Clock
	logger   *zap.Logger

	// PaletteSize caps how many colors the report carries.
	PaletteSize int
}

// NewColors constructs a ColorsAnalyzer. headless may be nil.
func NewColors(probe scan.Fetcher, headless scan.Fetcher, clock scan.Clock, logger *zap.Logger) *ColorsAnalyzer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ColorsAnalyzer{
		probe:       probe,
		headless:    headless,
		clock:       clock,
		logger:      logger,
		PaletteSize: 12,
	}
}

var (
	hexColorRe = regexp.MustCompile(`#(?:[0-9a-fA-F]{6}|[0-9a-fA-F]{3})\b`)
	rgbColorRe = regexp.MustCompile(`rgba?\(\s*(\d{1,3})\s*,\s*(\d{1,3})\s*,\s*(\d{1,3})`)
)

// Analyze fetches the URL and reports its dominant colors.
func (a *ColorsAnalyzer) Analyze(ctx context.Context, url string) (scan.Analysis, error) {
	resp, pending := a.fetch(ctx, url)
	if len(resp.Body) == 0 {
		probe, err := a.probe.Fetch(ctx, scan.FetchRequest{URL: url})
		if err != nil {
			return scan.Analysis{}, fmt.Errorf("colors probe: %w", err)
		}
		resp = probe
	}

	report := ColorsReport{
		Palette:  extractPalette(string(resp.Body), a.PaletteSize),
		Rendered: resp.Rendered,
	}
	data, err := json.Marshal(report)
	if err != nil {
		return scan.Analysis{}, fmt.Errorf("encode colors report: %w", err)
	}
	return scan.Analysis{
		Type:        scan.TaskColors,
		URL:         url,
		GeneratedAt: a.clock.Now(),
		Pending:     pending,
		Data:        data,
	}, nil
}

// fetch prefers the rendered DOM. The pending flag is set when the
// renderer was wanted but unavailable, so the shortened failure TTL
// applies and the palette is recomputed once rendering recovers.
func (a *ColorsAnalyzer) fetch(ctx context.Context, url string) (scan.FetchResponse, bool) {
	if a.headless == nil {
		return scan.FetchResponse{}, true
	}
	resp, err := a.headless.Fetch(ctx, scan.FetchRequest{URL: url})
	if err != nil {
		a.logger.Warn("rendered fetch failed, falling back to probe",
			zap.String("url", url), zap.Error(err))
		return scan.FetchResponse{}, true
	}
	return resp, false
}

func extractPalette(body string, limit int) []ColorUsage {
	counts := map[string]int{}
	for _, match := range hexColorRe.FindAllString(body, -1) {
		counts[normalizeHex(match)]++
	}
	for _, match := range rgbColorRe.FindAllStringSubmatch(body, -1) {
		if hex, ok := rgbToHex(match[1], match[2], match[3]); ok {
			counts[hex]++
		}
	}

	palette := make([]ColorUsage, 0, len(counts))
	for hex, count := range counts {
		palette = append(palette, ColorUsage{Hex: hex, Count: count})
	}
	sort.Slice(palette, func(i, j int) bool {
		if palette[i].Count != palette[j].Count {
			return palette[i].Count > palette[j].Count
		}
		return palette[i].Hex < palette[j].Hex
	})
	if len(palette) > limit {
		palette = palette[:limit]
	}
	return palette
}

func normalizeHex(hex string) string {
	hex = strings.ToLower(hex)
	if len(hex) == 4 {
		// #abc expands to #aabbcc.
		return "#" + strings.Repeat(string(hex[1]), 2) +
			strings.Repeat(string(hex[2]), 2) +
			strings.Repeat(string(hex[3]), 2)
	}
	return hex
}

func rgbToHex(r, g, b string) (string, bool) {
	var ri, gi, bi int
	if _, err := fmt.Sscanf(r+" "+g+" "+b, "%d %d %d", &ri, &gi, &bi); err != nil {
		return "", false
	}
	if ri > 255 || gi > 255 || bi > 255 {
		return "", false
	}
	return fmt.Sprintf("#%02x%02x%02x", ri, gi, bi), true
}
