package analyzer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/sitepulse/sitepulse/internal/archive"
	"github.com/sitepulse/sitepulse/internal/headless/detector"
	"github.com/sitepulse/sitepulse/internal/scan"
)

// TechReport is the tech analyzer's result payload.
type TechReport struct {
	Server       string   `json:"server,omitempty"`
	PoweredBy    string   `json:"powered_by,omitempty"`
	Generator    string   `json:"generator,omitempty"`
	Technologies []string `json:"technologies"`
	Rendered     bool     `json:"rendered"`
}

// TechAnalyzer fingerprints the stack behind a URL from response
// headers and markup. Pages that look like client-rendered shells are
// promoted to a headless fetch before fingerprinting.
type TechAnalyzer struct {
	probe    scan.Fetcher
	headless scan.Fetcher
	detect   *detector.Heuristic
	archiver *archive.Recorder
	clock    scan.Clock
	logger   *zap.Logger
}

// NewTech constructs a TechAnalyzer. headless may be nil to disable
// promotion; archiver may be nil to disable page archiving.
func NewTech(probe scan.Fetcher, headless scan.Fetcher, detect *detector.Heuristic, archiver *archive.Recorder, clock scan.Clock, logger *zap.Logger) *TechAnalyzer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TechAnalyzer{
		probe:    probe,
		headless: headless,
		detect:   detect,
		archiver: archiver,
		clock:    clock,
		logger:   logger,
	}
}

// markupFingerprints map a marker substring in the document to a
// technology name.
var markupFingerprints = []struct {
	marker string
	name   string
}{
	{"wp-content", "WordPress"},
	{"wp-includes", "WordPress"},
	{"data-reactroot", "React"},
	{"__next", "Next.js"},
	{"data-v-app", "Vue.js"},
	{"ng-version", "Angular"},
	{"jquery", "jQuery"},
	{"bootstrap", "Bootstrap"},
	{"tailwind", "Tailwind CSS"},
	{"shopify", "Shopify"},
	{"gatsby", "Gatsby"},
	{"drupal", "Drupal"},
}

// Analyze fetches the URL and reports the detected stack.
func (a *TechAnalyzer) Analyze(ctx context.Context, url string) (scan.Analysis, error) {
	resp, err := a.probe.Fetch(ctx, scan.FetchRequest{URL: url})
	if err != nil {
		return scan.Analysis{}, fmt.Errorf("tech probe: %w", err)
	}

	if a.headless != nil && a.detect != nil && a.detect.ShouldPromote(resp) {
		rendered, renderErr := a.headless.Fetch(ctx, scan.FetchRequest{URL: url})
		if renderErr != nil {
			a.logger.Warn("headless promotion failed, using probe response",
				zap.String("url", url), zap.Error(renderErr))
		} else {
			// Keep the probe headers: the rendered response carries the
			// document headers seen by the browser, which may omit some.
			mergeHeaders(rendered.Headers, resp.Headers)
			resp = rendered
		}
	}

	if a.archiver.Enabled() {
		if _, err := a.archiver.Record(ctx, url, resp.Body); err != nil {
			a.logger.Debug("page archive skipped", zap.String("url", url), zap.Error(err))
		}
	}

	report := fingerprint(resp)
	data, err := json.Marshal(report)
	if err != nil {
		return scan.Analysis{}, fmt.Errorf("encode tech report: %w", err)
	}
	return scan.Analysis{
		Type:        scan.TaskTech,
		URL:         url,
		GeneratedAt: a.clock.Now(),
		Data:        data,
	}, nil
}

func fingerprint(resp scan.FetchResponse) TechReport {
	report := TechReport{
		Server:    resp.Headers.Get("Server"),
		PoweredBy: resp.Headers.Get("X-Powered-By"),
		Rendered:  resp.Rendered,
	}

	found := map[string]struct{}{}
	lower := strings.ToLower(string(resp.Body))
	for _, fp := range markupFingerprints {
		if strings.Contains(lower, fp.marker) {
			found[fp.name] = struct{}{}
		}
	}
	if report.PoweredBy != "" {
		found[report.PoweredBy] = struct{}{}
	}

	if doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body)); err == nil {
		if generator, ok := doc.Find(`meta[name="generator"]`).Attr("content"); ok {
			report.Generator = generator
			if name := strings.TrimSpace(strings.SplitN(generator, " ", 2)[0]); name != "" {
				found[name] = struct{}{}
			}
		}
	}

	report.Technologies = make([]string, 0, len(found))
	for name := range found {
		report.Technologies = append(report.Technologies, name)
	}
	sort.Strings(report.Technologies)
	return report
}

func mergeHeaders(dst, src http.Header) {
	for key, values := range src {
		if dst.Get(key) != "" {
			continue
		}
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}
