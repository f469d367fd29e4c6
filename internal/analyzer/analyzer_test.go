package analyzer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sitepulse/sitepulse/internal/headless/detector"
	"github.com/sitepulse/sitepulse/internal/scan"
)

type fixedClock struct {
	now time.Time
}

func (c fixedClock) Now() time.Time {
	return c.now
}

type stubFetcher struct {
	resp  scan.FetchResponse
	err   error
	calls int
}

func (f *stubFetcher) Fetch(_ context.Context, req scan.FetchRequest) (scan.FetchResponse, error) {
	f.calls++
	if f.err != nil {
		return scan.FetchResponse{}, f.err
	}
	resp := f.resp
	if resp.URL == "" {
		resp.URL = req.URL
	}
	return resp, nil
}

func testClock() fixedClock {
	return fixedClock{now: time.Unix(1700000000, 0).UTC()}
}

func htmlResponse(body string) scan.FetchResponse {
	return scan.FetchResponse{
		StatusCode: http.StatusOK,
		Headers:    http.Header{"Content-Type": {"text/html"}},
		Body:       []byte(body),
		Duration:   120 * time.Millisecond,
	}
}

func TestRegistryForType(t *testing.T) {
	t.Parallel()

	probe := &stubFetcher{resp: htmlResponse("<html></html>")}
	clock := testClock()
	reg := Registry{
		Tech:   NewTech(probe, nil, nil, nil, clock, nil),
		Colors: NewColors(probe, nil, clock, nil),
		SEO:    NewSEO(probe, clock),
		Perf:   NewPerf(probe, nil, clock),
	}
	for _, taskType := range scan.AllTaskTypes() {
		a, err := reg.ForType(taskType)
		require.NoError(t, err)
		require.NotNil(t, a)
	}
	_, err := reg.ForType("screenshots")
	require.ErrorIs(t, err, scan.ErrUnknownTaskType)
}

func TestTechAnalyzerFingerprintsHeadersAndMarkup(t *testing.T) {
	t.Parallel()

	probe := &stubFetcher{resp: scan.FetchResponse{
		StatusCode: http.StatusOK,
		Headers: http.Header{
			"Server":       {"nginx/1.25"},
			"X-Powered-By": {"PHP/8.2"},
		},
		Body: []byte(`<html><head><meta name="generator" content="WordPress 6.4"></head>
			<body><script src="/wp-content/t.js"></script></body></html>`),
	}}
	a := NewTech(probe, nil, nil, nil, testClock(), nil)

	analysis, err := a.Analyze(context.Background(), "https://example.com")
	require.NoError(t, err)
	require.Equal(t, scan.TaskTech, analysis.Type)
	require.True(t, analysis.Succeeded())

	var report TechReport
	require.NoError(t, json.Unmarshal(analysis.Data, &report))
	require.Equal(t, "nginx/1.25", report.Server)
	require.Equal(t, "WordPress 6.4", report.Generator)
	require.Contains(t, report.Technologies, "WordPress")
	require.Contains(t, report.Technologies, "PHP/8.2")
	require.False(t, report.Rendered)
}

func TestTechAnalyzerPromotesSPAShells(t *testing.T) {
	t.Parallel()

	probe := &stubFetcher{resp: htmlResponse(`<html><body><div id="root"></div></body></html>`)}
	rendered := htmlResponse(`<html><body data-reactroot=""><h1>app</h1></body></html>`)
	rendered.Rendered = true
	headless := &stubFetcher{resp: rendered}

	a := NewTech(probe, headless, detector.NewHeuristic(4096), nil, testClock(), nil)
	analysis, err := a.Analyze(context.Background(), "https://spa.example")
	require.NoError(t, err)
	require.Equal(t, 1, headless.calls)

	var report TechReport
	require.NoError(t, json.Unmarshal(analysis.Data, &report))
	require.True(t, report.Rendered)
	require.Contains(t, report.Technologies, "React")
}

func TestTechAnalyzerKeepsProbeResultWhenHeadlessFails(t *testing.T) {
	t.Parallel()

	probe := &stubFetcher{resp: htmlResponse(`<html><body><div id="root"></div></body></html>`)}
	headless := &stubFetcher{err: errors.New("browser crashed")}

	a := NewTech(probe, headless, detector.NewHeuristic(4096), nil, testClock(), nil)
	analysis, err := a.Analyze(context.Background(), "https://spa.example")
	require.NoError(t, err)

	var report TechReport
	require.NoError(t, json.Unmarshal(analysis.Data, &report))
	require.False(t, report.Rendered)
}

func TestSEOAnalyzerReportsSignals(t *testing.T) {
	t.Parallel()

	probe := &stubFetcher{resp: htmlResponse(`<html><head>
		<title>Example Store</title>
		<meta name="description" content="A store that sells examples.">
		<meta name="robots" content="index,follow">
		<meta property="og:title" content="Example Store">
		<link rel="canonical" href="https://example.com/">
	</head><body>
		<h1>Welcome</h1><h2>Products</h2>
		<a href="/about">About</a>
		<a href="https://example.com/shop">Shop</a>
		<a href="https://other.example/partner">Partner</a>
		<img src="/a.png"><img src="/b.png" alt="product photo">
	</body></html>`)}
	a := NewSEO(probe, testClock())

	analysis, err := a.Analyze(context.Background(), "https://example.com")
	require.NoError(t, err)

	var report SEOReport
	require.NoError(t, json.Unmarshal(analysis.Data, &report))
	require.Equal(t, "Example Store", report.Title)
	require.Equal(t, "A store that sells examples.", report.MetaDescription)
	require.Equal(t, "https://example.com/", report.Canonical)
	require.Equal(t, "index,follow", report.RobotsDirective)
	require.Equal(t, 1, report.H1Count)
	require.Equal(t, 2, report.InternalLinks)
	require.Equal(t, 1, report.ExternalLinks)
	require.Equal(t, 1, report.ImagesMissingAlt)
	require.True(t, report.HasOpenGraph)
	require.Len(t, report.HeadingOutline, 2)
}

func TestColorsAnalyzerExtractsPaletteFromRenderedDOM(t *testing.T) {
	t.Parallel()

	rendered := htmlResponse(`<html><head><style>
		body { background: #FFFFFF; color: #333; }
		.btn { background: rgb(255, 0, 0); border-color: #ff0000; }
	</style></head><body style="color:#333"></body></html>`)
	rendered.Rendered = true
	headless := &stubFetcher{resp: rendered}
	probe := &stubFetcher{resp: htmlResponse("<html></html>")}

	a := NewColors(probe, headless, testClock(), nil)
	analysis, err := a.Analyze(context.Background(), "https://example.com")
	require.NoError(t, err)
	require.False(t, analysis.Pending)
	require.True(t, analysis.Succeeded())
	require.Zero(t, probe.calls)

	var report ColorsReport
	require.NoError(t, json.Unmarshal(analysis.Data, &report))
	require.True(t, report.Rendered)
	// Two colors tie at two occurrences each; ties order by hex.
	require.Equal(t, "#333333", report.Palette[0].Hex)
	require.Equal(t, 2, report.Palette[0].Count)
	require.Equal(t, "#ff0000", report.Palette[1].Hex)
	require.Equal(t, 2, report.Palette[1].Count)
}

func TestColorsAnalyzerPendingWithoutRenderer(t *testing.T) {
	t.Parallel()

	probe := &stubFetcher{resp: htmlResponse(`<html><body style="color:#abcdef"></body></html>`)}
	a := NewColors(probe, nil, testClock(), nil)

	analysis, err := a.Analyze(context.Background(), "https://example.com")
	require.NoError(t, err)
	require.True(t, analysis.Pending)
	require.False(t, analysis.Succeeded())

	var report ColorsReport
	require.NoError(t, json.Unmarshal(analysis.Data, &report))
	require.Equal(t, "#abcdef", report.Palette[0].Hex)
}

func TestPerfAnalyzerMeasuresPageWeight(t *testing.T) {
	t.Parallel()

	resp := htmlResponse(`<html><head>
		<link rel="stylesheet" href="/a.css"><link rel="stylesheet" href="/b.css">
		<script src="/app.js"></script>
	</head><body><img src="/hero.png"></body></html>`)
	resp.Headers.Set("Content-Encoding", "gzip")
	probe := &stubFetcher{resp: resp}
	rendered := htmlResponse("<html></html>")
	rendered.Duration = 900 * time.Millisecond
	headless := &stubFetcher{resp: rendered}

	a := NewPerf(probe, headless, testClock())
	analysis, err := a.Analyze(context.Background(), "https://example.com")
	require.NoError(t, err)

	var report PerfReport
	require.NoError(t, json.Unmarshal(analysis.Data, &report))
	require.EqualValues(t, 120, report.FetchMillis)
	require.EqualValues(t, 900, report.RenderMillis)
	require.Equal(t, 1, report.ScriptCount)
	require.Equal(t, 2, report.StylesheetCount)
	require.Equal(t, 1, report.ImageCount)
	require.Equal(t, 4, report.ExternalRequests)
	require.True(t, report.Compressed)
}

func TestAnalyzersSurfaceProbeErrors(t *testing.T) {
	t.Parallel()

	probe := &stubFetcher{err: errors.New("connection refused")}
	clock := testClock()

	_, err := NewTech(probe, nil, nil, nil, clock, nil).Analyze(context.Background(), "https://down.example")
	require.Error(t, err)
	_, err = NewSEO(probe, clock).Analyze(context.Background(), "https://down.example")
	require.Error(t, err)
	_, err = NewPerf(probe, nil, clock).Analyze(context.Background(), "https://down.example")
	require.Error(t, err)
}
