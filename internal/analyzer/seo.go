package analyzer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/sitepulse/sitepulse/internal/scan"
)

// SEOReport is the seo analyzer's result payload.
type SEOReport struct {
	Title            string   `json:"title"`
	TitleLength      int      `json:"title_length"`
	MetaDescription  string   `json:"meta_description"`
	Canonical        string   `json:"canonical,omitempty"`
	RobotsDirective  string   `json:"robots_directive,omitempty"`
	H1Count          int      `json:"h1_count"`
	HeadingOutline   []string `json:"heading_outline,omitempty"`
	InternalLinks    int      `json:"internal_links"`
	ExternalLinks    int      `json:"external_links"`
	ImagesMissingAlt int      `json:"images_missing_alt"`
	HasOpenGraph     bool     `json:"has_open_graph"`
	StatusCode       int      `json:"status_code"`
}

// SEOAnalyzer evaluates on-page SEO signals from the unrendered markup.
type SEOAnalyzer struct {
	probe scan.Fetcher
	clock scan.Clock
}

// NewSEO constructs an SEOAnalyzer.
func NewSEO(probe scan.Fetcher, clock scan.Clock) *SEOAnalyzer {
	return &SEOAnalyzer{probe: probe, clock: clock}
}

// Analyze fetches the URL and reports its on-page SEO signals.
func (a *SEOAnalyzer) Analyze(ctx context.Context, rawURL string) (scan.Analysis, error) {
	resp, err := a.probe.Fetch(ctx, scan.FetchRequest{URL: rawURL})
	if err != nil {
		return scan.Analysis{}, fmt.Errorf("seo probe: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return scan.Analysis{}, fmt.Errorf("parse document: %w", err)
	}

	report := buildSEOReport(doc, resp)
	data, err := json.Marshal(report)
	if err != nil {
		return scan.Analysis{}, fmt.Errorf("encode seo report: %w", err)
	}
	return scan.Analysis{
		Type:        scan.TaskSEO,
		URL:         rawURL,
		GeneratedAt: a.clock.Now(),
		Data:        data,
	}, nil
}

func buildSEOReport(doc *goquery.Document, resp scan.FetchResponse) SEOReport {
	title := strings.TrimSpace(doc.Find("title").First().Text())
	report := SEOReport{
		Title:       title,
		TitleLength: len(title),
		StatusCode:  resp.StatusCode,
		H1Count:     doc.Find("h1").Length(),
	}
	if desc, ok := doc.Find(`meta[name="description"]`).Attr("content"); ok {
		report.MetaDescription = strings.TrimSpace(desc)
	}
	if canonical, ok := doc.Find(`link[rel="canonical"]`).Attr("href"); ok {
		report.Canonical = canonical
	}
	if robots, ok := doc.Find(`meta[name="robots"]`).Attr("content"); ok {
		report.RobotsDirective = robots
	}
	report.HasOpenGraph = doc.Find(`meta[property^="og:"]`).Length() > 0

	doc.Find("h1, h2, h3").Each(func(_ int, sel *goquery.Selection) {
		text := strings.TrimSpace(sel.Text())
		if text != "" && len(report.HeadingOutline) < 20 {
			report.HeadingOutline = append(report.HeadingOutline, fmt.Sprintf("%s: %s", goquery.NodeName(sel), text))
		}
	})

	pageHost := hostOf(resp.URL)
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(href, "javascript:") {
			return
		}
		linkHost := hostOf(href)
		if linkHost == "" || linkHost == pageHost {
			report.InternalLinks++
		} else {
			report.ExternalLinks++
		}
	})

	doc.Find("img").Each(func(_ int, sel *goquery.Selection) {
		if alt, ok := sel.Attr("alt"); !ok || strings.TrimSpace(alt) == "" {
			report.ImagesMissingAlt++
		}
	})
	return report
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Host)
}
