// Package detector decides when an analysis needs a rendered DOM
// instead of the plain probe response.
package detector

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/sitepulse/sitepulse/internal/scan"
)

// Heuristic promotes a probe response to a headless render when the
// markup suggests the content the analyzers care about is built client
// side.
type Heuristic struct {
	// BodyLengthThreshold is the size below which a script-heavy page
	// is assumed to be an application shell.
	BodyLengthThreshold int
}

// NewHeuristic constructs a Heuristic; threshold 0 selects the default.
func NewHeuristic(threshold int) *Heuristic {
	if threshold == 0 {
		threshold = 2048
	}
	return &Heuristic{BodyLengthThreshold: threshold}
}

// scriptShareThreshold is the percentage of the document that script
// tags may occupy before the page is considered client rendered.
const scriptShareThreshold = 25

// clientRenderMarkers are mount points the common SPA frameworks leave
// in the served HTML. Their presence means the probe body is a shell
// and the analyzers would see none of the real page.
var clientRenderMarkers = [][]byte{
	[]byte("__next"),
	[]byte("id=\"root\""),
	[]byte("id=\"app\""),
	[]byte("data-reactroot"),
}

// ShouldPromote reports whether the analyzers need a rendered DOM for
// this response.
func (h *Heuristic) ShouldPromote(resp scan.FetchResponse) bool {
	if resp.StatusCode != http.StatusOK {
		// Error pages are analyzed as served.
		return false
	}
	body := resp.Body
	if len(body) == 0 {
		return true
	}
	if len(body) < h.BodyLengthThreshold && scriptShare(body) >= scriptShareThreshold {
		return true
	}
	for _, marker := range clientRenderMarkers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	return false
}

// scriptShare returns the percentage of the document occupied by
// script tags and their contents. Unterminated tags count through to
// the end of the document.
func scriptShare(body []byte) int {
	doc := strings.ToLower(string(body))
	if len(doc) == 0 {
		return 0
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	covered := 0
	pos := 0
	for {
		open := strings.Index(doc[pos:], openTag)
		if open == -1 {
			break
		}
		start := pos + open

		gt := strings.IndexByte(doc[start:], '>')
		if gt == -1 {
			covered += len(doc) - start
			break
		}
		contentStart := start + gt + 1

		end := strings.Index(doc[contentStart:], closeTag)
		if end == -1 {
			covered += len(doc) - start
			break
		}
		pos = contentStart + end + len(closeTag)
		covered += pos - start
	}
	return covered * 100 / len(doc)
}
