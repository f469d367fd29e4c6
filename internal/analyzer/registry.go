// Package analyzer implements the four analysis dimensions a scan runs
// against a URL: technology detection, color palette extraction, SEO
// checks, and performance probing.
package analyzer

import (
	"fmt"

	"github.com/sitepulse/sitepulse/internal/scan"
)

// Registry holds one analyzer per task type. The set is fixed at
// construction; dispatch is a switch, not a mutable lookup table.
type Registry struct {
	Tech   scan.Analyzer
	Colors scan.Analyzer
	SEO    scan.Analyzer
	Perf   scan.Analyzer
}

// ForType returns the analyzer responsible for the given task type.
func (r Registry) ForType(t scan.TaskType) (scan.Analyzer, error) {
	switch t {
	case scan.TaskTech:
		return r.Tech, nil
	case scan.TaskColors:
		return r.Colors, nil
	case scan.TaskSEO:
		return r.SEO, nil
	case scan.TaskPerf:
		return r.Perf, nil
	default:
		return nil, fmt.Errorf("%w: %q", scan.ErrUnknownTaskType, t)
	}
}
