package relay

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"

	"github.com/maxpert/vole/docstore"
)

// GlobFilter relays events whose document id matches a glob pattern.
// With no patterns every id matches. Design documents are dropped unless
// IncludeDesign is set; they describe views and indexes, not data.
type GlobFilter struct {
	idGlobs       []glob.Glob
	includeDesign bool
}

// NewGlobFilter compiles the id patterns into a filter.
func NewGlobFilter(idPatterns []string, includeDesign bool) (*GlobFilter, error) {
	filter := &GlobFilter{
		idGlobs:       make([]glob.Glob, 0, len(idPatterns)),
		includeDesign: includeDesign,
	}

	for _, pattern := range idPatterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid id pattern %q: %w", pattern, err)
		}
		filter.idGlobs = append(filter.idGlobs, g)
	}

	return filter, nil
}

// Match reports whether the event passes the filter.
func (f *GlobFilter) Match(ev docstore.ChangeEvent) bool {
	if !f.includeDesign && strings.HasPrefix(ev.ID, docstore.DesignPrefix) {
		return false
	}

	if len(f.idGlobs) == 0 {
		return true
	}
	for _, g := range f.idGlobs {
		if g.Match(ev.ID) {
			return true
		}
	}
	return false
}
