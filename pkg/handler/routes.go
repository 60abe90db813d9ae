package handler

import (
	"path/filepath"
	"sort"
	"strings"

	"github.com/koblas/mockserver/pkg/config"
	"github.com/sirupsen/logrus"
)

// Route is an enabled mapping prepared for lookups.
type Route struct {
	ID          int64
	VirtualPath string
	// Root is the mapping's local path, canonicalised once when the table
	// was built. Every request still canonicalises its own candidate.
	Root string
}

// RouteTable is an immutable snapshot of the enabled mappings, ordered so
// the first prefix match is the longest.
type RouteTable struct {
	routes []Route
}

// NewRouteTable builds a snapshot from the stored mappings. Disabled
// mappings are skipped. A mapping whose directory has disappeared keeps its
// stored path; requests against it simply miss on disk.
func NewRouteTable(mappings []config.DirectoryMapping, log logrus.FieldLogger) *RouteTable {
	table := &RouteTable{routes: make([]Route, 0, len(mappings))}
	seen := make(map[string]bool, len(mappings))

	for _, m := range mappings {
		if !m.Enabled {
			continue
		}

		vpath, err := config.NormalizeVirtualPath(m.VirtualPath)
		if err != nil {
			if log != nil {
				log.WithError(err).WithField("mapping", m.ID).Warn("skipping mapping with invalid virtual path")
			}
			continue
		}
		if seen[vpath] {
			if log != nil {
				log.WithField("mapping", m.ID).WithField("virtual_path", vpath).Warn("skipping duplicate virtual path")
			}
			continue
		}
		seen[vpath] = true

		root, err := config.CanonicalLocalPath(m.LocalPath)
		if err != nil {
			if log != nil {
				log.WithError(err).WithField("mapping", m.ID).Warn("mapped directory is not available")
			}
			root = filepath.Clean(m.LocalPath)
		}

		table.routes = append(table.routes, Route{ID: m.ID, VirtualPath: vpath, Root: root})
	}

	sort.SliceStable(table.routes, func(i, j int) bool {
		return len(table.routes[i].VirtualPath) > len(table.routes[j].VirtualPath)
	})

	return table
}

// Len is the number of enabled routes.
func (t *RouteTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.routes)
}

// Routes returns a copy of the routes, longest prefix first.
func (t *RouteTable) Routes() []Route {
	if t == nil {
		return nil
	}
	return append([]Route(nil), t.routes...)
}

// Match finds the route with the longest virtual path that prefixes
// cleanPath on a segment boundary. The remainder always starts with "/".
func (t *RouteTable) Match(cleanPath string) (Route, string, bool) {
	if t == nil {
		return Route{}, "", false
	}

	for _, route := range t.routes {
		vp := route.VirtualPath
		switch {
		case vp == "/":
			return route, cleanPath, true
		case cleanPath == vp:
			return route, "/", true
		case strings.HasPrefix(cleanPath, vp) && cleanPath[len(vp)] == '/':
			return route, cleanPath[len(vp):], true
		}
	}

	return Route{}, "", false
}
