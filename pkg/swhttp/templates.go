package swhttp

import (
	_ "embed"
	"html/template"
	"io"
	"net/url"
	"sort"
	"strings"
)

//go:embed directory.html
var directoryHtml string

var directoryTemplate = template.Must(template.New("directory").Parse(directoryHtml))

// ListingEntry is one row of a directory listing.
type ListingEntry struct {
	Name  string `json:"name"`
	Href  string `json:"href"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size"`
}

// Listing is the data behind a rendered directory page.
type Listing struct {
	Directory string         `json:"directory"`
	Parent    bool           `json:"parent"`
	Entries   []ListingEntry `json:"entries"`
}

// NewEntry builds a row with a relative, escaped link.
func NewEntry(name string, isDir bool, size int64) ListingEntry {
	href := (&url.URL{Path: name}).EscapedPath()
	// A name like "a:b" would otherwise be read as a scheme.
	if strings.Contains(strings.SplitN(href, "/", 2)[0], ":") {
		href = "./" + href
	}
	if isDir {
		href += "/"
		size = 0
	}
	return ListingEntry{Name: name, Href: href, IsDir: isDir, Size: size}
}

// SortEntries orders directories first, then names alphabetically.
func SortEntries(entries []ListingEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.IsDir != b.IsDir {
			return a.IsDir
		}
		la, lb := strings.ToLower(a.Name), strings.ToLower(b.Name)
		if la != lb {
			return la < lb
		}
		return a.Name < b.Name
	})
}

// RenderDirectory writes the HTML page for l. Names are escaped by the template.
func RenderDirectory(w io.Writer, l Listing) error {
	return directoryTemplate.Execute(w, l)
}
