package handler

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrRoutingMiss means no enabled mapping covers the request path.
	ErrRoutingMiss = errors.New("no mapping for path")
	// ErrPathEscape means the canonical candidate left the mapping root.
	ErrPathEscape = errors.New("path escapes mapping root")
	// ErrInvalidPath means the request path was malformed or climbed above "/".
	ErrInvalidPath = errors.New("invalid request path")
	// ErrNotExist means the candidate is missing or unreadable on disk.
	ErrNotExist = errors.New("path does not exist")
)

type ResolutionKind int

const (
	KindFile ResolutionKind = iota
	KindDirectory
	// KindRedirect is a directory addressed without its trailing slash.
	KindRedirect
)

// Resolution is where a request landed on disk.
type Resolution struct {
	Kind  ResolutionKind
	Path  string
	Route Route
	// URLPath is the normalised request path, without a trailing slash.
	URLPath string
	// AtRoot is set when the request addressed the mapping root itself.
	AtRoot bool
}

// cleanRequestPath normalises a decoded request path without touching the
// filesystem. It reports whether the path addresses a directory form
// (trailing slash, or ending in "." / "..").
func cleanRequestPath(raw string) (string, bool, error) {
	if raw == "" || raw[0] != '/' {
		return "", false, ErrInvalidPath
	}
	if strings.IndexByte(raw, 0) >= 0 || strings.Contains(strings.ToLower(raw), "%00") {
		return "", false, ErrInvalidPath
	}

	segments := strings.Split(raw, "/")
	stack := make([]string, 0, len(segments))
	for _, seg := range segments {
		switch seg {
		case "", ".":
		case "..":
			if len(stack) == 0 {
				return "", false, ErrInvalidPath
			}
			stack = stack[:len(stack)-1]
		default:
			// A backslash is a separator on Windows and would bypass the walk above.
			if filepath.Separator != '/' && strings.ContainsRune(seg, filepath.Separator) {
				return "", false, ErrInvalidPath
			}
			stack = append(stack, seg)
		}
	}

	last := segments[len(segments)-1]
	trailing := last == "" || last == "." || last == ".."

	return "/" + strings.Join(stack, "/"), trailing, nil
}

// Resolve maps a decoded request path onto the filesystem through the given
// snapshot, enforcing that the canonical result stays under the mapping root.
func Resolve(table *RouteTable, requestPath string) (Resolution, error) {
	clean, trailing, err := cleanRequestPath(requestPath)
	if err != nil {
		return Resolution{}, err
	}

	route, remainder, ok := table.Match(clean)
	if !ok {
		return Resolution{}, ErrRoutingMiss
	}

	candidate := filepath.Join(route.Root, filepath.FromSlash(remainder))

	real, err := filepath.EvalSymlinks(candidate)
	if err != nil {
		return Resolution{}, errors.Wrap(ErrNotExist, err.Error())
	}

	if !pathIsInside(real, route.Root) {
		return Resolution{}, ErrPathEscape
	}

	info, err := os.Stat(real)
	if err != nil {
		return Resolution{}, errors.Wrap(ErrNotExist, err.Error())
	}

	res := Resolution{
		Kind:    KindFile,
		Path:    real,
		Route:   route,
		URLPath: clean,
		AtRoot:  remainder == "/",
	}

	switch {
	case info.IsDir() && trailing:
		res.Kind = KindDirectory
	case info.IsDir():
		res.Kind = KindRedirect
	case trailing && !res.AtRoot:
		return Resolution{}, errors.Wrap(ErrNotExist, "file addressed as a directory")
	}

	return res, nil
}

// containedFile canonicalises name and checks it is still under root.
func containedFile(root, name string) (string, error) {
	real, err := filepath.EvalSymlinks(name)
	if err != nil {
		return "", errors.Wrap(ErrNotExist, err.Error())
	}
	if !pathIsInside(real, root) {
		return "", ErrPathEscape
	}
	return real, nil
}
