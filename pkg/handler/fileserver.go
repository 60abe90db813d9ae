package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/koblas/mockserver/pkg/config"
	"github.com/koblas/mockserver/pkg/swhttp"
	"github.com/pkg/errors"
)

// sendFile streams name to the client. http.ServeContent copies in bounded
// chunks, answers HEAD without a body and handles conditional/range headers.
func (state *HandlerState) sendFile(w http.ResponseWriter, r *http.Request, name string) {
	f, err := os.Open(name)
	if err != nil {
		if os.IsNotExist(err) || os.IsPermission(err) {
			state.logger.WithError(err).Debug("file not readable")
			sendNotFound(w)
			return
		}
		state.logger.WithError(err).Error("open failed")
		sendServerError(w)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		state.logger.WithError(err).Error("stat failed")
		sendServerError(w)
		return
	}
	if info.IsDir() {
		sendNotFound(w)
		return
	}

	w.Header().Set("Content-Type", swhttp.ContentType(name))
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}

func (state *HandlerState) sendDirectory(w http.ResponseWriter, r *http.Request, res Resolution, cfg *config.ServerConfig) {
	if !cfg.ShowDirectoryListing {
		index, err := containedFile(res.Route.Root, filepath.Join(res.Path, "index.html"))
		if err != nil {
			state.logger.WithError(err).WithField("path", r.URL.Path).Debug("no index for directory")
			sendNotFound(w)
			return
		}
		state.sendFile(w, r, index)
		return
	}

	listing, err := state.renderDirectory(res, cfg.Unlisted)
	if err != nil {
		state.logger.WithError(err).WithField("path", r.URL.Path).Warn("directory not readable")
		sendNotFound(w)
		return
	}

	var buf bytes.Buffer
	contentType := "text/html; charset=utf-8"
	if acceptJSON(r) {
		contentType = "application/json; charset=utf-8"
		err = json.NewEncoder(&buf).Encode(listing)
	} else {
		err = swhttp.RenderDirectory(&buf, listing)
	}
	if err != nil {
		state.logger.WithError(err).Error("render listing")
		sendServerError(w)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		_, _ = w.Write(buf.Bytes())
	}
}

func (state *HandlerState) renderDirectory(res Resolution, unlisted []string) (swhttp.Listing, error) {
	dirents, err := os.ReadDir(res.Path)
	if err != nil {
		return swhttp.Listing{}, errors.Wrap(err, "read dir")
	}

	entries := make([]swhttp.ListingEntry, 0, len(dirents))
	for _, dirent := range dirents {
		name := dirent.Name()
		if !canBeListed(unlisted, name) {
			continue
		}

		// Links are followed, but only while they stay under the mapping root.
		target, err := containedFile(res.Route.Root, filepath.Join(res.Path, name))
		if err != nil {
			continue
		}
		info, err := os.Stat(target)
		if err != nil {
			continue
		}
		entries = append(entries, swhttp.NewEntry(name, info.IsDir(), info.Size()))
	}
	swhttp.SortEntries(entries)

	directory := res.URLPath
	if !strings.HasSuffix(directory, "/") {
		directory += "/"
	}

	// The mapping root still links up unless it is the site root.
	return swhttp.Listing{
		Directory: directory,
		Parent:    res.URLPath != "/",
		Entries:   entries,
	}, nil
}

func canBeListed(excluded []string, name string) bool {
	for _, pattern := range excluded {
		if ok, err := doublestar.Match(pattern, name); err == nil && ok {
			return false
		}
	}
	return true
}
