package handler

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/koblas/mockserver/pkg/accesslog"
	"github.com/koblas/mockserver/pkg/config"
	"github.com/koblas/mockserver/pkg/logging"
	"github.com/sirupsen/logrus"
)

// WriteTimeout bounds every chunk written to a client.
const WriteTimeout = 30 * time.Second

const allowedMethods = "GET, HEAD, OPTIONS"

// Snapshots hands out the live policy and routing table. Both values are
// immutable; a request reads each once and keeps it for its whole life.
type Snapshots interface {
	Config() *config.ServerConfig
	Routes() *RouteTable
}

type HandlerState struct {
	snapshots Snapshots
	logs      *accesslog.Broadcaster
	logger    logrus.FieldLogger
	compress  func(http.Handler) http.Handler
}

// NewHandler builds the request pipeline: write deadlines, access logging,
// panic recovery and optional compression around the static responder.
func NewHandler(snapshots Snapshots, logs *accesslog.Broadcaster, logger logrus.FieldLogger) http.Handler {
	if logs == nil {
		logs = accesslog.NewBroadcaster(0)
	}
	state := &HandlerState{
		snapshots: snapshots,
		logs:      logs,
		logger:    logging.OrNop(logger),
		compress:  middleware.Compress(5),
	}

	router := chi.NewRouter()
	router.Use(writeDeadline(WriteTimeout))
	router.Use(state.accessLog)
	router.Use(middleware.Recoverer)
	router.Use(state.maybeCompress)

	router.NotFound(state.ServeHTTP)
	router.MethodNotAllowed(state.ServeHTTP)
	router.Handle("/*", state)

	return router
}

func (state *HandlerState) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cfg := state.snapshots.Config()

	if isPreflight(r) {
		evaluateCors(cfg, r, true).apply(w.Header())
		w.WriteHeader(http.StatusNoContent)
		return
	}

	evaluateCors(cfg, r, false).apply(w.Header())

	switch r.Method {
	case http.MethodGet, http.MethodHead:
	case http.MethodOptions:
		w.Header().Set("Allow", allowedMethods)
		w.WriteHeader(http.StatusNoContent)
		return
	default:
		w.Header().Set("Allow", allowedMethods)
		w.Header().Set("Content-Length", "0")
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	res, err := Resolve(state.snapshots.Routes(), r.URL.Path)
	if err != nil {
		state.logger.WithError(err).WithField("path", r.URL.Path).Debug("request not resolved")
		sendNotFound(w)
		return
	}

	switch res.Kind {
	case KindRedirect:
		// Built from the normalised path so "//host/dir" cannot become a
		// protocol-relative Location.
		location := (&url.URL{Path: res.URLPath + "/"}).EscapedPath()
		if r.URL.RawQuery != "" {
			location += "?" + r.URL.RawQuery
		}
		w.Header().Set("Location", location)
		w.Header().Set("Content-Length", "0")
		w.WriteHeader(http.StatusMovedPermanently)
	case KindDirectory:
		state.sendDirectory(w, r, res, cfg)
	default:
		state.sendFile(w, r, res.Path)
	}
}

func (state *HandlerState) maybeCompress(next http.Handler) http.Handler {
	compressed := state.compress(next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if state.snapshots.Config().Compression {
			compressed.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// accessLog publishes one entry per completed request, including requests
// whose client went away mid-response.
func (state *HandlerState) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		method, path := r.Method, r.URL.Path
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			size := int64(ww.BytesWritten())
			state.logs.Publish(accesslog.Entry{
				Timestamp: start.UTC(),
				Method:    method,
				Path:      path,
				Status:    status,
				Size:      &size,
				ElapsedMs: float64(time.Since(start).Microseconds()) / 1000,
			})
		}()

		next.ServeHTTP(ww, r)
	})
}

// deadlineWriter pushes the connection's write deadline forward before each
// chunk, so a slow client gets WriteTimeout per chunk rather than per response.
type deadlineWriter struct {
	http.ResponseWriter
	rc      *http.ResponseController
	timeout time.Duration
}

func (d *deadlineWriter) Write(p []byte) (int, error) {
	_ = d.rc.SetWriteDeadline(time.Now().Add(d.timeout))
	return d.ResponseWriter.Write(p)
}

func (d *deadlineWriter) Flush() {
	_ = d.rc.Flush()
}

func (d *deadlineWriter) Unwrap() http.ResponseWriter {
	return d.ResponseWriter
}

func writeDeadline(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rc := http.NewResponseController(w)
			// Keep-alive connections carry the previous request's deadline.
			_ = rc.SetWriteDeadline(time.Now().Add(timeout))
			next.ServeHTTP(&deadlineWriter{ResponseWriter: w, rc: rc, timeout: timeout}, r)
		})
	}
}

func acceptJSON(r *http.Request) bool {
	for _, value := range r.Header.Values("Accept") {
		if strings.Contains(strings.ToLower(value), "application/json") {
			return true
		}
	}
	return false
}

func sendNotFound(w http.ResponseWriter) {
	w.Header().Set("Content-Length", "0")
	w.WriteHeader(http.StatusNotFound)
}

func sendServerError(w http.ResponseWriter) {
	w.Header().Set("Content-Length", "0")
	w.WriteHeader(http.StatusInternalServerError)
}
