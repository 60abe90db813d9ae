package handler

import (
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/koblas/mockserver/pkg/config"
	"github.com/rs/cors"
)

const (
	headerAllowOrigin    = "Access-Control-Allow-Origin"
	headerAllowMethods   = "Access-Control-Allow-Methods"
	headerAllowHeaders   = "Access-Control-Allow-Headers"
	headerMaxAge         = "Access-Control-Max-Age"
	headerRequestMethod  = "Access-Control-Request-Method"
	headerRequestHeaders = "Access-Control-Request-Headers"
)

var simpleMethods = strings.Join([]string{
	http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete,
	http.MethodOptions, http.MethodHead, http.MethodPatch,
}, ", ")

// corsDecision is the outcome of evaluating one request against the policy.
type corsDecision struct {
	headers    map[string]string
	varyOrigin bool
}

func isPreflight(r *http.Request) bool {
	return r.Method == http.MethodOptions && r.Header.Get(headerRequestMethod) != ""
}

// evaluateCors decides which CORS headers a response gets. An empty header
// set means the browser will block the request.
func evaluateCors(cfg *config.ServerConfig, r *http.Request, preflight bool) corsDecision {
	if cfg.CorsMode == config.CorsAdvanced {
		return evaluateAdvanced(cfg, r, preflight)
	}
	return evaluateSimple(cfg, r)
}

func evaluateSimple(cfg *config.ServerConfig, r *http.Request) corsDecision {
	d := corsDecision{headers: map[string]string{
		headerAllowOrigin:  "*",
		headerAllowMethods: simpleMethods,
		headerAllowHeaders: "*",
		headerMaxAge:       strconv.Itoa(cfg.CorsMaxAge),
	}}

	if requested := r.Header.Get(headerRequestHeaders); requested != "" {
		d.headers[headerAllowHeaders] = requested
		d.varyOrigin = true
	}

	return d
}

func evaluateAdvanced(cfg *config.ServerConfig, r *http.Request, preflight bool) corsDecision {
	d := corsDecision{varyOrigin: true}

	allowOrigin := matchOrigin(cfg.CorsOrigins, r)
	if allowOrigin == "" {
		return d
	}

	if preflight {
		if !listContains(cfg.CorsMethods, r.Header.Get(headerRequestMethod), false) {
			return d
		}
		for _, h := range splitHeaderList(r.Header.Get(headerRequestHeaders)) {
			if !listContains(cfg.CorsHeaders, h, true) {
				return d
			}
		}
	}

	d.headers = map[string]string{
		headerAllowOrigin: allowOrigin,
		headerMaxAge:      strconv.Itoa(cfg.CorsMaxAge),
	}
	if len(cfg.CorsMethods) > 0 {
		d.headers[headerAllowMethods] = strings.Join(cfg.CorsMethods, ", ")
	}
	if len(cfg.CorsHeaders) > 0 {
		d.headers[headerAllowHeaders] = strings.Join(cfg.CorsHeaders, ", ")
	}

	return d
}

// originPolicy is an rs/cors matcher built for one origin list.
type originPolicy struct {
	origins []string
	matcher *cors.Cors
}

var lastOriginPolicy atomic.Pointer[originPolicy]

// originMatcher returns a matcher for allowed, reusing the previous one
// while the list is unchanged.
func originMatcher(allowed []string) *cors.Cors {
	if p := lastOriginPolicy.Load(); p != nil && slices.Equal(p.origins, allowed) {
		return p.matcher
	}
	p := &originPolicy{
		origins: slices.Clone(allowed),
		matcher: cors.New(cors.Options{AllowedOrigins: allowed}),
	}
	lastOriginPolicy.Store(p)
	return p.matcher
}

// matchOrigin returns the Access-Control-Allow-Origin value for the
// request's origin, or "" when it is not allowed. A "*" entry answers with
// "*", otherwise the origin is echoed back.
func matchOrigin(allowed []string, r *http.Request) string {
	origin := r.Header.Get("Origin")
	// An empty list means "allow everything" to rs/cors; here it allows nothing.
	if origin == "" || len(allowed) == 0 {
		return ""
	}
	if !originMatcher(allowed).OriginAllowed(r) {
		return ""
	}
	if slices.Contains(allowed, "*") {
		return "*"
	}
	return origin
}

func listContains(list []string, value string, foldCase bool) bool {
	for _, entry := range list {
		if entry == "*" || entry == value || (foldCase && strings.EqualFold(entry, value)) {
			return true
		}
	}
	return false
}

func splitHeaderList(value string) []string {
	if value == "" {
		return nil
	}

	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// apply writes the decision onto h.
func (d corsDecision) apply(h http.Header) {
	for k, v := range d.headers {
		h.Set(k, v)
	}
	if d.varyOrigin {
		addVary(h, "Origin")
	}
}

func addVary(h http.Header, value string) {
	for _, existing := range h.Values("Vary") {
		for _, part := range strings.Split(existing, ",") {
			if strings.EqualFold(strings.TrimSpace(part), value) {
				return
			}
		}
	}
	h.Add("Vary", value)
}
