// Package admin exposes the control service as a JSON HTTP API, with the
// access log streamed over server-sent events or a WebSocket.
package admin

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/koblas/mockserver/pkg/accesslog"
	"github.com/koblas/mockserver/pkg/config"
	"github.com/koblas/mockserver/pkg/control"
	"github.com/koblas/mockserver/pkg/logging"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	maxBodyBytes = 1 << 20
	pingInterval = 30 * time.Second
	writeWait    = 10 * time.Second
)

type API struct {
	svc      *control.Service
	log      logrus.FieldLogger
	upgrader websocket.Upgrader
}

func New(svc *control.Service, log logrus.FieldLogger) *API {
	return &API{
		svc: svc,
		log: logging.OrNop(log),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// The API listens on loopback for the local front end.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handler builds the router.
func (a *API) Handler() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)

	router.Get("/state", a.handleGetState)
	router.Post("/start", a.handleStart)
	router.Post("/stop", a.handleStop)

	router.Get("/config", a.handleGetConfig)
	router.Patch("/config", a.handleUpdateConfig)

	router.Route("/mappings", func(r chi.Router) {
		r.Get("/", a.handleListMappings)
		r.Post("/", a.handleCreateMapping)
		r.Patch("/{id}", a.handleUpdateMapping)
		r.Delete("/{id}", a.handleDeleteMapping)
	})

	router.Get("/logs/stream", a.handleLogStream)
	router.Get("/logs/ws", a.handleLogSocket)

	return router
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

func writeError(w http.ResponseWriter, status int, code control.Code, message string) {
	writeJSON(w, status, map[string]string{
		"error":   string(code),
		"message": message,
	})
}

// writeControlError maps a control error onto an HTTP status.
func (a *API) writeControlError(w http.ResponseWriter, r *http.Request, err error) {
	code := control.CodeOf(err)

	status := http.StatusInternalServerError
	switch code {
	case control.CodeValidation:
		status = http.StatusBadRequest
	case control.CodeNotFound:
		status = http.StatusNotFound
	case control.CodeAlreadyRunning, control.CodeBusy:
		status = http.StatusConflict
	case control.CodeBindError:
		status = http.StatusBadGateway
	}

	if status >= http.StatusInternalServerError {
		a.log.WithError(err).WithField("path", r.URL.Path).Error("admin request failed")
	}
	writeError(w, status, code, err.Error())
}

func decodeBody(w http.ResponseWriter, r *http.Request, into any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(into); err != nil {
		return &config.ValidationError{Message: "invalid request body: " + err.Error()}
	}
	return nil
}

func (a *API) handleGetState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.svc.GetState(r.Context()))
}

func (a *API) handleStart(w http.ResponseWriter, r *http.Request) {
	state, err := a.svc.Start(r.Context())
	if err != nil {
		a.writeControlError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (a *API) handleStop(w http.ResponseWriter, r *http.Request) {
	state, err := a.svc.Stop(r.Context())
	if err != nil {
		a.writeControlError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (a *API) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := a.svc.GetConfig(r.Context())
	if err != nil {
		a.writeControlError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (a *API) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	var patch config.ConfigPatch
	if err := decodeBody(w, r, &patch); err != nil {
		a.writeControlError(w, r, err)
		return
	}

	cfg, err := a.svc.UpdateConfig(r.Context(), patch)
	if err != nil {
		a.writeControlError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (a *API) handleListMappings(w http.ResponseWriter, r *http.Request) {
	mappings, err := a.svc.ListMappings(r.Context())
	if err != nil {
		a.writeControlError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mappings)
}

type createMappingRequest struct {
	VirtualPath string `json:"virtual_path"`
	LocalPath   string `json:"local_path"`
}

func (a *API) handleCreateMapping(w http.ResponseWriter, r *http.Request) {
	var req createMappingRequest
	if err := decodeBody(w, r, &req); err != nil {
		a.writeControlError(w, r, err)
		return
	}

	m, err := a.svc.CreateMapping(r.Context(), req.VirtualPath, req.LocalPath)
	if err != nil {
		a.writeControlError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func mappingID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, &config.ValidationError{Field: "id", Message: "must be a positive integer"}
	}
	return id, nil
}

func (a *API) handleUpdateMapping(w http.ResponseWriter, r *http.Request) {
	id, err := mappingID(r)
	if err != nil {
		a.writeControlError(w, r, err)
		return
	}

	var patch config.MappingPatch
	if err := decodeBody(w, r, &patch); err != nil {
		a.writeControlError(w, r, err)
		return
	}

	m, err := a.svc.UpdateMapping(r.Context(), id, patch)
	if err != nil {
		a.writeControlError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (a *API) handleDeleteMapping(w http.ResponseWriter, r *http.Request) {
	id, err := mappingID(r)
	if err != nil {
		a.writeControlError(w, r, err)
		return
	}

	if err := a.svc.DeleteMapping(r.Context(), id); err != nil {
		a.writeControlError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleLogStream sends one server-sent event per access log entry until the
// client goes away.
func (a *API) handleLogStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		a.writeControlError(w, r, errors.New("streaming not supported"))
		return
	}

	sub := a.svc.SubscribeLogs()
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, ": subscribed %s\n\n", sub.ID)
	flusher.Flush()

	ctx := r.Context()
	keepalive := time.NewTicker(pingInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case entry, ok := <-sub.Entries():
			if !ok {
				return
			}
			if err := writeEvent(w, entry); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, entry accesslog.Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", accesslog.EventName, data)
	return err
}

// handleLogSocket sends one JSON text frame per access log entry.
func (a *API) handleLogSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.log.WithError(err).Debug("websocket upgrade failed")
		return
	}
	defer conn.Close()

	sub := a.svc.SubscribeLogs()
	defer sub.Close()

	log := a.log.WithField("subscription", sub.ID)
	log.Debug("log socket opened")

	// The reader only exists to notice the peer closing.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			log.Debug("log socket closed")
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case entry, ok := <-sub.Entries():
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(entry); err != nil {
				log.WithError(err).Debug("log socket write failed")
				return
			}
		}
	}
}
