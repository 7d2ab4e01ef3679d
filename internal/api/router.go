package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"framebufd/internal/logger"
	"framebufd/internal/session"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Sessions resolves a source ID to its playback session.
type Sessions interface {
	GetOrCreateSession(sourceID string) (*session.Session, error)
}

type API struct {
	sessions Sessions
	logger   logger.Logger
}

func New(sessions Sessions, log logger.Logger) http.Handler {
	api := &API{
		sessions: sessions,
		logger:   log,
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /sources/{sourceId}/frames/{frame}", api.handleFrame)
	mux.HandleFunc("GET /sources/{sourceId}/buffer", api.handleBuffer)
	mux.HandleFunc("DELETE /sources/{sourceId}/buffer", api.handleReset)
	mux.HandleFunc("POST /sources/{sourceId}/seek/{frame}", api.handleSeek)
	mux.Handle("GET /metrics", promhttp.Handler())

	return mux
}

func (a *API) session(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	sess, err := a.sessions.GetOrCreateSession(r.PathValue("sourceId"))
	if errors.Is(err, session.ErrUnknownSource) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return nil, false
	}
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to get session: %v", err), http.StatusInternalServerError)
		return nil, false
	}
	return sess, true
}

func frameParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	n, err := strconv.Atoi(r.PathValue("frame"))
	if err != nil {
		http.Error(w, fmt.Sprintf("Invalid frame number '%s'", r.PathValue("frame")), http.StatusBadRequest)
		return 0, false
	}
	return n, true
}

func (a *API) handleFrame(w http.ResponseWriter, r *http.Request) {
	n, ok := frameParam(w, r)
	if !ok {
		return
	}
	sess, ok := a.session(w, r)
	if !ok {
		return
	}

	frame, err := sess.Frame(r.Context(), n)
	switch {
	case errors.Is(err, session.ErrFrameOutOfRange):
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	case errors.Is(err, context.Canceled):
		return
	case err != nil:
		a.logger.Warnf("Failed to serve frame %d of %s: %v", n, sess.Source.ID, err)
		http.Error(w, fmt.Sprintf("Failed to fetch frame %d", n), http.StatusBadGateway)
		return
	}

	contentType := frame.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Write(frame.Data)
}

func (a *API) handleBuffer(w http.ResponseWriter, r *http.Request) {
	sess, ok := a.session(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(sess.Snapshot()); err != nil {
		a.logger.Errorf("Failed to encode buffer snapshot for %s: %v", sess.Source.ID, err)
	}
}

func (a *API) handleReset(w http.ResponseWriter, r *http.Request) {
	sess, ok := a.session(w, r)
	if !ok {
		return
	}
	sess.Reset()
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleSeek(w http.ResponseWriter, r *http.Request) {
	n, ok := frameParam(w, r)
	if !ok {
		return
	}
	sess, ok := a.session(w, r)
	if !ok {
		return
	}
	sess.Seek(n)
	w.WriteHeader(http.StatusNoContent)
}
