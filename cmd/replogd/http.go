package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"replicated-log/internal/replog"
	"replicated-log/internal/replog/streams"
)

const (
	maxValueSize       = 4 << 20
	defaultWaitTimeout = 30 * time.Second
)

// logHandler is the HTTP API of the logs hosted by this participant.
type logHandler struct {
	chi.Router
	nodes       map[replog.LogID]*node
	waitTimeout time.Duration
	log         *zap.Logger
}

func newRouter(nodes map[replog.LogID]*node, waitTimeout time.Duration, gatherer prometheus.Gatherer, log *zap.Logger) http.Handler {
	if waitTimeout <= 0 {
		waitTimeout = defaultWaitTimeout
	}
	h := &logHandler{
		Router:      chi.NewRouter(),
		nodes:       nodes,
		waitTimeout: waitTimeout,
		log:         log,
	}
	h.Use(
		middleware.Recoverer,
		middleware.RequestID,
	)
	h.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	h.Route("/logs/{id}", func(r chi.Router) {
		r.Get("/status", h.handleGetStatus)
		r.Get("/streams/{stream}", h.handleReadStream)
		r.Post("/streams/{stream}", h.handleInsert)
	})
	return h
}

type insertResponse struct {
	Index       replog.LogIndex  `json:"index"`
	CommitIndex *replog.LogIndex `json:"commitIndex,omitempty"`
}

type followerResponse struct {
	ID          replog.ParticipantID `json:"id"`
	MatchIndex  replog.LogIndex      `json:"matchIndex"`
	NextIndex   replog.LogIndex      `json:"nextIndex"`
	InFlight    bool                 `json:"inFlight"`
	LastError   string               `json:"lastError,omitempty"`
	LastContact string               `json:"lastContact,omitempty"`
}

type statusResponse struct {
	LogID          replog.LogID         `json:"logID"`
	Participant    replog.ParticipantID `json:"participant"`
	Role           string               `json:"role"`
	Term           replog.LogTerm       `json:"term"`
	Leader         replog.ParticipantID `json:"leader,omitempty"`
	CommitIndex    replog.LogIndex      `json:"commitIndex"`
	LastIndex      replog.LogIndex      `json:"lastIndex"`
	PersistedIndex replog.LogIndex      `json:"persistedIndex"`
	PendingWaiters int                  `json:"pendingWaiters"`
	WriteConcern   int                  `json:"writeConcern,omitempty"`
	Fenced         bool                 `json:"fenced,omitempty"`
	Followers      []followerResponse   `json:"followers,omitempty"`
	Streams        []streams.StreamID   `json:"streams"`
}

type streamEntryResponse struct {
	SubIndex uint64          `json:"subIndex"`
	Index    replog.LogIndex `json:"index"`
	Value    string          `json:"value"`
}

// handleInsert appends the request body to a stream. With wait=1 it responds once the entry is committed, or fails
// after waitTimeout.
func (h *logHandler) handleInsert(w http.ResponseWriter, r *http.Request) {
	n, ok := h.lookup(w, r)
	if !ok {
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxValueSize+1))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(body) > maxValueSize {
		h.writeError(w, http.StatusRequestEntityTooLarge, fmt.Errorf("value exceeds %d bytes", maxValueSize))
		return
	}

	id := streams.StreamID(chi.URLParam(r, "stream"))
	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		ctx, cancel := context.WithTimeout(r.Context(), h.waitTimeout)
		defer cancel()
		index, f, err := n.mux.InsertRawAndWait(ctx, id, body)
		if err != nil {
			h.writeError(w, statusFor(err), err)
			return
		}
		committed, err := f.Get(ctx)
		if err != nil {
			h.writeError(w, statusFor(err), err)
			return
		}
		h.writeJSON(w, http.StatusOK, insertResponse{Index: index, CommitIndex: &committed.CommitIndex})
		return
	}

	index, err := n.mux.InsertRaw(id, body)
	if err != nil {
		h.writeError(w, statusFor(err), err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, insertResponse{Index: index})
}

func (h *logHandler) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	n, ok := h.lookup(w, r)
	if !ok {
		return
	}
	s := n.log.Status()
	res := statusResponse{
		LogID:          s.LogID,
		Participant:    s.Participant,
		Role:           s.Role.String(),
		Term:           s.Term,
		Leader:         s.LeaderID,
		CommitIndex:    s.CommitIndex,
		LastIndex:      s.LastIndex,
		PersistedIndex: s.PersistedIndex,
		PendingWaiters: s.PendingWaiters,
		WriteConcern:   s.WriteConcern,
		Fenced:         s.Fenced,
		Streams:        n.demux.Streams(),
	}
	for _, f := range s.Followers {
		fr := followerResponse{
			ID:         f.ID,
			MatchIndex: f.MatchIndex,
			NextIndex:  f.NextIndex,
			InFlight:   f.InFlight,
			LastError:  f.LastError,
		}
		if !f.LastContact.IsZero() {
			fr.LastContact = f.LastContact.UTC().Format(time.RFC3339Nano)
		}
		res.Followers = append(res.Followers, fr)
	}
	h.writeJSON(w, http.StatusOK, res)
}

// handleReadStream lists the committed values of a stream, starting at the position given by from.
func (h *logHandler) handleReadStream(w http.ResponseWriter, r *http.Request) {
	n, ok := h.lookup(w, r)
	if !ok {
		return
	}
	from := uint64(1)
	if v := r.URL.Query().Get("from"); v != "" {
		var err error
		if from, err = strconv.ParseUint(v, 10, 64); err != nil || from == 0 {
			h.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid from %q", v))
			return
		}
	}

	stream, err := streams.ConsumerFor(n.demux, streams.StreamDescriptor[string]{
		ID:         streams.StreamID(chi.URLParam(r, "stream")),
		Serializer: streams.StringSerializer{},
	})
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	res := make([]streamEntryResponse, 0, stream.Len())
	it := stream.IteratorFrom(from)
	for {
		v, pos, ok := it.Next()
		if !ok {
			break
		}
		res = append(res, streamEntryResponse{SubIndex: pos.SubIndex, Index: pos.Index, Value: v})
	}
	h.writeJSON(w, http.StatusOK, res)
}

func (h *logHandler) lookup(w http.ResponseWriter, r *http.Request) (*node, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid log id %q", chi.URLParam(r, "id")))
		return nil, false
	}
	n, ok := h.nodes[replog.LogID(id)]
	if !ok {
		h.writeError(w, http.StatusNotFound, fmt.Errorf("log %d is not hosted here", id))
		return nil, false
	}
	return n, true
}

func statusFor(err error) int {
	var stale *replog.StaleTermError
	switch {
	case errors.Is(err, streams.ErrUnknownStream):
		return http.StatusNotFound
	case errors.Is(err, replog.ErrNotLeader), errors.Is(err, replog.ErrLeadershipChanged), errors.As(err, &stale):
		return http.StatusConflict
	case errors.Is(err, replog.ErrLogClosed), errors.Is(err, replog.ErrUninitialized), errors.Is(err, replog.ErrLeaderFenced):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (h *logHandler) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Debug("Failed to write response", zap.Error(err))
	}
}

func (h *logHandler) writeError(w http.ResponseWriter, code int, err error) {
	if code >= http.StatusInternalServerError {
		h.log.Warn("Request failed", zap.Int("code", code), zap.Error(err))
	}
	h.writeJSON(w, code, map[string]string{"error": err.Error()})
}
