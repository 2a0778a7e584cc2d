package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/rcliao/velos-memory/internal/health"
	"github.com/rcliao/velos-memory/internal/ingest"
	"github.com/rcliao/velos-memory/internal/logger"
	"github.com/rcliao/velos-memory/internal/model"
	"github.com/rcliao/velos-memory/internal/router"
	"github.com/rcliao/velos-memory/internal/store"
	"github.com/rcliao/velos-memory/internal/velos"
)

const maxBody = 8 << 20

// IngestRequest is the body of POST /ingest. Without items the configured
// sources are read.
type IngestRequest struct {
	DryRun bool             `json:"dry_run"`
	Items  []map[string]any `json:"items,omitempty"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	snap := s.svc.Health(r.Context())
	status := http.StatusOK
	if snap.Status == health.StatusFailed {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, snap)
}

func (s *Server) search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ints, err := intParams(r, "days", "limit", "offset")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, CodeBadRequest, err.Error())
		return
	}
	res, err := s.svc.Search(r.Context(), router.Query{
		Text:   q.Get("q"),
		Role:   q.Get("role"),
		Tag:    q.Get("tag"),
		Days:   ints["days"],
		Limit:  ints["limit"],
		Offset: ints["offset"],
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) contextPack(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ints, err := intParams(r, "days", "budget")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, CodeBadRequest, err.Error())
		return
	}
	res, err := s.svc.Context(r.Context(), velos.ContextParams{
		Query:  q.Get("q"),
		Role:   q.Get("role"),
		Tag:    q.Get("tag"),
		Days:   ints["days"],
		Budget: ints["budget"],
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) export(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/x-ndjson")
	n, err := s.svc.Export(r.Context(), w)
	if err != nil {
		// headers are gone once the first record is written
		logger.FromContext(r.Context()).Error("export failed", "records", n, "error", err)
	}
}

func (s *Server) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ints, err := intParams(r, "days", "limit", "offset")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, CodeBadRequest, err.Error())
		return
	}
	p := store.FilterParams{
		Role:   q.Get("role"),
		Tag:    q.Get("tag"),
		Limit:  ints["limit"],
		Offset: ints["offset"],
	}
	if d := ints["days"]; d > 0 {
		p.From = time.Now().Add(-time.Duration(d) * 24 * time.Hour).Unix()
	}
	recs, err := s.svc.List(r.Context(), p)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if recs == nil {
		recs = []model.Record{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	rec, err := s.svc.Get(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) insert(w http.ResponseWriter, r *http.Request) {
	var rec model.Record
	if !decode(w, r, &rec) {
		return
	}
	id, err := s.svc.Insert(r.Context(), rec)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int64{"id": id})
}

func (s *Server) update(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var patch model.Patch
	if !decode(w, r, &patch) {
		return
	}
	rec, err := s.svc.Update(r.Context(), id, patch)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) remove(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	deleted, err := s.svc.Delete(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !deleted {
		writeError(w, r, http.StatusNotFound, CodeNotFound, fmt.Sprintf("record %d not found", id))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) ingest(w http.ResponseWriter, r *http.Request) {
	var req IngestRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	opts := velos.IngestOptions{DryRun: req.DryRun}
	if len(req.Items) > 0 {
		opts.Sources = []ingest.Source{ingest.Inline{Label: "http", Items: req.Items}}
	}
	rep, err := s.svc.Ingest(r.Context(), opts)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) maintenance(w http.ResponseWriter, r *http.Request) {
	var (
		rep any
		err error
	)
	switch kind := chi.URLParam(r, "kind"); kind {
	case "clean":
		destructive, perr := strconv.ParseBool(orDefault(r.URL.Query().Get("destructive"), "false"))
		if perr != nil {
			writeError(w, r, http.StatusBadRequest, CodeBadRequest, "destructive must be a boolean")
			return
		}
		rep, err = s.svc.Clean(r.Context(), destructive)
	case "rebuild":
		rep, err = s.svc.RebuildFTS(r.Context())
	case "recover":
		rep, err = s.svc.Recover(r.Context())
	case "risk":
		rep, err = s.svc.Risk(r.Context())
	default:
		writeError(w, r, http.StatusNotFound, CodeNotFound, fmt.Sprintf("unknown maintenance kind %q", kind))
		return
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, r, http.StatusBadRequest, CodeBadRequest, "id must be a positive integer")
		return 0, false
	}
	return id, true
}

func intParams(r *http.Request, names ...string) (map[string]int, error) {
	out := make(map[string]int, len(names))
	q := r.URL.Query()
	for _, n := range names {
		v := q.Get(n)
		if v == "" {
			continue
		}
		i, err := strconv.Atoi(v)
		if err != nil || i < 0 {
			return nil, fmt.Errorf("%s must be a non-negative integer", n)
		}
		out[n] = i
	}
	return out, nil
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(v); err != nil {
		writeError(w, r, http.StatusBadRequest, CodeBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

// decodeOptional accepts an empty body.
func decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		writeError(w, r, http.StatusBadRequest, CodeBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
