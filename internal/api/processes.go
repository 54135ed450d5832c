package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/rafaelwaynne/procwatch/internal/monitor"
)

const maxBodyBytes = 1 << 20

type processRequest struct {
	Number *string         `json:"number"`
	Author *string         `json:"author"`
	Status *monitor.Status `json:"status"`
	Marked *bool           `json:"marked"`
	Link   *string         `json:"link"`
}

func (p processRequest) validate() error {
	if p.Status != nil && !p.Status.Valid() {
		return errors.New("status must be EM ANDAMENTO or ENCERRADO")
	}
	return nil
}

type historyRequest struct {
	Summary   string             `json:"summary"`
	Message   string             `json:"message"`
	Movements []monitor.Movement `json:"movements"`
}

type deleteEvent struct {
	ID string `json:"id"`
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func (s *Server) broadcast(event string, payload any) {
	if s.opts.Broadcaster != nil {
		s.opts.Broadcaster.Broadcast(event, payload)
	}
}

func (s *Server) listProcesses(w http.ResponseWriter, r *http.Request) {
	records, err := s.opts.Store.ListRecords(r.Context())
	if err != nil {
		s.logger.Error("list processes failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list processes")
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) createProcess(w http.ResponseWriter, r *http.Request) {
	var req processRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := s.opts.IDs.NewID()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to generate id")
		return
	}
	now := s.opts.Clock.Now()
	rec := monitor.ProcessRecord{
		ID:        id,
		Status:    monitor.StatusOngoing,
		History:   []monitor.HistoryEntry{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	monitor.RecordUpdate{
		Number: req.Number,
		Author: req.Author,
		Status: req.Status,
		Marked: req.Marked,
		Link:   trimmed(req.Link),
	}.Apply(&rec)

	if err := s.opts.Store.CreateRecord(r.Context(), rec); err != nil {
		s.logger.Error("create process failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create process")
		return
	}
	s.broadcast(monitor.EventProcessUpdate, rec)
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) getProcess(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.loadRecord(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// updateProcess edits CRUD fields. History, fingerprint and scan counters
// are owned by the scanner and cannot be set here.
func (s *Server) updateProcess(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req processRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	update := monitor.RecordUpdate{
		Number:    req.Number,
		Author:    req.Author,
		Status:    req.Status,
		Marked:    req.Marked,
		Link:      trimmed(req.Link),
		UpdatedAt: s.opts.Clock.Now(),
	}
	if err := s.opts.Store.UpdateRecord(r.Context(), id, update); err != nil {
		s.storeError(w, err, "update process")
		return
	}
	rec, ok := s.loadRecord(w, r)
	if !ok {
		return
	}
	s.broadcast(monitor.EventProcessUpdate, rec)
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) deleteProcess(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.opts.Store.DeleteRecord(r.Context(), id); err != nil {
		s.storeError(w, err, "delete process")
		return
	}
	s.broadcast(monitor.EventProcessDelete, deleteEvent{ID: id})
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// addHistory appends an operator entry. It never changes the fingerprint, so
// the next scan still compares against the last scan-produced entry.
func (s *Server) addHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req historyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if strings.TrimSpace(req.Summary) == "" && strings.TrimSpace(req.Message) == "" && len(req.Movements) == 0 {
		writeError(w, http.StatusBadRequest, "summary, message or movements required")
		return
	}
	entryID, err := s.opts.IDs.NewID()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to generate id")
		return
	}
	now := s.opts.Clock.Now()
	entry := monitor.HistoryEntry{
		ID:        entryID,
		Date:      now,
		Source:    monitor.SourceManual,
		Summary:   strings.TrimSpace(req.Summary),
		Message:   strings.TrimSpace(req.Message),
		Movements: req.Movements,
	}
	if err := s.opts.Store.UpdateRecord(r.Context(), id, monitor.RecordUpdate{
		Append:    []monitor.HistoryEntry{entry},
		UpdatedAt: now,
	}); err != nil {
		s.storeError(w, err, "append history")
		return
	}
	s.broadcast(monitor.EventProcessHistory, monitor.HistoryEvent{ProcessID: id, Entry: entry})
	writeJSON(w, http.StatusCreated, entry)
}

func (s *Server) scanProcess(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	result, err := s.opts.Scanner.ScanByID(r.Context(), id)
	if err != nil {
		s.storeError(w, err, "scan process")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type scanLogView struct {
	monitor.ScanLog
	DurationMS int64 `json:"durationMs"`
}

func (s *Server) listScanLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	logs, err := s.opts.Store.ListScanLogs(r.Context(), id, limit)
	if err != nil {
		s.storeError(w, err, "list scan logs")
		return
	}
	out := make([]scanLogView, len(logs))
	for i, l := range logs {
		out[i] = scanLogView{ScanLog: l, DurationMS: l.DurationMS()}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) loadRecord(w http.ResponseWriter, r *http.Request) (monitor.ProcessRecord, bool) {
	rec, err := s.opts.Store.GetRecord(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.storeError(w, err, "get process")
		return monitor.ProcessRecord{}, false
	}
	return rec, true
}

func (s *Server) storeError(w http.ResponseWriter, err error, op string) {
	if errors.Is(err, monitor.ErrNotFound) {
		writeError(w, http.StatusNotFound, "process not found")
		return
	}
	s.logger.Error(op+" failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, op+" failed")
}

func trimmed(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	return &v
}
