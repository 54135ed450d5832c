package api

import (
	"errors"
	"fmt"
	"html"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/rafaelwaynne/procwatch/internal/scan"
)

// scanAll starts a bulk scan in the background bounded by the server's base
// context and returns immediately.
func (s *Server) scanAll(w http.ResponseWriter, r *http.Request) {
	if s.opts.Scanner.Running() {
		writeError(w, http.StatusConflict, scan.ErrBulkInProgress.Error())
		return
	}
	reqID := requestID(r.Context())
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		report, err := s.opts.Scanner.ScanAll(s.opts.BaseContext)
		switch {
		case errors.Is(err, scan.ErrBulkInProgress):
			s.logger.Info("bulk scan skipped, another run is active", zap.String("request_id", reqID))
		case err != nil:
			s.logger.Error("bulk scan failed", zap.Error(err), zap.String("request_id", reqID))
		default:
			s.logger.Debug("bulk scan requested over http finished",
				zap.String("request_id", reqID),
				zap.Int("total", report.Total),
			)
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func (s *Server) runDigest(w http.ResponseWriter, r *http.Request) {
	if s.opts.Digest == nil {
		writeError(w, http.StatusServiceUnavailable, "digest is disabled")
		return
	}
	items, err := s.opts.Digest.Run(r.Context())
	if err != nil {
		s.logger.Error("digest run failed", zap.Error(err))
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	entries := 0
	for _, it := range items {
		entries += len(it.NewEntries)
	}
	writeJSON(w, http.StatusOK, map[string]int{"records": len(items), "entries": entries})
}

// mockMovements are listed newest first, the way tracking pages show them.
var mockMovements = []string{
	"10/01/2024 - Distribuído por sorteio",
	"12/02/2024 - Concluso para Despacho",
	"04/03/2024 - Juntada de petição intermediária",
	"20/03/2024 - Publicado despacho no DJe",
}

// mockProcessPage renders a deterministic tracking page. Revision N lists the
// first N movements, newest first; revisions beyond the table add numbered
// movements.
func (s *Server) mockProcessPage(w http.ResponseWriter, r *http.Request) {
	rev := 1
	if raw := r.URL.Query().Get("rev"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "rev must be a positive integer")
			return
		}
		rev = n
	}
	var b strings.Builder
	b.WriteString("<!doctype html><html><head><meta charset=\"utf-8\"><title>Processo</title></head><body>")
	b.WriteString("<h1>Processo 0001234-56.2024.8.26.0100</h1><ul>")
	for i := rev; i >= 1; i-- {
		fmt.Fprintf(&b, "<li>%s</li>", html.EscapeString(mockMovement(i)))
	}
	b.WriteString("</ul></body></html>")
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(b.String()))
}

func mockMovement(n int) string {
	if n <= len(mockMovements) {
		return mockMovements[n-1]
	}
	return fmt.Sprintf("%02d/04/2024 - Movimentação %d", (n-len(mockMovements))%28+1, n)
}
