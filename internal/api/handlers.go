package api

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/scan-console/internal/domain/events"
	"github.com/ahrav/scan-console/internal/domain/findings"
	"github.com/ahrav/scan-console/internal/domain/reports"
	"github.com/ahrav/scan-console/internal/domain/scanning"
	"github.com/ahrav/scan-console/internal/infra/remote/wire"
)

func (s *Server) handleTriggerScan(w http.ResponseWriter, r *http.Request) {
	scanType, err := scanning.ParseScanType(pathParam(r, "scan"))
	if err != nil {
		s.badRequest(w, r, "invalid request", map[string]string{"scan_type": err.Error()})
		return
	}
	var req wire.TriggerScanRequest
	if !s.decode(w, r, &req) {
		return
	}
	nodeType, err := scanning.ParseNodeType(req.NodeType)
	if err != nil {
		s.badRequest(w, r, "invalid request", map[string]string{"node_type": err.Error()})
		return
	}

	jobs, err := s.backend.TriggerScan(r.Context(), req.NodeIDs, nodeType, scanType)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.metrics.IncScansTriggered(r.Context(), scanType.String(), len(jobs))

	resp := wire.ScanList{Scans: make([]wire.ScanJob, 0, len(jobs))}
	for _, j := range jobs {
		resp.Scans = append(resp.Scans, wire.FromScanJob(j))
	}
	s.writeJSON(w, r, http.StatusAccepted, resp)
}

func (s *Server) handleGetScan(w http.ResponseWriter, r *http.Request) {
	job, err := s.backend.GetScanStatus(r.Context(), pathParam(r, "scan"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, wire.FromScanJob(job))
}

func (s *Server) handleScanHistory(w http.ResponseWriter, r *http.Request) {
	nodeType, err := scanning.ParseNodeType(pathParam(r, "node_type"))
	if err != nil {
		s.badRequest(w, r, "invalid request", map[string]string{"node_type": err.Error()})
		return
	}
	scanType, err := scanning.ParseScanType(r.URL.Query().Get("scan_type"))
	if err != nil {
		s.badRequest(w, r, "invalid request", map[string]string{"scan_type": err.Error()})
		return
	}

	history, err := s.backend.ListScanHistory(r.Context(), pathParam(r, "node_id"), nodeType, scanType)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, wire.FromScanSummaries(history))
}

func (s *Server) handleStopScans(w http.ResponseWriter, r *http.Request) {
	scanType, err := scanning.ParseScanType(pathParam(r, "scan"))
	if err != nil {
		s.badRequest(w, r, "invalid request", map[string]string{"scan_type": err.Error()})
		return
	}
	var req wire.StopScansRequest
	if !s.decode(w, r, &req) {
		return
	}

	if err := s.backend.StopScans(r.Context(), req.ScanIDs, scanType); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteScan(w http.ResponseWriter, r *http.Request) {
	scanType, err := scanning.ParseScanType(pathParam(r, "scan"))
	if err != nil {
		s.badRequest(w, r, "invalid request", map[string]string{"scan_type": err.Error()})
		return
	}
	scanID := pathParam(r, "id")

	if err := s.backend.DeleteScan(r.Context(), scanID, scanType); err != nil {
		s.writeError(w, r, err)
		return
	}

	// Peers resolve the node from the scan they track, so only the scan type
	// is known here.
	s.publish(r.Context(), scanning.NewScanDeletedEvent(scanID, scanning.Lineage{ScanType: scanType}), scanID)
	s.publish(r.Context(), findings.NewResultsInvalidatedEvent(scanID, "delete_scan"), scanID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleQueryResults(w http.ResponseWriter, r *http.Request) {
	d := findings.DefaultDescriptor()
	if !s.decode(w, r, &d) {
		return
	}

	page, err := s.backend.QueryResults(r.Context(), pathParam(r, "scan"), d)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if page.Items == nil {
		page.Items = []findings.Finding{}
	}
	s.writeJSON(w, r, http.StatusOK, page)
}

// mutations maps the action path segment to the backend call and the
// invalidation reason published on success. Notifications change nothing a
// query would show.
var mutations = map[string]struct {
	call   func(Backend, context.Context, findings.MutationRequest) error
	reason string
}{
	"mask":   {call: Backend.MaskResults, reason: "mask"},
	"unmask": {call: Backend.UnmaskResults, reason: "unmask"},
	"notify": {call: Backend.NotifyResults},
	"delete": {call: Backend.DeleteResults, reason: "delete"},
}

func (s *Server) handleMutation(w http.ResponseWriter, r *http.Request) {
	action := pathParam(r, "action")
	m, ok := mutations[action]
	if !ok {
		s.writeJSON(w, r, http.StatusNotFound, wire.ErrorBody{Message: "unknown result action " + action})
		return
	}
	var req wire.MutationRequest
	if !s.decode(w, r, &req) {
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(
		attribute.String("action", action),
		attribute.String("scan_id", req.ScanID),
		attribute.Int("result_count", len(req.ResultIDs)),
	)

	if err := m.call(s.backend, r.Context(), req.ToDomain()); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.metrics.IncMutations(r.Context(), action, len(req.ResultIDs))
	if m.reason != "" {
		s.publish(r.Context(), findings.NewResultsInvalidatedEvent(req.ScanID, m.reason), req.ScanID)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRequestReport(w http.ResponseWriter, r *http.Request) {
	var req wire.ReportRequest
	if !s.decode(w, r, &req) {
		return
	}
	format, err := reports.ParseFormat(req.Format)
	if err != nil {
		s.badRequest(w, r, "invalid request", map[string]string{"format": err.Error()})
		return
	}

	id, err := s.backend.RequestReport(r.Context(), req.Filters, format)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusAccepted, wire.ReportAccepted{ReportID: id})
}

func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	job, err := s.backend.GetReport(r.Context(), pathParam(r, "report_id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, wire.FromReport(job))
}

// handleArtifact serves a rendered report. Names are plain file names inside
// the artifact directory.
func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	name := pathParam(r, "name")
	if s.cfg.ArtifactDir == "" || name == "" || name != filepath.Base(name) || name == "." || name == ".." {
		s.writeJSON(w, r, http.StatusNotFound, wire.ErrorBody{Message: "artifact not found"})
		return
	}

	f, err := os.Open(filepath.Join(s.cfg.ArtifactDir, name))
	if errors.Is(err, os.ErrNotExist) {
		s.writeJSON(w, r, http.StatusNotFound, wire.ErrorBody{Message: "artifact not found"})
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	http.ServeContent(w, r, name, info.ModTime(), f)
}

// publish sends evt when a publisher is configured. A failed publish is
// logged; the mutation it follows has already been applied.
func (s *Server) publish(ctx context.Context, evt events.DomainEvent, key string) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishDomainEvent(ctx, evt, events.WithKey(key)); err != nil {
		s.logger.Error(ctx, "failed to publish event", "event_type", evt.EventType(), "key", key, "error", err)
	}
}
