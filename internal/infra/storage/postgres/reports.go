package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ahrav/scan-console/internal/domain/findings"
	"github.com/ahrav/scan-console/internal/domain/reports"
	"github.com/ahrav/scan-console/internal/infra/storage"
)

// RequestReport implements reports.ReportClient. The report is rendered
// later by the job runner.
func (s *Store) RequestReport(ctx context.Context, filters reports.Filters, format reports.Format) (string, error) {
	if filters.ScanType == "" {
		return "", fieldError("scan_type", "scan_type is required")
	}
	if filters.NodeType == "" {
		return "", fieldError("node_type", "node_type is required")
	}
	if _, err := reports.ParseFormat(string(format)); err != nil {
		return "", fieldError("format", err.Error())
	}

	encoded, err := json.Marshal(filters)
	if err != nil {
		return "", fmt.Errorf("failed to encode report filters: %w", err)
	}

	id := s.newID()
	attrs := []attribute.KeyValue{
		attribute.String("report_id", id),
		attribute.String("format", string(format)),
	}
	err = storage.ExecuteAndTrace(ctx, s.tracer, "postgres.request_report", attrs, func(ctx context.Context) error {
		now := s.clock.Now().UTC()
		if _, err := s.pool.Exec(ctx, `
			INSERT INTO reports (report_id, status, format, filters, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $5)`,
			id, string(reports.StatusPending), string(format), encoded, now,
		); err != nil {
			return fmt.Errorf("failed to insert report: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// GetReport implements reports.ReportClient.
func (s *Store) GetReport(ctx context.Context, reportID string) (reports.ReportJob, error) {
	job := reports.ReportJob{ReportID: reportID}
	attrs := []attribute.KeyValue{attribute.String("report_id", reportID)}
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.get_report", attrs, func(ctx context.Context) error {
		var status, artifact string
		err := s.pool.QueryRow(ctx,
			`SELECT status, artifact_name, message FROM reports WHERE report_id = $1`, reportID,
		).Scan(&status, &artifact, &job.Message)
		if errors.Is(err, pgx.ErrNoRows) {
			return notFound("report", reportID)
		}
		if err != nil {
			return fmt.Errorf("failed to get report (report_id: %s): %w", reportID, err)
		}

		if job.Status, err = reports.ParseStatus(status); err != nil {
			return err
		}
		if job.Status == reports.StatusReady {
			job.ArtifactURL = s.artifactURL(artifact)
		}
		return nil
	})
	return job, err
}

func (s *Store) artifactURL(name string) string {
	return s.artifactBaseURL + "/v1/artifacts/" + url.PathEscape(name)
}

// PendingReport is a report claimed for rendering.
type PendingReport struct {
	ReportID string
	Format   reports.Format
	Filters  reports.Filters
}

// ClaimReport claims the oldest unclaimed pending report. found is false
// when there is nothing to render.
func (s *Store) ClaimReport(ctx context.Context) (rep PendingReport, found bool, err error) {
	err = storage.ExecuteAndTrace(ctx, s.tracer, "postgres.claim_report", nil, func(ctx context.Context) error {
		return s.inTx(ctx, func(tx pgx.Tx) error {
			var format string
			var filters []byte
			err := tx.QueryRow(ctx, `
				SELECT report_id, format, filters
				FROM reports
				WHERE status = $1 AND NOT claimed
				ORDER BY created_at
				FOR UPDATE SKIP LOCKED
				LIMIT 1`,
				string(reports.StatusPending),
			).Scan(&rep.ReportID, &format, &filters)
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("failed to claim report: %w", err)
			}
			if err := json.Unmarshal(filters, &rep.Filters); err != nil {
				return fmt.Errorf("failed to decode report filters (report_id: %s): %w", rep.ReportID, err)
			}
			rep.Format = reports.Format(format)

			if _, err := tx.Exec(ctx,
				`UPDATE reports SET claimed = TRUE, updated_at = $2 WHERE report_id = $1`,
				rep.ReportID, s.clock.Now().UTC(),
			); err != nil {
				return fmt.Errorf("failed to mark report claimed (report_id: %s): %w", rep.ReportID, err)
			}
			found = true
			return nil
		})
	})
	return rep, found, err
}

// CompleteReport marks a report ready with its rendered artifact.
func (s *Store) CompleteReport(ctx context.Context, reportID, artifactName string) error {
	return s.resolveReport(ctx, reportID, reports.StatusReady, artifactName, "")
}

// FailReport marks a report failed with msg.
func (s *Store) FailReport(ctx context.Context, reportID, msg string) error {
	return s.resolveReport(ctx, reportID, reports.StatusFailed, "", msg)
}

func (s *Store) resolveReport(ctx context.Context, reportID string, status reports.Status, artifact, msg string) error {
	attrs := []attribute.KeyValue{
		attribute.String("report_id", reportID),
		attribute.String("status", status.String()),
	}
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.resolve_report", attrs, func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx, `
			UPDATE reports SET status = $2, artifact_name = $3, message = $4, updated_at = $5
			WHERE report_id = $1 AND status = $6`,
			reportID, string(status), artifact, msg, s.clock.Now().UTC(), string(reports.StatusPending),
		)
		if err != nil {
			return fmt.Errorf("failed to resolve report (report_id: %s): %w", reportID, err)
		}
		if tag.RowsAffected() == 0 {
			return notFound("pending report", reportID)
		}
		return nil
	})
}

// ReportFindings returns the findings a report with filters covers, highest
// level first.
func (s *Store) ReportFindings(ctx context.Context, filters reports.Filters) ([]findings.Finding, error) {
	var rows []findings.Finding
	attrs := []attribute.KeyValue{
		attribute.String("scan_type", filters.ScanType.String()),
		attribute.String("node_type", filters.NodeType.String()),
	}
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.report_findings", attrs, func(ctx context.Context) error {
		res, err := s.pool.Query(ctx, `
			SELECT f.finding_id, f.scan_id, f.node_id, f.rule_id, f.severity, f.level,
			       f.file_path, f.masked, f.active, f.updated_at
			FROM findings f
			JOIN scans s ON s.scan_id = f.scan_id
			WHERE s.scan_type = $1 AND s.node_type = $2
			  AND (COALESCE(cardinality($3::text[]), 0) = 0 OR f.scan_id = ANY($3))
			  AND (COALESCE(cardinality($4::text[]), 0) = 0 OR f.severity = ANY($4))
			ORDER BY f.level DESC, f.finding_id`,
			string(filters.ScanType), string(filters.NodeType), filters.ScanIDs, filters.Severity,
		)
		if err != nil {
			return fmt.Errorf("failed to query report findings: %w", err)
		}
		defer res.Close()

		for res.Next() {
			f, err := scanFinding(res)
			if err != nil {
				return fmt.Errorf("failed to scan report finding: %w", err)
			}
			rows = append(rows, f)
		}
		return res.Err()
	})
	return rows, err
}
