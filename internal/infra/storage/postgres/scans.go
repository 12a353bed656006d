package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ahrav/scan-console/internal/domain/findings"
	"github.com/ahrav/scan-console/internal/domain/scanning"
	"github.com/ahrav/scan-console/internal/infra/storage"
)

const scanColumns = `scan_id, node_id, node_type, scan_type, status, status_message, updated_at`

func scanJob(row pgx.Row) (scanning.ScanJob, error) {
	var (
		job      scanning.ScanJob
		nodeType string
		scanType string
		status   string
	)
	if err := row.Scan(&job.ScanID, &job.NodeID, &nodeType, &scanType, &status, &job.StatusMessage, &job.UpdatedAt); err != nil {
		return scanning.ScanJob{}, err
	}
	job.NodeType = scanning.NodeType(nodeType)
	job.ScanType = scanning.ScanType(scanType)
	job.Status = scanning.ScanStatus(status)
	return job, nil
}

// TriggerScan implements scanning.ScanClient. One queued scan is created per
// node.
func (s *Store) TriggerScan(
	ctx context.Context,
	nodeIDs []string,
	nodeType scanning.NodeType,
	scanType scanning.ScanType,
) ([]scanning.ScanJob, error) {
	if len(nodeIDs) == 0 {
		return nil, fieldError("node_ids", "node_ids is required")
	}
	if _, err := scanning.ParseNodeType(string(nodeType)); err != nil {
		return nil, fieldError("node_type", err.Error())
	}
	if _, err := scanning.ParseScanType(string(scanType)); err != nil {
		return nil, fieldError("scan_type", err.Error())
	}

	now := s.clock.Now().UTC()
	jobs := make([]scanning.ScanJob, 0, len(nodeIDs))
	for _, nodeID := range nodeIDs {
		jobs = append(jobs, scanning.ScanJob{
			ScanID:    s.newID(),
			NodeID:    nodeID,
			NodeType:  nodeType,
			ScanType:  scanType,
			Status:    scanning.ScanStatusQueued,
			UpdatedAt: now,
		})
	}

	attrs := []attribute.KeyValue{
		attribute.Int("node_count", len(nodeIDs)),
		attribute.String("scan_type", scanType.String()),
	}
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.trigger_scan", attrs, func(ctx context.Context) error {
		return s.inTx(ctx, func(tx pgx.Tx) error {
			batch := new(pgx.Batch)
			for _, job := range jobs {
				batch.Queue(`
					INSERT INTO scans (scan_id, node_id, node_type, scan_type, status, created_at, updated_at)
					VALUES ($1, $2, $3, $4, $5, $6, $6)`,
					job.ScanID, job.NodeID, string(job.NodeType), string(job.ScanType), string(job.Status), now,
				)
			}
			if err := tx.SendBatch(ctx, batch).Close(); err != nil {
				return fmt.Errorf("failed to insert scans: %w", err)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

// GetScanStatus implements scanning.ScanClient.
func (s *Store) GetScanStatus(ctx context.Context, scanID string) (scanning.ScanJob, error) {
	var job scanning.ScanJob
	attrs := []attribute.KeyValue{attribute.String("scan_id", scanID)}
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.get_scan_status", attrs, func(ctx context.Context) error {
		var err error
		job, err = scanJob(s.pool.QueryRow(ctx, `SELECT `+scanColumns+` FROM scans WHERE scan_id = $1`, scanID))
		if errors.Is(err, pgx.ErrNoRows) {
			return notFound("scan", scanID)
		}
		if err != nil {
			return fmt.Errorf("failed to get scan (scan_id: %s): %w", scanID, err)
		}
		return nil
	})
	return job, err
}

// ListScanHistory implements scanning.ScanClient. Entries are newest first.
func (s *Store) ListScanHistory(
	ctx context.Context,
	nodeID string,
	nodeType scanning.NodeType,
	scanType scanning.ScanType,
) ([]scanning.ScanSummary, error) {
	var history []scanning.ScanSummary
	attrs := []attribute.KeyValue{
		attribute.String("node_id", nodeID),
		attribute.String("node_type", nodeType.String()),
		attribute.String("scan_type", scanType.String()),
	}
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.list_scan_history", attrs, func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, `
			SELECT scan_id, status, updated_at
			FROM scans
			WHERE node_id = $1 AND node_type = $2 AND scan_type = $3
			ORDER BY updated_at DESC, scan_id DESC`,
			nodeID, string(nodeType), string(scanType),
		)
		if err != nil {
			return fmt.Errorf("failed to list scan history: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var (
				sum    scanning.ScanSummary
				status string
			)
			if err := rows.Scan(&sum.ScanID, &status, &sum.UpdatedAt); err != nil {
				return fmt.Errorf("failed to scan history row: %w", err)
			}
			sum.Status = scanning.ScanStatus(status)
			history = append(history, sum)
		}
		return rows.Err()
	})
	return history, err
}

// lockScans locks the given scans and returns their statuses. Unknown ids
// are a 404.
func lockScans(ctx context.Context, tx pgx.Tx, scanIDs []string) (map[string]scanning.ScanJob, error) {
	rows, err := tx.Query(ctx, `SELECT `+scanColumns+` FROM scans WHERE scan_id = ANY($1) FOR UPDATE`, scanIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to lock scans: %w", err)
	}
	defer rows.Close()

	locked := make(map[string]scanning.ScanJob, len(scanIDs))
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan locked scan: %w", err)
		}
		locked[job.ScanID] = job
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, id := range scanIDs {
		if _, ok := locked[id]; !ok {
			return nil, notFound("scan", id)
		}
	}
	return locked, nil
}

// StopScans implements scanning.ScanClient. Queued and running scans move to
// STOPPING; the job runner settles them as STOPPED. The call is all or
// nothing.
func (s *Store) StopScans(ctx context.Context, scanIDs []string, scanType scanning.ScanType) error {
	if len(scanIDs) == 0 {
		return fieldError("scan_ids", "scan_ids is required")
	}
	attrs := []attribute.KeyValue{
		attribute.Int("scan_count", len(scanIDs)),
		attribute.String("scan_type", scanType.String()),
	}
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.stop_scans", attrs, func(ctx context.Context) error {
		return s.inTx(ctx, func(tx pgx.Tx) error {
			locked, err := lockScans(ctx, tx, scanIDs)
			if err != nil {
				return err
			}
			for _, id := range scanIDs {
				if job := locked[id]; !job.IsActionable(scanning.ActionStop) {
					return conflict("scan %s cannot be stopped in status %s", id, job.Status)
				}
			}
			if _, err := tx.Exec(ctx,
				`UPDATE scans SET status = $2, updated_at = $3 WHERE scan_id = ANY($1)`,
				scanIDs, string(scanning.ScanStatusStopping), s.clock.Now().UTC(),
			); err != nil {
				return fmt.Errorf("failed to mark scans stopping: %w", err)
			}
			return nil
		})
	})
}

// DeleteScan implements scanning.ScanClient. Findings go with the scan.
func (s *Store) DeleteScan(ctx context.Context, scanID string, scanType scanning.ScanType) error {
	attrs := []attribute.KeyValue{
		attribute.String("scan_id", scanID),
		attribute.String("scan_type", scanType.String()),
	}
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.delete_scan", attrs, func(ctx context.Context) error {
		return s.inTx(ctx, func(tx pgx.Tx) error {
			locked, err := lockScans(ctx, tx, []string{scanID})
			if err != nil {
				return err
			}
			if job := locked[scanID]; !job.IsActionable(scanning.ActionDelete) {
				return conflict("scan %s is %s and cannot be deleted", scanID, job.Status)
			}
			if _, err := tx.Exec(ctx, `DELETE FROM scans WHERE scan_id = $1`, scanID); err != nil {
				return fmt.Errorf("failed to delete scan (scan_id: %s): %w", scanID, err)
			}
			return nil
		})
	})
}

// Advance moves scans that have sat in From for at least MinAge to To.
type Advance struct {
	From    scanning.ScanStatus
	To      scanning.ScanStatus
	MinAge  time.Duration
	Limit   int
	Message string
	// Produce, when set, returns the findings recorded for a scan as it
	// advances. They are written in the same transaction.
	Produce func(scanning.ScanJob) []findings.Finding
}

// AdvanceScans claims due scans with SKIP LOCKED, so concurrent runners never
// move the same scan, and returns the advanced jobs.
func (s *Store) AdvanceScans(ctx context.Context, adv Advance) ([]scanning.ScanJob, error) {
	var advanced []scanning.ScanJob
	attrs := []attribute.KeyValue{
		attribute.String("from", adv.From.String()),
		attribute.String("to", adv.To.String()),
	}
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.advance_scans", attrs, func(ctx context.Context) error {
		return s.inTx(ctx, func(tx pgx.Tx) error {
			now := s.clock.Now().UTC()
			rows, err := tx.Query(ctx, `
				SELECT `+scanColumns+`
				FROM scans
				WHERE status = $1 AND updated_at <= $2
				ORDER BY updated_at
				FOR UPDATE SKIP LOCKED
				LIMIT $3`,
				string(adv.From), now.Add(-adv.MinAge), max(adv.Limit, 1),
			)
			if err != nil {
				return fmt.Errorf("failed to claim scans: %w", err)
			}
			var due []scanning.ScanJob
			for rows.Next() {
				job, err := scanJob(rows)
				if err != nil {
					rows.Close()
					return fmt.Errorf("failed to scan claimed scan: %w", err)
				}
				due = append(due, job)
			}
			rows.Close()
			if err := rows.Err(); err != nil {
				return err
			}

			for _, job := range due {
				if err := job.Observe(scanning.Observation{Status: adv.To, Message: adv.Message, UpdatedAt: now}); err != nil {
					return err
				}
				if _, err := tx.Exec(ctx,
					`UPDATE scans SET status = $2, status_message = $3, updated_at = $4 WHERE scan_id = $1`,
					job.ScanID, string(job.Status), job.StatusMessage, job.UpdatedAt,
				); err != nil {
					return fmt.Errorf("failed to advance scan (scan_id: %s): %w", job.ScanID, err)
				}
				if adv.Produce != nil {
					if err := s.insertFindings(ctx, tx, job, adv.Produce(job), now); err != nil {
						return err
					}
				}
				advanced = append(advanced, job)
			}
			return nil
		})
	})
	return advanced, err
}
