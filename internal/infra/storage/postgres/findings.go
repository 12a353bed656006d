package postgres

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ahrav/scan-console/internal/domain/findings"
	"github.com/ahrav/scan-console/internal/domain/scanning"
	"github.com/ahrav/scan-console/internal/domain/shared"
	"github.com/ahrav/scan-console/internal/infra/storage"
)

const findingColumns = `finding_id, scan_id, node_id, rule_id, severity, level, file_path, masked, active, updated_at`

// sortColumns maps sortable fields to columns. Only these ever reach ORDER BY.
var sortColumns = map[string]string{
	findings.FieldLevel:     "level",
	findings.FieldSeverity:  "severity",
	findings.FieldRuleID:    "rule_id",
	findings.FieldFilePath:  "file_path",
	findings.FieldUpdatedAt: "updated_at",
}

func scanFinding(row pgx.Row) (findings.Finding, error) {
	var f findings.Finding
	err := row.Scan(&f.ID, &f.ScanID, &f.NodeID, &f.RuleID, &f.Severity, &f.Level, &f.FilePath, &f.Masked, &f.Active, &f.UpdatedAt)
	return f, err
}

// whereClause builds the predicate for a scan's findings under filters and
// returns it with its positional arguments.
func whereClause(scanID string, filters map[string][]string) (string, []any, error) {
	clauses := []string{"scan_id = $1"}
	args := []any{scanID}
	add := func(column string, value any) {
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf("%s = ANY($%d)", column, len(args)))
	}

	d := findings.Descriptor{Filters: filters}
	for _, field := range d.ActiveFilters() {
		values := filters[field]
		switch field {
		case findings.FieldSeverity:
			add("severity", values)
		case findings.FieldRuleID:
			add("rule_id", values)
		case findings.FieldVisibility:
			masked := make([]bool, 0, len(values))
			for _, v := range values {
				switch v {
				case findings.VisibilityMasked:
					masked = append(masked, true)
				case findings.VisibilityUnmasked:
					masked = append(masked, false)
				default:
					return "", nil, fieldError("visibility", fmt.Sprintf("unknown visibility %q", v))
				}
			}
			add("masked", masked)
		case findings.FieldActive:
			active := make([]bool, 0, len(values))
			for _, v := range values {
				b, err := strconv.ParseBool(v)
				if err != nil {
					return "", nil, fieldError("active", fmt.Sprintf("active must be true or false, got %q", v))
				}
				active = append(active, b)
			}
			add("active", active)
		}
	}
	return strings.Join(clauses, " AND "), args, nil
}

// QueryResults implements findings.ResultsClient. Counting stops at CountCap
// and larger result sets are flagged approximate.
func (s *Store) QueryResults(ctx context.Context, scanID string, d findings.Descriptor) (findings.Page[findings.Finding], error) {
	page := findings.Page[findings.Finding]{Items: []findings.Finding{}, Descriptor: d}
	if err := d.Validate(findings.FindingFields); err != nil {
		return page, shared.NewRemoteError(http.StatusBadRequest, err.Error())
	}

	attrs := []attribute.KeyValue{
		attribute.String("scan_id", scanID),
		attribute.Int("page", d.Page),
		attribute.Int("page_size", d.PageSize),
		attribute.String("sort_by", d.SortBy),
	}
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.query_results", attrs, func(ctx context.Context) error {
		if err := scanExists(ctx, s.pool, scanID); err != nil {
			return err
		}
		where, args, err := whereClause(scanID, d.Filters)
		if err != nil {
			return err
		}

		var count int
		if err := s.pool.QueryRow(ctx,
			fmt.Sprintf(`SELECT COUNT(*) FROM (SELECT 1 FROM findings WHERE %s LIMIT %d) capped`, where, CountCap+1),
			args...,
		).Scan(&count); err != nil {
			return fmt.Errorf("failed to count findings (scan_id: %s): %w", scanID, err)
		}
		total := findings.TotalRows{Count: count}
		if count > CountCap {
			total = findings.TotalRows{Count: CountCap, Approximate: true}
		}
		page.Pagination = findings.Pagination{CurrentPage: d.Page, PageSize: d.PageSize, TotalRows: total}

		column, ok := sortColumns[d.SortBy]
		if !ok {
			column = sortColumns[findings.DefaultSortBy]
		}
		dir := "ASC"
		if d.SortDescending {
			dir = "DESC"
		}
		args = append(args, d.PageSize, d.Page*d.PageSize)
		rows, err := s.pool.Query(ctx, fmt.Sprintf(
			`SELECT %s FROM findings WHERE %s ORDER BY %s %s, finding_id %s LIMIT $%d OFFSET $%d`,
			findingColumns, where, column, dir, dir, len(args)-1, len(args),
		), args...)
		if err != nil {
			return fmt.Errorf("failed to query findings (scan_id: %s): %w", scanID, err)
		}
		defer rows.Close()

		for rows.Next() {
			f, err := scanFinding(rows)
			if err != nil {
				return fmt.Errorf("failed to scan finding: %w", err)
			}
			page.Items = append(page.Items, f)
		}
		return rows.Err()
	})
	return page, err
}

// mutate verifies the target scan and ids, then runs fn in a transaction.
func (s *Store) mutate(ctx context.Context, span string, req findings.MutationRequest, fn func(pgx.Tx) error) error {
	attrs := []attribute.KeyValue{
		attribute.String("scan_id", req.ScanID),
		attribute.Int("result_count", len(req.ResultIDs)),
	}
	return storage.ExecuteAndTrace(ctx, s.tracer, span, attrs, func(ctx context.Context) error {
		if err := scanExists(ctx, s.pool, req.ScanID); err != nil {
			return err
		}
		if len(req.ResultIDs) == 0 {
			return fieldError("result_ids", "result_ids is required")
		}
		return s.inTx(ctx, fn)
	})
}

// setMasked is idempotent: rows already in the requested state are left
// alone. With MaskAcrossHostsAndImages every finding of the same rules is
// updated, whatever scan it belongs to.
func (s *Store) setMasked(ctx context.Context, span string, req findings.MutationRequest, masked bool) error {
	return s.mutate(ctx, span, req, func(tx pgx.Tx) error {
		now := s.clock.Now().UTC()
		if req.Options.MaskAcrossHostsAndImages {
			if _, err := tx.Exec(ctx, `
				UPDATE findings SET masked = $3, updated_at = $4
				WHERE masked <> $3 AND rule_id IN (
					SELECT rule_id FROM findings WHERE scan_id = $1 AND finding_id = ANY($2)
				)`,
				req.ScanID, req.ResultIDs, masked, now,
			); err != nil {
				return fmt.Errorf("failed to update masking across nodes: %w", err)
			}
			return nil
		}
		if _, err := tx.Exec(ctx, `
			UPDATE findings SET masked = $3, updated_at = $4
			WHERE scan_id = $1 AND finding_id = ANY($2) AND masked <> $3`,
			req.ScanID, req.ResultIDs, masked, now,
		); err != nil {
			return fmt.Errorf("failed to update masking (scan_id: %s): %w", req.ScanID, err)
		}
		return nil
	})
}

// MaskResults implements findings.ResultsClient.
func (s *Store) MaskResults(ctx context.Context, req findings.MutationRequest) error {
	return s.setMasked(ctx, "postgres.mask_results", req, true)
}

// UnmaskResults implements findings.ResultsClient.
func (s *Store) UnmaskResults(ctx context.Context, req findings.MutationRequest) error {
	return s.setMasked(ctx, "postgres.unmask_results", req, false)
}

// NotifyResults implements findings.ResultsClient by recording one
// notification per matching finding.
func (s *Store) NotifyResults(ctx context.Context, req findings.MutationRequest) error {
	return s.mutate(ctx, "postgres.notify_results", req, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO finding_notifications (finding_id, notified_at)
			SELECT finding_id, $3 FROM findings WHERE scan_id = $1 AND finding_id = ANY($2)`,
			req.ScanID, req.ResultIDs, s.clock.Now().UTC(),
		); err != nil {
			return fmt.Errorf("failed to record notifications (scan_id: %s): %w", req.ScanID, err)
		}
		return nil
	})
}

// DeleteResults implements findings.ResultsClient.
func (s *Store) DeleteResults(ctx context.Context, req findings.MutationRequest) error {
	return s.mutate(ctx, "postgres.delete_results", req, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`DELETE FROM findings WHERE scan_id = $1 AND finding_id = ANY($2)`,
			req.ScanID, req.ResultIDs,
		); err != nil {
			return fmt.Errorf("failed to delete findings (scan_id: %s): %w", req.ScanID, err)
		}
		return nil
	})
}

// insertFindings bulk loads a scan's findings with COPY.
func (s *Store) insertFindings(ctx context.Context, tx pgx.Tx, job scanning.ScanJob, rows []findings.Finding, now time.Time) error {
	if len(rows) == 0 {
		return nil
	}
	src := make([][]any, 0, len(rows))
	for _, f := range rows {
		id := f.ID
		if id == "" {
			id = s.newID()
		}
		nodeID := f.NodeID
		if nodeID == "" {
			nodeID = job.NodeID
		}
		src = append(src, []any{id, job.ScanID, nodeID, f.RuleID, f.Severity, f.Level, f.FilePath, f.Masked, f.Active, now})
	}
	if _, err := tx.CopyFrom(ctx,
		pgx.Identifier{"findings"},
		[]string{"finding_id", "scan_id", "node_id", "rule_id", "severity", "level", "file_path", "masked", "active", "updated_at"},
		pgx.CopyFromRows(src),
	); err != nil {
		return fmt.Errorf("failed to copy findings (scan_id: %s): %w", job.ScanID, err)
	}
	return nil
}

// NotificationCount returns how many notifications were recorded for a
// finding.
func (s *Store) NotificationCount(ctx context.Context, findingID string) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM finding_notifications WHERE finding_id = $1`, findingID,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count notifications (finding_id: %s): %w", findingID, err)
	}
	return n, nil
}
