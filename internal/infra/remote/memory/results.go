package memory

import (
	"cmp"
	"context"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/ahrav/scan-console/internal/domain/findings"
	"github.com/ahrav/scan-console/internal/domain/shared"
)

// QueryResults implements findings.ResultsClient. The returned page carries
// the descriptor unchanged.
func (b *Backend) QueryResults(_ context.Context, scanID string, d findings.Descriptor) (findings.Page[findings.Finding], error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.begin(OpQueryResults); err != nil {
		return findings.Page[findings.Finding]{}, err
	}
	if err := d.Validate(findings.FindingFields); err != nil {
		return findings.Page[findings.Finding]{}, shared.NewRemoteError(http.StatusBadRequest, err.Error())
	}
	if _, ok := b.scans[scanID]; !ok {
		return findings.Page[findings.Finding]{}, notFound("scan", scanID)
	}

	var matched []findings.Finding
	for _, f := range b.findings[scanID] {
		if matchesFilters(f, d.Filters) {
			matched = append(matched, f)
		}
	}
	sortFindings(matched, d.SortBy, d.SortDescending)

	items := []findings.Finding{}
	if start := d.Page * d.PageSize; start < len(matched) {
		end := min(start+d.PageSize, len(matched))
		items = slices.Clone(matched[start:end])
	}

	return findings.Page[findings.Finding]{
		Items: items,
		Pagination: findings.Pagination{
			CurrentPage: d.Page,
			PageSize:    d.PageSize,
			TotalRows:   findings.TotalRows{Count: len(matched)},
		},
		Descriptor: d,
	}, nil
}

func matchesFilters(f findings.Finding, filters map[string][]string) bool {
	for field, values := range filters {
		if len(values) == 0 {
			continue
		}
		var v string
		switch field {
		case findings.FieldSeverity:
			v = f.Severity
		case findings.FieldRuleID:
			v = f.RuleID
		case findings.FieldVisibility:
			v = findings.VisibilityUnmasked
			if f.Masked {
				v = findings.VisibilityMasked
			}
		case findings.FieldActive:
			v = strconv.FormatBool(f.Active)
		default:
			return false
		}
		if !slices.Contains(values, v) {
			return false
		}
	}
	return true
}

func sortFindings(rows []findings.Finding, field string, desc bool) {
	slices.SortStableFunc(rows, func(a, b findings.Finding) int {
		var c int
		switch field {
		case findings.FieldSeverity:
			c = strings.Compare(a.Severity, b.Severity)
		case findings.FieldRuleID:
			c = strings.Compare(a.RuleID, b.RuleID)
		case findings.FieldFilePath:
			c = strings.Compare(a.FilePath, b.FilePath)
		case findings.FieldUpdatedAt:
			c = a.UpdatedAt.Compare(b.UpdatedAt)
		default:
			c = cmp.Compare(a.Level, b.Level)
		}
		if c == 0 {
			c = strings.Compare(a.ID, b.ID)
		}
		if desc {
			return -c
		}
		return c
	})
}

// mutate applies fn to every finding of req.ScanID listed in req.ResultIDs.
// Callers hold b.mu.
func (b *Backend) mutate(req findings.MutationRequest, fn func(*findings.Finding)) error {
	if _, ok := b.scans[req.ScanID]; !ok {
		return notFound("scan", req.ScanID)
	}
	if len(req.ResultIDs) == 0 {
		return fieldError("result_ids", "result_ids is required")
	}
	rows := b.findings[req.ScanID]
	for i := range rows {
		if slices.Contains(req.ResultIDs, rows[i].ID) {
			fn(&rows[i])
		}
	}
	return nil
}

// setMasked masks or unmasks the requested findings. With
// MaskAcrossHostsAndImages the rules of the requested findings are masked in
// every scan.
func (b *Backend) setMasked(req findings.MutationRequest, masked bool) error {
	var rules []string
	if err := b.mutate(req, func(f *findings.Finding) {
		f.Masked = masked
		rules = append(rules, f.RuleID)
	}); err != nil {
		return err
	}
	if !req.Options.MaskAcrossHostsAndImages {
		return nil
	}
	for scanID, rows := range b.findings {
		for i := range rows {
			if slices.Contains(rules, rows[i].RuleID) {
				b.findings[scanID][i].Masked = masked
			}
		}
	}
	return nil
}

// MaskResults implements findings.ResultsClient.
func (b *Backend) MaskResults(_ context.Context, req findings.MutationRequest) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.begin(OpMaskResults); err != nil {
		return err
	}
	return b.setMasked(req, true)
}

// UnmaskResults implements findings.ResultsClient.
func (b *Backend) UnmaskResults(_ context.Context, req findings.MutationRequest) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.begin(OpUnmaskResults); err != nil {
		return err
	}
	return b.setMasked(req, false)
}

// NotifyResults implements findings.ResultsClient.
func (b *Backend) NotifyResults(_ context.Context, req findings.MutationRequest) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.begin(OpNotifyResults); err != nil {
		return err
	}
	return b.mutate(req, func(f *findings.Finding) {
		b.notified = append(b.notified, f.ID)
	})
}

// DeleteResults implements findings.ResultsClient.
func (b *Backend) DeleteResults(_ context.Context, req findings.MutationRequest) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.begin(OpDeleteResults); err != nil {
		return err
	}
	if _, ok := b.scans[req.ScanID]; !ok {
		return notFound("scan", req.ScanID)
	}
	if len(req.ResultIDs) == 0 {
		return fieldError("result_ids", "result_ids is required")
	}
	b.findings[req.ScanID] = slices.DeleteFunc(b.findings[req.ScanID], func(f findings.Finding) bool {
		return slices.Contains(req.ResultIDs, f.ID)
	})
	return nil
}
