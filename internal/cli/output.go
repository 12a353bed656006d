package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"gopkg.in/yaml.v3"

	"github.com/ahrav/scan-console/internal/app/actions"
	appreports "github.com/ahrav/scan-console/internal/app/reports"
	appscanning "github.com/ahrav/scan-console/internal/app/scanning"
	"github.com/ahrav/scan-console/internal/domain/findings"
	"github.com/ahrav/scan-console/internal/domain/scanning"
)

// Output formats accepted by --output.
const (
	FormatTable = "table"
	FormatJSON  = "json"
	FormatYAML  = "yaml"
)

// printer renders command results in the selected format. Structured formats
// encode the value as is; table rendering is per type.
type printer struct {
	w      io.Writer
	format string
}

func newPrinter(w io.Writer, format string) (*printer, error) {
	switch format {
	case FormatTable, FormatJSON, FormatYAML:
		return &printer{w: w, format: format}, nil
	default:
		return nil, fmt.Errorf("unknown output format %q (supported: table, json, yaml)", format)
	}
}

// structured writes v as JSON or YAML and reports whether it did.
func (p *printer) structured(v any) (bool, error) {
	switch p.format {
	case FormatJSON:
		enc := json.NewEncoder(p.w)
		enc.SetIndent("", "  ")
		return true, enc.Encode(v)
	case FormatYAML:
		enc := yaml.NewEncoder(p.w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return true, err
		}
		return true, enc.Close()
	default:
		return false, nil
	}
}

func (p *printer) table(header []string) *tablewriter.Table {
	t := tablewriter.NewWriter(p.w)
	t.SetHeader(header)
	t.SetAutoWrapText(false)
	t.SetBorder(false)
	t.SetColumnSeparator("│")
	return t
}

func colorStatus(s scanning.ScanStatus) string {
	switch s {
	case scanning.ScanStatusComplete:
		return color.GreenString(s.String())
	case scanning.ScanStatusError:
		return color.RedString(s.String())
	case scanning.ScanStatusStopping, scanning.ScanStatusStopped:
		return color.YellowString(s.String())
	case scanning.ScanStatusQueued, scanning.ScanStatusInProgress:
		return color.CyanString(s.String())
	default:
		return s.String()
	}
}

func colorSeverity(s string) string {
	switch strings.ToLower(s) {
	case "critical", "high":
		return color.RedString(strings.ToUpper(s))
	case "medium":
		return color.YellowString(strings.ToUpper(s))
	case "low":
		return color.CyanString(strings.ToUpper(s))
	default:
		return s
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func (p *printer) scans(jobs []scanning.ScanJob) error {
	if ok, err := p.structured(jobs); ok {
		return err
	}
	t := p.table([]string{"Scan ID", "Node", "Node Type", "Scan Type", "Status", "Updated"})
	for _, j := range jobs {
		status := colorStatus(j.Status)
		if j.StatusMessage != "" {
			status += " (" + j.StatusMessage + ")"
		}
		t.Append([]string{j.ScanID, j.NodeID, j.NodeType.String(), j.ScanType.String(), status, formatTime(j.UpdatedAt)})
	}
	t.Render()
	return nil
}

func (p *printer) history(lineage scanning.Lineage, history []scanning.ScanSummary) error {
	if ok, err := p.structured(history); ok {
		return err
	}
	fmt.Fprintf(p.w, "Scan history for %s\n", lineage)
	if len(history) == 0 {
		fmt.Fprintln(p.w, "  No scans.")
		return nil
	}
	t := p.table([]string{"Scan ID", "Status", "Updated"})
	for _, s := range history {
		t.Append([]string{s.ScanID, colorStatus(s.Status), formatTime(s.UpdatedAt)})
	}
	t.Render()
	return nil
}

type stopView struct {
	Requested []string          `json:"requested" yaml:"requested"`
	Rejected  map[string]string `json:"rejected,omitempty" yaml:"rejected,omitempty"`
}

func (p *printer) stop(res appscanning.StopResult) error {
	view := stopView{Requested: res.Requested, Rejected: res.Rejected}
	if view.Requested == nil {
		view.Requested = []string{}
	}
	if ok, err := p.structured(view); ok {
		return err
	}
	for _, id := range res.Requested {
		fmt.Fprintf(p.w, "%s stop requested for %s\n", color.GreenString("✓"), id)
	}
	ids := make([]string, 0, len(res.Rejected))
	for id := range res.Rejected {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		fmt.Fprintf(p.w, "%s %s: %s\n", color.RedString("✗"), id, res.Rejected[id])
	}
	return nil
}

func (p *printer) page(page findings.Page[findings.Finding]) error {
	if ok, err := p.structured(page); ok {
		return err
	}
	t := p.table([]string{"ID", "Severity", "Rule", "Node", "File", "Masked", "Active"})
	for _, f := range page.Items {
		t.Append([]string{
			f.ID, colorSeverity(f.Severity), f.RuleID, f.NodeID, f.FilePath,
			strconv.FormatBool(f.Masked), strconv.FormatBool(f.Active),
		})
	}
	t.Render()

	pg := page.Pagination
	total := strconv.Itoa(pg.TotalRows.Count)
	pages := strconv.Itoa(pg.TotalPages())
	if pg.TotalRows.Approximate {
		total = "more than " + total
		pages = "?"
	}
	fmt.Fprintf(p.w, "Page %d of %s, %s results\n", pg.CurrentPage+1, pages, total)
	return nil
}

type outcomeView struct {
	Action  string            `json:"action" yaml:"action"`
	Success bool              `json:"success" yaml:"success"`
	Kind    string            `json:"kind" yaml:"kind"`
	Message string            `json:"message,omitempty" yaml:"message,omitempty"`
	PerID   map[string]string `json:"per_id,omitempty" yaml:"per_id,omitempty"`
}

func (p *printer) outcome(o actions.Outcome) error {
	view := outcomeView{Action: o.Action.String(), Success: o.Success, Kind: o.Kind.String(), Message: o.Message}
	if o.PerID != nil {
		view.PerID = make(map[string]string, len(o.PerID))
		for id, err := range o.PerID {
			view.PerID[id] = "ok"
			if err != nil {
				view.PerID[id] = err.Error()
			}
		}
	}
	if ok, err := p.structured(view); ok {
		return err
	}
	if o.Success {
		fmt.Fprintf(p.w, "%s %s\n", color.GreenString("✓"), o.Message)
		return nil
	}
	fmt.Fprintf(p.w, "%s %s (%s)\n", color.RedString("✗"), o.Message, o.Kind)
	return nil
}

func (p *printer) report(o appreports.Outcome) error {
	if ok, err := p.structured(o); ok {
		return err
	}
	switch o.State {
	case appreports.StateReady:
		fmt.Fprintf(p.w, "%s report %s ready: %s\n", color.GreenString("✓"), o.ReportID, o.ArtifactURL)
	case appreports.StateInProgress:
		fmt.Fprintf(p.w, "%s report %s: %s\n", color.YellowString("…"), o.ReportID, o.Message)
	default:
		fmt.Fprintf(p.w, "%s report %s %s: %s\n", color.RedString("✗"), o.ReportID, o.State, o.Message)
	}
	return nil
}

// notice prints a human oriented line; structured formats stay parseable so
// notices are skipped there.
func (p *printer) notice(format string, args ...any) {
	if p.format != FormatTable {
		return
	}
	fmt.Fprintf(p.w, format+"\n", args...)
}
