package findings

import "time"

// Finding is one row of a secret scan's result set.
type Finding struct {
	ID        string    `json:"id" yaml:"id"`
	ScanID    string    `json:"scan_id" yaml:"scan_id"`
	NodeID    string    `json:"node_id" yaml:"node_id"`
	RuleID    string    `json:"rule_id" yaml:"rule_id"`
	Severity  string    `json:"severity" yaml:"severity"`
	Level     int       `json:"level" yaml:"level"`
	FilePath  string    `json:"file_path" yaml:"file_path"`
	Masked    bool      `json:"masked" yaml:"masked"`
	// Active is false once the secret is no longer present on the node.
	Active    bool      `json:"active" yaml:"active"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
}

// Field names recognized for sorting and filtering findings.
const (
	FieldLevel      = "level"
	FieldSeverity   = "severity"
	FieldRuleID     = "rule_id"
	FieldFilePath   = "file_path"
	FieldUpdatedAt  = "updated_at"
	FieldVisibility = "visibility"
	FieldActive     = "active"
)

// Values accepted by the visibility filter.
const (
	VisibilityMasked   = "masked"
	VisibilityUnmasked = "unmasked"
)

// FindingFields is the server's field set for finding queries. The active
// filter is a single multi-valued boolean taking "true" and/or "false".
var FindingFields = Fields{
	Sortable:   []string{FieldLevel, FieldSeverity, FieldRuleID, FieldFilePath, FieldUpdatedAt},
	Filterable: []string{FieldSeverity, FieldRuleID, FieldVisibility, FieldActive},
}
