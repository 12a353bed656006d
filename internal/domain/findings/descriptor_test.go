package findings

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDescriptor_Validate(t *testing.T) {
	tests := []struct {
		name    string
		d       Descriptor
		wantErr bool
	}{
		{name: "default is valid", d: DefaultDescriptor()},
		{name: "zero page size", d: Descriptor{PageSize: 0, SortBy: FieldLevel}, wantErr: true},
		{name: "negative page", d: Descriptor{Page: -1, PageSize: 10, SortBy: FieldLevel}, wantErr: true},
		{name: "unknown sort field", d: Descriptor{PageSize: 10, SortBy: "cvss"}, wantErr: true},
		{name: "unknown filter field", d: DefaultDescriptor().WithFilter("namespace", "prod"), wantErr: true},
		{name: "known filters", d: DefaultDescriptor().WithFilter(FieldSeverity, "high").WithFilter(FieldActive, "true", "false")},
		{name: "missing sort field", d: Descriptor{PageSize: 25}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.d.Validate(FindingFields)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidDescriptor)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestDescriptor_EqualIgnoresFilterValueOrder(t *testing.T) {
	a := DefaultDescriptor().WithFilter(FieldSeverity, "high", "critical")
	b := DefaultDescriptor().WithFilter(FieldSeverity, "critical", "high")
	assert.True(t, a.Equal(b))
	assert.Equal(t, a.Key(), b.Key())

	c := Descriptor{PageSize: 10, SortBy: FieldLevel, SortDescending: true, Filters: map[string][]string{FieldRuleID: {}}}
	assert.True(t, DefaultDescriptor().Equal(c), "empty value list equals an absent filter")

	assert.False(t, a.Equal(a.WithPage(1)))
	assert.False(t, a.Equal(a.WithSort(FieldLevel, false)))
}

func TestDescriptor_KeySeparatorsInValues(t *testing.T) {
	tests := []struct {
		name string
		a, b Descriptor
	}{
		{
			name: "comma inside a value",
			a:    DefaultDescriptor().WithFilter(FieldSeverity, "a,b"),
			b:    DefaultDescriptor().WithFilter(FieldSeverity, "a", "b"),
		},
		{
			name: "ampersand inside a value",
			a:    DefaultDescriptor().WithFilter(FieldRuleID, "x&f.severity=high"),
			b:    DefaultDescriptor().WithFilter(FieldRuleID, "x").WithFilter(FieldSeverity, "high"),
		},
		{
			name: "equals inside a value",
			a:    DefaultDescriptor().WithFilter(FieldRuleID, "k=v"),
			b:    DefaultDescriptor().WithFilter(FieldRuleID, "k", "v"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NotEqual(t, tt.a.Key(), tt.b.Key())
			assert.False(t, tt.a.Equal(tt.b))
			assert.True(t, tt.a.Equal(tt.a.clone()))
		})
	}
}

func TestDescriptor_Mutators(t *testing.T) {
	base := DefaultDescriptor().WithFilter(FieldSeverity, "high").WithPage(3)
	require.Equal(t, 3, base.Page)

	t.Run("filter change resets page", func(t *testing.T) {
		d := base.WithFilter(FieldRuleID, "aws-key")
		assert.Equal(t, 0, d.Page)
		assert.Equal(t, []string{"high"}, d.Filters[FieldSeverity])
		assert.Equal(t, []string{"aws-key"}, d.Filters[FieldRuleID])
	})

	t.Run("removing a filter", func(t *testing.T) {
		d := base.WithFilter(FieldSeverity)
		assert.NotContains(t, d.Filters, FieldSeverity)
	})

	t.Run("sort change resets page", func(t *testing.T) {
		d := base.WithSort(FieldFilePath, false)
		assert.Equal(t, 0, d.Page)
		assert.Equal(t, FieldFilePath, d.SortBy)
		assert.False(t, d.SortDescending)
	})

	t.Run("page size change keeps filters and sort", func(t *testing.T) {
		d := base.WithPageSize(50)
		assert.Equal(t, 0, d.Page)
		assert.Equal(t, 50, d.PageSize)
		assert.Equal(t, base.SortBy, d.SortBy)
		assert.Equal(t, base.Filters, d.Filters)
	})

	t.Run("copies do not alias filters", func(t *testing.T) {
		d := base.WithPage(4)
		d.Filters[FieldSeverity][0] = "low"
		assert.Equal(t, []string{"high"}, base.Filters[FieldSeverity])
	})
}

func TestPagination(t *testing.T) {
	tests := []struct {
		name       string
		p          Pagination
		totalPages int
		canJump    bool
	}{
		{name: "empty", p: Pagination{PageSize: 10}, totalPages: 0, canJump: false},
		{name: "partial last page", p: Pagination{PageSize: 10, TotalRows: TotalRows{Count: 21}}, totalPages: 3, canJump: true},
		{name: "exact multiple", p: Pagination{PageSize: 10, TotalRows: TotalRows{Count: 20}}, totalPages: 2, canJump: true},
		{name: "approximate", p: Pagination{PageSize: 10, TotalRows: TotalRows{Count: 10000, Approximate: true}}, totalPages: 1000, canJump: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.totalPages, tt.p.TotalPages())
			assert.Equal(t, tt.canJump, tt.p.CanJumpToLast())
		})
	}
}
