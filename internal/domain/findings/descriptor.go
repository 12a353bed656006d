// Package findings models the result set produced by a scan: the rows
// themselves, the descriptor that selects a page of them, and the bulk
// actions that mutate them.
package findings

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"sort"
	"strconv"
)

// Default page parameters for result views.
const (
	DefaultPageSize = 10
	DefaultSortBy   = "level"
)

// ErrInvalidDescriptor is wrapped by every descriptor validation failure.
var ErrInvalidDescriptor = errors.New("invalid query descriptor")

// Descriptor identifies one page of a filtered, sorted result set. Values are
// immutable: the With* methods return modified copies.
type Descriptor struct {
	Page           int                 `json:"page" yaml:"page"`
	PageSize       int                 `json:"page_size" yaml:"page_size"`
	SortBy         string              `json:"sort_by" yaml:"sort_by"`
	SortDescending bool                `json:"sort_descending" yaml:"sort_descending"`
	Filters        map[string][]string `json:"filters,omitempty" yaml:"filters,omitempty"`
}

// DefaultDescriptor returns the descriptor a result view starts from.
func DefaultDescriptor() Descriptor {
	return Descriptor{PageSize: DefaultPageSize, SortBy: DefaultSortBy, SortDescending: true}
}

// Fields lists the field names the server recognizes for sorting and
// filtering.
type Fields struct {
	Sortable   []string
	Filterable []string
}

// Validate checks that the descriptor is well formed and only references
// fields the server recognizes.
func (d Descriptor) Validate(fields Fields) error {
	if d.PageSize <= 0 {
		return fmt.Errorf("%w: page size must be positive, got %d", ErrInvalidDescriptor, d.PageSize)
	}
	if d.Page < 0 {
		return fmt.Errorf("%w: page must not be negative, got %d", ErrInvalidDescriptor, d.Page)
	}
	if d.SortBy == "" {
		return fmt.Errorf("%w: sort field is required", ErrInvalidDescriptor)
	}
	if !slices.Contains(fields.Sortable, d.SortBy) {
		return fmt.Errorf("%w: unsupported sort field %q", ErrInvalidDescriptor, d.SortBy)
	}
	for field := range d.Filters {
		if !slices.Contains(fields.Filterable, field) {
			return fmt.Errorf("%w: unsupported filter field %q", ErrInvalidDescriptor, field)
		}
	}
	return nil
}

// Equal reports whether two descriptors select the same page. Filter value
// order is not significant and an empty value list equals an absent filter.
func (d Descriptor) Equal(o Descriptor) bool {
	return d.Key() == o.Key()
}

// Key returns a canonical string for the descriptor, suitable as a cache key.
// Every component is query-escaped, so values containing separators cannot
// collide with other filter sets.
func (d Descriptor) Key() string {
	v := url.Values{}
	v.Set("p", strconv.Itoa(d.Page))
	v.Set("n", strconv.Itoa(d.PageSize))
	v.Set("s", d.SortBy)
	if d.SortDescending {
		v.Set("desc", "1")
	}
	for _, field := range d.filterFields() {
		values := slices.Clone(d.Filters[field])
		sort.Strings(values)
		v["f."+field] = values
	}
	return v.Encode()
}

// ActiveFilters returns the filter fields with at least one value, sorted.
func (d Descriptor) ActiveFilters() []string { return d.filterFields() }

func (d Descriptor) filterFields() []string {
	fields := make([]string, 0, len(d.Filters))
	for f, v := range d.Filters {
		if len(v) > 0 {
			fields = append(fields, f)
		}
	}
	sort.Strings(fields)
	return fields
}

func (d Descriptor) clone() Descriptor {
	c := d
	if d.Filters != nil {
		c.Filters = make(map[string][]string, len(d.Filters))
		for k, v := range d.Filters {
			c.Filters[k] = slices.Clone(v)
		}
	}
	return c
}

// WithFilter returns a copy filtering field by values, back on the first
// page. No values removes the filter.
func (d Descriptor) WithFilter(field string, values ...string) Descriptor {
	c := d.clone()
	if len(values) == 0 {
		delete(c.Filters, field)
	} else {
		if c.Filters == nil {
			c.Filters = make(map[string][]string)
		}
		c.Filters[field] = slices.Clone(values)
	}
	c.Page = 0
	return c
}

// WithSort returns a copy sorted by field, back on the first page.
func (d Descriptor) WithSort(field string, descending bool) Descriptor {
	c := d.clone()
	c.SortBy = field
	c.SortDescending = descending
	c.Page = 0
	return c
}

// WithPageSize returns a copy with a new page size. Filters and sort are kept
// and the page resets to the first one.
func (d Descriptor) WithPageSize(size int) Descriptor {
	c := d.clone()
	c.PageSize = size
	c.Page = 0
	return c
}

// WithPage returns a copy pointing at another page.
func (d Descriptor) WithPage(page int) Descriptor {
	c := d.clone()
	c.Page = page
	return c
}
