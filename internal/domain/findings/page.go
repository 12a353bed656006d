package findings

// TotalRows is the size of a result set. Large sets are counted up to a cap
// and flagged approximate.
type TotalRows struct {
	Count       int  `json:"count" yaml:"count"`
	Approximate bool `json:"approximate" yaml:"approximate"`
}

// Pagination describes where a page sits in its result set.
type Pagination struct {
	CurrentPage int       `json:"current_page" yaml:"current_page"`
	PageSize    int       `json:"page_size" yaml:"page_size"`
	TotalRows   TotalRows `json:"total_rows" yaml:"total_rows"`
}

// TotalPages returns the number of pages, 0 for an empty set.
func (p Pagination) TotalPages() int {
	if p.PageSize <= 0 || p.TotalRows.Count <= 0 {
		return 0
	}
	return (p.TotalRows.Count + p.PageSize - 1) / p.PageSize
}

// CanJumpToLast reports whether the last page is known exactly.
func (p Pagination) CanJumpToLast() bool {
	return !p.TotalRows.Approximate && p.TotalPages() > 0
}

// Page is one page of results together with the descriptor that produced it.
type Page[T any] struct {
	Items      []T        `json:"items" yaml:"items"`
	Pagination Pagination `json:"pagination" yaml:"pagination"`
	Descriptor Descriptor `json:"descriptor" yaml:"descriptor"`
}
