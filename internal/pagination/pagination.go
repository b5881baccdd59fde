// Package pagination computes page windows and envelope metadata for ordered
// collections. Callers are expected to clamp user input before calling in;
// invalid bounds are programming errors and panic.
package pagination

import (
	"fmt"
	"math"
)

const (
	// DefaultPage is the page used when the caller does not ask for one.
	DefaultPage = 1
	// DefaultPageSize is the page size used when the caller does not ask for one.
	DefaultPageSize = 10
)

// Pagination is the metadata block attached to every list response.
type Pagination struct {
	TotalItems  int `json:"total_items"`
	TotalPages  int `json:"total_pages"`
	CurrentPage int `json:"current_page"`
	PageSize    int `json:"page_size"`
}

// Window is a zero-indexed half-open range [Start, End) into the collection.
type Window struct {
	Start int
	End   int
}

// Len returns the number of items covered by the window.
func (w Window) Len() int {
	return w.End - w.Start
}

// Offset returns the zero-based offset of the first item of page. Pages whose
// offset does not fit in an int saturate at math.MaxInt, which every Bound
// clips to an empty window.
func Offset(page, pageSize int) int {
	if page < 1 || pageSize < 1 {
		return 0
	}
	if page-1 > math.MaxInt/pageSize {
		return math.MaxInt
	}
	return (page - 1) * pageSize
}

// Bound clips [offset, offset+limit) to a collection of total items.
func Bound(offset, limit, total int) Window {
	if offset < 0 {
		offset = 0
	}
	if limit < 0 {
		limit = 0
	}
	start := offset
	if start > total {
		start = total
	}
	end := start + limit
	if end > total || end < start {
		end = total
	}
	return Window{Start: start, End: end}
}

// Paginate returns the slice bounds and metadata for the requested page.
// A page past the end yields an empty window, never an error.
func Paginate(total, page, pageSize int) (Window, Pagination) {
	if total < 0 {
		panic(fmt.Sprintf("pagination: negative total %d", total))
	}
	if page < 1 {
		panic(fmt.Sprintf("pagination: page %d < 1", page))
	}
	if pageSize < 1 {
		panic(fmt.Sprintf("pagination: page size %d < 1", pageSize))
	}

	pages := (total + pageSize - 1) / pageSize
	if pages < 1 {
		pages = 1
	}

	return Bound(Offset(page, pageSize), pageSize, total), Pagination{
		TotalItems:  total,
		TotalPages:  pages,
		CurrentPage: page,
		PageSize:    pageSize,
	}
}

// Clamp raises user supplied values to the documented minimums.
func Clamp(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 1
	}
	return page, pageSize
}
