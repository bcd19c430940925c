package mcpserver

import "strconv"

// DefaultPageSize is the number of items returned per list page.
const DefaultPageSize = 50

// Page represents a single page of results with an optional cursor for fetching
// the next page.
//
// Items is never nil; NewPage normalizes nil input to an empty slice for
// ergonomics at call sites.
type Page[T any] struct {
	Items      []T
	NextCursor *string
}

// PageOption configures a Page constructed via NewPage.
type PageOption[T any] func(*Page[T])

// WithNextCursor sets the next cursor on the Page to indicate that more
// results are available.
func WithNextCursor[T any](cursor string) PageOption[T] {
	return func(p *Page[T]) {
		p.NextCursor = &cursor
	}
}

// NewPage constructs a Page with the provided items and optional configuration
// options. If items is nil, it will be replaced with an empty slice.
func NewPage[T any](items []T, opts ...PageOption[T]) Page[T] {
	if items == nil {
		items = make([]T, 0)
	}
	p := Page[T]{
		Items:      items,
		NextCursor: nil,
	}
	for _, opt := range opts {
		opt(&p)
	}
	return p
}

// Paginate slices all into pages of size items. The cursor is the decimal
// offset of the first item; an unparseable or out-of-range cursor restarts
// from the beginning.
func Paginate[T any](all []T, cursor string, size int) Page[T] {
	if size <= 0 {
		size = DefaultPageSize
	}
	start := parseCursor(cursor)
	if start < 0 || start > len(all) {
		start = 0
	}
	end := start + size
	if end > len(all) {
		end = len(all)
	}
	items := make([]T, end-start)
	copy(items, all[start:end])
	if end < len(all) {
		return NewPage(items, WithNextCursor[T](strconv.Itoa(end)))
	}
	return NewPage(items)
}

func parseCursor(cursor string) int {
	if cursor == "" {
		return 0
	}
	n, err := strconv.Atoi(cursor)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
