// Copyright 2024 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

// Package paginate computes page windows and assembles page results.
package paginate

import (
	"context"

	"github.com/cockroachdb/errors"
)

// Page is one page of query results.
type Page struct {
	Page       int   `json:"page"`
	TotalPages int   `json:"total_pages"`
	NumResults int   `json:"num_results"`
	Objects    []any `json:"objects"`
}

// Null returns the page of an empty result.
func Null() *Page {
	return &Page{Page: 1, Objects: []any{}}
}

// Fetcher returns the records in [start, end) of the matching rows.
type Fetcher func(ctx context.Context, start, end int) ([]any, error)

// Window returns the row range of a page and the number of pages. A page
// size of zero means a single page holding every row. Pages past the last
// one get the empty range [total, total).
func Window(total, page, size int) (start, end, pages int) {
	if size == 0 {
		return 0, total, 1
	}
	pages = total / size
	if total%size != 0 {
		pages++
	}
	if total == 0 || page-1 > (total-1)/size {
		return total, total, pages
	}
	start = (page - 1) * size
	end = start + min(size, total-start)
	return start, end, pages
}

// Paginate fetches the records of a page. Pages past the last one are
// empty, not an error. fetch is not called for an empty window.
func Paginate(ctx context.Context, total, page, size int, fetch Fetcher) (*Page, error) {
	if page < 1 {
		return nil, errors.Newf("page number must be at least 1, got %d", page)
	}
	if size < 0 {
		return nil, errors.Newf("page size must not be negative, got %d", size)
	}
	if size == 0 {
		page = 1
	}
	start, end, pages := Window(total, page, size)
	p := &Page{
		Page:       page,
		TotalPages: pages,
		NumResults: total,
		Objects:    []any{},
	}
	if start >= end {
		return p, nil
	}
	objects, err := fetch(ctx, start, end)
	if err != nil {
		return nil, err
	}
	if objects != nil {
		p.Objects = objects
	}
	return p, nil
}
