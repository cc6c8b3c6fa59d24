// Package pagination slices admin listings into pages selected by the
// page and per_page query parameters.
package pagination

import (
	"net/http"
	"strconv"
)

const (
	AdminPerPage = 25
	MaxPerPage   = 200
)

// Meta describes where a page sits in its listing.
type Meta struct {
	Page       int    `json:"page"`
	PerPage    int    `json:"per_page"`
	Total      int    `json:"total"`
	TotalPages int    `json:"total_pages"`
	HasNext    bool   `json:"has_next"`
	HasPrev    bool   `json:"has_prev"`
	PrevURL    string `json:"prev_url,omitempty"`
	NextURL    string `json:"next_url,omitempty"`
}

// Parse reads page and per_page from r. Missing or malformed values fall
// back to page 1 and perPage; per_page above MaxPerPage is ignored.
func Parse(r *http.Request, perPage int) (page, size int) {
	q := r.URL.Query()
	return queryInt(q.Get("page"), 1, 0), queryInt(q.Get("per_page"), perPage, MaxPerPage)
}

func queryInt(s string, fallback, limit int) int {
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 || (limit > 0 && n > limit) {
		return fallback
	}
	return n
}

// Slice returns the window of items that r asks for, plus its metadata.
// The result is never nil so an empty page encodes as [].
func Slice[T any](r *http.Request, items []T, perPage int) ([]T, Meta) {
	page, size := Parse(r, perPage)
	total := len(items)

	m := Meta{Page: page, PerPage: size, Total: total, TotalPages: 1}
	if total > 0 {
		m.TotalPages = (total + size - 1) / size
	}
	m.HasPrev = page > 1
	m.HasNext = page < m.TotalPages
	if m.HasPrev {
		m.PrevURL = pageURL(r, page-1)
	}
	if m.HasNext {
		m.NextURL = pageURL(r, page+1)
	}

	start := min((page-1)*size, total)
	end := min(start+size, total)
	window := make([]T, end-start)
	copy(window, items[start:end])
	return window, m
}

// pageURL rewrites r's query for another page; page 1 omits the parameter.
func pageURL(r *http.Request, page int) string {
	q := r.URL.Query()
	q.Set("page", strconv.Itoa(page))
	if page == 1 {
		q.Del("page")
	}
	return r.URL.Path + "?" + q.Encode()
}
