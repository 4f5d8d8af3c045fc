package shared

import (
	"net/url"
	"strconv"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 200
)

// Page bounds a list query.
type Page struct {
	Limit  int
	Offset int
}

// PageFromQuery reads the limit and offset query parameters. Missing or
// malformed values fall back to the default page size; oversized limits
// are capped so a single request cannot drag the whole table.
func PageFromQuery(q url.Values) Page {
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	if limit <= 0 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	if offset < 0 {
		offset = 0
	}
	return Page{Limit: limit, Offset: offset}
}
