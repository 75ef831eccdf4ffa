// Package listing turns listing query parameters into a paginated, ordered
// SQL query over the movies table, always scoped by a moderation.Scope.
package listing

import (
	"fmt"
	"math"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"reelqueue/api/internal/moderation"
)

const (
	DefaultLimit = 10
	MaxLimit     = 100
)

// sortColumns maps the accepted sort fields to their columns.
var sortColumns = map[string]string{
	"createdAt": "created_at",
	"updatedAt": "updated_at",
	"title":     "title",
	"year":      "year",
	"type":      "type",
}

type Params struct {
	Page   int
	Limit  int
	Title  string
	Search string
	Type   string
	Year   string
	// Inclusive numeric bounds on the release year.
	YearFrom *int
	YearTo   *int
	Status   moderation.Status

	SortField string
	SortDesc  bool
	// Unbounded drops LIMIT/OFFSET, for queues returned as a bare array.
	Unbounded bool
}

func DefaultParams() Params {
	return Params{Page: 1, Limit: DefaultLimit, SortField: "createdAt", SortDesc: true}
}

func (p Params) Offset() int {
	if p.Unbounded {
		return 0
	}
	return (p.Page - 1) * p.Limit
}

// Errors maps a query parameter to what is wrong with it.
type Errors map[string]string

func (e Errors) Error() string {
	keys := make([]string, 0, len(e))
	for key := range e {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, key+": "+e[key])
	}
	return "invalid listing parameters: " + strings.Join(parts, "; ")
}

func ParseParams(values url.Values) (Params, error) {
	params := DefaultParams()
	problems := Errors{}

	if raw := strings.TrimSpace(values.Get("page")); raw != "" {
		page, err := strconv.Atoi(raw)
		switch {
		case err != nil:
			problems["page"] = "must be an integer"
		case page < 1:
			problems["page"] = "must be at least 1"
		default:
			params.Page = page
		}
	}

	if raw := strings.TrimSpace(values.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		switch {
		case err != nil:
			problems["limit"] = "must be an integer"
		case limit < 1:
			problems["limit"] = "must be at least 1"
		case limit > MaxLimit:
			params.Limit = MaxLimit
		default:
			params.Limit = limit
		}
	}

	params.Title = strings.TrimSpace(values.Get("title"))
	params.Search = strings.TrimSpace(values.Get("search"))
	params.Year = strings.TrimSpace(values.Get("year"))

	if raw := strings.TrimSpace(values.Get("type")); raw != "" {
		if !moderation.ValidType(raw) {
			problems["type"] = fmt.Sprintf("must be %q or %q", moderation.TypeMovie, moderation.TypeTVShow)
		} else {
			params.Type = raw
		}
	}

	params.YearFrom = parseYearBound(values.Get("yearFrom"), "yearFrom", problems)
	params.YearTo = parseYearBound(values.Get("yearTo"), "yearTo", problems)
	if params.YearFrom != nil && params.YearTo != nil && *params.YearFrom > *params.YearTo {
		problems["yearFrom"] = "must not exceed yearTo"
	}

	// The offset must stay representable for the database.
	if params.Page-1 > math.MaxInt32/params.Limit {
		problems["page"] = "is too large"
	}

	if raw := strings.TrimSpace(values.Get("status")); raw != "" {
		status, err := moderation.ParseStatus(raw)
		if err != nil {
			problems["status"] = "must be pending, approved or rejected"
		} else {
			params.Status = status
		}
	}

	if raw := strings.TrimSpace(values.Get("sort")); raw != "" {
		field, direction, _ := strings.Cut(raw, ":")
		if _, ok := sortColumns[field]; !ok {
			problems["sort"] = "unknown sort field " + strconv.Quote(field)
		} else {
			params.SortField = field
		}
		switch strings.ToLower(strings.TrimSpace(direction)) {
		case "", "desc":
			params.SortDesc = true
		case "asc":
			params.SortDesc = false
		default:
			problems["sort"] = "direction must be asc or desc"
		}
	}

	if len(problems) > 0 {
		return Params{}, problems
	}
	return params, nil
}

func parseYearBound(raw, key string, problems Errors) *int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	year, err := strconv.Atoi(raw)
	if err != nil {
		problems[key] = "must be an integer year"
		return nil
	}
	return &year
}
