package listing

import (
	"fmt"
	"strings"

	"reelqueue/api/internal/moderation"
)

// yearExpr is NULL for years that are not plain digits, so ranges skip them
// instead of failing the cast.
const yearExpr = `(CASE WHEN year ~ '^[0-9]{1,9}$' THEN year::int END)`

// Query is the parameterized SQL fragment set for one listing call.
type Query struct {
	Where   string
	Args    []any
	OrderBy string
	Limit   int
	Offset  int
}

type builder struct {
	clauses []string
	args    []any
}

func (b *builder) add(format string, values ...any) {
	placeholders := make([]any, len(values))
	for i, value := range values {
		b.args = append(b.args, value)
		placeholders[i] = fmt.Sprintf("$%d", len(b.args))
	}
	b.clauses = append(b.clauses, fmt.Sprintf(format, placeholders...))
}

// Build scopes first and narrows second: every filter is ANDed onto the
// visibility clause, so no parameter can widen what the scope allows.
func Build(scope moderation.Scope, viewerID string, params Params) Query {
	b := &builder{}
	b.clauses = append(b.clauses, "deleted = FALSE")

	switch scope {
	case moderation.ScopeGeneral:
		if viewerID == "" {
			b.add("status = %s", string(moderation.StatusApproved))
		} else {
			b.add("(status = %s OR user_id = %s)", string(moderation.StatusApproved), viewerID)
		}
	case moderation.ScopeMine:
		b.add("user_id = %s", viewerID)
	case moderation.ScopeQueue:
		b.add("status <> %s", string(moderation.StatusRejected))
	case moderation.ScopePending:
		b.add("status = %s", string(moderation.StatusPending))
	default:
		b.clauses = append(b.clauses, "FALSE")
	}

	if params.Title != "" {
		b.add("title ILIKE %s", containsPattern(params.Title))
	}
	if params.Search != "" {
		b.add("title ILIKE %s", containsPattern(params.Search))
	}
	if params.Type != "" {
		b.add("type = %s", params.Type)
	}
	if params.Year != "" {
		b.add("year = %s", params.Year)
	}
	if params.YearFrom != nil {
		b.add(yearExpr+" >= %s", *params.YearFrom)
	}
	if params.YearTo != nil {
		b.add(yearExpr+" <= %s", *params.YearTo)
	}
	if params.Status != "" {
		b.add("status = %s", string(params.Status))
	}

	query := Query{
		Where:   strings.Join(b.clauses, " AND "),
		Args:    b.args,
		OrderBy: orderBy(params),
	}
	if !params.Unbounded {
		query.Limit = params.Limit
		query.Offset = params.Offset()
	}
	return query
}

func orderBy(params Params) string {
	column, ok := sortColumns[params.SortField]
	if !ok {
		column = "created_at"
	}
	direction := "ASC"
	if params.SortDesc {
		direction = "DESC"
	}
	return fmt.Sprintf("%s %s, id %s", column, direction, direction)
}

// containsPattern escapes LIKE metacharacters so user text matches literally.
func containsPattern(value string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + replacer.Replace(value) + "%"
}

// HasMore reports whether rows beyond this page exist.
func HasMore(total, offset, returned int) bool {
	return total > offset+returned
}
