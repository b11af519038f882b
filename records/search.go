package records

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// SearchCondition is a single column comparison.
type SearchCondition struct {
	Column   string
	Operator string
	Value    string
	Negate   bool
}

// SearchQuery is a list of conditions joined by AND/OR.
type SearchQuery struct {
	Conditions []SearchCondition
	// Logic[i] joins Conditions[i] and Conditions[i+1].
	Logic []string
}

// ErrInvalidQuery is wrapped by every search parse error.
var ErrInvalidQuery = errors.New("invalid search query")

var (
	conditionRegex = regexp.MustCompile(`(NOT\s+)?(\w+):((?:"[^"]*")|(?:[^\s]+))`)
	orRegex        = regexp.MustCompile(`(?i)^\s*OR\s*$`)
)

// columns maps search names to SQL columns; numeric columns compare as integers.
var columns = map[string]struct {
	sql     string
	numeric bool
}{
	"id":      {"r.id", false},
	"job":     {"r.job_id", false},
	"source":  {"r.source", false},
	"view":    {"r.reference_view", true},
	"x":       {"r.x", true},
	"y":       {"r.y", true},
	"radius":  {"r.radius", true},
	"views":   {"r.views", true},
	"matched": {"r.matched", true},
}

// parseSearchQuery parses queries such as:
//
//	source:*chess*
//	matched:>10 AND view:40
//	NOT job:"1b4e28ba-2fa1-11d2-883f-0016d3cca427" OR radius:<=2
//
// Conditions without an explicit operator between them are ANDed.
func parseSearchQuery(query string) (*SearchQuery, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}

	matches := conditionRegex.FindAllStringSubmatchIndex(query, -1)
	if len(matches) == 0 {
		return nil, fmt.Errorf("%w: no valid conditions in %q", ErrInvalidQuery, query)
	}

	sq := &SearchQuery{}
	for i, m := range matches {
		if i > 0 {
			between := query[matches[i-1][1]:m[0]]
			if orRegex.MatchString(between) {
				sq.Logic = append(sq.Logic, "OR")
			} else {
				sq.Logic = append(sq.Logic, "AND")
			}
		}

		cond := SearchCondition{
			Negate: m[2] >= 0,
			Column: strings.ToLower(query[m[4]:m[5]]),
			Value:  strings.Trim(query[m[6]:m[7]], `"`),
		}
		col, ok := columns[cond.Column]
		if !ok {
			return nil, fmt.Errorf("%w: unknown field %q", ErrInvalidQuery, cond.Column)
		}

		switch {
		case strings.HasPrefix(cond.Value, ">="), strings.HasPrefix(cond.Value, "<="):
			cond.Operator, cond.Value = cond.Value[:2], cond.Value[2:]
		case strings.HasPrefix(cond.Value, ">"), strings.HasPrefix(cond.Value, "<"):
			cond.Operator, cond.Value = cond.Value[:1], cond.Value[1:]
		case !col.numeric && strings.ContainsAny(cond.Value, "*%"):
			cond.Operator = "LIKE"
			cond.Value = strings.ReplaceAll(cond.Value, "*", "%")
		default:
			cond.Operator = "="
		}
		if col.numeric {
			if _, err := strconv.ParseInt(cond.Value, 10, 64); err != nil {
				return nil, fmt.Errorf("%w: field %s needs an integer, got %q", ErrInvalidQuery, cond.Column, cond.Value)
			}
		}
		sq.Conditions = append(sq.Conditions, cond)
	}
	return sq, nil
}

// buildWhereClause converts a SearchQuery to a SQL WHERE clause and its arguments.
func buildWhereClause(sq *SearchQuery) (string, []any) {
	if sq == nil || len(sq.Conditions) == 0 {
		return "", nil
	}

	var (
		clauses []string
		args    []any
	)
	for i, cond := range sq.Conditions {
		col := columns[cond.Column]
		clause := fmt.Sprintf("%s %s ?", col.sql, cond.Operator)
		if col.numeric {
			v, _ := strconv.ParseInt(cond.Value, 10, 64)
			args = append(args, v)
		} else {
			args = append(args, cond.Value)
		}
		if cond.Negate {
			clause = "NOT (" + clause + ")"
		}
		if i > 0 {
			clauses = append(clauses, sq.Logic[i-1])
		}
		clauses = append(clauses, clause)
	}
	return "WHERE " + strings.Join(clauses, " "), args
}
