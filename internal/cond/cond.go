// Package cond evaluates the planner's branch-condition micro-grammar against
// the results accumulated so far in a run.
//
// Grammar:
//
//	Condition = Clause { "and" Clause } .
//	Clause    = id ".result contains" quoted
//	          | id "is not empty"
//	          | id "is empty" .
//
// A condition that does not parse evaluates to true: running a subtask the
// planner worded badly beats silently dropping it. Callers receive
// ErrUnparseable alongside the value so they can record a warning.
package cond

import (
	"errors"
	"fmt"
	"strings"

	"github.com/eferist/weft/internal/outcome"
)

var ErrUnparseable = errors.New("unparseable condition")

// Evaluate returns whether the condition holds for the given results. The
// boolean is always usable; err wraps ErrUnparseable when the fallback-to-true
// rule applied.
func Evaluate(condition string, results map[string]outcome.Outcome) (bool, error) {
	clauses, err := splitClauses(condition)
	if err != nil {
		return true, err
	}
	for _, clause := range clauses {
		ok, err := evalClause(clause, results)
		if err != nil {
			return true, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// Check reports whether the condition parses. Used by plan validation; it
// never consults results.
func Check(condition string) error {
	clauses, err := splitClauses(condition)
	if err != nil {
		return err
	}
	for _, clause := range clauses {
		if _, err := parseClause(clause); err != nil {
			return err
		}
	}
	return nil
}

type clauseKind int

const (
	clauseContains clauseKind = iota
	clauseNotEmpty
	clauseEmpty
)

type clause struct {
	kind clauseKind
	id   string
	term string
}

func evalClause(raw string, results map[string]outcome.Outcome) (bool, error) {
	c, err := parseClause(raw)
	if err != nil {
		return true, err
	}
	res, ok := results[c.id]
	produced := ok && res.Succeeded() && strings.TrimSpace(res.Output) != ""
	switch c.kind {
	case clauseContains:
		if !produced {
			return false, nil
		}
		return strings.Contains(strings.ToLower(res.Output), strings.ToLower(c.term)), nil
	case clauseNotEmpty:
		return produced, nil
	case clauseEmpty:
		return !produced, nil
	default:
		return true, fmt.Errorf("%w: %q", ErrUnparseable, raw)
	}
}

func parseClause(raw string) (clause, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return clause{}, fmt.Errorf("%w: empty clause", ErrUnparseable)
	}

	if idx := indexOutsideQuotes(s, " contains "); idx >= 0 {
		left := strings.TrimSpace(s[:idx])
		right := strings.TrimSpace(s[idx+len(" contains "):])
		id, ok := strings.CutSuffix(left, ".result")
		if !ok || strings.TrimSpace(id) == "" {
			return clause{}, fmt.Errorf("%w: %q (want \"<id>.result contains '...'\")", ErrUnparseable, raw)
		}
		term, ok := unquote(right)
		if !ok {
			return clause{}, fmt.Errorf("%w: %q (term must be quoted)", ErrUnparseable, raw)
		}
		return clause{kind: clauseContains, id: strings.TrimSpace(id), term: term}, nil
	}

	if id, ok := strings.CutSuffix(s, " is not empty"); ok && strings.TrimSpace(id) != "" {
		return clause{kind: clauseNotEmpty, id: strings.TrimSpace(id)}, nil
	}
	if id, ok := strings.CutSuffix(s, " is empty"); ok && strings.TrimSpace(id) != "" {
		return clause{kind: clauseEmpty, id: strings.TrimSpace(id)}, nil
	}
	return clause{}, fmt.Errorf("%w: %q", ErrUnparseable, raw)
}

// splitClauses splits on the "and" keyword outside quoted terms.
func splitClauses(condition string) ([]string, error) {
	s := strings.TrimSpace(condition)
	if s == "" {
		return nil, fmt.Errorf("%w: empty condition", ErrUnparseable)
	}
	var clauses []string
	for {
		idx := indexOutsideQuotes(s, " and ")
		if idx < 0 {
			clauses = append(clauses, s)
			return clauses, nil
		}
		clauses = append(clauses, s[:idx])
		s = s[idx+len(" and "):]
		if strings.TrimSpace(s) == "" {
			return nil, fmt.Errorf("%w: trailing \"and\"", ErrUnparseable)
		}
	}
}

// indexOutsideQuotes finds sep outside single- or double-quoted spans.
func indexOutsideQuotes(s, sep string) int {
	var quote byte
	for i := 0; i+len(sep) <= len(s); i++ {
		c := s[i]
		if quote != 0 {
			if c == quote {
				quote = 0
			}
			continue
		}
		if c == '\'' || c == '"' {
			quote = c
			continue
		}
		if s[i:i+len(sep)] == sep {
			return i
		}
	}
	return -1
}

func unquote(s string) (string, bool) {
	if len(s) < 2 {
		return "", false
	}
	open := s[0]
	if open != '\'' && open != '"' {
		return "", false
	}
	if s[len(s)-1] != open {
		return "", false
	}
	return s[1 : len(s)-1], true
}
