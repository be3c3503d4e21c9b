package postgres

import (
	"database/sql"
	"errors"
	"strconv"
	"strings"

	"github.com/lib/pq"

	"cascade/internal/domain"
)

// filter accumulates WHERE conditions with positional arguments.
type filter struct {
	conds []string
	args  []any
}

// add appends cond, replacing each ? with the next placeholder.
func (f *filter) add(cond string, arg any) {
	f.args = append(f.args, arg)
	f.conds = append(f.conds, strings.Replace(cond, "?", "$"+strconv.Itoa(len(f.args)), 1))
}

func (f *filter) where() string {
	if len(f.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(f.conds, " AND ")
}

// page appends LIMIT and OFFSET placeholders and returns the clause.
func (f *filter) page(limit, offset int) string {
	f.args = append(f.args, limit, offset)
	n := len(f.args)
	return " LIMIT $" + strconv.Itoa(n-1) + " OFFSET $" + strconv.Itoa(n)
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	return err
}

func rawJSON(b []byte) string {
	if len(b) == 0 {
		return "{}"
	}
	return string(b)
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}
