package query

import (
	"strconv"
	"strings"
)

// Compiled is the final SQL of a plan, with positional arguments.
type Compiled struct {
	SQL  string
	Args []any

	// CountSQL is the companion COUNT(*) query, empty unless requested.
	CountSQL  string
	CountArgs []any
}

// Compile renders the plan to Postgres SQL, renumbering '?' placeholders
// to $1..$n in appearance order.
func Compile(p *Plan) Compiled {
	var b strings.Builder
	var args []any

	b.WriteString("SELECT ")
	if p.Distinct {
		b.WriteString("DISTINCT ")
	}
	for i, col := range p.Select {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(col.Expr)
		b.WriteString(" AS ")
		b.WriteString(quoteIdent(col.Alias))
	}

	from, fromArgs := fromClause(p)
	b.WriteString(from)
	args = append(args, fromArgs...)

	if len(p.Where) > 0 {
		where := And(p.Where...)
		b.WriteString(" WHERE ")
		b.WriteString(where.SQL)
		args = append(args, where.Args...)
	}

	if len(p.OrderBy) > 0 {
		b.WriteString(" ORDER BY ")
		for i, term := range p.OrderBy {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(term.Expr)
			if term.Desc {
				b.WriteString(" DESC")
			}
		}
	}

	if !p.Page.Disabled {
		// One extra row signals whether a next page exists.
		b.WriteString(" LIMIT ")
		b.WriteString(strconv.Itoa(p.Page.Size + 1))
		if off := p.Page.Offset(); off > 0 {
			b.WriteString(" OFFSET ")
			b.WriteString(strconv.Itoa(off))
		}
	}

	c := Compiled{SQL: renumber(b.String()), Args: args}

	if p.Page.WithCount {
		var cb strings.Builder
		var countArgs []any
		cb.WriteString("SELECT COUNT(*)")
		if p.Distinct {
			cb.Reset()
			cb.WriteString("SELECT COUNT(DISTINCT ")
			cb.WriteString(quoteIdent(mainAlias))
			cb.WriteString(".*)")
		}
		from, fromArgs := fromClause(p)
		cb.WriteString(from)
		countArgs = append(countArgs, fromArgs...)
		if len(p.Where) > 0 {
			where := And(p.Where...)
			cb.WriteString(" WHERE ")
			cb.WriteString(where.SQL)
			countArgs = append(countArgs, where.Args...)
		}
		c.CountSQL = renumber(cb.String())
		c.CountArgs = countArgs
	}
	return c
}

func fromClause(p *Plan) (string, []any) {
	var b strings.Builder
	var args []any
	b.WriteString(" FROM ")
	b.WriteString(quoteIdent(p.Table.DBName))
	b.WriteString(" ")
	b.WriteString(quoteIdent(mainAlias))
	for _, j := range p.Joins {
		b.WriteString(" LEFT JOIN ")
		b.WriteString(quoteIdent(j.Table))
		b.WriteString(" ")
		b.WriteString(quoteIdent(j.Alias))
		b.WriteString(" ON ")
		b.WriteString(j.On.SQL)
		args = append(args, j.On.Args...)
	}
	return b.String(), args
}

// renumber rewrites '?' placeholders to $1..$n. Question marks inside
// single-quoted literals are left alone; the compiler never emits string
// literals, but predicates carry quoted ESCAPE clauses.
func renumber(sql string) string {
	var b strings.Builder
	b.Grow(len(sql) + 8)
	n := 0
	inLiteral := false
	for i := 0; i < len(sql); i++ {
		ch := sql[i]
		switch {
		case ch == '\'':
			inLiteral = !inLiteral
			b.WriteByte(ch)
		case ch == '?' && !inLiteral:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(ch)
		}
	}
	return b.String()
}
