package query

import (
	"strings"

	"github.com/datastelsel/dsogateway/internal/schema"
)

// Physical column naming. Forward FKs store the target's logical
// identifier in "<field>_id"; bound relations to temporal targets carry
// the sequence alongside in "<field>_<sequencefield>". Nested tables live
// in "<table>_<field>" child tables keyed by parent_id.

// fkIDColumn is the physical column holding a relation's target id.
func fkIDColumn(f *schema.Field) string {
	return schema.SnakeName(f.ID) + "_id"
}

// fkSeqColumn is the physical column holding the target sequence of a
// bound temporal relation, or "" when the relation carries none.
func fkSeqColumn(f *schema.Field, target *schema.Table) string {
	if target == nil || !target.IsTemporal() || f.IsLooseRelation {
		return ""
	}
	return schema.SnakeName(f.ID) + "_" + schema.SnakeName(target.Temporal.SequenceField)
}

// FKIDAlias is the Row key of a relation's id value, e.g. "clusterId".
func FKIDAlias(f *schema.Field) string { return f.ID + "Id" }

// FKSeqAlias is the Row key of a relation's sequence value,
// e.g. "ligtInWijkVolgnummer".
func FKSeqAlias(f *schema.Field, target *schema.Table) string {
	return f.ID + upperFirst(target.Temporal.SequenceField)
}

// nestedTableName is the physical child table of a nested-table field.
func nestedTableName(t *schema.Table, f *schema.Field) string {
	return t.DBName + "_" + schema.SnakeName(f.ID)
}

// nestedParentColumn is the FK column on a nested child table.
const nestedParentColumn = "parent_id"

func upperFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// columnExpr builds the select expression for a field on the given
// alias. Geometries are fetched as WKB so the serializer can transform
// them to the response CRS.
func columnExpr(alias string, f *schema.Field) string {
	col := quoteIdent(alias) + "." + quoteIdent(f.Name)
	if f.Type.IsGeo() {
		return "ST_AsBinary(" + col + ")"
	}
	return col
}

// quoteIdent double-quotes an identifier. Identifiers always come from
// the schema catalog, never from user input; quoting guards against
// reserved words, not injection.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// selectColumnsFor lists the select columns of a table restricted to the
// given field ids (nil means all). Relation fields contribute their FK
// columns, object fields one column per subfield, nested tables nothing
// (they are prefetched from their child table).
func selectColumnsFor(snap *schema.Snapshot, t *schema.Table, include map[string]bool) []SelectCol {
	var cols []SelectCol
	for _, f := range t.Fields {
		if include != nil && !include[f.ID] {
			continue
		}
		switch {
		case f.IsNestedTable:
			// Prefetched separately.
		case f.NMRelation != nil:
			// Through-table rows are prefetched separately.
		case f.Relation != nil:
			cols = append(cols, SelectCol{
				Expr:  quoteIdent(mainAlias) + "." + quoteIdent(fkIDColumn(f)),
				Alias: FKIDAlias(f),
				Field: f,
			})
			target := snap.Table(f.Relation.Dataset, f.Relation.Table)
			if seqCol := fkSeqColumn(f, target); seqCol != "" {
				cols = append(cols, SelectCol{
					Expr:  quoteIdent(mainAlias) + "." + quoteIdent(seqCol),
					Alias: FKSeqAlias(f, target),
					Field: f,
				})
			}
		case f.Type == schema.TypeObject && len(f.Subfields) > 0:
			for _, sub := range f.Subfields {
				cols = append(cols, SelectCol{
					Expr:  columnExpr(mainAlias, sub),
					Alias: f.ID + "." + sub.ID,
					Field: sub,
				})
			}
		default:
			cols = append(cols, SelectCol{
				Expr:  columnExpr(mainAlias, f),
				Alias: f.ID,
				Field: f,
			})
		}
	}
	return cols
}
