package rewrite

import (
	"strings"

	"github.com/chriscugliotta/glue-athena-utils/pkg/types"
)

// PredicateAll matches every row. Used for unpartitioned tables, where a
// single statement moves the whole table.
const PredicateAll = "1 = 1"

// predicateNone matches no row; it anchors the disjunction so each tuple
// can be appended uniformly.
const predicateNone = "1 = 0"

// ChunkPredicate builds a boolean SQL expression matching exactly the rows
// whose partition columns equal one of the chunk's key tuples. A single
// partition column produces an `in (...)` expression; multiple columns
// produce a disjunction of per-tuple equality conjunctions. Literals are
// quoted per their type (see types.Literal).
func ChunkPredicate(columns []string, chunk []types.PartitionKey) string {
	if len(chunk) == 0 || len(columns) == 0 {
		return predicateNone
	}

	if len(columns) == 1 {
		literals := make([]string, len(chunk))
		for i, key := range chunk {
			literals[i] = types.Literal(key[0])
		}
		return columns[0] + " in (" + strings.Join(literals, ", ") + ")"
	}

	var sb strings.Builder
	sb.WriteString(predicateNone)
	for _, key := range chunk {
		sb.WriteString("\n    or (")
		for i, column := range columns {
			if i > 0 {
				sb.WriteString(" and ")
			}
			sb.WriteString(column)
			sb.WriteString(" = ")
			sb.WriteString(types.Literal(key[i]))
		}
		sb.WriteString(")")
	}
	return sb.String()
}
