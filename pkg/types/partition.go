// Package types provides core data types shared across glue-athena-utils.
package types

// PartitionKey is a tuple of literal values identifying one physical
// partition of a table. Values are ordered to match the table's partition
// columns. A table has zero (unpartitioned) or many partition keys.
type PartitionKey []any

// Equal reports whether two keys have the same length and the same rendered
// literal value at every position. Comparing rendered literals makes keys
// read back from a query result (strings) match keys supplied as typed
// values.
func (k PartitionKey) Equal(other PartitionKey) bool {
	if len(k) != len(other) {
		return false
	}
	for i := range k {
		if Literal(k[i]) != Literal(other[i]) {
			return false
		}
	}
	return true
}

// String renders the key as a comma-separated list of SQL literals.
func (k PartitionKey) String() string {
	s := ""
	for i, v := range k {
		if i > 0 {
			s += ", "
		}
		s += Literal(v)
	}
	return s
}
