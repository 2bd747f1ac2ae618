// Package rewrite implements the backup-drop-rebuild procedure that
// substitutes for in-place update/delete on backends lacking those
// primitives. It works around two limitations of the primary backend: the
// absence of a SQL update command, and the 100-partition ceiling on CTAS
// and insert statements.
package rewrite

import (
	gauerrors "github.com/chriscugliotta/glue-athena-utils/internal/errors"
	"github.com/chriscugliotta/glue-athena-utils/pkg/types"
)

// Chunks divides a table's partition keys into batches of at most size
// keys. Every key appears in exactly one batch and the batch count is
// ceil(len(keys)/size). Zero keys yields zero batches; the caller handles
// the unpartitioned path separately since there is no partition predicate
// to build.
func Chunks(keys []types.PartitionKey, size int) ([][]types.PartitionKey, error) {
	if size <= 0 {
		return nil, gauerrors.Newf(gauerrors.ErrCategoryConfiguration, gauerrors.CodeInvalidChunkSize,
			"chunk size must be positive, got %d", size)
	}

	var chunks [][]types.PartitionKey
	for start := 0; start < len(keys); start += size {
		end := start + size
		if end > len(keys) {
			end = len(keys)
		}
		chunks = append(chunks, keys[start:end])
	}
	return chunks, nil
}
