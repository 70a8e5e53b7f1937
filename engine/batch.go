package engine

import (
	"encoding/binary"
	"fmt"

	psperrors "github.com/perspective-dev/psprelay/errors"
)

// DecodeBatch parses a batch buffer into its entries. The returned buffers do
// not alias data.
func DecodeBatch(data []byte) (Batch, error) {
	if len(data) == 0 {
		return nil, nil
	}

	var batch Batch
	for off := 0; off < len(data); {
		if len(data)-off < 4 {
			return nil, fmt.Errorf("batch entry header truncated at offset %d: %w", off, psperrors.ErrEngineFailure)
		}
		n := int(binary.LittleEndian.Uint32(data[off:]))
		off += 4
		if n > len(data)-off {
			return nil, fmt.Errorf("batch entry of %d bytes overruns buffer at offset %d: %w", n, off, psperrors.ErrEngineFailure)
		}
		entry := make([]byte, n)
		copy(entry, data[off:off+n])
		batch = append(batch, entry)
		off += n
	}
	return batch, nil
}

// EncodeBatch is the inverse of DecodeBatch.
func EncodeBatch(b Batch) []byte {
	size := 0
	for _, e := range b {
		size += 4 + len(e)
	}
	out := make([]byte, 0, size)
	for _, e := range b {
		out = binary.LittleEndian.AppendUint32(out, uint32(len(e)))
		out = append(out, e...)
	}
	return out
}
