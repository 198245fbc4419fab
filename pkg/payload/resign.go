package payload

import (
	"crypto/rsa"
	"fmt"
	"io"
	"math"

	"github.com/avierra/go-otasign/pkg/stream"
)

// Resign streams the payload at input into a freshly signed payload on
// output. Operation data is copied verbatim in manifest order; only the
// manifest layout and the signatures change. header must come from parsing
// input, and input must be positioned anywhere past the metadata (Resign
// seeks absolutely for every operation). It returns the properties text
// and the metadata size of the new payload.
//
// cancel may be nil. When it trips, Resign aborts with stream.ErrCancelled
// and the partially written output should be discarded by the caller.
func Resign(input io.ReadSeeker, output io.Writer, header *Header, key *rsa.PrivateKey, cancel *stream.Flag) (string, uint64, error) {
	writer, err := NewWriter(output, header, key)
	if err != nil {
		return "", 0, err
	}

	for {
		more, err := writer.BeginNextOperation()
		if err != nil {
			return "", 0, err
		}
		if !more {
			break
		}

		pi, _ := writer.PartitionIndex()
		oi, _ := writer.OperationIndex()

		// Source offsets come from the original manifest; the writer's
		// copy already points into the output layout.
		part := header.Manifest.Partitions[pi]
		op := part.Operations[oi]

		rng, ok, err := op.DataRange()
		if err != nil {
			return "", 0, &MissingOffsetError{
				Partition:      part.PartitionName,
				PartitionIndex: pi,
				OperationIndex: oi,
			}
		}
		if !ok {
			continue
		}

		offset, err := absoluteOffset(header.BlobOffset, rng.Offset)
		if err != nil {
			return "", 0, fmt.Errorf("partition %s operation #%d: %w", part.PartitionName, oi, err)
		}
		if _, err := input.Seek(offset, io.SeekStart); err != nil {
			return "", 0, fmt.Errorf("failed to seek to data of partition %s operation #%d: %w", part.PartitionName, oi, err)
		}
		if err := stream.CopyN(writer, input, rng.Length, cancel); err != nil {
			return "", 0, fmt.Errorf("failed to copy data of partition %s operation #%d: %w", part.PartitionName, oi, err)
		}
	}

	properties, metadataSize, err := writer.Finish()
	if err != nil {
		return "", 0, fmt.Errorf("failed to finalize payload: %w", err)
	}
	return properties, metadataSize, nil
}

// absoluteOffset converts a blob-relative data offset to a file offset
// usable with Seek.
func absoluteOffset(blobOffset, dataOffset uint64) (int64, error) {
	sum := blobOffset + dataOffset
	if sum < blobOffset || sum > math.MaxInt64 {
		return 0, fmt.Errorf("data offset %d overflows the file offset space", dataOffset)
	}
	return int64(sum), nil
}
