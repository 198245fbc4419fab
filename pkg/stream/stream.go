// Package stream provides cancellable streaming copies for moving large
// payload regions between files without buffering them in memory.
package stream

import (
	"errors"
	"fmt"
	"io"
)

// ErrCancelled is returned by CopyN when the cancellation flag is set
// before the requested byte count has been copied.
var ErrCancelled = errors.New("operation cancelled")

// chunkSize bounds how many bytes move between two cancellation checks.
const chunkSize = 64 * 1024

// CopyN copies exactly n bytes from src to dst in bounded chunks, checking
// cancel before each chunk. On error the destination may have received a
// partial prefix; callers are expected to discard it. A source that runs
// out early yields an error wrapping io.ErrUnexpectedEOF.
func CopyN(dst io.Writer, src io.Reader, n uint64, cancel *Flag) error {
	buf := make([]byte, chunkSize)

	var copied uint64
	for copied < n {
		if cancel.Cancelled() {
			return ErrCancelled
		}

		chunk := n - copied
		if chunk > chunkSize {
			chunk = chunkSize
		}

		read, err := io.ReadFull(src, buf[:chunk])
		if read > 0 {
			if _, werr := dst.Write(buf[:read]); werr != nil {
				return fmt.Errorf("failed to write after %d of %d bytes: %w", copied, n, werr)
			}
			copied += uint64(read)
		}
		switch {
		case err == nil:
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			return fmt.Errorf("source ended after %d of %d bytes: %w", copied, n, io.ErrUnexpectedEOF)
		default:
			return fmt.Errorf("failed to read after %d of %d bytes: %w", copied, n, err)
		}
	}
	return nil
}
