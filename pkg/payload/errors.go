package payload

import (
	"errors"
	"fmt"
)

// ErrMissingDataOffset is returned by InstallOperation.DataRange when an
// operation declares a data length without a data offset, so its bytes
// cannot be located in the blob region.
var ErrMissingDataOffset = errors.New("operation declares data_length but no data_offset")

// FormatError reports input that does not conform to the payload container
// format.
type FormatError struct {
	Detail string
}

func (e *FormatError) Error() string {
	return "invalid payload: " + e.Detail
}

func formatErrorf(format string, args ...any) error {
	return &FormatError{Detail: fmt.Sprintf(format, args...)}
}

// MissingOffsetError identifies the exact operation whose manifest entry
// declares data without an offset.
type MissingOffsetError struct {
	Partition      string
	PartitionIndex int
	OperationIndex int
}

func (e *MissingOffsetError) Error() string {
	return fmt.Sprintf("missing data offset in partition #%d (%s) operation #%d",
		e.PartitionIndex, e.Partition, e.OperationIndex)
}
