package payload

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// InstallOperation field numbers from the manifest schema.
const (
	operationFieldType       = 1
	operationFieldDataOffset = 2
	operationFieldDataLength = 3
	operationFieldSHA256     = 8
)

// OperationType identifies how an install operation produces its target
// blocks. The values mirror InstallOperation.Type in the manifest schema.
type OperationType int32

const (
	OpReplace         OperationType = 0
	OpReplaceBZ       OperationType = 1
	OpMove            OperationType = 2
	OpBsdiff          OperationType = 3
	OpSourceCopy      OperationType = 4
	OpSourceBsdiff    OperationType = 5
	OpZero            OperationType = 6
	OpDiscard         OperationType = 7
	OpReplaceXZ       OperationType = 8
	OpPuffdiff        OperationType = 9
	OpBrotliBsdiff    OperationType = 10
	OpZucchini        OperationType = 11
	OpLz4diffBsdiff   OperationType = 12
	OpLz4diffPuffdiff OperationType = 13
	OpReplaceZstd     OperationType = 14
)

var operationTypeNames = map[OperationType]string{
	OpReplace:         "REPLACE",
	OpReplaceBZ:       "REPLACE_BZ",
	OpMove:            "MOVE",
	OpBsdiff:          "BSDIFF",
	OpSourceCopy:      "SOURCE_COPY",
	OpSourceBsdiff:    "SOURCE_BSDIFF",
	OpZero:            "ZERO",
	OpDiscard:         "DISCARD",
	OpReplaceXZ:       "REPLACE_XZ",
	OpPuffdiff:        "PUFFDIFF",
	OpBrotliBsdiff:    "BROTLI_BSDIFF",
	OpZucchini:        "ZUCCHINI",
	OpLz4diffBsdiff:   "LZ4DIFF_BSDIFF",
	OpLz4diffPuffdiff: "LZ4DIFF_PUFFDIFF",
	OpReplaceZstd:     "REPLACE_ZSTD",
}

// String returns the schema name of the operation type.
func (t OperationType) String() string {
	if name, ok := operationTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", int32(t))
}

// InstallOperation models one install operation of a partition update.
// DataOffset and DataLength are pointers because the schema distinguishes
// absent fields from zero values; extents and other uninterpreted fields
// are retained verbatim.
type InstallOperation struct {
	Type           OperationType
	DataOffset     *uint64
	DataLength     *uint64
	DataSHA256Hash []byte

	unknown []byte
}

// CopyRange locates one operation's data inside the payload blob region.
// Offset is relative to the start of the blob.
type CopyRange struct {
	Offset uint64
	Length uint64
}

// DataRange classifies the operation. Operations that carry data return
// their blob range with ok set; zero and discard style operations declare
// no data and return ok false. An operation declaring a length without an
// offset is inconsistent and yields ErrMissingDataOffset.
func (op *InstallOperation) DataRange() (CopyRange, bool, error) {
	if op.DataLength == nil {
		return CopyRange{}, false, nil
	}
	if op.DataOffset == nil {
		return CopyRange{}, false, ErrMissingDataOffset
	}
	return CopyRange{Offset: *op.DataOffset, Length: *op.DataLength}, true, nil
}

func (op *InstallOperation) unmarshal(data []byte) error {
	seenType := false
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		body := data[n:]
		switch {
		case num == operationFieldType && typ == protowire.VarintType:
			v, vn := protowire.ConsumeVarint(body)
			if vn < 0 {
				return protowire.ParseError(vn)
			}
			op.Type = OperationType(v)
			seenType = true
			n += vn
		case num == operationFieldDataOffset && typ == protowire.VarintType:
			v, vn := protowire.ConsumeVarint(body)
			if vn < 0 {
				return protowire.ParseError(vn)
			}
			op.DataOffset = ptrTo(v)
			n += vn
		case num == operationFieldDataLength && typ == protowire.VarintType:
			v, vn := protowire.ConsumeVarint(body)
			if vn < 0 {
				return protowire.ParseError(vn)
			}
			op.DataLength = ptrTo(v)
			n += vn
		case num == operationFieldSHA256 && typ == protowire.BytesType:
			v, vn := protowire.ConsumeBytes(body)
			if vn < 0 {
				return protowire.ParseError(vn)
			}
			op.DataSHA256Hash = append([]byte(nil), v...)
			n += vn
		default:
			vn := protowire.ConsumeFieldValue(num, typ, body)
			if vn < 0 {
				return protowire.ParseError(vn)
			}
			op.unknown = append(op.unknown, data[:n+vn]...)
			n += vn
		}
		data = data[n:]
	}
	if !seenType {
		return errors.New("install operation missing required type field")
	}
	return nil
}

func (op *InstallOperation) marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, operationFieldType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(op.Type))
	if op.DataOffset != nil {
		b = protowire.AppendTag(b, operationFieldDataOffset, protowire.VarintType)
		b = protowire.AppendVarint(b, *op.DataOffset)
	}
	if op.DataLength != nil {
		b = protowire.AppendTag(b, operationFieldDataLength, protowire.VarintType)
		b = protowire.AppendVarint(b, *op.DataLength)
	}
	if op.DataSHA256Hash != nil {
		b = protowire.AppendTag(b, operationFieldSHA256, protowire.BytesType)
		b = protowire.AppendBytes(b, op.DataSHA256Hash)
	}
	return append(b, op.unknown...)
}

func (op *InstallOperation) clone() *InstallOperation {
	return &InstallOperation{
		Type:           op.Type,
		DataOffset:     clonePtr(op.DataOffset),
		DataLength:     clonePtr(op.DataLength),
		DataSHA256Hash: cloneBytes(op.DataSHA256Hash),
		unknown:        cloneBytes(op.unknown),
	}
}
