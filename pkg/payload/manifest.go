package payload

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers from the update engine's update_metadata.proto schema.
const (
	manifestFieldBlockSize        = 3
	manifestFieldSignaturesOffset = 4
	manifestFieldSignaturesSize   = 5
	manifestFieldMinorVersion     = 12
	manifestFieldPartitions       = 13
	manifestFieldMaxTimestamp     = 14
	manifestFieldPartialUpdate    = 16
	manifestFieldSecurityPatch    = 18

	partitionFieldName       = 1
	partitionFieldOldInfo    = 6
	partitionFieldNewInfo    = 7
	partitionFieldOperations = 8

	partitionInfoFieldSize = 1
	partitionInfoFieldHash = 2
)

// Manifest models the DeltaArchiveManifest message describing a payload.
// The schema uses explicit field presence, so scalar fields are pointers
// and nil means the field was absent. Fields this tool does not interpret
// are retained verbatim and re-emitted on serialization, so re-signing
// never loses manifest information.
type Manifest struct {
	BlockSize          *uint32
	SignaturesOffset   *uint64
	SignaturesSize     *uint64
	MinorVersion       *uint32
	Partitions         []*PartitionUpdate
	MaxTimestamp       *int64
	PartialUpdate      *bool
	SecurityPatchLevel *string

	unknown []byte
}

// PartitionUpdate models one partition entry of the manifest.
type PartitionUpdate struct {
	PartitionName    string
	OldPartitionInfo *PartitionInfo
	NewPartitionInfo *PartitionInfo
	Operations       []*InstallOperation

	unknown []byte
}

// PartitionInfo carries the size and hash of a partition image.
type PartitionInfo struct {
	Size *uint64
	Hash []byte

	unknown []byte
}

func (m *Manifest) unmarshal(data []byte) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		body := data[n:]
		switch {
		case num == manifestFieldBlockSize && typ == protowire.VarintType:
			v, vn := protowire.ConsumeVarint(body)
			if vn < 0 {
				return protowire.ParseError(vn)
			}
			m.BlockSize = ptrTo(uint32(v))
			n += vn
		case num == manifestFieldSignaturesOffset && typ == protowire.VarintType:
			v, vn := protowire.ConsumeVarint(body)
			if vn < 0 {
				return protowire.ParseError(vn)
			}
			m.SignaturesOffset = ptrTo(v)
			n += vn
		case num == manifestFieldSignaturesSize && typ == protowire.VarintType:
			v, vn := protowire.ConsumeVarint(body)
			if vn < 0 {
				return protowire.ParseError(vn)
			}
			m.SignaturesSize = ptrTo(v)
			n += vn
		case num == manifestFieldMinorVersion && typ == protowire.VarintType:
			v, vn := protowire.ConsumeVarint(body)
			if vn < 0 {
				return protowire.ParseError(vn)
			}
			m.MinorVersion = ptrTo(uint32(v))
			n += vn
		case num == manifestFieldPartitions && typ == protowire.BytesType:
			v, vn := protowire.ConsumeBytes(body)
			if vn < 0 {
				return protowire.ParseError(vn)
			}
			part := new(PartitionUpdate)
			if err := part.unmarshal(v); err != nil {
				return fmt.Errorf("partition #%d: %w", len(m.Partitions), err)
			}
			m.Partitions = append(m.Partitions, part)
			n += vn
		case num == manifestFieldMaxTimestamp && typ == protowire.VarintType:
			v, vn := protowire.ConsumeVarint(body)
			if vn < 0 {
				return protowire.ParseError(vn)
			}
			m.MaxTimestamp = ptrTo(int64(v))
			n += vn
		case num == manifestFieldPartialUpdate && typ == protowire.VarintType:
			v, vn := protowire.ConsumeVarint(body)
			if vn < 0 {
				return protowire.ParseError(vn)
			}
			m.PartialUpdate = ptrTo(v != 0)
			n += vn
		case num == manifestFieldSecurityPatch && typ == protowire.BytesType:
			v, vn := protowire.ConsumeString(body)
			if vn < 0 {
				return protowire.ParseError(vn)
			}
			m.SecurityPatchLevel = ptrTo(v)
			n += vn
		default:
			vn := protowire.ConsumeFieldValue(num, typ, body)
			if vn < 0 {
				return protowire.ParseError(vn)
			}
			m.unknown = append(m.unknown, data[:n+vn]...)
			n += vn
		}
		data = data[n:]
	}
	return nil
}

func (m *Manifest) marshal() []byte {
	var b []byte
	if m.BlockSize != nil {
		b = protowire.AppendTag(b, manifestFieldBlockSize, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(*m.BlockSize))
	}
	if m.SignaturesOffset != nil {
		b = protowire.AppendTag(b, manifestFieldSignaturesOffset, protowire.VarintType)
		b = protowire.AppendVarint(b, *m.SignaturesOffset)
	}
	if m.SignaturesSize != nil {
		b = protowire.AppendTag(b, manifestFieldSignaturesSize, protowire.VarintType)
		b = protowire.AppendVarint(b, *m.SignaturesSize)
	}
	if m.MinorVersion != nil {
		b = protowire.AppendTag(b, manifestFieldMinorVersion, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(*m.MinorVersion))
	}
	for _, part := range m.Partitions {
		b = protowire.AppendTag(b, manifestFieldPartitions, protowire.BytesType)
		b = protowire.AppendBytes(b, part.marshal())
	}
	if m.MaxTimestamp != nil {
		b = protowire.AppendTag(b, manifestFieldMaxTimestamp, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(*m.MaxTimestamp))
	}
	if m.PartialUpdate != nil {
		b = protowire.AppendTag(b, manifestFieldPartialUpdate, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(*m.PartialUpdate))
	}
	if m.SecurityPatchLevel != nil {
		b = protowire.AppendTag(b, manifestFieldSecurityPatch, protowire.BytesType)
		b = protowire.AppendString(b, *m.SecurityPatchLevel)
	}
	return append(b, m.unknown...)
}

// Clone returns a deep copy sharing no mutable state with m.
func (m *Manifest) Clone() *Manifest {
	out := &Manifest{
		BlockSize:          clonePtr(m.BlockSize),
		SignaturesOffset:   clonePtr(m.SignaturesOffset),
		SignaturesSize:     clonePtr(m.SignaturesSize),
		MinorVersion:       clonePtr(m.MinorVersion),
		MaxTimestamp:       clonePtr(m.MaxTimestamp),
		PartialUpdate:      clonePtr(m.PartialUpdate),
		SecurityPatchLevel: clonePtr(m.SecurityPatchLevel),
		unknown:            cloneBytes(m.unknown),
	}
	for _, part := range m.Partitions {
		out.Partitions = append(out.Partitions, part.clone())
	}
	return out
}

func (p *PartitionUpdate) unmarshal(data []byte) error {
	seenName := false
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		body := data[n:]
		switch {
		case num == partitionFieldName && typ == protowire.BytesType:
			v, vn := protowire.ConsumeString(body)
			if vn < 0 {
				return protowire.ParseError(vn)
			}
			p.PartitionName = v
			seenName = true
			n += vn
		case num == partitionFieldOldInfo && typ == protowire.BytesType:
			v, vn := protowire.ConsumeBytes(body)
			if vn < 0 {
				return protowire.ParseError(vn)
			}
			info := new(PartitionInfo)
			if err := info.unmarshal(v); err != nil {
				return fmt.Errorf("old partition info: %w", err)
			}
			p.OldPartitionInfo = info
			n += vn
		case num == partitionFieldNewInfo && typ == protowire.BytesType:
			v, vn := protowire.ConsumeBytes(body)
			if vn < 0 {
				return protowire.ParseError(vn)
			}
			info := new(PartitionInfo)
			if err := info.unmarshal(v); err != nil {
				return fmt.Errorf("new partition info: %w", err)
			}
			p.NewPartitionInfo = info
			n += vn
		case num == partitionFieldOperations && typ == protowire.BytesType:
			v, vn := protowire.ConsumeBytes(body)
			if vn < 0 {
				return protowire.ParseError(vn)
			}
			op := new(InstallOperation)
			if err := op.unmarshal(v); err != nil {
				return fmt.Errorf("operation #%d: %w", len(p.Operations), err)
			}
			p.Operations = append(p.Operations, op)
			n += vn
		default:
			vn := protowire.ConsumeFieldValue(num, typ, body)
			if vn < 0 {
				return protowire.ParseError(vn)
			}
			p.unknown = append(p.unknown, data[:n+vn]...)
			n += vn
		}
		data = data[n:]
	}
	if !seenName {
		return errors.New("partition update missing required partition_name field")
	}
	return nil
}

func (p *PartitionUpdate) marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, partitionFieldName, protowire.BytesType)
	b = protowire.AppendString(b, p.PartitionName)
	if p.OldPartitionInfo != nil {
		b = protowire.AppendTag(b, partitionFieldOldInfo, protowire.BytesType)
		b = protowire.AppendBytes(b, p.OldPartitionInfo.marshal())
	}
	if p.NewPartitionInfo != nil {
		b = protowire.AppendTag(b, partitionFieldNewInfo, protowire.BytesType)
		b = protowire.AppendBytes(b, p.NewPartitionInfo.marshal())
	}
	for _, op := range p.Operations {
		b = protowire.AppendTag(b, partitionFieldOperations, protowire.BytesType)
		b = protowire.AppendBytes(b, op.marshal())
	}
	return append(b, p.unknown...)
}

func (p *PartitionUpdate) clone() *PartitionUpdate {
	out := &PartitionUpdate{
		PartitionName:    p.PartitionName,
		OldPartitionInfo: p.OldPartitionInfo.clone(),
		NewPartitionInfo: p.NewPartitionInfo.clone(),
		unknown:          cloneBytes(p.unknown),
	}
	for _, op := range p.Operations {
		out.Operations = append(out.Operations, op.clone())
	}
	return out
}

func (i *PartitionInfo) unmarshal(data []byte) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		body := data[n:]
		switch {
		case num == partitionInfoFieldSize && typ == protowire.VarintType:
			v, vn := protowire.ConsumeVarint(body)
			if vn < 0 {
				return protowire.ParseError(vn)
			}
			i.Size = ptrTo(v)
			n += vn
		case num == partitionInfoFieldHash && typ == protowire.BytesType:
			v, vn := protowire.ConsumeBytes(body)
			if vn < 0 {
				return protowire.ParseError(vn)
			}
			i.Hash = append([]byte(nil), v...)
			n += vn
		default:
			vn := protowire.ConsumeFieldValue(num, typ, body)
			if vn < 0 {
				return protowire.ParseError(vn)
			}
			i.unknown = append(i.unknown, data[:n+vn]...)
			n += vn
		}
		data = data[n:]
	}
	return nil
}

func (i *PartitionInfo) marshal() []byte {
	var b []byte
	if i.Size != nil {
		b = protowire.AppendTag(b, partitionInfoFieldSize, protowire.VarintType)
		b = protowire.AppendVarint(b, *i.Size)
	}
	if i.Hash != nil {
		b = protowire.AppendTag(b, partitionInfoFieldHash, protowire.BytesType)
		b = protowire.AppendBytes(b, i.Hash)
	}
	return append(b, i.unknown...)
}

func (i *PartitionInfo) clone() *PartitionInfo {
	if i == nil {
		return nil
	}
	return &PartitionInfo{
		Size:    clonePtr(i.Size),
		Hash:    cloneBytes(i.Hash),
		unknown: cloneBytes(i.unknown),
	}
}

func ptrTo[T any](v T) *T {
	return &v
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
