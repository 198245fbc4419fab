package payload

import (
	"fmt"
	"io"
)

// defaultBlockSize is assumed when the manifest omits block_size.
const defaultBlockSize = 4096

// Summary condenses payload metadata for display.
type Summary struct {
	Version               uint64
	ManifestSize          uint64
	MetadataSignatureSize uint32
	BlobOffset            uint64
	BlockSize             uint32
	MinorVersion          uint32
	SecurityPatchLevel    string
	MaxTimestamp          int64
	PartialUpdate         bool
	Signed                bool
	Partitions            []PartitionSummary
}

// PartitionSummary describes one partition entry of the manifest.
type PartitionSummary struct {
	Name       string
	NewSize    uint64
	NewHash    []byte
	DataBytes  uint64
	Operations []OperationSummary
}

// OperationSummary describes one install operation.
type OperationSummary struct {
	Type       OperationType
	HasData    bool
	DataOffset uint64
	DataLength uint64
}

// Summarize digests a parsed header into display-ready form.
func Summarize(header *Header) *Summary {
	m := header.Manifest
	s := &Summary{
		Version:               header.Version,
		ManifestSize:          header.ManifestSize,
		MetadataSignatureSize: header.MetadataSignatureSize,
		BlobOffset:            header.BlobOffset,
		BlockSize:             defaultBlockSize,
		Signed:                header.MetadataSignatureSize > 0,
	}
	if m.BlockSize != nil {
		s.BlockSize = *m.BlockSize
	}
	if m.MinorVersion != nil {
		s.MinorVersion = *m.MinorVersion
	}
	if m.SecurityPatchLevel != nil {
		s.SecurityPatchLevel = *m.SecurityPatchLevel
	}
	if m.MaxTimestamp != nil {
		s.MaxTimestamp = *m.MaxTimestamp
	}
	if m.PartialUpdate != nil {
		s.PartialUpdate = *m.PartialUpdate
	}

	for _, part := range m.Partitions {
		ps := PartitionSummary{Name: part.PartitionName}
		if info := part.NewPartitionInfo; info != nil {
			if info.Size != nil {
				ps.NewSize = *info.Size
			}
			ps.NewHash = info.Hash
		}
		for _, op := range part.Operations {
			entry := OperationSummary{Type: op.Type}
			if rng, ok, err := op.DataRange(); err == nil && ok {
				entry.HasData = true
				entry.DataOffset = rng.Offset
				entry.DataLength = rng.Length
				ps.DataBytes += rng.Length
			}
			ps.Operations = append(ps.Operations, entry)
		}
		s.Partitions = append(s.Partitions, ps)
	}
	return s
}

// PrintSummary writes a human readable report of the payload metadata to
// w. With operations set, every install operation is listed individually.
func PrintSummary(s *Summary, w io.Writer, operations bool) {
	fmt.Fprintln(w, "Payload Information")
	fmt.Fprintln(w, "===================")
	fmt.Fprintf(w, "Format version:     %d\n", s.Version)
	fmt.Fprintf(w, "Manifest size:      %d bytes\n", s.ManifestSize)
	if s.Signed {
		fmt.Fprintf(w, "Metadata signature: %d bytes\n", s.MetadataSignatureSize)
	} else {
		fmt.Fprintf(w, "Metadata signature: none (unsigned payload)\n")
	}
	fmt.Fprintf(w, "Blob offset:        %d\n", s.BlobOffset)
	fmt.Fprintf(w, "Block size:         %d\n", s.BlockSize)
	if s.MinorVersion == 0 {
		fmt.Fprintf(w, "Minor version:      0 (full payload)\n")
	} else {
		fmt.Fprintf(w, "Minor version:      %d (delta payload)\n", s.MinorVersion)
	}
	if s.SecurityPatchLevel != "" {
		fmt.Fprintf(w, "Security patch:     %s\n", s.SecurityPatchLevel)
	}
	if s.MaxTimestamp != 0 {
		fmt.Fprintf(w, "Max timestamp:      %d\n", s.MaxTimestamp)
	}
	if s.PartialUpdate {
		fmt.Fprintf(w, "Partial update:     true\n")
	}

	fmt.Fprintf(w, "\nPartitions (%d):\n", len(s.Partitions))
	for _, part := range s.Partitions {
		hash := "-"
		if len(part.NewHash) > 0 {
			hash = shortHash(part.NewHash)
		}
		fmt.Fprintf(w, "  %-20s %4d ops  %12d data bytes  new size %-12d hash %s\n",
			part.Name, len(part.Operations), part.DataBytes, part.NewSize, hash)
	}

	if operations {
		for _, part := range s.Partitions {
			fmt.Fprintf(w, "\n%s operations:\n", part.Name)
			for i, op := range part.Operations {
				if op.HasData {
					fmt.Fprintf(w, "  #%-4d %-16s offset %-12d length %d\n",
						i, op.Type, op.DataOffset, op.DataLength)
				} else {
					fmt.Fprintf(w, "  #%-4d %-16s no data\n", i, op.Type)
				}
			}
		}
	}
}

func shortHash(hash []byte) string {
	if len(hash) > 8 {
		hash = hash[:8]
	}
	return fmt.Sprintf("%x", hash)
}
