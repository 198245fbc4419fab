package payload

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	payloadMagic = "CrAU"

	// PayloadVersion is the only supported major version of the payload
	// file format.
	PayloadVersion = 2

	// headerSize covers the magic, format version, manifest size and
	// metadata signature size fields.
	headerSize = 24

	// maxManifestSize caps how much manifest this tool reads into memory.
	// Real manifests are a few hundred KiB.
	maxManifestSize = 64 << 20
)

// Header is the parsed metadata of a payload file: the fixed header
// fields, the decoded manifest and the metadata signature. BlobOffset is
// the absolute file offset where operation data begins; every operation's
// data offset is relative to it.
type Header struct {
	Version               uint64
	Manifest              *Manifest
	ManifestSize          uint64
	MetadataSignatureSize uint32
	MetadataSignature     *Signatures
	BlobOffset            uint64
}

// ParseHeader reads and validates payload metadata from r, leaving the
// reader positioned at the start of the blob region. Every operation's
// offset and length declarations are checked here so inconsistent
// manifests are rejected before any re-signing work starts.
func ParseHeader(r io.Reader) (*Header, error) {
	var fixed [headerSize]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, formatErrorf("truncated header")
		}
		return nil, fmt.Errorf("failed to read payload header: %w", err)
	}

	if string(fixed[0:4]) != payloadMagic {
		return nil, formatErrorf("bad magic %q, want %q", fixed[0:4], payloadMagic)
	}
	version := binary.BigEndian.Uint64(fixed[4:12])
	if version != PayloadVersion {
		return nil, formatErrorf("unsupported payload version %d, want %d", version, PayloadVersion)
	}
	manifestSize := binary.BigEndian.Uint64(fixed[12:20])
	if manifestSize == 0 || manifestSize > maxManifestSize {
		return nil, formatErrorf("implausible manifest size %d", manifestSize)
	}
	metadataSigSize := binary.BigEndian.Uint32(fixed[20:24])

	manifestBytes := make([]byte, manifestSize)
	if _, err := io.ReadFull(r, manifestBytes); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, formatErrorf("truncated manifest: want %d bytes", manifestSize)
		}
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	manifest := new(Manifest)
	if err := manifest.unmarshal(manifestBytes); err != nil {
		return nil, formatErrorf("undecodable manifest: %v", err)
	}

	var metadataSig *Signatures
	if metadataSigSize > 0 {
		sigBytes := make([]byte, metadataSigSize)
		if _, err := io.ReadFull(r, sigBytes); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, formatErrorf("truncated metadata signature: want %d bytes", metadataSigSize)
			}
			return nil, fmt.Errorf("failed to read metadata signature: %w", err)
		}
		metadataSig = new(Signatures)
		if err := metadataSig.unmarshal(sigBytes); err != nil {
			return nil, formatErrorf("undecodable metadata signature: %v", err)
		}
	}

	header := &Header{
		Version:               version,
		Manifest:              manifest,
		ManifestSize:          manifestSize,
		MetadataSignatureSize: metadataSigSize,
		MetadataSignature:     metadataSig,
		BlobOffset:            headerSize + manifestSize + uint64(metadataSigSize),
	}
	if err := validateOperations(manifest); err != nil {
		return nil, err
	}
	return header, nil
}

func validateOperations(m *Manifest) error {
	for pi, part := range m.Partitions {
		for oi, op := range part.Operations {
			if _, _, err := op.DataRange(); err != nil {
				return &MissingOffsetError{
					Partition:      part.PartitionName,
					PartitionIndex: pi,
					OperationIndex: oi,
				}
			}
		}
	}
	return nil
}
