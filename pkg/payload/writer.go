package payload

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"io"
)

// Writer emits a freshly signed payload. Constructing it writes the fixed
// header, the re-laid-out manifest and the metadata signature to dst. The
// caller then walks the operations with BeginNextOperation, streaming each
// data-bearing operation's bytes through Write, and calls Finish to sign
// the whole payload and obtain the properties text.
//
// The source header is never modified; the Writer works on a deep copy of
// its manifest with data offsets reassigned to the output blob layout.
type Writer struct {
	dst io.Writer
	key *rsa.PrivateKey

	manifest     *Manifest
	metadataSize uint64
	metadataHash []byte
	blobSize     uint64
	sigSize      uint64

	fileHash hash.Hash
	written  uint64

	partIndex int
	opIndex   int
	started   bool
	exhausted bool
	finished  bool

	opHasData bool
	opLength  uint64
	opWritten uint64
}

// NewWriter lays out the output payload and writes its metadata to dst.
// Data offsets are assigned sequentially in manifest order; operations
// without data keep their manifest position but consume no blob space.
func NewWriter(dst io.Writer, header *Header, key *rsa.PrivateKey) (*Writer, error) {
	if key == nil {
		return nil, errors.New("signing key is required")
	}
	manifest := header.Manifest.Clone()

	var blobSize uint64
	for _, part := range manifest.Partitions {
		for _, op := range part.Operations {
			if op.DataLength == nil {
				op.DataOffset = nil
				continue
			}
			if blobSize+*op.DataLength < blobSize {
				return nil, formatErrorf("operation data lengths overflow the blob region")
			}
			op.DataOffset = ptrTo(blobSize)
			blobSize += *op.DataLength
		}
	}

	sigSize := signaturesSize(key)
	manifest.SignaturesOffset = ptrTo(blobSize)
	manifest.SignaturesSize = ptrTo(sigSize)
	manifestBytes := manifest.marshal()

	var fixed [headerSize]byte
	copy(fixed[0:4], payloadMagic)
	binary.BigEndian.PutUint64(fixed[4:12], PayloadVersion)
	binary.BigEndian.PutUint64(fixed[12:20], uint64(len(manifestBytes)))
	binary.BigEndian.PutUint32(fixed[20:24], uint32(sigSize))

	// The metadata signature covers the fixed header and the manifest.
	metadataDigest := sha256.New()
	metadataDigest.Write(fixed[:])
	metadataDigest.Write(manifestBytes)
	metadataSig, err := signDigest(key, metadataDigest.Sum(nil))
	if err != nil {
		return nil, fmt.Errorf("failed to sign payload metadata: %w", err)
	}

	w := &Writer{
		dst:      dst,
		key:      key,
		manifest: manifest,
		blobSize: blobSize,
		sigSize:  sigSize,
		fileHash: sha256.New(),
	}
	if err := w.writeAll(fixed[:]); err != nil {
		return nil, err
	}
	if err := w.writeAll(manifestBytes); err != nil {
		return nil, err
	}
	if err := w.writeAll(newSignatures(metadataSig).marshal()); err != nil {
		return nil, err
	}
	w.metadataSize = w.written
	w.metadataHash = w.fileHash.Sum(nil)
	return w, nil
}

func (w *Writer) writeAll(p []byte) error {
	if _, err := w.dst.Write(p); err != nil {
		return fmt.Errorf("failed to write payload: %w", err)
	}
	w.fileHash.Write(p)
	w.written += uint64(len(p))
	return nil
}

func (w *Writer) current() (*InstallOperation, bool) {
	if !w.started || w.exhausted || w.finished {
		return nil, false
	}
	return w.manifest.Partitions[w.partIndex].Operations[w.opIndex], true
}

// BeginNextOperation advances to the next operation in manifest order,
// returning false once all operations are exhausted. It fails if the
// previous operation was not fully written.
func (w *Writer) BeginNextOperation() (bool, error) {
	if w.finished {
		return false, errors.New("payload already finalized")
	}
	if w.started && !w.exhausted && w.opHasData && w.opWritten != w.opLength {
		return false, fmt.Errorf("partition #%d operation #%d not fully written: %d of %d bytes",
			w.partIndex, w.opIndex, w.opWritten, w.opLength)
	}

	if !w.started {
		w.started = true
	} else if !w.exhausted {
		w.opIndex++
	}
	for w.partIndex < len(w.manifest.Partitions) {
		if w.opIndex < len(w.manifest.Partitions[w.partIndex].Operations) {
			op := w.manifest.Partitions[w.partIndex].Operations[w.opIndex]
			rng, hasData, err := op.DataRange()
			if err != nil {
				return false, err
			}
			w.opHasData = hasData
			w.opLength = rng.Length
			w.opWritten = 0
			return true, nil
		}
		w.partIndex++
		w.opIndex = 0
	}
	w.exhausted = true
	w.opHasData = false
	return false, nil
}

// Partition returns the partition owning the current operation. ok is
// false outside an active traversal.
func (w *Writer) Partition() (*PartitionUpdate, bool) {
	if _, ok := w.current(); !ok {
		return nil, false
	}
	return w.manifest.Partitions[w.partIndex], true
}

// Operation returns the current operation as laid out in the output
// manifest. ok is false outside an active traversal.
func (w *Writer) Operation() (*InstallOperation, bool) {
	return w.current()
}

// PartitionIndex returns the current partition's position in the manifest.
func (w *Writer) PartitionIndex() (int, bool) {
	if _, ok := w.current(); !ok {
		return 0, false
	}
	return w.partIndex, true
}

// OperationIndex returns the current operation's position within its
// partition.
func (w *Writer) OperationIndex() (int, bool) {
	if _, ok := w.current(); !ok {
		return 0, false
	}
	return w.opIndex, true
}

// Write streams data for the current operation into the payload. The
// bytes written must add up to the operation's declared length before the
// traversal can advance.
func (w *Writer) Write(p []byte) (int, error) {
	if _, ok := w.current(); !ok || !w.opHasData {
		return 0, errors.New("no operation is accepting data")
	}
	if w.opWritten+uint64(len(p)) > w.opLength {
		return 0, fmt.Errorf("write exceeds operation length %d", w.opLength)
	}
	if err := w.writeAll(p); err != nil {
		return 0, err
	}
	w.opWritten += uint64(len(p))
	return len(p), nil
}

// Finish signs the complete payload, appends the payload signature and
// returns the properties text along with the metadata size. It fails
// unless every operation has been traversed and fully written.
func (w *Writer) Finish() (string, uint64, error) {
	if w.finished {
		return "", 0, errors.New("payload already finalized")
	}
	if !w.exhausted {
		return "", 0, errors.New("payload incomplete: not all operations were written")
	}

	payloadSig, err := signDigest(w.key, w.fileHash.Sum(nil))
	if err != nil {
		return "", 0, fmt.Errorf("failed to sign payload: %w", err)
	}
	if err := w.writeAll(newSignatures(payloadSig).marshal()); err != nil {
		return "", 0, err
	}
	w.finished = true

	properties := fmt.Sprintf("FILE_HASH=%s\nFILE_SIZE=%d\nMETADATA_HASH=%s\nMETADATA_SIZE=%d\n",
		base64.StdEncoding.EncodeToString(w.fileHash.Sum(nil)),
		w.written,
		base64.StdEncoding.EncodeToString(w.metadataHash),
		w.metadataSize)
	return properties, w.metadataSize, nil
}

// signaturesSize measures the serialized Signatures envelope holding one
// signature of the key's modulus size. The real signatures produced later
// serialize to exactly this length.
func signaturesSize(key *rsa.PrivateKey) uint64 {
	return uint64(len(newSignatures(make([]byte, key.Size())).marshal()))
}

func signDigest(key *rsa.PrivateKey, digest []byte) ([]byte, error) {
	return rsa.SignPKCS1v15(nil, key, crypto.SHA256, digest)
}
