package payload

import (
	"bytes"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/avierra/go-otasign/pkg/stream"
)

// VerifyResult summarizes the checks Verify performed.
type VerifyResult struct {
	HashedOps    int  // operations whose data matched their declared hash
	UnhashedOps  int  // data operations carrying no hash to check
	ZeroOps      int  // zero and discard operations, no data to check
	SignaturesOK bool // metadata and payload signatures verified
}

// Verify checks a payload's internal consistency: every operation's data
// range must lie inside the blob region and data must match the declared
// per-operation SHA-256 hashes. With a public key it additionally verifies
// the metadata and payload signatures. The first failed check aborts with
// an error naming the offending part.
func Verify(input io.ReadSeeker, header *Header, pub *rsa.PublicKey, cancel *stream.Flag) (*VerifyResult, error) {
	fileSize, err := input.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, fmt.Errorf("failed to determine payload size: %w", err)
	}
	if uint64(fileSize) < header.BlobOffset {
		return nil, formatErrorf("file size %d is smaller than the blob offset %d", fileSize, header.BlobOffset)
	}

	// Operation data must not reach into the payload signature when the
	// manifest declares one.
	dataEnd := uint64(fileSize) - header.BlobOffset
	if off := header.Manifest.SignaturesOffset; off != nil && *off < dataEnd {
		dataEnd = *off
	}

	result := new(VerifyResult)
	for pi, part := range header.Manifest.Partitions {
		for oi, op := range part.Operations {
			rng, ok, err := op.DataRange()
			if err != nil {
				return nil, &MissingOffsetError{
					Partition:      part.PartitionName,
					PartitionIndex: pi,
					OperationIndex: oi,
				}
			}
			if !ok {
				result.ZeroOps++
				continue
			}
			if rng.Offset+rng.Length < rng.Offset || rng.Offset+rng.Length > dataEnd {
				return nil, formatErrorf("partition %s operation #%d data [%d, +%d) extends past the blob region",
					part.PartitionName, oi, rng.Offset, rng.Length)
			}
			if op.DataSHA256Hash == nil {
				result.UnhashedOps++
				continue
			}

			offset, err := absoluteOffset(header.BlobOffset, rng.Offset)
			if err != nil {
				return nil, fmt.Errorf("partition %s operation #%d: %w", part.PartitionName, oi, err)
			}
			if _, err := input.Seek(offset, io.SeekStart); err != nil {
				return nil, fmt.Errorf("failed to seek to data of partition %s operation #%d: %w", part.PartitionName, oi, err)
			}
			digest := sha256.New()
			if err := stream.CopyN(digest, input, rng.Length, cancel); err != nil {
				return nil, fmt.Errorf("failed to hash data of partition %s operation #%d: %w", part.PartitionName, oi, err)
			}
			if !bytes.Equal(digest.Sum(nil), op.DataSHA256Hash) {
				return nil, fmt.Errorf("partition %s operation #%d data does not match its declared hash", part.PartitionName, oi)
			}
			result.HashedOps++
		}
	}

	if pub != nil {
		if err := verifySignatures(input, header, pub, cancel); err != nil {
			return nil, err
		}
		result.SignaturesOK = true
	}
	return result, nil
}

// verifySignatures recomputes the signed digests in one sequential pass
// and checks them against the embedded signature messages.
func verifySignatures(input io.ReadSeeker, header *Header, pub *rsa.PublicKey, cancel *stream.Flag) error {
	if header.MetadataSignature == nil {
		return errors.New("payload carries no metadata signature")
	}
	sigOffset := header.Manifest.SignaturesOffset
	sigSize := header.Manifest.SignaturesSize
	if sigOffset == nil || sigSize == nil {
		return errors.New("manifest declares no payload signature")
	}

	if _, err := input.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek to payload start: %w", err)
	}
	digest := sha256.New()

	// The metadata signature covers the header and manifest; the payload
	// signature covers everything before the signature message itself.
	metadataEnd := headerSize + header.ManifestSize
	if err := stream.CopyN(digest, input, metadataEnd, cancel); err != nil {
		return fmt.Errorf("failed to hash payload metadata: %w", err)
	}
	if err := verifyAgainst(pub, digest.Sum(nil), header.MetadataSignature); err != nil {
		return fmt.Errorf("metadata signature: %w", err)
	}

	signedEnd := header.BlobOffset + *sigOffset
	if signedEnd < header.BlobOffset {
		return formatErrorf("signatures offset %d overflows the file offset space", *sigOffset)
	}
	if err := stream.CopyN(digest, input, signedEnd-metadataEnd, cancel); err != nil {
		return fmt.Errorf("failed to hash payload body: %w", err)
	}

	sigBytes := make([]byte, *sigSize)
	if _, err := io.ReadFull(input, sigBytes); err != nil {
		return fmt.Errorf("failed to read payload signature: %w", err)
	}
	payloadSig := new(Signatures)
	if err := payloadSig.unmarshal(sigBytes); err != nil {
		return formatErrorf("undecodable payload signature: %v", err)
	}
	if err := verifyAgainst(pub, digest.Sum(nil), payloadSig); err != nil {
		return fmt.Errorf("payload signature: %w", err)
	}
	return nil
}

// verifyAgainst accepts the digest if any signature in the envelope was
// produced by the key. Multi-key payloads carry one entry per signer.
func verifyAgainst(pub *rsa.PublicKey, digest []byte, sigs *Signatures) error {
	if len(sigs.Sigs) == 0 {
		return errors.New("signature message holds no signatures")
	}
	var lastErr error
	for _, sig := range sigs.Sigs {
		lastErr = rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest, sig.SignatureData())
		if lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("no signature matches the key: %w", lastErr)
}
