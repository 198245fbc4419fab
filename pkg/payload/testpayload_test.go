package payload

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/binary"
	"strings"
	"sync"
	"testing"
)

// Key generation is slow enough to be worth sharing across the suite.
var (
	signingKeyOnce sync.Once
	signingKeyRSA  *rsa.PrivateKey
	signingKeyErr  error

	altKeyOnce sync.Once
	altKeyRSA  *rsa.PrivateKey
	altKeyErr  error
)

func testSigningKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	signingKeyOnce.Do(func() {
		signingKeyRSA, signingKeyErr = rsa.GenerateKey(rand.Reader, 2048)
	})
	if signingKeyErr != nil {
		t.Fatalf("failed to generate signing key: %v", signingKeyErr)
	}
	return signingKeyRSA
}

func altSigningKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	altKeyOnce.Do(func() {
		altKeyRSA, altKeyErr = rsa.GenerateKey(rand.Reader, 2048)
	})
	if altKeyErr != nil {
		t.Fatalf("failed to generate alternate key: %v", altKeyErr)
	}
	return altKeyRSA
}

// rawPayload assembles an unsigned payload image from a manifest and the
// blob bytes its operations point into.
func rawPayload(t *testing.T, m *Manifest, blob []byte) []byte {
	t.Helper()
	manifestBytes := m.marshal()

	var buf bytes.Buffer
	buf.WriteString(payloadMagic)
	var fixed [20]byte
	binary.BigEndian.PutUint64(fixed[0:8], PayloadVersion)
	binary.BigEndian.PutUint64(fixed[8:16], uint64(len(manifestBytes)))
	binary.BigEndian.PutUint32(fixed[16:20], 0)
	buf.Write(fixed[:])
	buf.Write(manifestBytes)
	buf.Write(blob)
	return buf.Bytes()
}

func copyOp(typ OperationType, offset, length uint64) *InstallOperation {
	return &InstallOperation{
		Type:       typ,
		DataOffset: ptrTo(offset),
		DataLength: ptrTo(length),
	}
}

func zeroOp(typ OperationType) *InstallOperation {
	return &InstallOperation{Type: typ}
}

// bootVendorPayload builds the canonical two-partition image: a boot
// partition replacing 16 bytes of 'A' and a vendor partition consisting of
// a single zero operation.
func bootVendorPayload(t *testing.T) []byte {
	t.Helper()
	blob := bytes.Repeat([]byte("A"), 16)
	sum := sha256.Sum256(blob)

	bootOp := copyOp(OpReplace, 0, 16)
	bootOp.DataSHA256Hash = sum[:]

	m := &Manifest{
		BlockSize: ptrTo(uint32(4096)),
		Partitions: []*PartitionUpdate{
			{
				PartitionName: "boot",
				NewPartitionInfo: &PartitionInfo{
					Size: ptrTo(uint64(16)),
					Hash: sum[:],
				},
				Operations: []*InstallOperation{bootOp},
			},
			{
				PartitionName: "vendor",
				Operations:    []*InstallOperation{zeroOp(OpZero)},
			},
		},
	}
	return rawPayload(t, m, blob)
}

// resignImage runs the full pipeline over a payload image, returning the
// output bytes plus the reported properties and metadata size.
func resignImage(t *testing.T, image []byte) ([]byte, string, uint64) {
	t.Helper()
	input := bytes.NewReader(image)
	header, err := ParseHeader(input)
	if err != nil {
		t.Fatalf("failed to parse payload: %v", err)
	}
	var output bytes.Buffer
	properties, metadataSize, err := Resign(input, &output, header, testSigningKey(t), nil)
	if err != nil {
		t.Fatalf("failed to re-sign payload: %v", err)
	}
	return output.Bytes(), properties, metadataSize
}

func parseTestProperties(t *testing.T, properties string) map[string]string {
	t.Helper()
	if !strings.HasSuffix(properties, "\n") {
		t.Fatalf("properties %q do not end with a newline", properties)
	}
	props := make(map[string]string)
	for _, line := range strings.Split(strings.TrimSuffix(properties, "\n"), "\n") {
		key, value, found := strings.Cut(line, "=")
		if !found {
			t.Fatalf("properties line %q is not KEY=VALUE", line)
		}
		props[key] = value
	}
	return props
}
