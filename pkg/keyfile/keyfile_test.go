package keyfile

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"strings"
	"testing"

	gop12 "software.sslmate.com/src/go-pkcs12"
)

func TestLoadPrivateKeyPKCS1(t *testing.T) {
	key := testKey(t)
	path := writeTempFile(t, "key.pem", pemPKCS1(t, key))

	loaded, err := LoadPrivateKey(path, nil)
	if err != nil {
		t.Fatalf("failed to load PKCS#1 key: %v", err)
	}
	if !loaded.Equal(key) {
		t.Error("loaded key differs from original")
	}
}

func TestLoadPrivateKeyPKCS8(t *testing.T) {
	key := testKey(t)
	path := writeTempFile(t, "key.pem", pemPKCS8(t, key))

	loaded, err := LoadPrivateKey(path, nil)
	if err != nil {
		t.Fatalf("failed to load PKCS#8 key: %v", err)
	}
	if !loaded.Equal(key) {
		t.Error("loaded key differs from original")
	}
}

func TestLoadPrivateKeyEncryptedPKCS8(t *testing.T) {
	key := testKey(t)
	path := writeTempFile(t, "key.pem", pemEncryptedPKCS8(t, key, "hunter2"))

	t.Setenv("OTASIGN_TEST_PASS", "hunter2")
	loaded, err := LoadPrivateKey(path, FromEnv("OTASIGN_TEST_PASS"))
	if err != nil {
		t.Fatalf("failed to load encrypted key: %v", err)
	}
	if !loaded.Equal(key) {
		t.Error("loaded key differs from original")
	}
}

func TestLoadPrivateKeyEncryptedWrongPassphrase(t *testing.T) {
	key := testKey(t)
	path := writeTempFile(t, "key.pem", pemEncryptedPKCS8(t, key, "hunter2"))

	t.Setenv("OTASIGN_TEST_PASS", "wrong")
	if _, err := LoadPrivateKey(path, FromEnv("OTASIGN_TEST_PASS")); err == nil {
		t.Fatal("expected error for wrong passphrase")
	}
}

func TestLoadPrivateKeyEncryptedNoSource(t *testing.T) {
	key := testKey(t)
	path := writeTempFile(t, "key.pem", pemEncryptedPKCS8(t, key, "hunter2"))

	if _, err := LoadPrivateKey(path, nil); err == nil {
		t.Fatal("expected error when no passphrase source is available")
	}
}

func TestLoadPrivateKeyPKCS12(t *testing.T) {
	key := testKey(t)
	cert := testCert(t, key)
	pfx, err := gop12.Modern.Encode(key, cert, nil, "storepass")
	if err != nil {
		t.Fatalf("failed to build PKCS#12 keystore: %v", err)
	}
	path := writeTempFile(t, "key.p12", pfx)

	passPath := writeTempFile(t, "pass.txt", []byte("storepass\n"))
	loaded, err := LoadPrivateKey(path, FromFile(passPath))
	if err != nil {
		t.Fatalf("failed to load PKCS#12 keystore: %v", err)
	}
	if !loaded.Equal(key) {
		t.Error("loaded key differs from original")
	}
}

func TestLoadPrivateKeyUnprotectedSkipsPassphrase(t *testing.T) {
	key := testKey(t)
	path := writeTempFile(t, "key.pem", pemPKCS1(t, key))

	consulted := false
	source := PassphraseSource(func() (string, error) {
		consulted = true
		return "", errors.New("should not be consulted")
	})
	if _, err := LoadPrivateKey(path, source); err != nil {
		t.Fatalf("failed to load unprotected key: %v", err)
	}
	if consulted {
		t.Error("passphrase source consulted for an unprotected key")
	}
}

func TestLoadPrivateKeyRejectsEC(t *testing.T) {
	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate EC key: %v", err)
	}
	der, err := x509.MarshalECPrivateKey(ecKey)
	if err != nil {
		t.Fatalf("failed to marshal EC key: %v", err)
	}
	path := writeTempFile(t, "key.pem", pem.EncodeToMemory(&pem.Block{
		Type:  "EC PRIVATE KEY",
		Bytes: der,
	}))

	_, err = LoadPrivateKey(path, nil)
	if err == nil {
		t.Fatal("expected error for EC key")
	}
	if !strings.Contains(err.Error(), "RSA") {
		t.Errorf("error %q does not mention the RSA requirement", err)
	}
}

func TestLoadPrivateKeyNoKeyInPEM(t *testing.T) {
	key := testKey(t)
	cert := testCert(t, key)
	path := writeTempFile(t, "cert.pem", pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: cert.Raw,
	}))

	if _, err := LoadPrivateKey(path, nil); err == nil {
		t.Fatal("expected error for PEM data without a private key")
	}
}

func TestLoadPrivateKeyMissingFile(t *testing.T) {
	if _, err := LoadPrivateKey("/nonexistent/key.pem", nil); err == nil {
		t.Fatal("expected error for missing key file")
	}
}

func TestFromEnvUnset(t *testing.T) {
	source := FromEnv("OTASIGN_TEST_UNSET_VARIABLE")
	if _, err := source(); err == nil {
		t.Fatal("expected error for unset environment variable")
	}
}

func TestFromEnvAllowsEmptyValue(t *testing.T) {
	t.Setenv("OTASIGN_TEST_EMPTY", "")
	source := FromEnv("OTASIGN_TEST_EMPTY")
	passphrase, err := source()
	if err != nil {
		t.Fatalf("failed to read empty but set variable: %v", err)
	}
	if passphrase != "" {
		t.Errorf("got passphrase %q, want empty", passphrase)
	}
}

func TestFromFileStripsTrailingNewlines(t *testing.T) {
	tests := []struct {
		name string
		data string
		want string
	}{
		{"unix newline", "secret\n", "secret"},
		{"windows newline", "secret\r\n", "secret"},
		{"no newline", "secret", "secret"},
		{"inner whitespace kept", "pass phrase \n", "pass phrase "},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeTempFile(t, "pass.txt", []byte(tt.data))
			passphrase, err := FromFile(path)()
			if err != nil {
				t.Fatalf("failed to read passphrase: %v", err)
			}
			if passphrase != tt.want {
				t.Errorf("got passphrase %q, want %q", passphrase, tt.want)
			}
		})
	}
}

func TestFromFileEmpty(t *testing.T) {
	path := writeTempFile(t, "pass.txt", []byte("\n"))
	if _, err := FromFile(path)(); err == nil {
		t.Fatal("expected error for empty passphrase file")
	}
}

func TestLoadPublicKeyPKIX(t *testing.T) {
	key := testKey(t)
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("failed to marshal public key: %v", err)
	}
	path := writeTempFile(t, "pub.pem", pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: der,
	}))

	pub, err := LoadPublicKey(path)
	if err != nil {
		t.Fatalf("failed to load public key: %v", err)
	}
	if !pub.Equal(&key.PublicKey) {
		t.Error("loaded public key differs from original")
	}
}

func TestLoadPublicKeyPKCS1(t *testing.T) {
	key := testKey(t)
	path := writeTempFile(t, "pub.pem", pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PUBLIC KEY",
		Bytes: x509.MarshalPKCS1PublicKey(&key.PublicKey),
	}))

	pub, err := LoadPublicKey(path)
	if err != nil {
		t.Fatalf("failed to load public key: %v", err)
	}
	if !pub.Equal(&key.PublicKey) {
		t.Error("loaded public key differs from original")
	}
}

func TestLoadPublicKeyFromCertificate(t *testing.T) {
	key := testKey(t)
	cert := testCert(t, key)
	path := writeTempFile(t, "cert.pem", pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: cert.Raw,
	}))

	pub, err := LoadPublicKey(path)
	if err != nil {
		t.Fatalf("failed to load public key from certificate: %v", err)
	}
	if !pub.Equal(&key.PublicKey) {
		t.Error("loaded public key differs from original")
	}
}
