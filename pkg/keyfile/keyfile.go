// Package keyfile loads the RSA key material used to sign OTA payloads.
//
// Private keys may be PEM encoded (PKCS#1, PKCS#8 or passphrase protected
// PKCS#8) or stored in a binary PKCS#12 keystore. Passphrases come from a
// PassphraseSource and are only requested when the key material actually
// needs one, so signing with an unprotected key never prompts.
package keyfile

import (
	"bytes"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/youmark/pkcs8"
	"golang.org/x/term"
	gop12 "software.sslmate.com/src/go-pkcs12"
)

// PassphraseSource supplies the passphrase protecting key material. It is
// invoked at most once, and only when the key file turns out to be
// protected.
type PassphraseSource func() (string, error)

// FromEnv returns a source reading the passphrase from the named
// environment variable. The variable must be set; an empty value is
// accepted for keystores with blank passwords.
func FromEnv(name string) PassphraseSource {
	return func() (string, error) {
		value, ok := os.LookupEnv(name)
		if !ok {
			return "", fmt.Errorf("environment variable %s is not set", name)
		}
		return value, nil
	}
}

// FromFile returns a source reading the passphrase from the named file.
// Trailing newlines are stripped so `echo passphrase > file` works.
func FromFile(path string) PassphraseSource {
	return func() (string, error) {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("failed to read passphrase file: %w", err)
		}
		passphrase := strings.TrimRight(string(data), "\r\n")
		if passphrase == "" {
			return "", fmt.Errorf("passphrase file %s is empty", path)
		}
		return passphrase, nil
	}
}

// Prompt returns a source that asks for the passphrase on the controlling
// terminal without echoing it.
func Prompt(message string) PassphraseSource {
	return func() (string, error) {
		fd := int(os.Stdin.Fd())
		if !term.IsTerminal(fd) {
			return "", errors.New("stdin is not a terminal, pass the passphrase via environment variable or file")
		}
		fmt.Fprint(os.Stderr, message)
		passphrase, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("failed to read passphrase: %w", err)
		}
		return string(passphrase), nil
	}
}

func resolvePassphrase(pass PassphraseSource) (string, error) {
	if pass == nil {
		return "", errors.New("key is protected but no passphrase source was provided")
	}
	return pass()
}

// LoadPrivateKey reads an RSA private key from path. PEM input may contain
// a PKCS#1, PKCS#8 or encrypted PKCS#8 key; anything else is decoded as a
// PKCS#12 keystore. pass is consulted only for protected input.
func LoadPrivateKey(path string, pass PassphraseSource) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	// Check if this is PEM data
	if bytes.HasPrefix(data, []byte("-----BEGIN")) {
		return loadPEMKey(data, pass)
	}
	return loadPKCS12Key(data, pass)
}

func loadPEMKey(pemData []byte, pass PassphraseSource) (*rsa.PrivateKey, error) {
	for block, rest := pem.Decode(pemData); block != nil; block, rest = pem.Decode(rest) {
		switch block.Type {
		case "RSA PRIVATE KEY":
			if _, encrypted := block.Headers["DEK-Info"]; encrypted {
				return nil, errors.New("legacy encrypted PEM keys are not supported, convert the key to PKCS#8 first")
			}
			key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("failed to parse PKCS#1 private key: %w", err)
			}
			return key, nil

		case "PRIVATE KEY":
			parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("failed to parse PKCS#8 private key: %w", err)
			}
			key, ok := parsed.(*rsa.PrivateKey)
			if !ok {
				return nil, fmt.Errorf("unsupported private key type %T, payload signing requires RSA", parsed)
			}
			return key, nil

		case "ENCRYPTED PRIVATE KEY":
			passphrase, err := resolvePassphrase(pass)
			if err != nil {
				return nil, err
			}
			key, err := pkcs8.ParsePKCS8PrivateKeyRSA(block.Bytes, []byte(passphrase))
			if err != nil {
				return nil, fmt.Errorf("failed to decrypt PKCS#8 private key: %w", err)
			}
			return key, nil

		case "EC PRIVATE KEY":
			return nil, errors.New("unsupported private key type EC, payload signing requires RSA")
		}
	}
	return nil, errors.New("no private key found in PEM data")
}

func loadPKCS12Key(p12Data []byte, pass PassphraseSource) (*rsa.PrivateKey, error) {
	passphrase, err := resolvePassphrase(pass)
	if err != nil {
		return nil, err
	}
	privateKey, _, _, err := gop12.DecodeChain(p12Data, passphrase)
	if err != nil {
		return nil, fmt.Errorf("failed to decode PKCS#12 keystore: %w", err)
	}
	key, ok := privateKey.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("unsupported private key type %T, payload signing requires RSA", privateKey)
	}
	return key, nil
}

// LoadPublicKey reads an RSA public key from path. PEM encoded PKIX and
// PKCS#1 public keys are accepted, as is an X.509 certificate carrying an
// RSA key.
func LoadPublicKey(path string) (*rsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read public key file: %w", err)
	}

	for block, rest := pem.Decode(data); block != nil; block, rest = pem.Decode(rest) {
		switch block.Type {
		case "PUBLIC KEY":
			parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("failed to parse public key: %w", err)
			}
			pub, ok := parsed.(*rsa.PublicKey)
			if !ok {
				return nil, fmt.Errorf("unsupported public key type %T, payload signatures are RSA", parsed)
			}
			return pub, nil

		case "RSA PUBLIC KEY":
			pub, err := x509.ParsePKCS1PublicKey(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("failed to parse PKCS#1 public key: %w", err)
			}
			return pub, nil

		case "CERTIFICATE":
			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("failed to parse certificate: %w", err)
			}
			pub, ok := cert.PublicKey.(*rsa.PublicKey)
			if !ok {
				return nil, fmt.Errorf("certificate carries a %T public key, payload signatures are RSA", cert.PublicKey)
			}
			return pub, nil
		}
	}
	return nil, errors.New("no public key found in PEM data")
}
