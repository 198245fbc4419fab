package main

import (
	"crypto/rsa"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/docopt/docopt-go"

	"github.com/avierra/go-otasign/pkg/keyfile"
	"github.com/avierra/go-otasign/pkg/payload"
	"github.com/avierra/go-otasign/pkg/stream"
)

const version = "1.0.0"

const usage = `go-otasign - Android OTA Payload Signing Tool

A command-line tool for re-signing Android OTA update payloads
(payload.bin) with a new RSA key. Operation data is copied verbatim; only
the manifest layout, the metadata signature and the payload signature are
rebuilt, so the output installs identically but verifies against the new
key.

Usage:
  go-otasign sign --input=<payload> --output=<payload> [--key=<keyfile>] [--pass-env=<var> | --pass-file=<file>]
  go-otasign info --input=<payload> [--operations]
  go-otasign verify --input=<payload> [--pubkey=<keyfile>]
  go-otasign -h | --help
  go-otasign --version

Commands:
  sign      Re-sign a payload with a new RSA private key
  info      Display information about a payload and its partitions
  verify    Check a payload's data hashes and, with --pubkey, its signatures

Options:
  --input=<payload>   Path to the input payload.bin
  --output=<payload>  Path for the re-signed payload
  --key=<keyfile>     RSA private key: PEM (PKCS#1, PKCS#8, encrypted
                      PKCS#8) or PKCS#12 keystore (or OTASIGN_KEY env var)
  --pass-env=<var>    Name of the environment variable holding the key
                      passphrase
  --pass-file=<file>  File holding the key passphrase
  --operations        List every install operation (info command)
  --pubkey=<keyfile>  RSA public key or certificate to check the payload
                      signatures against (verify command)
  -h --help           Show this help message
  --version           Show version

Environment Variables:
  OTASIGN_KEY         Path to the RSA private key (overridden by --key)

Examples:
  # Re-sign a payload, prompting for the key passphrase if needed
  go-otasign sign --input=payload.bin --output=payload-signed.bin --key=ota.key

  # Re-sign with the passphrase taken from an environment variable
  export OTA_PASS=secret
  go-otasign sign --input=payload.bin --output=payload-signed.bin --key=ota.key --pass-env=OTA_PASS

  # Re-sign with a PKCS#12 keystore and a passphrase file
  go-otasign sign --input=payload.bin --output=payload-signed.bin --key=ota.p12 --pass-file=pass.txt

  # Show payload information
  go-otasign info --input=payload.bin

  # Show payload information including every install operation
  go-otasign info --input=payload.bin --operations

  # Check operation data hashes
  go-otasign verify --input=payload.bin

  # Additionally check the signatures against a public key
  go-otasign verify --input=payload.bin --pubkey=ota.pub
`

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing arguments: %v\n", err)
		os.Exit(1)
	}

	if sign, _ := opts.Bool("sign"); sign {
		if err := runSign(opts); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	} else if info, _ := opts.Bool("info"); info {
		if err := runInfo(opts); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	} else if verify, _ := opts.Bool("verify"); verify {
		if err := runVerify(opts); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}
}

func runSign(opts docopt.Opts) error {
	inputPath, _ := opts.String("--input")
	outputPath, _ := opts.String("--output")
	keyPath, _ := opts.String("--key")

	// Get the key path from the environment if not provided via flags
	if keyPath == "" {
		keyPath = os.Getenv("OTASIGN_KEY")
	}
	if keyPath == "" {
		return fmt.Errorf("--key is required (or set OTASIGN_KEY environment variable)")
	}

	key, err := keyfile.LoadPrivateKey(keyPath, passphraseSource(opts, keyPath))
	if err != nil {
		return fmt.Errorf("failed to load signing key: %w", err)
	}

	input, err := os.Open(inputPath)
	if err != nil {
		return fmt.Errorf("failed to open input payload: %w", err)
	}
	defer input.Close()

	header, err := payload.ParseHeader(input)
	if err != nil {
		return fmt.Errorf("failed to parse input payload: %w", err)
	}

	output, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("failed to create output payload: %w", err)
	}
	defer output.Close()

	fmt.Printf("Re-signing payload: %s\n", inputPath)
	fmt.Printf("Using key: %s\n", keyPath)
	fmt.Printf("Output: %s\n", outputPath)
	fmt.Println()
	fmt.Println("Signing the OTA payload, please wait...")

	properties, metadataSize, err := payload.Resign(input, output, header, key, watchInterrupts())
	if err != nil {
		return err
	}
	if err := output.Close(); err != nil {
		return fmt.Errorf("failed to finish output payload: %w", err)
	}

	fmt.Println()
	fmt.Println("Properties:")
	fmt.Print(properties)
	fmt.Printf("Payload metadata size: %d bytes\n", metadataSize)
	fmt.Printf("Successfully re-signed payload: %s\n", outputPath)
	return nil
}

func runInfo(opts docopt.Opts) error {
	inputPath, _ := opts.String("--input")
	operations, _ := opts.Bool("--operations")

	input, err := os.Open(inputPath)
	if err != nil {
		return fmt.Errorf("failed to open payload: %w", err)
	}
	defer input.Close()

	header, err := payload.ParseHeader(input)
	if err != nil {
		return fmt.Errorf("failed to parse payload: %w", err)
	}

	payload.PrintSummary(payload.Summarize(header), os.Stdout, operations)
	return nil
}

func runVerify(opts docopt.Opts) error {
	inputPath, _ := opts.String("--input")
	pubPath, _ := opts.String("--pubkey")

	var pub *rsa.PublicKey
	if pubPath != "" {
		var err error
		pub, err = keyfile.LoadPublicKey(pubPath)
		if err != nil {
			return fmt.Errorf("failed to load public key: %w", err)
		}
	}

	input, err := os.Open(inputPath)
	if err != nil {
		return fmt.Errorf("failed to open payload: %w", err)
	}
	defer input.Close()

	header, err := payload.ParseHeader(input)
	if err != nil {
		return fmt.Errorf("failed to parse payload: %w", err)
	}

	result, err := payload.Verify(input, header, pub, watchInterrupts())
	if err != nil {
		return err
	}

	fmt.Printf("Checked %d operation hashes (%d operations without hashes, %d zero/discard)\n",
		result.HashedOps, result.UnhashedOps, result.ZeroOps)
	if result.SignaturesOK {
		fmt.Println("Metadata signature: OK")
		fmt.Println("Payload signature:  OK")
	}
	fmt.Println("Payload OK")
	return nil
}

// passphraseSource picks where the key passphrase comes from. Without an
// explicit source the user is prompted, but only if the key turns out to
// need one.
func passphraseSource(opts docopt.Opts, keyPath string) keyfile.PassphraseSource {
	if name, _ := opts.String("--pass-env"); name != "" {
		return keyfile.FromEnv(name)
	}
	if path, _ := opts.String("--pass-file"); path != "" {
		return keyfile.FromFile(path)
	}
	return keyfile.Prompt(fmt.Sprintf("Enter passphrase for %s: ", keyPath))
}

// watchInterrupts returns a flag that trips on SIGINT or SIGTERM, letting
// a long copy stop at the next chunk boundary instead of mid-write.
func watchInterrupts() *stream.Flag {
	flag := new(stream.Flag)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signals
		fmt.Fprintln(os.Stderr, "Interrupt received, stopping...")
		flag.Cancel()
	}()
	return flag
}
