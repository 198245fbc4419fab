// Package main provides the go-otasign CLI tool for re-signing Android
// OTA update payloads.
//
// For the library API, see the payload subpackage:
//
//	import "github.com/avierra/go-otasign/pkg/payload"
//
// # Installation
//
// Install the CLI:
//
//	go install github.com/avierra/go-otasign@latest
package main
