// Package payload reads, inspects and re-signs Android OTA update
// payloads (payload.bin).
//
// A payload is a fixed big-endian header, a protobuf manifest describing
// every partition's install operations, a metadata signature and a blob
// region holding the operations' data. Re-signing copies the operation
// data verbatim while rebuilding the manifest layout and both signatures
// with a new RSA key, so the output installs identically but verifies
// against the new key.
//
// # Basic Usage
//
// To re-sign a payload:
//
//	header, err := payload.ParseHeader(input)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	properties, metadataSize, err := payload.Resign(input, output, header, key, nil)
//
// The returned properties text is the payload_properties.txt content that
// OTA server configurations expect alongside the payload.
//
// # Manifest fidelity
//
// Only the manifest fields this package interprets are modeled as struct
// fields; everything else is retained as raw protobuf and re-emitted on
// serialization. Manifests produced by newer update engines therefore
// survive a re-sign without losing fields.
package payload
