package payload

import (
	"google.golang.org/protobuf/encoding/protowire"
)

// Signatures field numbers from the manifest schema.
const (
	signaturesFieldSignatures = 1

	signatureFieldData         = 2
	signatureFieldUnpaddedSize = 3
)

// Signatures is the envelope holding the metadata and payload signatures.
type Signatures struct {
	Sigs []*Signature

	unknown []byte
}

// Signature is a single raw RSA signature. UnpaddedSignatureSize gives the
// real signature length when the data field carries trailing padding.
type Signature struct {
	Data                  []byte
	UnpaddedSignatureSize *uint32

	unknown []byte
}

// SignatureData returns the effective signature bytes, honoring the
// unpadded size when it is declared and shorter than the data field.
func (s *Signature) SignatureData() []byte {
	data := s.Data
	if s.UnpaddedSignatureSize != nil && uint64(*s.UnpaddedSignatureSize) < uint64(len(data)) {
		data = data[:*s.UnpaddedSignatureSize]
	}
	return data
}

func (s *Signatures) unmarshal(data []byte) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		body := data[n:]
		switch {
		case num == signaturesFieldSignatures && typ == protowire.BytesType:
			v, vn := protowire.ConsumeBytes(body)
			if vn < 0 {
				return protowire.ParseError(vn)
			}
			sig := new(Signature)
			if err := sig.unmarshal(v); err != nil {
				return err
			}
			s.Sigs = append(s.Sigs, sig)
			n += vn
		default:
			vn := protowire.ConsumeFieldValue(num, typ, body)
			if vn < 0 {
				return protowire.ParseError(vn)
			}
			s.unknown = append(s.unknown, data[:n+vn]...)
			n += vn
		}
		data = data[n:]
	}
	return nil
}

func (s *Signatures) marshal() []byte {
	var b []byte
	for _, sig := range s.Sigs {
		b = protowire.AppendTag(b, signaturesFieldSignatures, protowire.BytesType)
		b = protowire.AppendBytes(b, sig.marshal())
	}
	return append(b, s.unknown...)
}

func (s *Signature) unmarshal(data []byte) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		body := data[n:]
		switch {
		case num == signatureFieldData && typ == protowire.BytesType:
			v, vn := protowire.ConsumeBytes(body)
			if vn < 0 {
				return protowire.ParseError(vn)
			}
			s.Data = append([]byte(nil), v...)
			n += vn
		case num == signatureFieldUnpaddedSize && typ == protowire.Fixed32Type:
			v, vn := protowire.ConsumeFixed32(body)
			if vn < 0 {
				return protowire.ParseError(vn)
			}
			s.UnpaddedSignatureSize = ptrTo(v)
			n += vn
		default:
			vn := protowire.ConsumeFieldValue(num, typ, body)
			if vn < 0 {
				return protowire.ParseError(vn)
			}
			s.unknown = append(s.unknown, data[:n+vn]...)
			n += vn
		}
		data = data[n:]
	}
	return nil
}

func (s *Signature) marshal() []byte {
	var b []byte
	if s.Data != nil {
		b = protowire.AppendTag(b, signatureFieldData, protowire.BytesType)
		b = protowire.AppendBytes(b, s.Data)
	}
	if s.UnpaddedSignatureSize != nil {
		b = protowire.AppendTag(b, signatureFieldUnpaddedSize, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, *s.UnpaddedSignatureSize)
	}
	return append(b, s.unknown...)
}

// newSignatures wraps one raw signature in the Signatures envelope.
func newSignatures(sig []byte) *Signatures {
	return &Signatures{
		Sigs: []*Signature{{
			Data:                  sig,
			UnpaddedSignatureSize: ptrTo(uint32(len(sig))),
		}},
	}
}
