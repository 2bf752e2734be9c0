package ech

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/miekg/dns"
	"golang.org/x/crypto/cryptobyte"
)

// Format identifies the encoding of an ECH config list obtained from DNS or
// from configuration. RR values show up in several shapes depending on the
// tooling that produced them; [GuessFormat] recognizes them heuristically.
type Format int

const (
	// FormatGuess lets the decoder figure out the encoding itself.
	FormatGuess Format = iota
	// FormatBinary is the raw ECHConfigs wire encoding.
	FormatBinary
	// FormatAsciiHex is hexadecimal text, either case, with optional
	// semicolon separators between concatenated values.
	FormatAsciiHex
	// FormatBase64 is standard base64 text, with optional semicolon
	// separators between concatenated values.
	FormatBase64
	// FormatHTTPSSVC is the presentation form of an HTTPS/SVCB resource
	// record, or any text containing an ech="..." SvcParam.
	FormatHTTPSSVC
)

// maxRRValueLen caps the size of any encoded value we accept.
const maxRRValueLen = 1500

const (
	asciiHexAlphabet = "0123456789ABCDEFabcdef;"
	base64Alphabet   = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/=;"
	httpssvcTelltale = "ech="
)

// GuessFormat guesses the encoding of b, trying the most constrained
// alphabets first. Binary is the fallback.
func GuessFormat(b []byte) Format {
	s := string(b)
	switch {
	case strings.Contains(s, httpssvcTelltale):
		return FormatHTTPSSVC
	case len(s) == spanOf(s, asciiHexAlphabet):
		return FormatAsciiHex
	case len(s) == spanOf(s, base64Alphabet):
		return FormatBase64
	default:
		return FormatBinary
	}
}

func spanOf(s, alphabet string) int {
	for i := 0; i < len(s); i++ {
		if !strings.ContainsRune(alphabet, rune(s[i])) {
			return i
		}
	}
	return len(s)
}

// DecodeRRValue converts an encoded ECH config list to its binary form.
// Semicolon-separated values are concatenated, which allows multivalued
// resource records to be pasted as-is.
func DecodeRRValue(b []byte, format Format) ([]byte, error) {
	if len(b) == 0 {
		return nil, ErrInvalidEncoding
	}
	if len(b) > maxRRValueLen {
		return nil, fmt.Errorf("%w: %d > %d", ErrInputTooLong, len(b), maxRRValueLen)
	}
	if format == FormatGuess {
		format = GuessFormat(b)
	}
	switch format {
	case FormatBinary:
		return bytes.Clone(b), nil
	case FormatAsciiHex:
		return decodeMultiValue(string(b), hex.DecodeString)
	case FormatBase64:
		return decodeMultiValue(string(b), base64.StdEncoding.DecodeString)
	case FormatHTTPSSVC:
		return decodeHTTPSSVC(string(b))
	default:
		return nil, ErrInvalidEncoding
	}
}

func decodeMultiValue(s string, decode func(string) ([]byte, error)) ([]byte, error) {
	var out []byte
	for _, frag := range strings.Split(s, ";") {
		frag = strings.TrimSpace(frag)
		if frag == "" {
			continue
		}
		b, err := decode(frag)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
		}
		out = append(out, b...)
	}
	if len(out) == 0 {
		return nil, ErrInvalidEncoding
	}
	return out, nil
}

// decodeHTTPSSVC extracts the ech SvcParam from the presentation form of an
// HTTPS record. A full record is parsed as such; anything else is scanned
// for the ech= telltale and the remainder is treated as base64.
func decodeHTTPSSVC(s string) ([]byte, error) {
	if rr, err := dns.NewRR(s); err == nil {
		if h, ok := rr.(*dns.HTTPS); ok {
			for _, kv := range h.Value {
				if e, ok := kv.(*dns.SVCBECHConfig); ok && len(e.ECH) > 0 {
					return bytes.Clone(e.ECH), nil
				}
			}
		}
	}
	i := strings.Index(s, httpssvcTelltale)
	if i < 0 {
		return nil, ErrInvalidEncoding
	}
	v := s[i+len(httpssvcTelltale):]
	v = strings.TrimPrefix(v, `"`)
	if j := strings.IndexAny(v, `" `); j >= 0 {
		v = v[:j]
	}
	return decodeMultiValue(v, base64.StdEncoding.DecodeString)
}

// EncodeAsciiHex is the inverse of DecodeRRValue for [FormatAsciiHex],
// producing uppercase hexadecimal.
func EncodeAsciiHex(b []byte) string {
	return strings.ToUpper(hex.EncodeToString(b))
}

// ECHFromSVCB extracts the ech SvcParam value (key 5) from the binary RDATA
// of an SVCB or HTTPS resource record. It returns nil if the record carries
// no ech parameter.
func ECHFromSVCB(rdata []byte) ([]byte, error) {
	s := cryptobyte.String(rdata)
	var priority uint16
	if !s.ReadUint16(&priority) {
		return nil, fmt.Errorf("%w: svcb priority", ErrInvalidEncoding)
	}
	if _, err := readWireName(&s); err != nil {
		return nil, err
	}
	for !s.Empty() {
		var key uint16
		var value cryptobyte.String
		if !s.ReadUint16(&key) || !s.ReadUint16LengthPrefixed(&value) {
			return nil, fmt.Errorf("%w: svcb param", ErrInvalidEncoding)
		}
		if key == 5 { // ech
			return bytes.Clone(value), nil
		}
	}
	return nil, nil
}

// readWireName consumes an uncompressed DNS wire-format name and returns its
// presentation form. Compression pointers are rejected; RDATA of SVCB
// records never contains them.
func readWireName(s *cryptobyte.String) (string, error) {
	var labels []string
	for {
		var n uint8
		if !s.ReadUint8(&n) {
			return "", fmt.Errorf("%w: name label length", ErrInvalidEncoding)
		}
		if n == 0 {
			break
		}
		if n&0xc0 != 0 {
			return "", fmt.Errorf("%w: compressed name", ErrInvalidEncoding)
		}
		var label []byte
		if !s.ReadBytes(&label, int(n)) {
			return "", fmt.Errorf("%w: name label", ErrInvalidEncoding)
		}
		labels = append(labels, string(label))
	}
	if len(labels) == 0 {
		return ".", nil
	}
	return strings.Join(labels, "."), nil
}
