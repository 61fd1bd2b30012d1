package helpers

import (
	"encoding/binary"
	"encoding/hex"
	"strings"
)

// Reverse returns a copy of b with the byte order reversed. Bitcoin txids are
// displayed big-endian but hashed little-endian, so this shows up wherever a
// txid crosses between the two.
func Reverse(b []byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[len(b)-1-i] = v
	}
	return out
}

// AmountLE8 encodes a satoshi amount as 8 little-endian bytes, the form used
// inside on-chain payment-hash preimages.
func AmountLE8(sats uint64) []byte {
	out := make([]byte, 8)
	binary.LittleEndian.PutUint64(out, sats)
	return out
}

// HexToBytes decodes a hex string, tolerating a 0x prefix.
func HexToBytes(s string) ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(s, "0x"))
}

// BytesToHex encodes bytes as lowercase hex without a prefix.
func BytesToHex(b []byte) string {
	return hex.EncodeToString(b)
}

// IsHex reports whether s consists only of hex digits.
func IsHex(s string) bool {
	if len(s) == 0 {
		return false
	}
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}
