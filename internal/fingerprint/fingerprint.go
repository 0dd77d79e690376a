// Package fingerprint computes content fingerprints for delivered files.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"io"

	"github.com/rotisserie/eris"
)

// Size is the length of a hex-encoded fingerprint.
const Size = sha256.Size * 2

// Sum returns the lowercase hex SHA-256 of data.
func Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// SumReader hashes r to EOF and returns the fingerprint and the byte count.
func SumReader(r io.Reader) (string, int64, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, eris.Wrap(err, "fingerprint: read content")
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// Valid reports whether fp is a 64-character lowercase hex string.
func Valid(fp string) bool {
	if len(fp) != Size {
		return false
	}
	for i := 0; i < len(fp); i++ {
		c := fp[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// Short returns the first 16 characters of fp for log fields.
func Short(fp string) string {
	if len(fp) <= 16 {
		return fp
	}
	return fp[:16]
}
