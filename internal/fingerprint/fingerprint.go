// Package fingerprint computes perceptual fingerprints of surfaces and the
// Hamming distance between them.
package fingerprint

import (
	"encoding/binary"
	"encoding/hex"
	"math/bits"

	"github.com/corona10/goimagehash"

	apperrors "github.com/GriffinCanCode/canvas-watch/internal/errors"
)

// Fingerprint is a fixed-length bit vector, packed most-significant-bit
// first into 64-bit words. The zero value holds no bits and compares with nothing.
type Fingerprint struct {
	hash *goimagehash.ExtImageHash
}

func newFingerprint(words []uint64, n int) Fingerprint {
	return Fingerprint{hash: goimagehash.NewExtImageHash(words, goimagehash.AHash, n)}
}

// FromBits builds a Fingerprint from individual bits.
func FromBits(b []bool) Fingerprint {
	words := make([]uint64, wordCount(len(b)))
	for i, set := range b {
		if set {
			words[i/64] |= 1 << (63 - uint(i%64))
		}
	}
	return newFingerprint(words, len(b))
}

func wordCount(n int) int { return (n + 63) / 64 }

// IsZero reports whether f was never computed.
func (f Fingerprint) IsZero() bool { return f.hash == nil }

// Len returns the number of bits.
func (f Fingerprint) Len() int {
	if f.hash == nil {
		return 0
	}
	return f.hash.Bits()
}

// Bit returns bit i.
func (f Fingerprint) Bit(i int) bool {
	if i < 0 || i >= f.Len() {
		return false
	}
	return f.hash.GetHash()[i/64]&(1<<(63-uint(i%64))) != 0
}

// Ones returns the number of set bits.
func (f Fingerprint) Ones() int {
	if f.hash == nil {
		return 0
	}
	n := 0
	for _, w := range f.hash.GetHash() {
		n += bits.OnesCount64(w)
	}
	return n
}

// String returns the packed bits as hex.
func (f Fingerprint) String() string {
	if f.hash == nil {
		return ""
	}
	words := f.hash.GetHash()
	buf := make([]byte, 8*len(words))
	for i, w := range words {
		binary.BigEndian.PutUint64(buf[i*8:], w)
	}
	return hex.EncodeToString(buf[:(f.Len()+7)/8])
}

// Equal reports whether a and b are bit-identical.
func (f Fingerprint) Equal(other Fingerprint) bool {
	d, err := Distance(f, other)
	return err == nil && d == 0
}

// Distance returns the Hamming distance between a and b. Fingerprints of
// different lengths are not comparable and yield an error.
func Distance(a, b Fingerprint) (int, error) {
	if a.IsZero() || b.IsZero() {
		return 0, apperrors.New(apperrors.CodeInvalidFingerprintComparison, "empty fingerprint")
	}
	if a.Len() != b.Len() {
		return 0, apperrors.Newf(apperrors.CodeInvalidFingerprintComparison,
			"fingerprint lengths differ: %d vs %d bits", a.Len(), b.Len())
	}
	d, err := a.hash.Distance(b.hash)
	if err != nil {
		return 0, apperrors.Wrap(err, apperrors.CodeInvalidFingerprintComparison, "hamming distance")
	}
	return d, nil
}
