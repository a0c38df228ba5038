// Package bloom adapts the teacher's murmur-hash multi-function bloom
// filter (bloomfilter.BloomFilter) to a fixed-capacity filter sized up
// front from an expected key count and target false-positive rate, per
// spec.md §4.5 / §8 property #10 ("bloom filter false-positive rate stays
// within its configured bound"), rather than the teacher's ad hoc
// doubling-threshold resize.
package bloom

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/exchangecore/ledger/murmur"
)

// DefaultFalsePositiveRate matches spec.md §4.5's stated 1% target.
const DefaultFalsePositiveRate = 0.01

// Filter is a fixed-size bloom filter over opaque keys, used as C5's
// point-lookup prefilter: a negative Check means the key is definitely not
// in the SSTable, letting a point_get skip the block index and disk read
// entirely.
type Filter struct {
	bits      []bool
	numHashes int
}

// sizeFor computes (m bits, k hash functions) for n expected keys at false
// positive rate p, using the standard formulas m = -n*ln(p)/(ln2)^2 and
// k = (m/n)*ln2.
func sizeFor(n int, p float64) (m int, k int) {
	if n <= 0 {
		n = 1
	}
	if p <= 0 || p >= 1 {
		p = DefaultFalsePositiveRate
	}
	ln2 := math.Ln2
	mf := -float64(n) * math.Log(p) / (ln2 * ln2)
	m = int(math.Ceil(mf))
	if m < 8 {
		m = 8
	}
	k = int(math.Round((float64(m) / float64(n)) * ln2))
	if k < 1 {
		k = 1
	}
	if k > 16 {
		k = 16
	}
	return m, k
}

// New constructs a Filter sized for expectedKeys at falsePositiveRate.
func New(expectedKeys int, falsePositiveRate float64) *Filter {
	m, k := sizeFor(expectedKeys, falsePositiveRate)
	return &Filter{bits: make([]bool, m), numHashes: k}
}

func (f *Filter) hashes(key []byte) []uint32 {
	out := make([]uint32, f.numHashes)
	for i := 0; i < f.numHashes; i++ {
		out[i] = murmur.Hash32(key, uint32(i))
	}
	return out
}

// Add records key's presence.
func (f *Filter) Add(key []byte) {
	for _, h := range f.hashes(key) {
		f.bits[h%uint32(len(f.bits))] = true
	}
}

// Check reports whether key may be present (true: maybe; false: definitely
// not).
func (f *Filter) Check(key []byte) bool {
	for _, h := range f.hashes(key) {
		if !f.bits[h%uint32(len(f.bits))] {
			return false
		}
	}
	return true
}

// Serialize matches the teacher's BloomFilter.Serialize shape: a length
// prefix followed by one byte per bit, then the hash function count.
func (f *Filter) Serialize() ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, int32(len(f.bits))); err != nil {
		return nil, fmt.Errorf("bloom: write bit count: %w", err)
	}
	for _, b := range f.bits {
		var v byte
		if b {
			v = 1
		}
		if err := buf.WriteByte(v); err != nil {
			return nil, fmt.Errorf("bloom: write bit: %w", err)
		}
	}
	if err := binary.Write(&buf, binary.LittleEndian, int32(f.numHashes)); err != nil {
		return nil, fmt.Errorf("bloom: write hash count: %w", err)
	}
	return buf.Bytes(), nil
}

// Deserialize reconstructs a Filter from the bytes Serialize produced.
func Deserialize(data []byte) (*Filter, error) {
	buf := bytes.NewReader(data)

	var bitCount int32
	if err := binary.Read(buf, binary.LittleEndian, &bitCount); err != nil {
		return nil, fmt.Errorf("bloom: read bit count: %w", err)
	}
	if bitCount < 0 || bitCount > 1<<28 {
		return nil, fmt.Errorf("bloom: implausible bit count %d", bitCount)
	}

	bits := make([]bool, bitCount)
	for i := int32(0); i < bitCount; i++ {
		b, err := buf.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("bloom: read bit %d: %w", i, err)
		}
		bits[i] = b == 1
	}

	var numHashes int32
	if err := binary.Read(buf, binary.LittleEndian, &numHashes); err != nil {
		return nil, fmt.Errorf("bloom: read hash count: %w", err)
	}

	return &Filter{bits: bits, numHashes: int(numHashes)}, nil
}
