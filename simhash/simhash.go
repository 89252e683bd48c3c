// Package simhash computes 64-bit SimHash fingerprints of text and of DOM
// tag structure. Extraction uses it to drop repeated paragraphs; the fetcher
// uses it to recognize archive snapshots that are copies of a challenge page.
package simhash

import (
	"hash/fnv"
	"math/bits"
	"strings"
)

// Fingerprint computes the SimHash of the whitespace-separated tokens of
// text. Empty input yields 0.
func Fingerprint(text string) uint64 {
	return fingerprintTokens(strings.Fields(text))
}

func fingerprintTokens(tokens []string) uint64 {
	if len(tokens) == 0 {
		return 0
	}

	var vector [64]int
	h := fnv.New64a()
	for _, tok := range tokens {
		h.Reset()
		h.Write([]byte(tok))
		sum := h.Sum64()
		for i := 0; i < 64; i++ {
			if sum&(1<<uint(i)) != 0 {
				vector[i]++
			} else {
				vector[i]--
			}
		}
	}

	var fp uint64
	for i, v := range vector {
		if v > 0 {
			fp |= 1 << uint(i)
		}
	}
	return fp
}

// Distance is the Hamming distance between two fingerprints.
func Distance(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}

// Similar reports whether a and b are within threshold bits of each other.
func Similar(a, b uint64, threshold int) bool {
	return Distance(a, b) <= threshold
}

// SimilarToAny reports whether fp is within threshold of any fingerprint in
// seen.
func SimilarToAny(fp uint64, seen []uint64, threshold int) bool {
	for _, s := range seen {
		if Similar(fp, s, threshold) {
			return true
		}
	}
	return false
}
