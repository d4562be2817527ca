// internal/cw/morse.go
// Package cw implements CW (Morse code) decoding, encoding, and iambic keying.
package cw

// Morse code timing ratios (ITU standard). These are fixed ratios defined
// by the International Telecommunication Union and used throughout the
// decoder and encoder for dit/dah/gap classification and synthesis.
const (
	// DitDahRatio is the ratio of dah duration to dit duration (ITU: 3:1)
	DitDahRatio = 3.0
	// IntraCharGapDots is the silence between elements within one character, in dit units.
	IntraCharGapDots = 1.0
	// InterCharGapDots is the silence between characters, in dit units.
	InterCharGapDots = 3.0
	// WordGapDots is the silence between words, in dit units.
	WordGapDots = 7.0

	// MillisecondsPerMinute is used for WPM conversions.
	MillisecondsPerMinute = 60000.0
	// DitsPerWord is the standard word "PARIS" = 50 dit units (the PARIS standard).
	DitsPerWord = 50.0
)

// MorseTree is the binary tree for Morse code lookup.
// Left branch = dit, Right branch = dah.
// Index 0 is root (unused), 1 is after first element, etc.
// Tree structure: parent at i, left child at 2i, right child at 2i+1.
// Sized to 128 to reach six-element patterns ('?' = ..--.. needs index 76).
var MorseTree = [128]rune{
	0,   // 0: root (unused)
	0,   // 1: start
	'E', // 2: .
	'T', // 3: -
	'I', // 4: ..
	'A', // 5: .-
	'N', // 6: -.
	'M', // 7: --
	'S', // 8: ...
	'U', // 9: ..-
	'R', // 10: .-.
	'W', // 11: .--
	'D', // 12: -..
	'K', // 13: -.-
	'G', // 14: --.
	'O', // 15: ---
	'H', // 16: ....
	'V', // 17: ...-
	'F', // 18: ..-.
	0,   // 19: ..--
	'L', // 20: .-..
	0,   // 21: .-.-
	'P', // 22: .--.
	'J', // 23: .---
	'B', // 24: -...
	'X', // 25: -..-
	'C', // 26: -.-.
	'Y', // 27: -.--
	'Z', // 28: --..
	'Q', // 29: --.-
	0,   // 30: ---.
	0,   // 31: ----
	'5', // 32: .....
	'4', // 33: ....-
	0,   // 34: ...-.
	'3', // 35: ...--
	0,   // 36: ..-..
	0,   // 37: ..-.-
	0,   // 38: ..--.
	'2', // 39: ..---
	0,   // 40: .-...
	0,   // 41: .-..-
	'+', // 42: .-.-.
	0,   // 43: .-.--
	0,   // 44: .--..
	0,   // 45: .--.-
	0,   // 46: .---.
	'1', // 47: .----
	'6', // 48: -....
	'=', // 49: -...-
	'/', // 50: -..-.
	0,   // 51: -..--
	0,   // 52: -.-..
	0,   // 53: -.-.-
	0,   // 54: -.--.
	0,   // 55: -.---
	'7', // 56: --...
	0,   // 57: --..-
	0,   // 58: --.-.
	0,   // 59: --.--
	'8', // 60: ---..
	0,   // 61: ---.-
	'9', // 62: ----.
	'0', // 63: -----

	// Six-element patterns (indices 64-127). Only '?' (..--.., index 76)
	// is assigned; every other six-element combination has no assigned
	// character and stays 0 (resolves to UnknownChar).
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, // 64-75
	'?', // 76: ..--..
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, // 77-87
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, // 88-103
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, // 104-119
	0, 0, 0, 0, 0, 0, 0, 0, // 120-127
}

// UnknownChar is emitted when a key-down/gap sequence does not resolve to
// a tree leaf.
const UnknownChar = '*'

// morseByChar is the reverse of MorseTree, built once at init for the
// Encoder: character -> dit/dah pattern, true=dah.
var morseByChar map[rune][]bool

func init() {
	morseByChar = make(map[rune][]bool, 48)
	for idx, ch := range MorseTree {
		if ch == 0 {
			continue
		}
		morseByChar[ch] = treePath(idx)
	}
}

// treePath reconstructs the dit/dah path from the root to tree index idx.
func treePath(idx int) []bool {
	var path []bool
	for idx > 1 {
		path = append([]bool{idx%2 == 1}, path...)
		idx /= 2
	}
	return path
}

// LookupChar returns the dit/dah pattern (true=dah) for an uppercase
// character, and whether it is known.
func LookupChar(ch rune) ([]bool, bool) {
	p, ok := morseByChar[ch]
	return p, ok
}
