package processor

import "unicode/utf8"

// span marks a half-open [start,end) window into the rendered text.
type span struct {
	start int
	end   int
}

// slideWindows computes chunk boundaries over a text of length textLen.
// Windows step by chunkSize-overlapSize so each chunk begins with the final
// overlapSize characters of its predecessor by construction. The last window
// is clamped to textLen and may be shorter than chunkSize.
//
// Callers must have validated overlapSize < chunkSize; a non-positive step
// would never advance.
func slideWindows(textLen, chunkSize, overlapSize int) []span {
	if textLen <= chunkSize {
		return []span{{start: 0, end: textLen}}
	}

	step := chunkSize - overlapSize
	var spans []span
	for start := 0; ; start += step {
		end := start + chunkSize
		if end >= textLen {
			spans = append(spans, span{start: start, end: textLen})
			return spans
		}
		spans = append(spans, span{start: start, end: end})
	}
}

// alignRune moves a byte offset back to the nearest rune boundary so window
// slicing never splits a multi-byte character. Moving backward keeps chunks
// within the configured size.
func alignRune(text string, offset int) int {
	for offset > 0 && offset < len(text) && !utf8.RuneStart(text[offset]) {
		offset--
	}
	return offset
}
