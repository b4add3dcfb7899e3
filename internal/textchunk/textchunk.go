// Package textchunk splits long text into ordered, size-bounded segments.
package textchunk

// DefaultMax matches the platform message-length limit.
const DefaultMax = 2000

// Split cuts text into segments of at most max runes each, in order.
// Concatenating the segments reproduces text exactly; empty text yields no
// segments. Lengths are counted in runes so a boundary never lands inside a
// UTF-8 sequence.
func Split(text string, max int) []string {
	if text == "" {
		return nil
	}
	if max <= 0 {
		max = DefaultMax
	}
	runes := []rune(text)
	chunks := make([]string, 0, (len(runes)+max-1)/max)
	for start := 0; start < len(runes); start += max {
		end := start + max
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks
}
