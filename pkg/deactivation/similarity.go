package deactivation

import "strings"

// ComputeSimilarity scores how plausible it is that newName is a rename
// of oldName: 0.7 times a SequenceMatcher-style ratio plus 0.3 times the
// Jaccard similarity of their underscore-separated word parts.
func ComputeSimilarity(oldName, newName string) float64 {
	ratio := sequenceRatio(strings.ToLower(oldName), strings.ToLower(newName))

	oldParts := wordPartSet(oldName)
	newParts := wordPartSet(newName)
	overlap := 0.0
	if len(oldParts) > 0 && len(newParts) > 0 {
		shared := len(intersect(oldParts, newParts))
		union := len(oldParts) + len(newParts) - shared
		overlap = float64(shared) / float64(union)
	}

	return ratio*0.7 + overlap*0.3
}

func wordPartSet(name string) map[string]struct{} {
	parts := strings.Split(strings.ToLower(name), "_")
	set := make(map[string]struct{}, len(parts))
	for _, p := range parts {
		set[p] = struct{}{}
	}
	return set
}

func intersect(a, b map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{})
	for k := range a {
		if _, ok := b[k]; ok {
			out[k] = struct{}{}
		}
	}
	return out
}

// sequenceRatio reimplements difflib.SequenceMatcher(None, a, b).ratio():
// 2.0*M / T where M is the total length of matching blocks found by
// recursively taking the longest common substring and repeating on the
// unmatched remainders, and T is len(a)+len(b).
func sequenceRatio(a, b string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	matches := matchingBlockLength(a, b)
	return 2.0 * float64(matches) / float64(len(a)+len(b))
}

func matchingBlockLength(a, b string) int {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}

	aStart, bStart, size := longestCommonSubstring(a, b)
	if size == 0 {
		return 0
	}

	total := size
	total += matchingBlockLength(a[:aStart], b[:bStart])
	total += matchingBlockLength(a[aStart+size:], b[bStart+size:])
	return total
}

// longestCommonSubstring finds the leftmost-earliest, longest run of
// bytes common to a and b, mirroring SequenceMatcher.find_longest_match
// (junk-free: no character is ever treated as "popular" here, since
// function-symbol strings are short identifiers, not prose).
func longestCommonSubstring(a, b string) (aStart, bStart, size int) {
	// positions[c] = indices in b where byte c occurs.
	positions := make(map[byte][]int)
	for i := 0; i < len(b); i++ {
		positions[b[i]] = append(positions[b[i]], i)
	}

	// lengths[j] = length of the match ending at b[j-1] for the current a[i].
	lengths := make([]int, len(b)+1)

	for i := 0; i < len(a); i++ {
		newLengths := make([]int, len(b)+1)
		for _, j := range positions[a[i]] {
			l := lengths[j] + 1
			newLengths[j+1] = l
			if l > size {
				size = l
				aStart = i + 1 - l
				bStart = j + 1 - l
			}
		}
		lengths = newLengths
	}

	return aStart, bStart, size
}
