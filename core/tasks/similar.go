package tasks

import "strings"

// Duplicate detection thresholds.
const (
	labelSimilarity       = 0.75
	descriptionSimilarity = 0.9
	containmentMinRunes   = 40
	normalizedMaxRunes    = 3000
)

// normalize lowercases s, collapses whitespace runs and caps the length.
func normalize(s string) []rune {
	r := []rune(strings.Join(strings.Fields(strings.ToLower(s)), " "))
	if len(r) > normalizedMaxRunes {
		r = r[:normalizedMaxRunes]
	}
	return r
}

// similarity returns 2*M/T, where M is the number of runes in the
// recursively found longest common blocks of a and b and T is their total
// length. Empty input scores 0.
func similarity(a, b []rune) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	return 2 * float64(matching(a, b)) / float64(len(a)+len(b))
}

func matching(a, b []rune) int {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	i, j, k := longestBlock(a, b)
	if k == 0 {
		return 0
	}
	return k + matching(a[:i], b[:j]) + matching(a[i+k:], b[j+k:])
}

// longestBlock finds the earliest longest common substring of a and b.
func longestBlock(a, b []rune) (i, j, k int) {
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for x := 1; x <= len(a); x++ {
		for y := 1; y <= len(b); y++ {
			if a[x-1] != b[y-1] {
				cur[y] = 0
				continue
			}
			cur[y] = prev[y-1] + 1
			if cur[y] > k {
				k = cur[y]
				i, j = x-k, y-k
			}
		}
		prev, cur = cur, prev
	}
	return i, j, k
}

func containsEither(a, b []rune) bool {
	sa, sb := string(a), string(b)
	return strings.Contains(sa, sb) || strings.Contains(sb, sa)
}
