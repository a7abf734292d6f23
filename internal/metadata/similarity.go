package metadata

// Similarity returns the Ratcliff/Obershelp ratio of a and b in [0, 1]:
// twice the number of matching runes over the total number of runes, where
// matches are found by repeatedly taking the longest common block and
// recursing on either side of it.
func Similarity(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	total := len(ra) + len(rb)
	if total == 0 {
		return 1
	}
	return 2 * float64(matchingRunes(ra, rb)) / float64(total)
}

func matchingRunes(a, b []rune) int {
	i, j, n := longestMatch(a, b)
	if n == 0 {
		return 0
	}
	return n + matchingRunes(a[:i], b[:j]) + matchingRunes(a[i+n:], b[j+n:])
}

// longestMatch finds the longest common block, preferring the earliest in a
// and then in b on ties.
func longestMatch(a, b []rune) (int, int, int) {
	if len(a) == 0 || len(b) == 0 {
		return 0, 0, 0
	}
	bestI, bestJ, bestN := 0, 0, 0
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			if a[i-1] == b[j-1] {
				cur[j] = prev[j-1] + 1
				if cur[j] > bestN {
					bestI, bestJ, bestN = i-cur[j], j-cur[j], cur[j]
				}
			} else {
				cur[j] = 0
			}
		}
		prev, cur = cur, prev
	}
	return bestI, bestJ, bestN
}
