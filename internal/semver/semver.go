// Package semver implements the version ordering used for tool
// compatibility decisions: numeric major.minor.patch with an optional
// prerelease tail.
package semver

import (
	"strconv"
	"strings"
)

// Compare orders two version strings. It returns -1 when a < b, 0 when they
// are equal, and +1 when a > b. Numeric segments are compared left to right
// with missing segments treated as zero. A version without a prerelease tail
// ranks higher than the same numerics with one; two prerelease tails compare
// lexicographically.
func Compare(a, b string) int {
	aNums, aPre := split(a)
	bNums, bPre := split(b)

	for i := 0; i < 3; i++ {
		if aNums[i] != bNums[i] {
			if aNums[i] < bNums[i] {
				return -1
			}
			return 1
		}
	}

	switch {
	case aPre == bPre:
		return 0
	case aPre == "":
		return 1
	case bPre == "":
		return -1
	case aPre < bPre:
		return -1
	default:
		return 1
	}
}

// split separates the numeric triple from the prerelease tail. Malformed
// numeric segments parse as zero, matching the lenient comparison the
// catalog needs for loosely versioned tools.
func split(v string) ([3]int, string) {
	v = strings.TrimSpace(strings.TrimPrefix(v, "v"))

	pre := ""
	if idx := strings.IndexByte(v, '-'); idx >= 0 {
		pre = v[idx+1:]
		v = v[:idx]
	}

	var nums [3]int
	for i, seg := range strings.SplitN(v, ".", 3) {
		if i >= 3 {
			break
		}
		n, err := strconv.Atoi(seg)
		if err != nil || n < 0 {
			n = 0
		}
		nums[i] = n
	}
	return nums, pre
}
