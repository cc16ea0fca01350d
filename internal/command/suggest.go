package command

import "github.com/sahilm/fuzzy"

// Suggest returns the closest candidate to name, or "" if none matches.
func Suggest(name string, candidates []string) string {
	if name == "" || len(candidates) == 0 {
		return ""
	}
	matches := fuzzy.Find(name, candidates)
	if len(matches) > 0 {
		return matches[0].Str
	}
	// Reverse match: a name with extra characters ("statuss") still
	// contains the candidate as a subsequence.
	best, bestScore := "", 0
	for _, c := range candidates {
		if m := fuzzy.Find(c, []string{name}); len(m) > 0 && (best == "" || m[0].Score > bestScore) {
			best, bestScore = c, m[0].Score
		}
	}
	return best
}
