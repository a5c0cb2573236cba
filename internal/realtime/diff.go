package realtime

import "github.com/yourorg/candidate-feed/internal/model"

// scoreDeltaThreshold is the score movement, in points, that counts as a
// change for a ticker present in both lists.
const scoreDeltaThreshold = 1.0

// ChangeCount reports how many candidates differ between two result lists:
// tickers present in only one of the lists, plus tickers whose score moved
// by more than scoreDeltaThreshold.
func ChangeCount(prev, next []model.Candidate) int {
	prevByTicker := make(map[string]float64, len(prev))
	for _, c := range prev {
		prevByTicker[c.Ticker] = c.Score
	}

	changes := 0
	seen := make(map[string]bool, len(next))
	for _, c := range next {
		seen[c.Ticker] = true
		prevScore, ok := prevByTicker[c.Ticker]
		if !ok {
			changes++ // added
			continue
		}
		delta := c.Score - prevScore
		if delta < 0 {
			delta = -delta
		}
		if delta > scoreDeltaThreshold {
			changes++
		}
	}

	for ticker := range prevByTicker {
		if !seen[ticker] {
			changes++ // removed
		}
	}

	return changes
}
