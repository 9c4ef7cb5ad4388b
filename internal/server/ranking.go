package server

// Ranking is recomputed from the full guess set on every query; no rank is
// ever stored, so late guesses can never observe a stale leaderboard.

// competitionRank assigns "1224"-style ranks: rank = 1 + count of strictly
// higher scores. Order of the input does not matter.
func competitionRank(scores []int, score int) int {
	rank := 1
	for _, other := range scores {
		if other > score {
			rank++
		}
	}
	return rank
}

type scoreStats struct {
	Average float64
	Highest int
	Lowest  int
}

// computeStats aggregates over scored guesses only. The second return is
// false when there is nothing to aggregate.
func computeStats(scores []int) (scoreStats, bool) {
	if len(scores) == 0 {
		return scoreStats{}, false
	}
	stats := scoreStats{Highest: scores[0], Lowest: scores[0]}
	total := 0
	for _, score := range scores {
		total += score
		if score > stats.Highest {
			stats.Highest = score
		}
		if score < stats.Lowest {
			stats.Lowest = score
		}
	}
	stats.Average = float64(total) / float64(len(scores))
	return stats, true
}
