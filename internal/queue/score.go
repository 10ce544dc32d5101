package queue

import "sort"

// Scoring weights. The score of an item is computed on demand from the
// stored attributes and is never persisted, so weight changes take effect
// for all items immediately.
const (
	easeMultiplierSimple = 1.0
	easeMultiplierMedium = 0.7
	easeMultiplierHard   = 0.4

	freshnessBonusRealTime = 10.0
	freshnessBonus24h      = 5.0
	freshnessBonus48To72h  = 2.0
	freshnessBonusStale    = 0.0

	riskPenaltyNone   = 0.0
	riskPenaltyPerf   = 2.0
	riskPenaltySafety = 5.0
	riskPenaltyPolicy = 10.0
)

func easeMultiplier(e Ease) float64 {
	switch e {
	case EaseSimple:
		return easeMultiplierSimple
	case EaseMedium:
		return easeMultiplierMedium
	case EaseHard:
		return easeMultiplierHard
	}
	return easeMultiplierHard
}

func freshnessBonus(f Freshness) float64 {
	switch f {
	case FreshnessRealTime:
		return freshnessBonusRealTime
	case Freshness24h:
		return freshnessBonus24h
	case Freshness48To72h:
		return freshnessBonus48To72h
	}
	return freshnessBonusStale
}

func riskPenalty(r RiskTier) float64 {
	switch r {
	case RiskNone:
		return riskPenaltyNone
	case RiskPerf:
		return riskPenaltyPerf
	case RiskSafety:
		return riskPenaltySafety
	case RiskPolicy:
		return riskPenaltyPolicy
	}
	return riskPenaltyPolicy
}

// Score computes the ranking value of an item:
//
//	impact delta * confidence * ease multiplier + freshness bonus - risk penalty
//
// Scores can be negative; a negative score still ranks, just last.
func Score(it *Item) float64 {
	return it.Impact.Delta*it.Confidence*easeMultiplier(it.Ease) +
		freshnessBonus(it.Freshness) -
		riskPenalty(it.RiskTier)
}

// Ranked is an item paired with its computed score.
type Ranked struct {
	Item  *Item
	Score float64
}

// Rank orders items by descending score. Ties break on fresher evidence
// first, then the lower risk tier, then the item identifier so the order is
// stable across calls.
func Rank(items []*Item) []Ranked {
	ranked := make([]Ranked, len(items))
	for i, it := range items {
		ranked[i] = Ranked{Item: it, Score: Score(it)}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if fa, fb := a.Item.Freshness.rank(), b.Item.Freshness.rank(); fa != fb {
			return fa < fb
		}
		if ra, rb := a.Item.RiskTier.scrutiny(), b.Item.RiskTier.scrutiny(); ra != rb {
			return ra < rb
		}
		return a.Item.ID < b.Item.ID
	})
	return ranked
}
