// Package sentiment builds the AI topic sentiment report from a hosted
// text-classification model.
package sentiment

import (
	"math"
	"strings"
)

// Overall labels of a topic.
const (
	LabelPositive = "positive"
	LabelNeutral  = "neutral"
	LabelNegative = "negative"
)

// Breakdown is a sentiment split in whole percentages.
type Breakdown struct {
	Positive int `json:"positive"`
	Neutral  int `json:"neutral"`
	Negative int `json:"negative"`
}

// Aggregate sums label scores across results by label family and returns
// each family's share of the total.
func Aggregate(results [][]Score) Breakdown {
	var positive, neutral, negative float64
	for _, result := range results {
		for _, s := range result {
			label := strings.ToLower(s.Label)
			switch {
			case strings.Contains(label, LabelPositive):
				positive += s.Score
			case strings.Contains(label, LabelNeutral):
				neutral += s.Score
			case strings.Contains(label, LabelNegative):
				negative += s.Score
			}
		}
	}

	total := positive + neutral + negative
	if total == 0 {
		total = 1
	}
	return Breakdown{
		Positive: percent(positive, total),
		Neutral:  percent(neutral, total),
		Negative: percent(negative, total),
	}
}

// Dominant names the larger of the positive and negative shares.
func (b Breakdown) Dominant() string {
	switch {
	case b.Positive > b.Negative:
		return LabelPositive
	case b.Negative > b.Positive:
		return LabelNegative
	default:
		return LabelNeutral
	}
}

func percent(part, total float64) int {
	return int(math.Round(part / total * 100))
}
