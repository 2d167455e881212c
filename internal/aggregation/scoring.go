// Package aggregation scores competing sub-agent responses without a
// model call. The coordinator uses it when best-pick aggregation has no
// model configured: the response most similar to all the others wins.
package aggregation

import (
	"fmt"
	"strings"
)

// Candidate is one sub-agent response competing for selection.
type Candidate struct {
	// Source is the agent name that produced the response.
	Source string

	// Content is the response text being scored.
	Content string
}

// Consensus is the outcome of scoring candidates against each other.
type Consensus struct {
	// Index of the winning candidate in the input slice.
	Index int

	// Source and Content of the winner.
	Source  string
	Content string

	// Score is the winner's mean similarity to every other candidate.
	Score float64

	// Agreement is the mean similarity across all candidate pairs,
	// 1.0 when every response says the same thing.
	Agreement float64

	// Scores holds each candidate's mean similarity, keyed by source.
	Scores map[string]float64

	// Explanation describes how the winner was chosen.
	Explanation string
}

// Pick selects the candidate closest to the group consensus: the one
// whose mean pairwise similarity to the other candidates is highest.
// Ties break toward the lexically smallest source name so repeated runs
// over the same inputs select the same winner.
func Pick(candidates []Candidate) (*Consensus, error) {
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no candidates to score")
	}

	if len(candidates) == 1 {
		return &Consensus{
			Index:       0,
			Source:      candidates[0].Source,
			Content:     candidates[0].Content,
			Score:       1.0,
			Agreement:   1.0,
			Scores:      map[string]float64{candidates[0].Source: 1.0},
			Explanation: "single candidate selected without scoring",
		}, nil
	}

	// Mean similarity of each candidate to all the others.
	scores := make([]float64, len(candidates))
	var pairTotal float64
	var pairCount int
	for i := range candidates {
		for j := i + 1; j < len(candidates); j++ {
			sim := Similarity(candidates[i].Content, candidates[j].Content)
			scores[i] += sim
			scores[j] += sim
			pairTotal += sim
			pairCount++
		}
	}
	for i := range scores {
		scores[i] /= float64(len(candidates) - 1)
	}

	winner := 0
	tieCount := 1
	for i := 1; i < len(candidates); i++ {
		switch {
		case scores[i] > scores[winner]:
			winner = i
			tieCount = 1
		case scores[i] == scores[winner]:
			tieCount++
			if candidates[i].Source < candidates[winner].Source {
				winner = i
			}
		}
	}

	byScore := make(map[string]float64, len(candidates))
	for i, c := range candidates {
		byScore[c.Source] = scores[i]
	}

	explanation := fmt.Sprintf("consensus pick: %s scored %.2f mean similarity across %d candidates",
		candidates[winner].Source, scores[winner], len(candidates))
	if tieCount > 1 {
		explanation += fmt.Sprintf(" (broke %d-way tie by source name)", tieCount)
	}

	return &Consensus{
		Index:       winner,
		Source:      candidates[winner].Source,
		Content:     candidates[winner].Content,
		Score:       scores[winner],
		Agreement:   pairTotal / float64(pairCount),
		Scores:      byScore,
		Explanation: explanation,
	}, nil
}

// Similarity measures how alike two responses are as the Dice
// coefficient of their word sets, in [0, 1]. Case and whitespace do not
// count as differences.
func Similarity(a, b string) float64 {
	na, nb := normalize(a), normalize(b)
	if na == nb {
		return 1.0
	}
	if na == "" || nb == "" {
		return 0.0
	}

	wordsA := strings.Fields(na)
	setA := make(map[string]bool, len(wordsA))
	for _, w := range wordsA {
		setA[w] = true
	}
	wordsB := strings.Fields(nb)
	setB := make(map[string]bool, len(wordsB))
	for _, w := range wordsB {
		setB[w] = true
	}

	var shared int
	for w := range setA {
		if setB[w] {
			shared++
		}
	}
	return 2 * float64(shared) / float64(len(setA)+len(setB))
}

// normalize prepares content for comparison: trimmed, lower-cased, runs
// of whitespace collapsed to single spaces.
func normalize(content string) string {
	normalized := strings.ToLower(strings.TrimSpace(content))
	return strings.Join(strings.Fields(normalized), " ")
}
