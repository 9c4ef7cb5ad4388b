package server

import (
	"context"
	"encoding/json"
	"strings"

	lru "github.com/hashicorp/golang-lru"
	"gorm.io/datatypes"
)

// ScoreElement marks one prompt word as matched or missed by the guess.
type ScoreElement struct {
	Word    string `json:"word"`
	Matched bool   `json:"matched"`
}

// ScoreResult is what the scoring gateway returns for one (prompt, guess)
// pair: a 0..100 score plus an optional per-word breakdown.
type ScoreResult struct {
	Score     int
	Breakdown []ScoreElement
}

// Scorer is the external scoring gateway. Implementations must be safe for
// concurrent use and honor the context deadline; the engine admits a guess
// only after Score returns without error.
type Scorer interface {
	Score(ctx context.Context, prompt, guess string) (ScoreResult, error)
}

func breakdownJSON(elements []ScoreElement) datatypes.JSON {
	if len(elements) == 0 {
		return nil
	}
	data, err := json.Marshal(elements)
	if err != nil {
		return nil
	}
	return datatypes.JSON(data)
}

func decodeBreakdown(data datatypes.JSON) []ScoreElement {
	if len(data) == 0 {
		return nil
	}
	var elements []ScoreElement
	if err := json.Unmarshal(data, &elements); err != nil {
		return nil
	}
	return elements
}

// wordBreakdown marks which prompt words the guess covered. It is a display
// aid, not the score itself.
func wordBreakdown(prompt, guess string) []ScoreElement {
	guessWords := make(map[string]struct{})
	for _, word := range strings.Fields(strings.ToLower(guess)) {
		guessWords[strings.Trim(word, ".,!?:;'\"()")] = struct{}{}
	}
	var elements []ScoreElement
	for _, word := range strings.Fields(strings.ToLower(prompt)) {
		cleaned := strings.Trim(word, ".,!?:;'\"()")
		if cleaned == "" {
			continue
		}
		_, matched := guessWords[cleaned]
		elements = append(elements, ScoreElement{Word: cleaned, Matched: matched})
	}
	return elements
}

// cachedScorer memoizes results keyed on (prompt, guess). Retried submits and
// identical guesses across users skip the upstream call.
type cachedScorer struct {
	inner Scorer
	cache *lru.Cache
}

func newCachedScorer(inner Scorer, size int) (*cachedScorer, error) {
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &cachedScorer{inner: inner, cache: cache}, nil
}

func (s *cachedScorer) Score(ctx context.Context, prompt, guess string) (ScoreResult, error) {
	key := prompt + "\x00" + guess
	if cached, ok := s.cache.Get(key); ok {
		return cached.(ScoreResult), nil
	}
	result, err := s.inner.Score(ctx, prompt, guess)
	if err != nil {
		return ScoreResult{}, err
	}
	s.cache.Add(key, result)
	return result, nil
}
