package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"
)

// openAIScorer turns semantic similarity between the prompt and the guess
// into a 0..100 score using the embeddings API.
type openAIScorer struct {
	apiKey  string
	model   string
	timeout time.Duration
	client  *http.Client
}

func newOpenAIScorer(apiKey, model string, timeout time.Duration) *openAIScorer {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &openAIScorer{
		apiKey:  strings.TrimSpace(apiKey),
		model:   strings.TrimSpace(model),
		timeout: timeout,
		client:  &http.Client{Timeout: timeout},
	}
}

type openAIEmbeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type openAIEmbeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (s *openAIScorer) Score(ctx context.Context, prompt, guess string) (ScoreResult, error) {
	embeddings, err := s.embed(ctx, []string{prompt, guess})
	if err != nil {
		return ScoreResult{}, err
	}
	similarity := 1 - cosineDistance(embeddings[0], embeddings[1])
	score := int(math.Round(math.Max(0, math.Min(1, similarity)) * 100))
	return ScoreResult{
		Score:     score,
		Breakdown: wordBreakdown(prompt, guess),
	}, nil
}

func (s *openAIScorer) embed(ctx context.Context, inputs []string) ([][]float32, error) {
	if s.apiKey == "" {
		return nil, errors.New("OpenAI API key is not configured")
	}
	if s.model == "" {
		return nil, errors.New("OpenAI embedding model is not configured")
	}
	cleaned := make([]string, 0, len(inputs))
	for _, input := range inputs {
		candidate := strings.TrimSpace(input)
		if candidate == "" {
			return nil, errors.New("embedding input cannot be empty")
		}
		cleaned = append(cleaned, candidate)
	}

	payload, err := json.Marshal(openAIEmbeddingRequest{Model: s.model, Input: cleaned})
	if err != nil {
		return nil, fmt.Errorf("failed to build OpenAI embedding request")
	}

	reqCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, "https://api.openai.com/v1/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build OpenAI embedding request")
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach OpenAI embeddings")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read OpenAI embedding response")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if msg := parseOpenAIErrorMessage(body); msg != "" {
			return nil, fmt.Errorf("OpenAI embedding request failed (%d): %s", resp.StatusCode, msg)
		}
		return nil, fmt.Errorf("OpenAI embedding request failed (%d)", resp.StatusCode)
	}

	var parsed openAIEmbeddingResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse OpenAI embedding response")
	}
	if parsed.Error != nil && parsed.Error.Message != "" {
		return nil, fmt.Errorf("OpenAI embedding error: %s", parsed.Error.Message)
	}
	if len(parsed.Data) != len(cleaned) {
		return nil, errors.New("OpenAI embedding response count mismatch")
	}

	out := make([][]float32, len(cleaned))
	for _, item := range parsed.Data {
		if item.Index < 0 || item.Index >= len(cleaned) {
			return nil, errors.New("OpenAI embedding response index out of range")
		}
		out[item.Index] = item.Embedding
	}
	for i := range out {
		if len(out[i]) == 0 {
			return nil, errors.New("missing embedding in OpenAI response")
		}
	}
	return out, nil
}

func parseOpenAIErrorMessage(body []byte) string {
	var parsed struct {
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return ""
	}
	if parsed.Error == nil {
		return ""
	}
	return parsed.Error.Message
}

func cosineDistance(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 1
	}
	var dot float64
	var normA float64
	var normB float64
	for i := range a {
		ai := float64(a[i])
		bi := float64(b[i])
		dot += ai * bi
		normA += ai * ai
		normB += bi * bi
	}
	if normA == 0 || normB == 0 {
		return 1
	}
	return 1 - (dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}
