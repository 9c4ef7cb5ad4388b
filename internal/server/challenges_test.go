package server

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"prompt-duel/internal/db"
)

func createChallenge(t *testing.T, ts *httptest.Server, token, challengedID string, withImage bool) string {
	t.Helper()
	payload := map[string]any{
		"challenged_id": challengedID,
		"prompt":        "a red fox jumping over a frozen lake",
	}
	if withImage {
		payload["image_url"] = "https://images.example.com/fox.png"
	}
	resp := doRequest(t, ts, http.MethodPost, "/api/challenges", token, payload)
	assertStatus(t, resp, http.StatusCreated)
	body := decodeBody(t, resp)
	return body["id"].(string)
}

func TestCreateChallengePendingWithoutImage(t *testing.T) {
	_, ts := newTestServer(t, nil)
	token, _ := registerGuest(t, ts, "Ada")
	_, challengedID := registerGuest(t, ts, "Grace")

	resp := doRequest(t, ts, http.MethodPost, "/api/challenges", token, map[string]any{
		"challenged_id": challengedID,
		"prompt":        "a red fox",
	})
	assertStatus(t, resp, http.StatusCreated)
	body := decodeBody(t, resp)
	if body["status"] != statusPending {
		t.Fatalf("expected status %q, got %v", statusPending, body["status"])
	}
}

func TestCreateChallengeValidation(t *testing.T) {
	_, ts := newTestServer(t, nil)
	token, userID := registerGuest(t, ts, "Ada")

	resp := doRequest(t, ts, http.MethodPost, "/api/challenges", token, map[string]any{
		"challenged_id": "someone",
		"prompt":        "",
	})
	assertStatus(t, resp, http.StatusBadRequest)

	long := make([]byte, maxPromptLength+1)
	for i := range long {
		long[i] = 'x'
	}
	resp = doRequest(t, ts, http.MethodPost, "/api/challenges", token, map[string]any{
		"challenged_id": "someone",
		"prompt":        string(long),
	})
	assertStatus(t, resp, http.StatusBadRequest)

	resp = doRequest(t, ts, http.MethodPost, "/api/challenges", token, map[string]any{
		"challenged_id": userID,
		"prompt":        "a red fox",
	})
	assertStatus(t, resp, http.StatusBadRequest)
}

func TestChallengeRequiresAuth(t *testing.T) {
	_, ts := newTestServer(t, nil)
	resp := doRequest(t, ts, http.MethodPost, "/api/challenges", "", map[string]any{
		"challenged_id": "someone",
		"prompt":        "a red fox",
	})
	assertStatus(t, resp, http.StatusUnauthorized)
}

func TestChallengeHiddenFromStrangers(t *testing.T) {
	_, ts := newTestServer(t, nil)
	challengerToken, _ := registerGuest(t, ts, "Ada")
	_, challengedID := registerGuest(t, ts, "Grace")
	strangerToken, _ := registerGuest(t, ts, "Mallory")

	id := createChallenge(t, ts, challengerToken, challengedID, true)
	resp := doRequest(t, ts, http.MethodGet, "/api/challenges/"+id, strangerToken, nil)
	assertStatus(t, resp, http.StatusNotFound)
}

func TestPromptHiddenUntilChallengedGuesses(t *testing.T) {
	_, ts := newTestServer(t, nil)
	challengerToken, _ := registerGuest(t, ts, "Ada")
	challengedToken, challengedID := registerGuest(t, ts, "Grace")

	id := createChallenge(t, ts, challengerToken, challengedID, true)

	resp := doRequest(t, ts, http.MethodGet, "/api/challenges/"+id, challengedToken, nil)
	assertStatus(t, resp, http.StatusOK)
	body := decodeBody(t, resp)
	if _, ok := body["prompt"]; ok {
		t.Fatal("prompt must be withheld from the challenged party before guessing")
	}

	resp = doRequest(t, ts, http.MethodGet, "/api/challenges/"+id, challengerToken, nil)
	assertStatus(t, resp, http.StatusOK)
	body = decodeBody(t, resp)
	if body["prompt"] != "a red fox jumping over a frozen lake" {
		t.Fatalf("challenger must always see the prompt, got %v", body["prompt"])
	}

	resp = doRequest(t, ts, http.MethodPost, "/api/challenges/"+id+"/guesses", challengedToken, map[string]string{"text": "a fox on ice"})
	assertStatus(t, resp, http.StatusOK)

	resp = doRequest(t, ts, http.MethodGet, "/api/challenges/"+id, challengedToken, nil)
	assertStatus(t, resp, http.StatusOK)
	body = decodeBody(t, resp)
	if body["prompt"] != "a red fox jumping over a frozen lake" {
		t.Fatalf("prompt must be revealed after the challenged party guesses, got %v", body["prompt"])
	}
}

func TestGuessRejectedWhilePending(t *testing.T) {
	_, ts := newTestServer(t, nil)
	challengerToken, _ := registerGuest(t, ts, "Ada")
	challengedToken, challengedID := registerGuest(t, ts, "Grace")

	id := createChallenge(t, ts, challengerToken, challengedID, false)
	resp := doRequest(t, ts, http.MethodPost, "/api/challenges/"+id+"/guesses", challengedToken, map[string]string{"text": "a fox"})
	assertStatus(t, resp, http.StatusConflict)
	body := decodeBody(t, resp)
	if body["kind"] != "invalid_state" {
		t.Fatalf("expected invalid_state, got %v", body["kind"])
	}
}

func TestSubmitGuessScoresAndTransitions(t *testing.T) {
	_, ts := newTestServer(t, stubScorer{scores: map[string]int{"a fox on ice": 80}})
	challengerToken, _ := registerGuest(t, ts, "Ada")
	challengedToken, challengedID := registerGuest(t, ts, "Grace")

	id := createChallenge(t, ts, challengerToken, challengedID, true)
	resp := doRequest(t, ts, http.MethodPost, "/api/challenges/"+id+"/guesses", challengedToken, map[string]string{"text": "a fox on ice"})
	assertStatus(t, resp, http.StatusOK)
	body := decodeBody(t, resp)
	if body["score"].(float64) != 80 {
		t.Fatalf("expected score 80, got %v", body["score"])
	}
	if body["status"] != statusGuessed {
		t.Fatalf("expected status %q, got %v", statusGuessed, body["status"])
	}
	if body["rank"].(float64) != 1 || body["total_guesses"].(float64) != 1 {
		t.Fatalf("expected rank 1 of 1, got rank %v of %v", body["rank"], body["total_guesses"])
	}
	if body["prompt"] != "a red fox jumping over a frozen lake" {
		t.Fatalf("expected prompt reveal, got %v", body["prompt"])
	}
}

func TestDuplicateGuessReturnsPriorResult(t *testing.T) {
	_, ts := newTestServer(t, stubScorer{scores: map[string]int{"first": 72}})
	challengerToken, _ := registerGuest(t, ts, "Ada")
	challengedToken, challengedID := registerGuest(t, ts, "Grace")

	id := createChallenge(t, ts, challengerToken, challengedID, true)
	resp := doRequest(t, ts, http.MethodPost, "/api/challenges/"+id+"/guesses", challengedToken, map[string]string{"text": "first"})
	assertStatus(t, resp, http.StatusOK)

	resp = doRequest(t, ts, http.MethodPost, "/api/challenges/"+id+"/guesses", challengedToken, map[string]string{"text": "second"})
	assertStatus(t, resp, http.StatusConflict)
	body := decodeBody(t, resp)
	if body["kind"] != "conflict" {
		t.Fatalf("expected conflict, got %v", body["kind"])
	}
	result, ok := body["result"].(map[string]any)
	if !ok {
		t.Fatal("conflict response must carry the prior result")
	}
	if result["score"].(float64) != 72 || result["text"] != "first" {
		t.Fatalf("expected prior result score 72 text 'first', got %v", result)
	}
}

func TestChallengerSymmetricGuessCompletes(t *testing.T) {
	_, ts := newTestServer(t, stubScorer{scores: map[string]int{"mine": 90, "theirs": 60}})
	challengerToken, _ := registerGuest(t, ts, "Ada")
	challengedToken, challengedID := registerGuest(t, ts, "Grace")

	id := createChallenge(t, ts, challengerToken, challengedID, true)

	resp := doRequest(t, ts, http.MethodPost, "/api/challenges/"+id+"/guesses", challengerToken, map[string]string{"text": "mine"})
	assertStatus(t, resp, http.StatusOK)
	body := decodeBody(t, resp)
	if body["status"] != statusActive {
		t.Fatalf("challenger guess alone must not change status, got %v", body["status"])
	}

	resp = doRequest(t, ts, http.MethodPost, "/api/challenges/"+id+"/guesses", challengedToken, map[string]string{"text": "theirs"})
	assertStatus(t, resp, http.StatusOK)
	body = decodeBody(t, resp)
	if body["status"] != statusCompleted {
		t.Fatalf("expected %q once both sides scored, got %v", statusCompleted, body["status"])
	}
	if body["rank"].(float64) != 2 || body["total_guesses"].(float64) != 2 {
		t.Fatalf("expected rank 2 of 2, got rank %v of %v", body["rank"], body["total_guesses"])
	}
}

func TestDeclineChallenge(t *testing.T) {
	_, ts := newTestServer(t, nil)
	challengerToken, _ := registerGuest(t, ts, "Ada")
	challengedToken, challengedID := registerGuest(t, ts, "Grace")

	id := createChallenge(t, ts, challengerToken, challengedID, true)

	resp := doRequest(t, ts, http.MethodPost, "/api/challenges/"+id+"/decline", challengerToken, nil)
	assertStatus(t, resp, http.StatusConflict)

	resp = doRequest(t, ts, http.MethodPost, "/api/challenges/"+id+"/decline", challengedToken, nil)
	assertStatus(t, resp, http.StatusOK)
	body := decodeBody(t, resp)
	if body["status"] != statusDeclined {
		t.Fatalf("expected %q, got %v", statusDeclined, body["status"])
	}

	resp = doRequest(t, ts, http.MethodPost, "/api/challenges/"+id+"/guesses", challengedToken, map[string]string{"text": "too late"})
	assertStatus(t, resp, http.StatusConflict)
	if body := decodeBody(t, resp); body["kind"] != "invalid_state" {
		t.Fatalf("expected invalid_state after decline, got %v", body["kind"])
	}
}

func TestChallengeExpiryAppliedLazily(t *testing.T) {
	srv, ts := newTestServer(t, nil)
	challengerToken, _ := registerGuest(t, ts, "Ada")
	challengedToken, challengedID := registerGuest(t, ts, "Grace")

	id := createChallenge(t, ts, challengerToken, challengedID, true)
	backdate(t, srv, &db.Challenge{}, id, srv.cfg.ChallengeTTL()+time.Hour)

	resp := doRequest(t, ts, http.MethodGet, "/api/challenges/"+id, challengedToken, nil)
	assertStatus(t, resp, http.StatusOK)
	body := decodeBody(t, resp)
	if body["status"] != statusExpired {
		t.Fatalf("expected %q on first read, got %v", statusExpired, body["status"])
	}

	resp = doRequest(t, ts, http.MethodGet, "/api/challenges/"+id, challengedToken, nil)
	body = decodeBody(t, resp)
	if body["status"] != statusExpired {
		t.Fatalf("expected %q to stick on re-read, got %v", statusExpired, body["status"])
	}

	resp = doRequest(t, ts, http.MethodPost, "/api/challenges/"+id+"/guesses", challengedToken, map[string]string{"text": "a fox"})
	assertStatus(t, resp, http.StatusConflict)
}

func TestScoringFailureLeavesStateRetryable(t *testing.T) {
	srv, ts := newTestServer(t, stubScorer{err: errors.New("gateway down")})
	challengerToken, _ := registerGuest(t, ts, "Ada")
	challengedToken, challengedID := registerGuest(t, ts, "Grace")

	id := createChallenge(t, ts, challengerToken, challengedID, true)
	resp := doRequest(t, ts, http.MethodPost, "/api/challenges/"+id+"/guesses", challengedToken, map[string]string{"text": "a fox"})
	assertStatus(t, resp, http.StatusBadGateway)

	// No admission happened, so a retry with a healthy gateway succeeds.
	srv.scorer = stubScorer{scores: map[string]int{"a fox": 64}}
	resp = doRequest(t, ts, http.MethodPost, "/api/challenges/"+id+"/guesses", challengedToken, map[string]string{"text": "a fox"})
	assertStatus(t, resp, http.StatusOK)
	body := decodeBody(t, resp)
	if body["score"].(float64) != 64 {
		t.Fatalf("expected score 64 on retry, got %v", body["score"])
	}
}

func TestActivateChallenge(t *testing.T) {
	_, ts := newTestServer(t, nil)
	challengerToken, _ := registerGuest(t, ts, "Ada")
	challengedToken, challengedID := registerGuest(t, ts, "Grace")

	id := createChallenge(t, ts, challengerToken, challengedID, false)
	resp := doAdminRequest(t, ts, http.MethodPost, "/api/admin/challenges/"+id+"/activate", map[string]string{
		"image_url": "https://images.example.com/fox.png",
	})
	assertStatus(t, resp, http.StatusOK)

	resp = doRequest(t, ts, http.MethodPost, "/api/challenges/"+id+"/guesses", challengedToken, map[string]string{"text": "a fox"})
	assertStatus(t, resp, http.StatusOK)

	resp = doAdminRequest(t, ts, http.MethodPost, "/api/admin/challenges/"+id+"/activate", map[string]string{
		"image_url": "https://images.example.com/fox.png",
	})
	assertStatus(t, resp, http.StatusConflict)
}

func TestListIncomingAndSent(t *testing.T) {
	_, ts := newTestServer(t, nil)
	challengerToken, challengerID := registerGuest(t, ts, "Ada")
	challengedToken, challengedID := registerGuest(t, ts, "Grace")

	createChallenge(t, ts, challengerToken, challengedID, true)
	createChallenge(t, ts, challengedToken, challengerID, true)

	resp := doRequest(t, ts, http.MethodGet, "/api/challenges/incoming", challengedToken, nil)
	assertStatus(t, resp, http.StatusOK)
	body := decodeBody(t, resp)
	if got := len(body["challenges"].([]any)); got != 1 {
		t.Fatalf("expected 1 incoming challenge, got %d", got)
	}

	resp = doRequest(t, ts, http.MethodGet, "/api/challenges/sent", challengedToken, nil)
	assertStatus(t, resp, http.StatusOK)
	body = decodeBody(t, resp)
	if got := len(body["challenges"].([]any)); got != 1 {
		t.Fatalf("expected 1 sent challenge, got %d", got)
	}
}
