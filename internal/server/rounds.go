package server

import (
	"errors"
	"net/http"
	"sort"

	"prompt-duel/internal/db"
	"prompt-duel/internal/logging"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jackc/pgconn"
	"gorm.io/gorm"
)

type rotateRoundRequest struct {
	Prompt   string `json:"prompt" binding:"required,prompt"`
	ImageURL string `json:"image_url" binding:"required"`
}

// activeRound returns the single round currently accepting guesses.
func (s *Server) activeRound(tx *gorm.DB) (*db.Round, error) {
	var round db.Round
	err := tx.Where("status = ?", statusActive).Order("started_at DESC").First(&round).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errNotFound()
		}
		return nil, err
	}
	return &round, nil
}

func (s *Server) handleCurrentRound(c *gin.Context) {
	userID, _ := actingUser(c)
	var view map[string]any
	err := s.db.Transaction(func(tx *gorm.DB) error {
		round, err := s.activeRound(tx)
		if err != nil {
			return err
		}
		view, err = s.roundView(tx, round, userID)
		return err
	})
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) handleRoundGuess(c *gin.Context) {
	if !s.enforceRateLimit(c, "guess") {
		return
	}
	userID, username := actingUser(c)
	var req guessRequest
	if !bindJSON(c, &req, bindMessages{
		"Text": {"required": "guess is required", "guess": "guess must be 1-200 characters"},
	}, "invalid request") {
		return
	}
	text, err := validateGuess(req.Text)
	if err != nil {
		renderError(c, errValidation(err.Error()))
		return
	}

	var prompt string
	var roundID uint
	err = s.db.Transaction(func(tx *gorm.DB) error {
		round, err := s.activeRound(tx)
		if err != nil {
			return err
		}
		var existing db.RoundGuess
		err = tx.Where("round_id = ? AND user_id = ?", round.ID, userID).First(&existing).Error
		if err == nil {
			return errConflict("guess already submitted", roundGuessResult(&existing))
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		prompt = round.Prompt
		roundID = round.ID
		return nil
	})
	if err != nil {
		renderError(c, err)
		return
	}

	scored, err := s.scorer.Score(c.Request.Context(), prompt, text)
	if err != nil {
		logging.FromContext(c.Request.Context()).Warnw("scoring failed", "round_id", roundID, "error", err)
		renderError(c, errUpstream("scoring is unavailable, please retry"))
		return
	}

	var response map[string]any
	err = s.db.Transaction(func(tx *gorm.DB) error {
		round, err := s.activeRound(tx)
		if err != nil {
			return errInvalidState("round is no longer active", statusCompleted)
		}
		if round.ID != roundID {
			return errInvalidState("round has rotated", statusCompleted)
		}
		guess := db.RoundGuess{
			RoundID:   round.ID,
			UserID:    userID,
			Username:  username,
			Text:      text,
			Score:     scored.Score,
			Breakdown: breakdownJSON(scored.Breakdown),
		}
		// The unique index on (round_id, user_id) is the admission gate:
		// under concurrent duplicates exactly one insert lands. Postgres
		// aborts the transaction on the violation, so the recovery lookup
		// happens outside, on a fresh connection.
		if err := tx.Create(&guess).Error; err != nil {
			return err
		}
		scores, err := roundScores(tx, round.ID)
		if err != nil {
			return err
		}
		response = map[string]any{
			"round_id":      round.PublicID,
			"score":         scored.Score,
			"breakdown":     scored.Breakdown,
			"rank":          competitionRank(scores, scored.Score),
			"total_guesses": len(scores),
			"prompt":        round.Prompt,
		}
		return nil
	})
	if err != nil {
		if isUniqueViolation(err) {
			var existing db.RoundGuess
			if lookupErr := s.db.Where("round_id = ? AND user_id = ?", roundID, userID).First(&existing).Error; lookupErr == nil {
				renderError(c, errConflict("guess already submitted", roundGuessResult(&existing)))
				return
			}
		}
		renderError(c, err)
		return
	}
	s.log.Infow("round guess admitted", "round_id", roundID, "user", userID, "score", scored.Score)
	c.JSON(http.StatusOK, response)
}

func (s *Server) handleRoundResults(c *gin.Context) {
	userID, _ := actingUser(c)
	var view map[string]any
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var round db.Round
		if err := tx.Order("started_at DESC").First(&round).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return errNotFound()
			}
			return err
		}
		var guesses []db.RoundGuess
		if err := tx.Where("round_id = ?", round.ID).Find(&guesses).Error; err != nil {
			return err
		}
		requesterGuessed := false
		for _, g := range guesses {
			if g.UserID == userID {
				requesterGuessed = true
			}
		}
		// Results stay sealed until the requester has guessed or the round
		// is over; an open leaderboard would leak score signals mid-round.
		if !requesterGuessed && round.Status != statusCompleted {
			return errInvalidState("results are available after you guess or the round completes", round.Status)
		}
		sort.Slice(guesses, func(i, j int) bool { return guesses[i].Score > guesses[j].Score })

		scores := make([]int, len(guesses))
		for i, g := range guesses {
			scores[i] = g.Score
		}
		entries := make([]map[string]any, 0, len(guesses))
		for _, g := range guesses {
			entries = append(entries, map[string]any{
				"user_id":  g.UserID,
				"username": g.Username,
				"score":    g.Score,
				"rank":     competitionRank(scores, g.Score),
			})
		}

		view = map[string]any{
			"round_id":      round.PublicID,
			"status":        round.Status,
			"leaderboard":   entries,
			"total_guesses": len(guesses),
		}
		if stats, ok := computeStats(scores); ok {
			view["stats"] = map[string]any{
				"average_score": stats.Average,
				"highest_score": stats.Highest,
				"lowest_score":  stats.Lowest,
			}
		}
		view["prompt"] = round.Prompt
		return nil
	})
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// handleRotateRound completes the current round and starts the next one in a
// single transaction, which is what keeps "at most one active round" true.
func (s *Server) handleRotateRound(c *gin.Context) {
	var req rotateRoundRequest
	if !bindJSON(c, &req, bindMessages{
		"Prompt":   {"required": "prompt is required", "prompt": "prompt must be 1-200 characters"},
		"ImageURL": {"required": "image_url is required"},
	}, "invalid request") {
		return
	}
	prompt, err := validatePrompt(req.Prompt)
	if err != nil {
		renderError(c, errValidation(err.Error()))
		return
	}
	var round db.Round
	err = s.db.Transaction(func(tx *gorm.DB) error {
		now := nowUTC()
		if err := tx.Model(&db.Round{}).
			Where("status = ?", statusActive).
			Updates(map[string]any{"status": statusCompleted, "ended_at": now}).Error; err != nil {
			return err
		}
		round = db.Round{
			PublicID:  uuid.NewString(),
			ImageURL:  req.ImageURL,
			Prompt:    prompt,
			Status:    statusActive,
			StartedAt: now,
		}
		return tx.Create(&round).Error
	})
	if err != nil {
		renderError(c, err)
		return
	}
	s.log.Infow("round rotated", "round_id", round.PublicID)
	c.JSON(http.StatusCreated, gin.H{"round_id": round.PublicID, "status": statusActive})
}

func (s *Server) roundView(tx *gorm.DB, round *db.Round, userID string) (map[string]any, error) {
	var count int64
	if err := tx.Model(&db.RoundGuess{}).Where("round_id = ?", round.ID).Count(&count).Error; err != nil {
		return nil, err
	}
	view := map[string]any{
		"id":            round.PublicID,
		"status":        round.Status,
		"image_url":     round.ImageURL,
		"total_guesses": count,
		"started_at":    round.StartedAt,
	}
	var own db.RoundGuess
	err := tx.Where("round_id = ? AND user_id = ?", round.ID, userID).First(&own).Error
	switch {
	case err == nil:
		view["your_guess"] = roundGuessResult(&own)
		view["prompt"] = round.Prompt
	case errors.Is(err, gorm.ErrRecordNotFound):
		if round.Status == statusCompleted {
			view["prompt"] = round.Prompt
		}
	default:
		return nil, err
	}
	return view, nil
}

func roundGuessResult(guess *db.RoundGuess) map[string]any {
	result := map[string]any{
		"text":  guess.Text,
		"score": guess.Score,
	}
	if elements := decodeBreakdown(guess.Breakdown); elements != nil {
		result["breakdown"] = elements
	}
	return result
}

func roundScores(tx *gorm.DB, roundID uint) ([]int, error) {
	var scores []int
	if err := tx.Model(&db.RoundGuess{}).Where("round_id = ?", roundID).Pluck("score", &scores).Error; err != nil {
		return nil, err
	}
	return scores, nil
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
