package server

import (
	"errors"
	"net/http"

	"prompt-duel/internal/db"
	"prompt-duel/internal/logging"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type createChallengeRequest struct {
	ChallengedID   string `json:"challenged_id" binding:"required"`
	ChallengedName string `json:"challenged_name"`
	Prompt         string `json:"prompt" binding:"required,prompt"`
	ImageURL       string `json:"image_url"`
}

type guessRequest struct {
	Text string `json:"text" binding:"required,guess"`
}

type pageQuery struct {
	Limit  int `form:"limit,default=20" binding:"omitempty,min=1,max=100"`
	Offset int `form:"offset,default=0" binding:"omitempty,min=0"`
}

func (s *Server) findChallenge(tx *gorm.DB, publicID string) (*db.Challenge, error) {
	var challenge db.Challenge
	if err := tx.Where("public_id = ?", publicID).First(&challenge).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errNotFound()
		}
		return nil, err
	}
	return &challenge, nil
}

func (s *Server) handleCreateChallenge(c *gin.Context) {
	if !s.enforceRateLimit(c, "create") {
		return
	}
	userID, username := actingUser(c)
	var req createChallengeRequest
	if !bindJSON(c, &req, bindMessages{
		"ChallengedID": {"required": "challenged_id is required"},
		"Prompt":       {"required": "prompt is required", "prompt": "prompt must be 1-200 characters"},
	}, "invalid request") {
		return
	}
	prompt, err := validatePrompt(req.Prompt)
	if err != nil {
		renderError(c, errValidation(err.Error()))
		return
	}
	if req.ChallengedID == userID {
		renderError(c, errValidation("cannot challenge yourself"))
		return
	}
	challengedName := normalizeText(req.ChallengedName)
	if challengedName == "" {
		challengedName = "player"
	}

	status := statusPending
	if req.ImageURL != "" {
		status = statusActive
	}
	challenge := db.Challenge{
		PublicID:       uuid.NewString(),
		ChallengerID:   userID,
		ChallengerName: username,
		ChallengedID:   req.ChallengedID,
		ChallengedName: challengedName,
		Prompt:         prompt,
		ImageURL:       req.ImageURL,
		Status:         status,
	}
	if err := s.db.Create(&challenge).Error; err != nil {
		renderError(c, err)
		return
	}
	s.log.Infow("challenge created", "challenge_id", challenge.PublicID, "challenger", userID)
	c.JSON(http.StatusCreated, challengeView(&challenge, userID))
}

func (s *Server) handleChallengeDetail(c *gin.Context) {
	userID, _ := actingUser(c)
	var view map[string]any
	err := s.db.Transaction(func(tx *gorm.DB) error {
		challenge, err := s.findChallenge(tx, c.Param("id"))
		if err != nil {
			return err
		}
		if challenge.ChallengerID != userID && challenge.ChallengedID != userID {
			return errNotFound()
		}
		if err := s.applyChallengeExpiry(tx, challenge, nowUTC()); err != nil {
			return err
		}
		view = challengeView(challenge, userID)
		return nil
	})
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) handleChallengeGuess(c *gin.Context) {
	if !s.enforceRateLimit(c, "guess") {
		return
	}
	userID, _ := actingUser(c)
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
	publicID := c.Param("id")

	// Validate state before calling the scorer so an invalid request never
	// pays for an upstream call. The authoritative admission happens below.
	var prompt string
	var challengedSide bool
	err = s.db.Transaction(func(tx *gorm.DB) error {
		challenge, err := s.findChallenge(tx, publicID)
		if err != nil {
			return err
		}
		switch userID {
		case challenge.ChallengedID:
			challengedSide = true
		case challenge.ChallengerID:
			challengedSide = false
		default:
			return errNotFound()
		}
		if err := s.applyChallengeExpiry(tx, challenge, nowUTC()); err != nil {
			return err
		}
		if challengedSide {
			if challenge.ChallengedScore != nil {
				return errConflict("guess already submitted", sideResult(challenge.ChallengedGuess, challenge.ChallengedScore, challenge.ChallengedBreakdown))
			}
			if challenge.Status != statusActive {
				return errInvalidState("challenge is not accepting guesses", challenge.Status)
			}
		} else {
			if challenge.ChallengerScore != nil {
				return errConflict("guess already submitted", sideResult(challenge.ChallengerGuess, challenge.ChallengerScore, challenge.ChallengerBreakdown))
			}
			if challenge.Status != statusActive && challenge.Status != statusGuessed {
				return errInvalidState("challenge is not accepting guesses", challenge.Status)
			}
		}
		prompt = challenge.Prompt
		return nil
	})
	if err != nil {
		renderError(c, err)
		return
	}

	// Scoring happens before any mutation: a gateway failure leaves the
	// challenge untouched and the client may retry safely.
	scored, err := s.scorer.Score(c.Request.Context(), prompt, text)
	if err != nil {
		logging.FromContext(c.Request.Context()).Warnw("scoring failed", "challenge_id", publicID, "error", err)
		renderError(c, errUpstream("scoring is unavailable, please retry"))
		return
	}

	var response map[string]any
	var finalStatus string
	var guessCount int
	err = s.db.Transaction(func(tx *gorm.DB) error {
		current, err := s.findChallenge(tx, publicID)
		if err != nil {
			return err
		}
		if err := s.applyChallengeExpiry(tx, current, nowUTC()); err != nil {
			return err
		}
		// Conditional update is the admission gate: the WHERE clause only
		// matches while no guess is recorded for this side, so concurrent
		// duplicates cannot both pass.
		var admit *gorm.DB
		if challengedSide {
			admit = tx.Model(&db.Challenge{}).
				Where("public_id = ? AND status = ? AND challenged_score IS NULL", publicID, statusActive).
				Updates(map[string]any{
					"challenged_guess":     text,
					"challenged_score":     scored.Score,
					"challenged_breakdown": breakdownJSON(scored.Breakdown),
				})
		} else {
			admit = tx.Model(&db.Challenge{}).
				Where("public_id = ? AND status IN ? AND challenger_score IS NULL", publicID, []string{statusActive, statusGuessed}).
				Updates(map[string]any{
					"challenger_guess":     text,
					"challenger_score":     scored.Score,
					"challenger_breakdown": breakdownJSON(scored.Breakdown),
				})
		}
		if admit.Error != nil {
			return admit.Error
		}
		challenge, err := s.findChallenge(tx, publicID)
		if err != nil {
			return err
		}
		if admit.RowsAffected == 0 {
			if challengedSide && challenge.ChallengedScore != nil {
				return errConflict("guess already submitted", sideResult(challenge.ChallengedGuess, challenge.ChallengedScore, challenge.ChallengedBreakdown))
			}
			if !challengedSide && challenge.ChallengerScore != nil {
				return errConflict("guess already submitted", sideResult(challenge.ChallengerGuess, challenge.ChallengerScore, challenge.ChallengerBreakdown))
			}
			return errInvalidState("challenge is not accepting guesses", challenge.Status)
		}
		next := challengeStatusAfterGuess(challenge)
		if next != challenge.Status {
			if err := tx.Model(&db.Challenge{}).Where("id = ?", challenge.ID).Update("status", next).Error; err != nil {
				return err
			}
			challenge.Status = next
		}
		finalStatus = challenge.Status
		scores := challengeScores(challenge)
		guessCount = len(scores)
		response = map[string]any{
			"challenge_id":  challenge.PublicID,
			"status":        challenge.Status,
			"score":         scored.Score,
			"breakdown":     scored.Breakdown,
			"rank":          competitionRank(scores, scored.Score),
			"total_guesses": len(scores),
			"prompt":        challenge.Prompt,
		}
		return nil
	})
	if err != nil {
		renderError(c, err)
		return
	}
	s.log.Infow("challenge guess admitted", "challenge_id", publicID, "user", userID, "score", scored.Score)
	s.broadcastInstance(publicID, finalStatus, guessCount)
	c.JSON(http.StatusOK, response)
}

func (s *Server) handleChallengeDecline(c *gin.Context) {
	userID, _ := actingUser(c)
	publicID := c.Param("id")
	var view map[string]any
	err := s.db.Transaction(func(tx *gorm.DB) error {
		challenge, err := s.findChallenge(tx, publicID)
		if err != nil {
			return err
		}
		if challenge.ChallengerID != userID && challenge.ChallengedID != userID {
			return errNotFound()
		}
		if challenge.ChallengedID != userID {
			return errInvalidState("only the challenged player can decline", challenge.Status)
		}
		if err := s.applyChallengeExpiry(tx, challenge, nowUTC()); err != nil {
			return err
		}
		result := tx.Model(&db.Challenge{}).
			Where("id = ? AND status = ? AND challenged_score IS NULL", challenge.ID, statusActive).
			Update("status", statusDeclined)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			if challenge.Status == statusDeclined {
				return errConflict("challenge already declined", nil)
			}
			return errInvalidState("challenge cannot be declined", challenge.Status)
		}
		challenge.Status = statusDeclined
		view = challengeView(challenge, userID)
		return nil
	})
	if err != nil {
		renderError(c, err)
		return
	}
	s.broadcastInstance(publicID, statusDeclined, 0)
	c.JSON(http.StatusOK, view)
}

func (s *Server) handleListIncoming(c *gin.Context) {
	s.listChallenges(c, "challenged_id")
}

func (s *Server) handleListSent(c *gin.Context) {
	s.listChallenges(c, "challenger_id")
}

func (s *Server) listChallenges(c *gin.Context, column string) {
	userID, _ := actingUser(c)
	var page pageQuery
	if !bindQuery(c, &page) {
		return
	}
	var views []map[string]any
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var challenges []db.Challenge
		if err := tx.Where(column+" = ?", userID).
			Order("created_at DESC").
			Limit(page.Limit).Offset(page.Offset).
			Find(&challenges).Error; err != nil {
			return err
		}
		now := nowUTC()
		views = make([]map[string]any, 0, len(challenges))
		for i := range challenges {
			if err := s.applyChallengeExpiry(tx, &challenges[i], now); err != nil {
				return err
			}
			views = append(views, challengeView(&challenges[i], userID))
		}
		return nil
	})
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"challenges": views})
}

func (s *Server) handleActivateChallenge(c *gin.Context) {
	var req struct {
		ImageURL string `json:"image_url" binding:"required"`
	}
	if !bindJSON(c, &req, bindMessages{
		"ImageURL": {"required": "image_url is required"},
	}, "invalid request") {
		return
	}
	publicID := c.Param("id")
	err := s.db.Transaction(func(tx *gorm.DB) error {
		challenge, err := s.findChallenge(tx, publicID)
		if err != nil {
			return err
		}
		result := tx.Model(&db.Challenge{}).
			Where("id = ? AND status = ?", challenge.ID, statusPending).
			Updates(map[string]any{"status": statusActive, "image_url": req.ImageURL})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return errInvalidState("challenge is not awaiting an image", challenge.Status)
		}
		return nil
	})
	if err != nil {
		renderError(c, err)
		return
	}
	s.broadcastInstance(publicID, statusActive, 0)
	c.JSON(http.StatusOK, gin.H{"challenge_id": publicID, "status": statusActive})
}

// challengeView applies the read-time visibility policy: the prompt (and the
// other side's guess, which hints at it) is withheld until the requester is
// allowed to see the answer.
func challengeView(challenge *db.Challenge, requesterID string) map[string]any {
	promptVisible := requesterID == challenge.ChallengerID ||
		challenge.Status == statusGuessed ||
		challenge.Status == statusCompleted ||
		(requesterID == challenge.ChallengedID && challenge.ChallengedScore != nil)

	challengerSide := map[string]any{
		"user_id":  challenge.ChallengerID,
		"username": challenge.ChallengerName,
		"guessed":  challenge.ChallengerScore != nil,
	}
	challengedSide := map[string]any{
		"user_id":  challenge.ChallengedID,
		"username": challenge.ChallengedName,
		"guessed":  challenge.ChallengedScore != nil,
	}
	if promptVisible || requesterID == challenge.ChallengerID {
		if challenge.ChallengerScore != nil {
			challengerSide["result"] = sideResult(challenge.ChallengerGuess, challenge.ChallengerScore, challenge.ChallengerBreakdown)
		}
	}
	if promptVisible || requesterID == challenge.ChallengedID {
		if challenge.ChallengedScore != nil {
			challengedSide["result"] = sideResult(challenge.ChallengedGuess, challenge.ChallengedScore, challenge.ChallengedBreakdown)
		}
	}

	view := map[string]any{
		"id":         challenge.PublicID,
		"status":     challenge.Status,
		"image_url":  challenge.ImageURL,
		"challenger": challengerSide,
		"challenged": challengedSide,
		"created_at": challenge.CreatedAt,
	}
	if promptVisible {
		view["prompt"] = challenge.Prompt
	}
	scores := challengeScores(challenge)
	if len(scores) > 0 {
		view["total_guesses"] = len(scores)
	}
	return view
}

func sideResult(guess *string, score *int, breakdown datatypes.JSON) map[string]any {
	result := map[string]any{}
	if guess != nil {
		result["text"] = *guess
	}
	if score != nil {
		result["score"] = *score
	}
	if elements := decodeBreakdown(breakdown); elements != nil {
		result["breakdown"] = elements
	}
	return result
}

func challengeScores(challenge *db.Challenge) []int {
	var scores []int
	if challenge.ChallengedScore != nil {
		scores = append(scores, *challenge.ChallengedScore)
	}
	if challenge.ChallengerScore != nil {
		scores = append(scores, *challenge.ChallengerScore)
	}
	return scores
}
