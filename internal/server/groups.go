package server

import (
	"errors"
	"net/http"

	"prompt-duel/internal/db"
	"prompt-duel/internal/logging"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type createGroupRequest struct {
	ParticipantIDs   []string          `json:"participant_ids" binding:"required"`
	ParticipantNames map[string]string `json:"participant_names"`
	Prompt           string            `json:"prompt" binding:"required,prompt"`
	ImageURL         string            `json:"image_url"`
}

func (s *Server) findGroup(tx *gorm.DB, publicID string) (*db.GroupChallenge, error) {
	var group db.GroupChallenge
	if err := tx.Preload("Participants").Where("public_id = ?", publicID).First(&group).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errNotFound()
		}
		return nil, err
	}
	return &group, nil
}

// externalGroupStatus resolves the status reported to clients: stored values
// win for the externally-forced states, everything else is derived from the
// participant set.
func externalGroupStatus(group *db.GroupChallenge) string {
	if group.Status == statusPending || group.Status == statusExpired {
		return group.Status
	}
	return computeGroupStatus(group.Participants)
}

func (s *Server) handleCreateGroup(c *gin.Context) {
	if !s.enforceRateLimit(c, "create") {
		return
	}
	userID, username := actingUser(c)
	var req createGroupRequest
	if !bindJSON(c, &req, bindMessages{
		"ParticipantIDs": {"required": "participant_ids is required"},
		"Prompt":         {"required": "prompt is required", "prompt": "prompt must be 1-200 characters"},
	}, "invalid request") {
		return
	}
	prompt, err := validatePrompt(req.Prompt)
	if err != nil {
		renderError(c, errValidation(err.Error()))
		return
	}
	if len(req.ParticipantIDs) < minGroupParticipants || len(req.ParticipantIDs) > maxGroupParticipants {
		renderError(c, errValidation("participant count must be between 2 and 10"))
		return
	}
	seen := make(map[string]struct{}, len(req.ParticipantIDs))
	for _, id := range req.ParticipantIDs {
		if id == "" {
			renderError(c, errValidation("participant id cannot be empty"))
			return
		}
		if id == userID {
			renderError(c, errValidation("creator cannot be a participant"))
			return
		}
		if _, dup := seen[id]; dup {
			renderError(c, errValidation("participant ids must be distinct"))
			return
		}
		seen[id] = struct{}{}
	}

	status := statusPending
	if req.ImageURL != "" {
		status = statusActive
	}
	group := db.GroupChallenge{
		PublicID:    uuid.NewString(),
		CreatorID:   userID,
		CreatorName: username,
		Prompt:      prompt,
		ImageURL:    req.ImageURL,
		Status:      status,
	}
	for _, id := range req.ParticipantIDs {
		name := normalizeText(req.ParticipantNames[id])
		if name == "" {
			name = "player"
		}
		group.Participants = append(group.Participants, db.Participant{
			UserID:   id,
			Username: name,
			Status:   participantPending,
		})
	}
	if err := s.db.Create(&group).Error; err != nil {
		renderError(c, err)
		return
	}
	s.log.Infow("group challenge created", "group_id", group.PublicID, "creator", userID, "participants", len(group.Participants))
	c.JSON(http.StatusCreated, groupView(&group, userID))
}

func (s *Server) handleGroupDetail(c *gin.Context) {
	userID, _ := actingUser(c)
	var view map[string]any
	err := s.db.Transaction(func(tx *gorm.DB) error {
		group, err := s.findGroup(tx, c.Param("id"))
		if err != nil {
			return err
		}
		if !groupMember(group, userID) {
			return errNotFound()
		}
		if err := s.applyGroupExpiry(tx, group, nowUTC()); err != nil {
			return err
		}
		view = groupView(group, userID)
		return nil
	})
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) handleGroupJoin(c *gin.Context) {
	userID, _ := actingUser(c)
	publicID := c.Param("id")
	var view map[string]any
	err := s.db.Transaction(func(tx *gorm.DB) error {
		group, err := s.findGroup(tx, publicID)
		if err != nil {
			return err
		}
		participant := findParticipant(group, userID)
		if participant == nil {
			return errNotFound()
		}
		if err := s.applyGroupExpiry(tx, group, nowUTC()); err != nil {
			return err
		}
		switch externalGroupStatus(group) {
		case statusPending:
			return errInvalidState("challenge image is not ready yet", statusPending)
		case statusExpired:
			return errInvalidState("challenge has expired", statusExpired)
		case statusCompleted:
			return errInvalidState("challenge is already completed", statusCompleted)
		}
		result := tx.Model(&db.Participant{}).
			Where("id = ? AND status = ?", participant.ID, participantPending).
			Update("status", participantJoined)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return errConflict("already responded to this challenge", map[string]any{"participant_status": participant.Status})
		}
		participant.Status = participantJoined
		view = groupView(group, userID)
		return nil
	})
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) handleGroupDecline(c *gin.Context) {
	userID, _ := actingUser(c)
	publicID := c.Param("id")
	var view map[string]any
	var status string
	err := s.db.Transaction(func(tx *gorm.DB) error {
		group, err := s.findGroup(tx, publicID)
		if err != nil {
			return err
		}
		participant := findParticipant(group, userID)
		if participant == nil {
			return errNotFound()
		}
		if err := s.applyGroupExpiry(tx, group, nowUTC()); err != nil {
			return err
		}
		if group.Status == statusExpired {
			return errInvalidState("challenge has expired", statusExpired)
		}
		result := tx.Model(&db.Participant{}).
			Where("id = ? AND status IN ?", participant.ID, []string{participantPending, participantJoined}).
			Update("status", participantDeclined)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			if participant.Status == participantDeclined {
				return errConflict("already declined", nil)
			}
			return errInvalidState("cannot decline after guessing", externalGroupStatus(group))
		}
		participant.Status = participantDeclined
		status = externalGroupStatus(group)
		view = groupView(group, userID)
		return nil
	})
	if err != nil {
		renderError(c, err)
		return
	}
	s.broadcastInstance(publicID, status, 0)
	c.JSON(http.StatusOK, view)
}

func (s *Server) handleGroupGuess(c *gin.Context) {
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

	// Pre-validate without mutating, so the scorer is only ever called for a
	// request that stands a chance of being admitted.
	var prompt string
	err = s.db.Transaction(func(tx *gorm.DB) error {
		group, err := s.findGroup(tx, publicID)
		if err != nil {
			return err
		}
		participant := findParticipant(group, userID)
		if participant == nil {
			return errNotFound()
		}
		if err := s.applyGroupExpiry(tx, group, nowUTC()); err != nil {
			return err
		}
		if participant.Status == participantGuessed {
			return errConflict("guess already submitted", sideResult(participant.Guess, participant.Score, participant.Breakdown))
		}
		switch externalGroupStatus(group) {
		case statusPending:
			return errInvalidState("challenge image is not ready yet", statusPending)
		case statusExpired:
			return errInvalidState("challenge has expired", statusExpired)
		}
		if participant.Status != participantJoined {
			return errInvalidState("join the challenge before guessing", externalGroupStatus(group))
		}
		prompt = group.Prompt
		return nil
	})
	if err != nil {
		renderError(c, err)
		return
	}

	scored, err := s.scorer.Score(c.Request.Context(), prompt, text)
	if err != nil {
		logging.FromContext(c.Request.Context()).Warnw("scoring failed", "group_id", publicID, "error", err)
		renderError(c, errUpstream("scoring is unavailable, please retry"))
		return
	}

	var response map[string]any
	var finalStatus string
	var guessCount int
	err = s.db.Transaction(func(tx *gorm.DB) error {
		group, err := s.findGroup(tx, publicID)
		if err != nil {
			return err
		}
		participant := findParticipant(group, userID)
		if participant == nil {
			return errNotFound()
		}
		if err := s.applyGroupExpiry(tx, group, nowUTC()); err != nil {
			return err
		}
		if group.Status == statusPending || group.Status == statusExpired {
			return errInvalidState("challenge is not accepting guesses", group.Status)
		}
		// Admission gate: the update matches only while the participant is
		// still in joined, so exactly one concurrent submit can win.
		result := tx.Model(&db.Participant{}).
			Where("id = ? AND status = ?", participant.ID, participantJoined).
			Updates(map[string]any{
				"guess":     text,
				"score":     scored.Score,
				"breakdown": breakdownJSON(scored.Breakdown),
				"status":    participantGuessed,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			var current db.Participant
			if err := tx.First(&current, participant.ID).Error; err != nil {
				return err
			}
			if current.Status == participantGuessed {
				return errConflict("guess already submitted", sideResult(current.Guess, current.Score, current.Breakdown))
			}
			return errInvalidState("participant cannot guess", current.Status)
		}
		// Reload the ledger so status and rank reflect this guess.
		group, err = s.findGroup(tx, publicID)
		if err != nil {
			return err
		}
		finalStatus = externalGroupStatus(group)
		scores := participantScores(group.Participants)
		guessCount = len(scores)
		response = map[string]any{
			"group_id":      group.PublicID,
			"status":        finalStatus,
			"score":         scored.Score,
			"breakdown":     scored.Breakdown,
			"rank":          competitionRank(scores, scored.Score),
			"total_guesses": guessCount,
			"prompt":        group.Prompt,
		}
		return nil
	})
	if err != nil {
		renderError(c, err)
		return
	}
	s.log.Infow("group guess admitted", "group_id", publicID, "user", userID, "score", scored.Score)
	s.broadcastInstance(publicID, finalStatus, guessCount)
	c.JSON(http.StatusOK, response)
}

func (s *Server) handleListGroups(c *gin.Context) {
	userID, _ := actingUser(c)
	var page pageQuery
	if !bindQuery(c, &page) {
		return
	}
	var views []map[string]any
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var ids []uint
		if err := tx.Model(&db.Participant{}).Where("user_id = ?", userID).Pluck("group_challenge_id", &ids).Error; err != nil {
			return err
		}
		var groups []db.GroupChallenge
		if err := tx.Preload("Participants").
			Where("creator_id = ? OR id IN ?", userID, ids).
			Order("created_at DESC").
			Limit(page.Limit).Offset(page.Offset).
			Find(&groups).Error; err != nil {
			return err
		}
		now := nowUTC()
		views = make([]map[string]any, 0, len(groups))
		for i := range groups {
			if err := s.applyGroupExpiry(tx, &groups[i], now); err != nil {
				return err
			}
			views = append(views, groupView(&groups[i], userID))
		}
		return nil
	})
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"group_challenges": views})
}

func (s *Server) handleActivateGroup(c *gin.Context) {
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
		group, err := s.findGroup(tx, publicID)
		if err != nil {
			return err
		}
		result := tx.Model(&db.GroupChallenge{}).
			Where("id = ? AND status = ?", group.ID, statusPending).
			Updates(map[string]any{"status": statusActive, "image_url": req.ImageURL})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return errInvalidState("challenge is not awaiting an image", externalGroupStatus(group))
		}
		return nil
	})
	if err != nil {
		renderError(c, err)
		return
	}
	s.broadcastInstance(publicID, statusActive, 0)
	c.JSON(http.StatusOK, gin.H{"group_id": publicID, "status": statusActive})
}

func groupMember(group *db.GroupChallenge, userID string) bool {
	if group.CreatorID == userID {
		return true
	}
	return findParticipant(group, userID) != nil
}

func findParticipant(group *db.GroupChallenge, userID string) *db.Participant {
	for i := range group.Participants {
		if group.Participants[i].UserID == userID {
			return &group.Participants[i]
		}
	}
	return nil
}

func participantScores(participants []db.Participant) []int {
	var scores []int
	for _, p := range participants {
		if p.Score != nil {
			scores = append(scores, *p.Score)
		}
	}
	return scores
}

// groupView builds the role-dependent read model. The creator set the prompt
// and always sees everything; participants see the answer and other players'
// results only once they have guessed or the instance is completed.
func groupView(group *db.GroupChallenge, requesterID string) map[string]any {
	status := externalGroupStatus(group)
	requester := findParticipant(group, requesterID)
	resultsVisible := requesterID == group.CreatorID ||
		status == statusCompleted ||
		(requester != nil && requester.Status == participantGuessed)

	scores := participantScores(group.Participants)
	entries := make([]map[string]any, 0, len(group.Participants))
	for i := range group.Participants {
		p := &group.Participants[i]
		entry := map[string]any{
			"user_id":  p.UserID,
			"username": p.Username,
			"status":   p.Status,
		}
		if (resultsVisible || p.UserID == requesterID) && p.Score != nil {
			entry["result"] = sideResult(p.Guess, p.Score, p.Breakdown)
			entry["rank"] = competitionRank(scores, *p.Score)
		}
		entries = append(entries, entry)
	}

	view := map[string]any{
		"id":     group.PublicID,
		"status": status,
		"creator": map[string]any{
			"user_id":  group.CreatorID,
			"username": group.CreatorName,
		},
		"image_url":     group.ImageURL,
		"participants":  entries,
		"total_guesses": len(scores),
		"created_at":    group.CreatedAt,
	}
	if resultsVisible {
		view["prompt"] = group.Prompt
		if stats, ok := computeStats(scores); ok {
			view["stats"] = map[string]any{
				"average_score": stats.Average,
				"highest_score": stats.Highest,
				"lowest_score":  stats.Lowest,
			}
		}
	}
	return view
}
