package server

import (
	"time"

	"prompt-duel/internal/db"

	"gorm.io/gorm"
)

// deadlinePassed is the whole expiry policy: instance age against the
// configured TTL. Expiry is applied lazily on read, never by a timer, so
// correctness does not depend on a background sweep.
func deadlinePassed(createdAt, now time.Time, ttl time.Duration) bool {
	if ttl <= 0 {
		return false
	}
	return now.Sub(createdAt) >= ttl
}

// applyChallengeExpiry transitions an overdue 1:1 challenge to expired before
// its state is returned or mutated. Only an active challenge with no admitted
// guess from the challenged party can expire.
func (s *Server) applyChallengeExpiry(tx *gorm.DB, challenge *db.Challenge, now time.Time) error {
	if challenge.Status != statusActive || challenge.ChallengedScore != nil {
		return nil
	}
	if !deadlinePassed(challenge.CreatedAt, now, s.cfg.ChallengeTTL()) {
		return nil
	}
	result := tx.Model(&db.Challenge{}).
		Where("id = ? AND status = ?", challenge.ID, statusActive).
		Update("status", statusExpired)
	if result.Error != nil {
		return result.Error
	}
	challenge.Status = statusExpired
	return nil
}

// applyGroupExpiry does the same for a group challenge; any non-terminal
// state can expire.
func (s *Server) applyGroupExpiry(tx *gorm.DB, group *db.GroupChallenge, now time.Time) error {
	if group.Status == statusExpired {
		return nil
	}
	if computeGroupStatus(group.Participants) == statusCompleted && group.Status != statusPending {
		return nil
	}
	if !deadlinePassed(group.CreatedAt, now, s.cfg.ChallengeTTL()) {
		return nil
	}
	result := tx.Model(&db.GroupChallenge{}).
		Where("id = ? AND status <> ?", group.ID, statusExpired).
		Update("status", statusExpired)
	if result.Error != nil {
		return result.Error
	}
	group.Status = statusExpired
	return nil
}
