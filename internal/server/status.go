package server

import "prompt-duel/internal/db"

const (
	statusPending   = "pending"
	statusActive    = "active"
	statusGuessed   = "guessed"
	statusScoring   = "scoring" // reserved for a future close action; never derived
	statusCompleted = "completed"
	statusDeclined  = "declined"
	statusExpired   = "expired"
)

const (
	participantPending  = "pending"
	participantJoined   = "joined"
	participantGuessed  = "guessed"
	participantDeclined = "declined"
)

func terminalStatus(status string) bool {
	switch status {
	case statusCompleted, statusDeclined, statusExpired:
		return true
	}
	return false
}

func terminalParticipant(status string) bool {
	return status == participantGuessed || status == participantDeclined
}

// computeGroupStatus derives the external status of a group challenge from
// its participant set. It applies only once the image is ready; pending and
// expired are stored states and take precedence at the call sites.
//
// An instance where everyone declined stays active: it cannot complete
// without at least one guess, and the expiry policy terminalizes it.
func computeGroupStatus(participants []db.Participant) string {
	guessed := 0
	terminal := 0
	for _, p := range participants {
		if terminalParticipant(p.Status) {
			terminal++
		}
		if p.Status == participantGuessed {
			guessed++
		}
	}
	if len(participants) > 0 && terminal == len(participants) && guessed > 0 {
		return statusCompleted
	}
	return statusActive
}

// challengeStatusAfterGuess derives the 1:1 status once a side's score lands.
func challengeStatusAfterGuess(challenge *db.Challenge) string {
	if challenge.ChallengedScore != nil && challenge.ChallengerScore != nil {
		return statusCompleted
	}
	if challenge.ChallengedScore != nil {
		return statusGuessed
	}
	return statusActive
}
