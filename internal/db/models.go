package db

import (
	"time"

	"gorm.io/datatypes"
)

// Round is the shared daily instance. At most one row has status "active";
// the rotation transaction in the server package enforces that.
type Round struct {
	ID        uint       `gorm:"primaryKey"`
	PublicID  string     `gorm:"size:36;uniqueIndex;not null"`
	ImageURL  string     `gorm:"size:512;not null"`
	Prompt    string     `gorm:"size:200;not null"`
	Status    string     `gorm:"size:32;not null;index"`
	StartedAt time.Time  `gorm:"not null"`
	EndedAt   *time.Time
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
	Guesses   []RoundGuess
}

// RoundGuess records one user's accepted guess on a round. The unique index
// on (round_id, user_id) is the admission gate for rounds: a duplicate submit
// fails the insert instead of racing a read.
type RoundGuess struct {
	ID        uint           `gorm:"primaryKey"`
	RoundID   uint           `gorm:"index;not null;uniqueIndex:idx_round_guesses_round_user"`
	UserID    string         `gorm:"size:36;not null;uniqueIndex:idx_round_guesses_round_user"`
	Username  string         `gorm:"size:64;not null"`
	Text      string         `gorm:"size:200;not null"`
	Score     int            `gorm:"not null"`
	Breakdown datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt time.Time      `gorm:"not null"`
	UpdatedAt time.Time      `gorm:"not null"`
}

// Challenge is a 1:1 duel. The challenged side's guess fields double as the
// admission record: they are written once by a conditional update and never
// overwritten. The challenger may optionally guess the same prompt; that fills
// the challenger-side fields through the same conditional-update path.
type Challenge struct {
	ID             uint   `gorm:"primaryKey"`
	PublicID       string `gorm:"size:36;uniqueIndex;not null"`
	ChallengerID   string `gorm:"size:36;index;not null"`
	ChallengerName string `gorm:"size:64;not null"`
	ChallengedID   string `gorm:"size:36;index;not null"`
	ChallengedName string `gorm:"size:64;not null"`
	Prompt         string `gorm:"size:200;not null"`
	ImageURL       string `gorm:"size:512"`
	Status         string `gorm:"size:32;not null;index"`

	ChallengedGuess     *string        `gorm:"size:200"`
	ChallengedScore     *int
	ChallengedBreakdown datatypes.JSON `gorm:"type:jsonb"`
	ChallengerGuess     *string        `gorm:"size:200"`
	ChallengerScore     *int
	ChallengerBreakdown datatypes.JSON `gorm:"type:jsonb"`

	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// GroupChallenge is an N-party session. Status stores only externally-forced
// states (pending until the image is ready, expired once the deadline passes);
// the active/completed split is derived from the participant set on read.
type GroupChallenge struct {
	ID          uint   `gorm:"primaryKey"`
	PublicID    string `gorm:"size:36;uniqueIndex;not null"`
	CreatorID   string `gorm:"size:36;index;not null"`
	CreatorName string `gorm:"size:64;not null"`
	Prompt      string `gorm:"size:200;not null"`
	ImageURL    string `gorm:"size:512"`
	Status      string `gorm:"size:32;not null;index"`

	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time `gorm:"not null"`
	Participants []Participant
}

// Participant is one invitee's ledger entry. Created with the challenge,
// never deleted, only transitioned. (group_challenge_id, user_id) is unique
// so a user cannot hold two entries on the same instance.
type Participant struct {
	ID               uint           `gorm:"primaryKey"`
	GroupChallengeID uint           `gorm:"index;not null;uniqueIndex:idx_participants_challenge_user"`
	UserID           string         `gorm:"size:36;not null;uniqueIndex:idx_participants_challenge_user"`
	Username         string         `gorm:"size:64;not null"`
	Status           string         `gorm:"size:32;not null"`
	Guess            *string        `gorm:"size:200"`
	Score            *int
	Breakdown        datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt        time.Time      `gorm:"not null"`
	UpdatedAt        time.Time      `gorm:"not null"`
}
