/*
Package meeting implements persisted meeting membership: who has ever joined a meeting code,
ordered from least to most recently touched and capped in length.

Membership is deliberately separate from live presence. It answers "who is the host" and
"is this a returning participant", never "who should I negotiate media with".
*/
package meeting

import (
	"context"
	"errors"
	"slices"
	"time"
)

// MaxParticipants caps the persisted membership list.
const MaxParticipants = 50

var (
	// ErrMeetingNotFound means the meeting code has no record.
	ErrMeetingNotFound = errors.New("meeting not found")

	// ErrMeetingExists is returned by Create for a code already in use.
	ErrMeetingExists = errors.New("meeting already exists")

	// ErrPreconditionFailed means a conditional write lost a race with a concurrent writer.
	// Stores return it; the Service retries it.
	ErrPreconditionFailed = errors.New("membership precondition failed")

	// ErrBusy means retries were exhausted. Callers should ask the user to try again.
	ErrBusy = errors.New("meeting membership busy, try again")

	// ErrInvalidCode means the code is not a well-formed meeting code.
	ErrInvalidCode = errors.New("invalid meeting code")
)

// Meeting is the persisted record of one meeting code.
type Meeting struct {
	Code         string    `json:"meetingId"`
	HostID       string    `json:"hostId"`
	Participants []string  `json:"participants"`
	Version      int64     `json:"version"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Has reports whether identity is in the membership list.
func (m Meeting) Has(identity string) bool {
	return slices.Contains(m.Participants, identity)
}

// Clone returns a deep copy.
func (m Meeting) Clone() Meeting {
	m.Participants = slices.Clone(m.Participants)
	return m
}

// Store is the membership persistence contract. Every mutation is conditional on the state it
// observes; a store that detects a concurrent modification returns ErrPreconditionFailed
// instead of overwriting.
type Store interface {
	// Create inserts a new meeting, or fails with ErrMeetingExists.
	Create(ctx context.Context, m Meeting) error

	// Find loads a meeting, or fails with ErrMeetingNotFound.
	Find(ctx context.Context, code string) (Meeting, error)

	// Exists reports whether the meeting has a record.
	Exists(ctx context.Context, code string) (bool, error)

	// AddIfAbsent appends identity unless already present. It returns false, nil when the
	// identity was present, and ErrMeetingNotFound when the meeting does not exist.
	AddIfAbsent(ctx context.Context, code, identity string) (bool, error)

	// RemoveIfPresent removes identity if present. It returns false, nil when the identity
	// was absent, and ErrMeetingNotFound when the meeting does not exist.
	RemoveIfPresent(ctx context.Context, code, identity string) (bool, error)

	// TruncateToRecent keeps only the last n identities.
	TruncateToRecent(ctx context.Context, code string, n int) error

	// Delete removes the meeting record. Deleting a missing meeting is not an error.
	Delete(ctx context.Context, code string) error

	// SweepIdle deletes meetings not updated since before for which keep returns false.
	// A meeting modified between observation and deletion survives.
	SweepIdle(ctx context.Context, before time.Time, keep func(code string) bool) (int, error)
}

// truncate returns the last n entries of list.
func truncate(list []string, n int) []string {
	if len(list) <= n {
		return list
	}
	return slices.Clone(list[len(list)-n:])
}
