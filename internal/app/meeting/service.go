package meeting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"meetmesh/internal/pkg/logx"
	"meetmesh/internal/pkg/randx"
)

// RetryPolicy bounds how hard the Service fights concurrent writers.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries uint64

	// BaseDelay seeds the exponential backoff.
	BaseDelay time.Duration

	// MaxDelay caps a single backoff step.
	MaxDelay time.Duration

	// Jitter is the random spread added to every step.
	Jitter time.Duration
}

// DefaultRetryPolicy is used when a zero RetryPolicy is given.
var DefaultRetryPolicy = RetryPolicy{
	MaxRetries: 6,
	BaseDelay:  10 * time.Millisecond,
	MaxDelay:   250 * time.Millisecond,
	Jitter:     10 * time.Millisecond,
}

func (p RetryPolicy) backoff() retry.Backoff {
	b := retry.NewExponential(p.BaseDelay)
	b = retry.WithCappedDuration(p.MaxDelay, b)
	if p.Jitter > 0 {
		b = retry.WithJitter(p.Jitter, b)
	}
	return retry.WithMaxRetries(p.MaxRetries, b)
}

// attempt is one try of a conditional mutation. Returning ErrPreconditionFailed (possibly
// wrapped) asks for another try; any other error is final.
type attempt func(ctx context.Context) error

// withRetry runs op under policy and maps exhaustion to ErrBusy.
func withRetry(ctx context.Context, policy RetryPolicy, op attempt) error {
	err := retry.Do(ctx, policy.backoff(), func(ctx context.Context) error {
		err := op(ctx)
		if errors.Is(err, ErrPreconditionFailed) {
			return retry.RetryableError(err)
		}
		return err
	})

	if errors.Is(err, ErrPreconditionFailed) {
		return fmt.Errorf("%w: %v", ErrBusy, err)
	}
	return err
}

// JoinResult is what a successful Join reports.
type JoinResult struct {
	// Identity is the caller's identity, minted if none or an invalid one was supplied.
	Identity string

	// Meeting is the record after the join.
	Meeting Meeting

	// IsNew is true when the identity was not in the list before.
	IsNew bool
}

// Service implements create, join and leave on top of a Store.
type Service struct {
	store  Store
	policy RetryPolicy
	logger zerolog.Logger
}

// NewService creates a Service. A zero policy selects DefaultRetryPolicy.
func NewService(store Store, policy RetryPolicy) *Service {
	if policy == (RetryPolicy{}) {
		policy = DefaultRetryPolicy
	}
	return &Service{
		store:  store,
		policy: policy,
		logger: logx.Component("membership"),
	}
}

// Store returns the underlying store.
func (s *Service) Store() Store {
	return s.store
}

// Create registers a new meeting hosted by identity. An empty code is generated; an empty or
// malformed identity is replaced by a fresh one. The host is the first participant.
func (s *Service) Create(ctx context.Context, code, identity string) (JoinResult, error) {
	if code == "" {
		generated, err := randx.MeetingCode()
		if err != nil {
			return JoinResult{}, err
		}
		code = generated
	} else if !randx.IsValidMeetingCode(code) {
		return JoinResult{}, ErrInvalidCode
	}

	if !randx.IsValidIdentity(identity) {
		identity = randx.Identity()
	}

	m := Meeting{
		Code:         code,
		HostID:       identity,
		Participants: []string{identity},
	}

	if err := s.store.Create(ctx, m); err != nil {
		return JoinResult{}, err
	}

	created, err := s.store.Find(ctx, code)
	if err != nil {
		return JoinResult{}, err
	}

	s.logger.Info().Str("room_code", code).Str("host_id", identity).Msg("Meeting created.")
	return JoinResult{Identity: identity, Meeting: created, IsNew: true}, nil
}

// Join adds identity to the meeting, or moves it to the most recent position if it is
// already a member, then caps the list at MaxParticipants.
func (s *Service) Join(ctx context.Context, code, identity string) (JoinResult, error) {
	if !randx.IsValidMeetingCode(code) {
		return JoinResult{}, ErrInvalidCode
	}

	if !randx.IsValidIdentity(identity) {
		identity = randx.Identity()
	}

	// once observed as present, a later attempt that re-adds after a concurrent removal
	// still counts as a returning participant
	seenPresent := false

	err := withRetry(ctx, s.policy, func(ctx context.Context) error {
		added, err := s.store.AddIfAbsent(ctx, code, identity)
		if err != nil {
			return err
		}
		if added {
			return nil
		}

		seenPresent = true

		removed, err := s.store.RemoveIfPresent(ctx, code, identity)
		if err != nil {
			return err
		}
		if !removed {
			return fmt.Errorf("%w: identity removed concurrently", ErrPreconditionFailed)
		}

		added, err = s.store.AddIfAbsent(ctx, code, identity)
		if err != nil {
			return err
		}
		if !added {
			return fmt.Errorf("%w: identity re-added concurrently", ErrPreconditionFailed)
		}
		return nil
	})
	if err != nil {
		s.logJoinFailure(code, identity, err)
		return JoinResult{}, err
	}

	if err := withRetry(ctx, s.policy, func(ctx context.Context) error {
		return s.store.TruncateToRecent(ctx, code, MaxParticipants)
	}); err != nil {
		s.logger.Warn().Err(err).Str("room_code", code).Msg("Failed to cap membership list after join.")
		return JoinResult{}, err
	}

	m, err := s.store.Find(ctx, code)
	if err != nil {
		return JoinResult{}, err
	}

	s.logger.Info().
		Str("room_code", code).
		Str("identity", identity).
		Bool("is_new", !seenPresent).
		Int("participants", len(m.Participants)).
		Msg("Participant joined meeting membership.")

	return JoinResult{Identity: identity, Meeting: m, IsNew: !seenPresent}, nil
}

// Leave removes identity from the meeting. Leaving a meeting one is not in succeeds.
func (s *Service) Leave(ctx context.Context, code, identity string) (Meeting, error) {
	if !randx.IsValidMeetingCode(code) {
		return Meeting{}, ErrInvalidCode
	}

	err := withRetry(ctx, s.policy, func(ctx context.Context) error {
		_, err := s.store.RemoveIfPresent(ctx, code, identity)
		return err
	})
	if err != nil {
		return Meeting{}, err
	}

	s.logger.Info().Str("room_code", code).Str("identity", identity).Msg("Participant left meeting membership.")
	return s.store.Find(ctx, code)
}

// Find loads a meeting by code.
func (s *Service) Find(ctx context.Context, code string) (Meeting, error) {
	if !randx.IsValidMeetingCode(code) {
		return Meeting{}, ErrInvalidCode
	}
	return s.store.Find(ctx, code)
}

func (s *Service) logJoinFailure(code, identity string, err error) {
	event := s.logger.Warn()
	if !errors.Is(err, ErrBusy) && !errors.Is(err, ErrMeetingNotFound) {
		event = s.logger.Error()
	}
	event.Err(err).Str("room_code", code).Str("identity", identity).Msg("Join failed.")
}
