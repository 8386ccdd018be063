package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"meetmesh/internal/app/meeting"
	"meetmesh/internal/pkg/logx"
)

// querier is the subset of pgxpool.Pool the store uses.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store persists meetings in the meetings table. Each mutation is a single conditional UPDATE,
// so Postgres row locking serializes concurrent writers for the same code.
type Store struct {
	db     querier
	logger zerolog.Logger
}

var _ meeting.Store = (*Store)(nil)

// NewStore wraps an open pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{db: pool, logger: logx.Component("pg_store")}
}

const (
	insertMeetingSQL = `
INSERT INTO meetings (code, host_id, participants, version, created_at, updated_at)
VALUES ($1, $2, $3, 1, now(), now())`

	selectMeetingSQL = `
SELECT code, host_id, participants, version, created_at, updated_at
FROM meetings WHERE code = $1`

	existsMeetingSQL = `SELECT EXISTS (SELECT 1 FROM meetings WHERE code = $1)`

	addParticipantSQL = `
UPDATE meetings
SET participants = array_append(participants, $2), version = version + 1, updated_at = now()
WHERE code = $1 AND NOT ($2 = ANY (participants))`

	removeParticipantSQL = `
UPDATE meetings
SET participants = array_remove(participants, $2), version = version + 1, updated_at = now()
WHERE code = $1 AND $2 = ANY (participants)`

	truncateParticipantsSQL = `
UPDATE meetings
SET participants = participants[cardinality(participants) - $2 + 1:], version = version + 1, updated_at = now()
WHERE code = $1 AND cardinality(participants) > $2`

	deleteMeetingSQL = `DELETE FROM meetings WHERE code = $1`

	selectIdleSQL = `SELECT code, version FROM meetings WHERE updated_at < $1`

	deleteIfUnchangedSQL = `DELETE FROM meetings WHERE code = $1 AND version = $2`
)

func (s *Store) Create(ctx context.Context, m meeting.Meeting) error {
	participants := m.Participants
	if participants == nil {
		participants = []string{}
	}

	if _, err := s.db.Exec(ctx, insertMeetingSQL, m.Code, m.HostID, participants); err != nil {
		if IsUniqueViolation(err) {
			return meeting.ErrMeetingExists
		}
		return fmt.Errorf("create meeting: %w", err)
	}
	return nil
}

func (s *Store) Find(ctx context.Context, code string) (meeting.Meeting, error) {
	var m meeting.Meeting
	err := s.db.QueryRow(ctx, selectMeetingSQL, code).
		Scan(&m.Code, &m.HostID, &m.Participants, &m.Version, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		if IsNoRows(err) {
			return meeting.Meeting{}, meeting.ErrMeetingNotFound
		}
		return meeting.Meeting{}, fmt.Errorf("find meeting: %w", err)
	}
	return m, nil
}

func (s *Store) Exists(ctx context.Context, code string) (bool, error) {
	var ok bool
	if err := s.db.QueryRow(ctx, existsMeetingSQL, code).Scan(&ok); err != nil {
		return false, fmt.Errorf("check meeting: %w", err)
	}
	return ok, nil
}

func (s *Store) AddIfAbsent(ctx context.Context, code, identity string) (bool, error) {
	return s.conditionalUpdate(ctx, "add participant", addParticipantSQL, code, identity)
}

func (s *Store) RemoveIfPresent(ctx context.Context, code, identity string) (bool, error) {
	return s.conditionalUpdate(ctx, "remove participant", removeParticipantSQL, code, identity)
}

func (s *Store) TruncateToRecent(ctx context.Context, code string, n int) error {
	_, err := s.conditionalUpdate(ctx, "truncate participants", truncateParticipantsSQL, code, n)
	return err
}

// conditionalUpdate runs an UPDATE guarded by a WHERE on the list contents. Zero affected rows
// means either the guard did not hold (false, nil) or the meeting does not exist.
func (s *Store) conditionalUpdate(ctx context.Context, op, sql, code string, arg any) (bool, error) {
	tag, err := s.db.Exec(ctx, sql, code, arg)
	if err != nil {
		if IsSerializationFailure(err) {
			return false, fmt.Errorf("%s: %w", op, meeting.ErrPreconditionFailed)
		}
		return false, fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}

	ok, err := s.Exists(ctx, code)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, meeting.ErrMeetingNotFound
	}
	return false, nil
}

func (s *Store) Delete(ctx context.Context, code string) error {
	if _, err := s.db.Exec(ctx, deleteMeetingSQL, code); err != nil {
		return fmt.Errorf("delete meeting: %w", err)
	}
	return nil
}

func (s *Store) SweepIdle(ctx context.Context, before time.Time, keep func(code string) bool) (int, error) {
	rows, err := s.db.Query(ctx, selectIdleSQL, before)
	if err != nil {
		return 0, fmt.Errorf("list idle meetings: %w", err)
	}

	type candidate struct {
		code    string
		version int64
	}
	var candidates []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.code, &c.version); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan idle meeting: %w", err)
		}
		candidates = append(candidates, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("list idle meetings: %w", err)
	}

	deleted := 0
	for _, c := range candidates {
		if keep(c.code) {
			continue
		}

		tag, err := s.db.Exec(ctx, deleteIfUnchangedSQL, c.code, c.version)
		if err != nil {
			return deleted, fmt.Errorf("delete idle meeting %s: %w", c.code, err)
		}
		if tag.RowsAffected() == 0 {
			s.logger.Debug().Str("room_code", c.code).Msg("Meeting changed during sweep, keeping it")
			continue
		}
		deleted++
	}
	return deleted, nil
}
