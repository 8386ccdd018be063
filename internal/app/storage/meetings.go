package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"meetmesh/internal/app/meeting"
	"meetmesh/internal/pkg/logx"
)

// maxObjectSize bounds how much of a meeting object is read.
const maxObjectSize = 1 << 20

// MeetingStore keeps one JSON object per meeting at {prefix}meetings/{code}.json.
type MeetingStore struct {
	api    objectAPI
	bucket string
	prefix string
	now    func() time.Time
	logger zerolog.Logger
}

var _ meeting.Store = (*MeetingStore)(nil)

func newMeetingStore(api objectAPI, bucket, prefix string) *MeetingStore {
	return &MeetingStore{
		api:    api,
		bucket: bucket,
		prefix: normalizePrefix(prefix) + "meetings/",
		now:    time.Now,
		logger: logx.Component("s3_store"),
	}
}

func (s *MeetingStore) key(code string) string {
	return s.prefix + code + ".json"
}

// codeOf extracts the meeting code from an object key, or "" for foreign keys.
func (s *MeetingStore) codeOf(key string) string {
	rest, ok := strings.CutPrefix(key, s.prefix)
	if !ok {
		return ""
	}
	code, ok := strings.CutSuffix(rest, ".json")
	if !ok || strings.Contains(code, "/") {
		return ""
	}
	return code
}

// load reads a meeting together with the ETag it was read at.
func (s *MeetingStore) load(ctx context.Context, code string) (meeting.Meeting, string, error) {
	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(code)),
	})
	if err != nil {
		return meeting.Meeting{}, "", classify(err)
	}
	defer out.Body.Close()

	body, err := io.ReadAll(io.LimitReader(out.Body, maxObjectSize))
	if err != nil {
		return meeting.Meeting{}, "", fmt.Errorf("read meeting %s: %w", code, err)
	}

	var m meeting.Meeting
	if err := json.Unmarshal(body, &m); err != nil {
		return meeting.Meeting{}, "", fmt.Errorf("decode meeting %s: %w", code, err)
	}
	if m.Participants == nil {
		m.Participants = []string{}
	}

	return m, aws.ToString(out.ETag), nil
}

// put writes m. An empty etag requires the object to be absent; otherwise the current object
// must still carry etag.
func (s *MeetingStore) put(ctx context.Context, m meeting.Meeting, etag string) error {
	body, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode meeting %s: %w", m.Code, err)
	}

	in := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key(m.Code)),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	}
	if etag == "" {
		in.IfNoneMatch = aws.String("*")
	} else {
		in.IfMatch = aws.String(etag)
	}

	if _, err := s.api.PutObject(ctx, in); err != nil {
		return classify(err)
	}
	return nil
}

// mutate applies change to the current object and writes it back conditionally. change reports
// whether it modified the meeting; unchanged meetings are not written.
func (s *MeetingStore) mutate(ctx context.Context, code string, change func(m *meeting.Meeting) bool) (bool, error) {
	m, etag, err := s.load(ctx, code)
	if err != nil {
		return false, err
	}

	if !change(&m) {
		return false, nil
	}

	m.Version++
	m.UpdatedAt = s.now().UTC()

	if err := s.put(ctx, m, etag); err != nil {
		if errors.Is(err, meeting.ErrPreconditionFailed) {
			s.logger.Debug().Str("room_code", code).Str("etag", etag).Msg("Conditional write lost a race")
		}
		return false, err
	}
	return true, nil
}

func (s *MeetingStore) Create(ctx context.Context, m meeting.Meeting) error {
	now := s.now().UTC()
	m = m.Clone()
	m.Version = 1
	m.CreatedAt = now
	m.UpdatedAt = now
	if m.Participants == nil {
		m.Participants = []string{}
	}

	if err := s.put(ctx, m, ""); err != nil {
		if errors.Is(err, meeting.ErrPreconditionFailed) {
			return meeting.ErrMeetingExists
		}
		return err
	}
	return nil
}

func (s *MeetingStore) Find(ctx context.Context, code string) (meeting.Meeting, error) {
	m, _, err := s.load(ctx, code)
	return m, err
}

func (s *MeetingStore) Exists(ctx context.Context, code string) (bool, error) {
	_, _, err := s.load(ctx, code)
	if errors.Is(err, meeting.ErrMeetingNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (s *MeetingStore) AddIfAbsent(ctx context.Context, code, identity string) (bool, error) {
	return s.mutate(ctx, code, func(m *meeting.Meeting) bool {
		if m.Has(identity) {
			return false
		}
		m.Participants = append(m.Participants, identity)
		return true
	})
}

func (s *MeetingStore) RemoveIfPresent(ctx context.Context, code, identity string) (bool, error) {
	return s.mutate(ctx, code, func(m *meeting.Meeting) bool {
		idx := slices.Index(m.Participants, identity)
		if idx < 0 {
			return false
		}
		m.Participants = slices.Delete(m.Participants, idx, idx+1)
		return true
	})
}

func (s *MeetingStore) TruncateToRecent(ctx context.Context, code string, n int) error {
	_, err := s.mutate(ctx, code, func(m *meeting.Meeting) bool {
		if len(m.Participants) <= n {
			return false
		}
		m.Participants = slices.Clone(m.Participants[len(m.Participants)-n:])
		return true
	})
	return err
}

func (s *MeetingStore) Delete(ctx context.Context, code string) error {
	_, err := s.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(code)),
	})
	if err = classify(err); err != nil && !errors.Is(err, meeting.ErrMeetingNotFound) {
		return fmt.Errorf("delete meeting %s: %w", code, err)
	}
	return nil
}

func (s *MeetingStore) SweepIdle(ctx context.Context, before time.Time, keep func(code string) bool) (int, error) {
	paginator := s3.NewListObjectsV2Paginator(s.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.prefix),
	})

	deleted := 0
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return deleted, fmt.Errorf("list meetings: %w", err)
		}

		for _, obj := range page.Contents {
			code := s.codeOf(aws.ToString(obj.Key))
			if code == "" {
				continue
			}
			if obj.LastModified != nil && !obj.LastModified.Before(before) {
				continue
			}

			ok, err := s.deleteIfIdle(ctx, code, before, keep)
			if err != nil {
				return deleted, err
			}
			if ok {
				deleted++
			}
		}
	}
	return deleted, nil
}

// deleteIfIdle re-reads the meeting and deletes it only if it is still at the ETag it was
// judged idle at.
func (s *MeetingStore) deleteIfIdle(ctx context.Context, code string, before time.Time, keep func(string) bool) (bool, error) {
	m, etag, err := s.load(ctx, code)
	if errors.Is(err, meeting.ErrMeetingNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if !m.UpdatedAt.Before(before) || keep(code) {
		return false, nil
	}

	_, err = s.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket:  aws.String(s.bucket),
		Key:     aws.String(s.key(code)),
		IfMatch: aws.String(etag),
	})
	switch err = classify(err); {
	case err == nil:
		return true, nil
	case errors.Is(err, meeting.ErrPreconditionFailed), errors.Is(err, meeting.ErrMeetingNotFound):
		s.logger.Debug().Str("room_code", code).Msg("Meeting changed during sweep, keeping it")
		return false, nil
	default:
		return false, fmt.Errorf("delete idle meeting %s: %w", code, err)
	}
}
