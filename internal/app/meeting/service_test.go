package meeting

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"meetmesh/internal/pkg/randx"
)

const code = "ABC12345"

var fastPolicy = RetryPolicy{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

// flakyStore fails the first failAdds AddIfAbsent calls with ErrPreconditionFailed.
type flakyStore struct {
	*MemoryStore
	failAdds atomic.Int64
	adds     atomic.Int64
}

func (s *flakyStore) AddIfAbsent(ctx context.Context, code, identity string) (bool, error) {
	s.adds.Add(1)
	if s.failAdds.Add(-1) >= 0 {
		return false, ErrPreconditionFailed
	}
	return s.MemoryStore.AddIfAbsent(ctx, code, identity)
}

func newService(t *testing.T) (*Service, string) {
	t.Helper()
	svc := NewService(NewMemoryStore(), fastPolicy)
	host := randx.Identity()
	if _, err := svc.Create(context.Background(), code, host); err != nil {
		t.Fatal(err)
	}
	return svc, host
}

func TestCreateAddsHost(t *testing.T) {
	svc, host := newService(t)

	m, err := svc.Find(context.Background(), code)
	if err != nil {
		t.Fatal(err)
	}
	if m.HostID != host || len(m.Participants) != 1 || m.Participants[0] != host {
		t.Fatalf("unexpected meeting after create: %+v", m)
	}

	if _, err := svc.Create(context.Background(), code, randx.Identity()); !errors.Is(err, ErrMeetingExists) {
		t.Fatalf("second create err = %v, want ErrMeetingExists", err)
	}
}

func TestCreateGeneratesCodeAndIdentity(t *testing.T) {
	svc := NewService(NewMemoryStore(), fastPolicy)

	res, err := svc.Create(context.Background(), "", "not-a-uuid")
	if err != nil {
		t.Fatal(err)
	}
	if !randx.IsValidMeetingCode(res.Meeting.Code) {
		t.Fatalf("generated code %q is invalid", res.Meeting.Code)
	}
	if !randx.IsValidIdentity(res.Identity) || res.Meeting.HostID != res.Identity {
		t.Fatalf("expected a minted host identity, got %+v", res)
	}
}

func TestJoinNewAndReturning(t *testing.T) {
	svc, host := newService(t)
	ctx := context.Background()
	guest := randx.Identity()

	res, err := svc.Join(ctx, code, guest)
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsNew || res.Identity != guest {
		t.Fatalf("first join: %+v", res)
	}
	if got := res.Meeting.Participants; len(got) != 2 || got[0] != host || got[1] != guest {
		t.Fatalf("participants = %v", got)
	}

	res, err = svc.Join(ctx, code, host)
	if err != nil {
		t.Fatal(err)
	}
	if res.IsNew {
		t.Fatal("host rejoin reported as new")
	}
	if got := res.Meeting.Participants; len(got) != 2 || got[0] != guest || got[1] != host {
		t.Fatalf("rejoin should move host to the end, got %v", got)
	}
	if res.Meeting.HostID != host {
		t.Fatalf("host changed to %s", res.Meeting.HostID)
	}
}

func TestJoinMintsIdentity(t *testing.T) {
	svc, _ := newService(t)

	res, err := svc.Join(context.Background(), code, "")
	if err != nil {
		t.Fatal(err)
	}
	if !randx.IsValidIdentity(res.Identity) || !res.IsNew || !res.Meeting.Has(res.Identity) {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestJoinCapsParticipants(t *testing.T) {
	svc, host := newService(t)
	ctx := context.Background()

	var last string
	for range MaxParticipants + 5 {
		last = randx.Identity()
		if _, err := svc.Join(ctx, code, last); err != nil {
			t.Fatal(err)
		}
	}

	m, _ := svc.Find(ctx, code)
	if len(m.Participants) != MaxParticipants {
		t.Fatalf("len = %d, want %d", len(m.Participants), MaxParticipants)
	}
	if m.Participants[MaxParticipants-1] != last {
		t.Fatal("most recent joiner should be last")
	}
	if m.Has(host) {
		t.Fatal("oldest entry should have been truncated")
	}
	if m.HostID != host {
		t.Fatal("truncation must not change the host")
	}
}

func TestJoinUnknownMeeting(t *testing.T) {
	svc := NewService(NewMemoryStore(), fastPolicy)

	_, err := svc.Join(context.Background(), "ZZZ99999", randx.Identity())
	if !errors.Is(err, ErrMeetingNotFound) {
		t.Fatalf("err = %v, want ErrMeetingNotFound", err)
	}

	_, err = svc.Join(context.Background(), "bad", randx.Identity())
	if !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("err = %v, want ErrInvalidCode", err)
	}
}

func TestLeaveIsIdempotent(t *testing.T) {
	svc, host := newService(t)
	ctx := context.Background()

	m, err := svc.Leave(ctx, code, host)
	if err != nil {
		t.Fatal(err)
	}
	if m.Has(host) {
		t.Fatal("host still listed after leave")
	}

	if _, err := svc.Leave(ctx, code, host); err != nil {
		t.Fatalf("second leave err = %v", err)
	}

	if _, err := svc.Leave(ctx, "ZZZ99999", host); !errors.Is(err, ErrMeetingNotFound) {
		t.Fatalf("leave of unknown meeting err = %v", err)
	}
}

func TestJoinRetriesPreconditionFailures(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore()}
	svc := NewService(store, fastPolicy)
	ctx := context.Background()
	if _, err := svc.Create(ctx, code, randx.Identity()); err != nil {
		t.Fatal(err)
	}

	store.failAdds.Store(2)
	guest := randx.Identity()

	res, err := svc.Join(ctx, code, guest)
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsNew || !res.Meeting.Has(guest) {
		t.Fatalf("unexpected result %+v", res)
	}
	if got := store.adds.Load(); got != 3 {
		t.Fatalf("AddIfAbsent called %d times, want 3", got)
	}
}

func TestJoinBusyAfterRetriesExhausted(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore()}
	svc := NewService(store, fastPolicy)
	ctx := context.Background()
	if _, err := svc.Create(ctx, code, randx.Identity()); err != nil {
		t.Fatal(err)
	}

	store.failAdds.Store(1000)

	_, err := svc.Join(ctx, code, randx.Identity())
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("err = %v, want ErrBusy", err)
	}
	if got := store.adds.Load(); got != int64(fastPolicy.MaxRetries)+1 {
		t.Fatalf("AddIfAbsent called %d times, want %d", got, fastPolicy.MaxRetries+1)
	}
}

func TestConcurrentJoinsKeepEveryone(t *testing.T) {
	svc, host := newService(t)
	ctx := context.Background()

	const n = 20
	identities := make([]string, n)
	for i := range identities {
		identities[i] = randx.Identity()
	}

	var wg sync.WaitGroup
	errCh := make(chan error, n*2)
	for _, id := range identities {
		wg.Add(2)
		// each identity joins twice in parallel; it must end up listed once
		for range 2 {
			go func() {
				defer wg.Done()
				if _, err := svc.Join(ctx, code, id); err != nil {
					errCh <- fmt.Errorf("join %s: %w", id, err)
				}
			}()
		}
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Error(err)
	}

	m, _ := svc.Find(ctx, code)
	seen := make(map[string]int)
	for _, id := range m.Participants {
		seen[id]++
	}
	for _, id := range append(identities, host) {
		if seen[id] != 1 {
			t.Errorf("%s listed %d times", id, seen[id])
		}
	}
}
