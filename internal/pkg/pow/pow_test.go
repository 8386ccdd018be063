package pow

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"
)

func TestSolveAndValidate(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mgr := NewManager(ctx, 2)
	challenge := mgr.NewChallenge()

	counter, err := Solve(ctx, challenge)
	if err != nil {
		t.Fatalf("Solve failed: %v", err)
	}

	token, err := mgr.ValidateProof(challenge.Nonce, counter)
	if err != nil {
		t.Fatalf("ValidateProof rejected a valid proof: %v", err)
	}

	if _, err := mgr.ValidateProof(challenge.Nonce, counter); !errors.Is(err, ErrNonceInvalid) {
		t.Errorf("expected reused nonce to be rejected, got %v", err)
	}

	r := httptest.NewRequest("POST", "/api/meetings/create", nil)
	r.Header.Set(TokenHeaderKey, token)

	if !mgr.ConsumeProofToken(r) {
		t.Fatal("expected proof token to be accepted once")
	}
	if mgr.ConsumeProofToken(r) {
		t.Error("expected proof token to be single-use")
	}
}

func TestValidateProofRejectsWeakProof(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mgr := NewManager(ctx, 3)
	challenge := mgr.NewChallenge()

	// find a counter that does not satisfy the difficulty
	weak := "0"
	for i := 0; Meets(challenge.Nonce, weak, 3); i++ {
		weak = string(rune('a' + i))
	}

	if _, err := mgr.ValidateProof(challenge.Nonce, weak); !errors.Is(err, ErrProofTooWeak) {
		t.Errorf("expected ErrProofTooWeak, got %v", err)
	}
}

func TestSolveHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	// difficulty 64 is effectively unsolvable
	_, err := Solve(ctx, Challenge{Nonce: "n", Difficulty: 64})
	if !errors.Is(err, ErrSolveCancelled) {
		t.Errorf("expected ErrSolveCancelled, got %v", err)
	}
}

func TestDisabledManager(t *testing.T) {
	mgr := NewManager(context.Background(), 0)
	if mgr.Enabled() {
		t.Error("difficulty 0 should disable the gate")
	}
}
