package mesh

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"meetmesh/internal/app/meeting"
	"meetmesh/internal/pkg/pow"
)

// APIClient calls the meeting HTTP API.
type APIClient struct {
	baseURL string
	http    *http.Client
}

// NewAPIClient returns a client for the server at baseURL. A nil hc uses a client with a 15s
// timeout.
func NewAPIClient(baseURL string, hc *http.Client) *APIClient {
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	return &APIClient{baseURL: strings.TrimSuffix(baseURL, "/"), http: hc}
}

// BaseURL returns the server origin the client talks to.
func (c *APIClient) BaseURL() string {
	return c.baseURL
}

// APIError is a failed API response.
type APIError struct {
	Status  int
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d (http %d): %s", e.Code, e.Status, e.Message)
}

// JoinResponse is the data of a successful create or join.
type JoinResponse struct {
	Meeting          meeting.Meeting `json:"meeting"`
	UserID           string          `json:"userId"`
	DisplayName      string          `json:"displayName"`
	IsNewParticipant bool            `json:"isNewParticipant"`
	Token            string          `json:"token"`
}

type apiEnvelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type joinRequest struct {
	MeetingID   string `json:"meetingId,omitempty"`
	UserID      string `json:"userId,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
}

// Create creates a meeting, solving the proof-of-work challenge first when the server requires
// one. An empty code lets the server pick.
func (c *APIClient) Create(ctx context.Context, code, identity, displayName string) (JoinResponse, error) {
	header := http.Header{}

	var challenge struct {
		pow.Challenge
		Enabled bool `json:"enabled"`
	}
	if err := c.call(ctx, http.MethodGet, "/api/pow/challenge", nil, nil, &challenge); err != nil {
		return JoinResponse{}, fmt.Errorf("pow challenge: %w", err)
	}

	if challenge.Enabled {
		counter, err := pow.Solve(ctx, challenge.Challenge)
		if err != nil {
			return JoinResponse{}, fmt.Errorf("solve pow: %w", err)
		}

		var proof struct {
			Token string `json:"token"`
		}
		body := map[string]string{"nonce": challenge.Nonce, "counter": counter}
		if err := c.call(ctx, http.MethodPost, "/api/pow/verify", body, nil, &proof); err != nil {
			return JoinResponse{}, fmt.Errorf("pow verify: %w", err)
		}
		header.Set(pow.TokenHeaderKey, proof.Token)
	}

	var out JoinResponse
	err := c.call(ctx, http.MethodPost, "/api/meetings/create", joinRequest{code, identity, displayName}, header, &out)
	return out, err
}

// Join adds identity to an existing meeting. An empty identity asks the server to mint one.
func (c *APIClient) Join(ctx context.Context, code, identity, displayName string) (JoinResponse, error) {
	var out JoinResponse
	err := c.call(ctx, http.MethodPost, "/api/meetings/join", joinRequest{code, identity, displayName}, nil, &out)
	return out, err
}

// Leave removes identity from the meeting's membership.
func (c *APIClient) Leave(ctx context.Context, code, identity string) error {
	return c.call(ctx, http.MethodPost, "/api/meetings/leave", joinRequest{MeetingID: code, UserID: identity}, nil, nil)
}

func (c *APIClient) call(ctx context.Context, method, path string, body any, header http.Header, out any) error {
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header[k] = v
	}

	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	var env apiEnvelope
	if err := json.NewDecoder(res.Body).Decode(&env); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	if res.StatusCode != http.StatusOK || env.Code != 0 {
		return &APIError{Status: res.StatusCode, Code: env.Code, Message: env.Message}
	}

	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode %s data: %w", path, err)
		}
	}
	return nil
}
