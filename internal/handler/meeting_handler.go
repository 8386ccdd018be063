/*
Package handler provides HTTP handler functions for meeting creation, membership and status checks.
*/
package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"meetmesh/internal/app/meeting"
	"meetmesh/internal/app/user"
	"meetmesh/internal/pkg/auth/jwt"
	"meetmesh/internal/pkg/errs"
	"meetmesh/internal/pkg/logx"
	"meetmesh/internal/pkg/randx"
	"meetmesh/internal/pkg/req"
	"meetmesh/internal/pkg/resp"
)

type CreateMeetingInput struct {
	// MeetingID is an optional caller-chosen code; one is generated when empty.
	MeetingID   string `json:"meetingId,omitempty"`
	UserID      string `json:"userId,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
}

type JoinMeetingInput struct {
	MeetingID   string `json:"meetingId"`
	UserID      string `json:"userId,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
}

type LeaveMeetingInput struct {
	MeetingID string `json:"meetingId"`
	UserID    string `json:"userId"`
}

// JoinMeetingOutput is the data payload of create and join responses.
type JoinMeetingOutput struct {
	Meeting          meeting.Meeting `json:"meeting"`
	UserID           string          `json:"userId"`
	DisplayName      string          `json:"displayName"`
	IsNewParticipant bool            `json:"isNewParticipant"`

	// Token is the room access token for /ws/{code}.
	Token string `json:"token"`
}

// caller resolves who is making the request. A valid identity token wins over the body.
func caller(r *http.Request, bodyID, bodyName string) user.User {
	if payload := jwt.GetPayloadFromContext(r); payload != nil && randx.IsValidIdentity(payload.ID) {
		name := bodyName
		if name == "" {
			name = payload.DisplayName
		}
		return user.User{ID: payload.ID, DisplayName: name, UserType: user.TypeRegistered}
	}
	return user.User{ID: bodyID, DisplayName: bodyName, UserType: user.TypeGuest}
}

// grantAccess issues the room access token for a successful create or join.
func grantAccess(w http.ResponseWriter, r *http.Request, deps *AppDeps, u user.User, res meeting.JoinResult) {
	if u.DisplayName == "" {
		u.DisplayName = randx.DisplayName()
	}

	token, err := jwt.IssueRoomAccess(deps.Config.JWTSecret, res.Identity, res.Meeting.Code, u.DisplayName, u.UserType)
	if err != nil {
		resp.RespondError(w, r, errs.NewError(errs.ErrUnknown, err))
		return
	}

	resp.RespondSuccess(w, r, JoinMeetingOutput{
		Meeting:          res.Meeting,
		UserID:           res.Identity,
		DisplayName:      u.DisplayName,
		IsNewParticipant: res.IsNew,
		Token:            token,
	})
}

// HandleCreateMeeting creates an HTTP HandlerFunc to process meeting creation requests.
func HandleCreateMeeting(deps *AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Pow.Enabled() && !deps.Pow.ConsumeProofToken(r) {
			logx.Warn("Meeting creation rejected: missing or invalid proof token.")
			resp.RespondError(w, r, errs.NewError(errs.ErrPowChallengeRequired))
			return
		}

		var input CreateMeetingInput
		if customErr := req.BindOptionalJSON(r, &input); customErr != nil {
			resp.RespondError(w, r, customErr)
			return
		}

		u := caller(r, input.UserID, input.DisplayName)

		res, err := deps.Meetings.Create(r.Context(), input.MeetingID, u.ID)
		if err != nil {
			resp.RespondError(w, r, meetingError(err))
			return
		}

		grantAccess(w, r, deps, u, res)
	}
}

// HandleJoinMeeting processes the request to join a meeting.
func HandleJoinMeeting(deps *AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var input JoinMeetingInput
		if customErr := req.BindJSON(r, &input); customErr != nil {
			resp.RespondError(w, r, customErr)
			return
		}

		if !randx.IsValidMeetingCode(input.MeetingID) {
			resp.RespondError(w, r, errs.NewError(errs.ErrMeetingCodeInvalid))
			return
		}

		u := caller(r, input.UserID, input.DisplayName)

		res, err := deps.Meetings.Join(r.Context(), input.MeetingID, u.ID)
		if err != nil {
			resp.RespondError(w, r, meetingError(err))
			return
		}

		grantAccess(w, r, deps, u, res)
	}
}

// HandleLeaveMeeting removes the caller from the meeting's membership list.
func HandleLeaveMeeting(deps *AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var input LeaveMeetingInput
		if customErr := req.BindJSON(r, &input); customErr != nil {
			resp.RespondError(w, r, customErr)
			return
		}

		u := caller(r, input.UserID, "")
		if !randx.IsValidIdentity(u.ID) {
			resp.RespondError(w, r, errs.NewError(errs.ErrInvalidParams))
			return
		}

		m, err := deps.Meetings.Leave(r.Context(), input.MeetingID, u.ID)
		if err != nil {
			resp.RespondError(w, r, meetingError(err))
			return
		}

		resp.RespondSuccess(w, r, map[string]any{
			"meeting": m,
		})
	}
}

// HandleGetMeeting reports the persisted record and how many participants are live right now.
func HandleGetMeeting(deps *AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		code := chi.URLParam(r, "code")

		m, err := deps.Meetings.Find(r.Context(), code)
		if err != nil {
			resp.RespondError(w, r, meetingError(err))
			return
		}

		resp.RespondSuccess(w, r, map[string]any{
			"meeting": m,
			"live":    deps.Registry.RoomSize(code),
		})
	}
}
