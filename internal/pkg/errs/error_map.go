/*
Package errs provides custom error types and application-level error code constants.

This file maps error codes to their CustomError templates.
*/
package errs

import "net/http"

// errorMap stores the CustomError template for every application error code.
var errorMap = map[int]CustomError{
	// 1xxx: General Request Handling Errors
	ErrInvalidParams:         {Code: ErrInvalidParams, Message: "Invalid request parameters.", Status: http.StatusBadRequest},
	ErrUnsupportedMediaType:  {Code: ErrUnsupportedMediaType, Message: "Unsupported request format.", Status: http.StatusUnsupportedMediaType},
	ErrInvalidJSONFormat:     {Code: ErrInvalidJSONFormat, Message: "Unsupported request format.", Status: http.StatusBadRequest},
	ErrExtraContentInBody:    {Code: ErrExtraContentInBody, Message: "Request contains unexpected data.", Status: http.StatusBadRequest},
	ErrRequestEntityTooLarge: {Code: ErrRequestEntityTooLarge, Message: "Request size is too large.", Status: http.StatusRequestEntityTooLarge},
	ErrRateLimitExceeded:     {Code: ErrRateLimitExceeded, Message: "Too many requests. Please try again later.", Status: http.StatusTooManyRequests},

	// 2xxx: Meeting and Membership Errors
	ErrMeetingCodeInvalid: {Code: ErrMeetingCodeInvalid, Message: "Invalid meeting code.", Status: http.StatusBadRequest},
	ErrMeetingCodeExists:  {Code: ErrMeetingCodeExists, Message: "Meeting code already exists.", Status: http.StatusConflict},
	ErrMeetingNotFound:    {Code: ErrMeetingNotFound, Message: "Meeting not found.", Status: http.StatusNotFound},
	ErrMeetingBusy:        {Code: ErrMeetingBusy, Message: "The meeting is busy. Please try again.", Status: http.StatusServiceUnavailable},

	// 3xxx: Session and Security Errors
	ErrPowChallengeRequired: {Code: ErrPowChallengeRequired, Message: "Verification required. Please try again.", Status: http.StatusForbidden},
	ErrPowChallengeInvalid:  {Code: ErrPowChallengeInvalid, Message: "Verification failed. Please try again.", Status: http.StatusForbidden},
	ErrPowChallengeInternal: {Code: ErrPowChallengeInternal, Message: "Verification service error. Please try again later."},
	ErrSessionKicked:        {Code: ErrSessionKicked, Message: "You joined this meeting from another device."},
	ErrUnauthorized:         {Code: ErrUnauthorized, Message: "Please join the meeting to continue.", Status: http.StatusUnauthorized},
	ErrNotJoined:            {Code: ErrNotJoined, Message: "Join the meeting before sending signals."},

	// 5xxx: Internal System Errors
	ErrUnknown:          {Code: ErrUnknown, Message: "Something went wrong. Please try again.", Status: http.StatusInternalServerError},
	ErrStoreUnavailable: {Code: ErrStoreUnavailable, Message: "Meeting storage is unavailable. Please try again later.", Status: http.StatusServiceUnavailable},
}
