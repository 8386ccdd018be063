/*
Package errs provides custom error types and application-level error code constants.

These error codes identify specific business or system errors both inside the server and in
HTTP and WebSocket responses to clients.
*/
package errs

// 1xxx: General Request Handling Errors
const (
	// ErrInvalidParams indicates that request parameter validation failed.
	ErrInvalidParams = 1001

	// ErrUnsupportedMediaType indicates that the request header Content-Type is not supported.
	ErrUnsupportedMediaType = 1002

	// ErrInvalidJSONFormat indicates that the request body JSON format is incorrect (e.g., syntax error).
	ErrInvalidJSONFormat = 1003

	// ErrExtraContentInBody indicates that the request body contained extra content after valid JSON data.
	ErrExtraContentInBody = 1004

	// ErrRequestEntityTooLarge indicates that the request body size exceeded the server limit.
	ErrRequestEntityTooLarge = 1006

	// ErrRateLimitExceeded indicates that the request rate has exceeded the set limit.
	ErrRateLimitExceeded = 1007
)

// 2xxx: Meeting and Membership Errors
const (
	// ErrMeetingCodeInvalid indicates that the meeting code is not 8 Base62 characters.
	ErrMeetingCodeInvalid = 2101

	// ErrMeetingCodeExists indicates that the requested meeting code is already taken.
	ErrMeetingCodeExists = 2102

	// ErrMeetingNotFound indicates that the meeting does not exist.
	ErrMeetingNotFound = 2103

	// ErrMeetingBusy indicates that the membership update lost too many concurrent races.
	ErrMeetingBusy = 2104
)

// 3xxx: Session and Security Errors
const (
	// ErrPowChallengeRequired indicates the client must complete a Proof-of-Work challenge first.
	ErrPowChallengeRequired = 3001

	// ErrPowChallengeInvalid indicates that the PoW proof provided by the client is invalid or incorrect.
	ErrPowChallengeInvalid = 3002

	// ErrPowChallengeInternal indicates an internal error during PoW challenge generation or validation.
	ErrPowChallengeInternal = 3003

	// ErrSessionKicked indicates that the connection was superseded by a newer one for the same identity.
	ErrSessionKicked = 3004

	// ErrUnauthorized indicates a missing or invalid room access token.
	ErrUnauthorized = 3005

	// ErrNotJoined indicates a signaling message sent before join-room.
	ErrNotJoined = 3006
)

// 5xxx: Internal System Errors
const (
	// ErrUnknown represents an unclassified, general server internal error.
	ErrUnknown = 5000

	// ErrStoreUnavailable indicates the membership store could not be reached.
	ErrStoreUnavailable = 5001
)
