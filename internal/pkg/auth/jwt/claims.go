package jwt

import "github.com/golang-jwt/jwt"

// Token kinds carried in Payload.Kind.
const (
	// KindRoomAccess authorizes one WebSocket connection to one meeting.
	KindRoomAccess = "room"

	// KindIdentity is a durable identity token presented on HTTP requests.
	KindIdentity = "identity"
)

// Payload defines the JWT claims issued by the meeting server.
type Payload struct {
	// StandardClaims embeds the expiry, issued-at and issuer fields.
	jwt.StandardClaims `json:"standard_claims"`

	// Kind distinguishes room access tokens from identity tokens.
	Kind string `json:"kind"`

	// ID is the participant identity.
	ID string `json:"id"`

	// Code is the meeting the token grants access to. Empty for identity tokens.
	Code string `json:"code,omitempty"`

	// DisplayName is what other participants see.
	DisplayName string `json:"display_name,omitempty"`

	// UserType is "guest" or "registered".
	UserType string `json:"user_type"`
}
