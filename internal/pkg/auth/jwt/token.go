package jwt

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt"
)

const (
	// RoomAccessExpiration bounds how long a join response may be used to open the WebSocket.
	RoomAccessExpiration = 15 * time.Minute

	// UserIdentityExpiration defines the duration for durable identity tokens.
	UserIdentityExpiration = 24 * time.Hour

	// TokenIssuer identifies the issuer of the token.
	TokenIssuer = "meetmesh"
)

var (
	ErrWrongKind    = errors.New("token kind mismatch")
	ErrWrongMeeting = errors.New("token issued for another meeting")
)

// GenerateToken creates and signs a new JWT from payload.
func GenerateToken(payload *Payload, secretKey string, duration time.Duration) (string, error) {
	now := time.Now()

	payload.StandardClaims = jwt.StandardClaims{
		ExpiresAt: now.Add(duration).Unix(),
		IssuedAt:  now.Unix(),
		Issuer:    TokenIssuer,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, payload)

	return token.SignedString([]byte(secretKey))
}

// ParseToken parses and validates a JWT string using secretKey.
func ParseToken(tokenString string, secretKey string) (*Payload, error) {
	claims := &Payload{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(secretKey), nil
	})

	if err != nil {
		return nil, err
	}

	if !token.Valid {
		return nil, errors.New("invalid or expired token")
	}

	return claims, nil
}

// IssueRoomAccess signs a room access token for identity in meeting code.
func IssueRoomAccess(secretKey, identity, code, displayName, userType string) (string, error) {
	return GenerateToken(&Payload{
		Kind:        KindRoomAccess,
		ID:          identity,
		Code:        code,
		DisplayName: displayName,
		UserType:    userType,
	}, secretKey, RoomAccessExpiration)
}

// ParseRoomAccess validates a room access token and checks that it was issued for code.
func ParseRoomAccess(tokenString, secretKey, code string) (*Payload, error) {
	payload, err := ParseToken(tokenString, secretKey)
	if err != nil {
		return nil, err
	}
	if payload.Kind != KindRoomAccess {
		return nil, ErrWrongKind
	}
	if payload.Code != code {
		return nil, ErrWrongMeeting
	}
	return payload, nil
}
