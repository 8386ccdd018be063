/*
Package user defines the participant identity shared by the server and the mesh client.
*/
package user

const (
	// TypeGuest marks an identity minted or supplied without an identity token.
	TypeGuest = "guest"

	// TypeRegistered marks an identity taken from a valid identity token.
	TypeRegistered = "registered"
)

// User is a participant: a stable identity plus the name other participants see.
type User struct {
	// ID is the participant identity (canonical UUID string).
	ID string `json:"identity"`

	// DisplayName is the human-readable label.
	DisplayName string `json:"displayName"`

	// UserType is TypeGuest or TypeRegistered. Not sent on the wire.
	UserType string `json:"-"`
}
