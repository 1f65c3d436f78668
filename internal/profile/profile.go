// Package profile stores application-side user profiles keyed by the
// identity provider's durable id.
package profile

import (
	"errors"
	"time"
)

// ErrNotFound is returned when no profile matches the durable id.
var ErrNotFound = errors.New("profile: not found")

// Profile is the local record of a registered user. Credentials live with
// the identity provider only.
type Profile struct {
	DurableID string    `db:"durable_id" json:"durable_id"`
	Username  string    `db:"username" json:"username"`
	Email     string    `db:"email" json:"email"`
	AvatarURL *string   `db:"avatar_url" json:"avatar_url,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
