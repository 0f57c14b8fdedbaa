package fake

import (
	"encoding/json"
	"time"

	consign "github.com/chimerakang/consign-go"
)

// Shape selects which of the authentication server's historical response
// layouts a fake emits.
type Shape int

const (
	// ShapeBare: {"token", "expiresAt", "user": {...}}
	ShapeBare Shape = iota
	// ShapeEnvelope: {"success": true, "data": {"token", "expiresAt", "id", "email", ...}}
	ShapeEnvelope
	// ShapeNested: {"data": {"user": {...}, "token", "expiresAt"}}
	ShapeNested
)

// Shapes lists every layout, for table tests.
var Shapes = []Shape{ShapeBare, ShapeEnvelope, ShapeNested}

func (s Shape) String() string {
	switch s {
	case ShapeEnvelope:
		return "envelope"
	case ShapeNested:
		return "nested"
	default:
		return "bare"
	}
}

// Body renders a success response. A nil user produces a credential-only
// body, as refresh endpoints usually return.
func Body(shape Shape, cred consign.Credential, user *consign.UserProfile) []byte {
	creds := map[string]any{
		"token":     cred.Token,
		"expiresAt": cred.ExpiresAt.UTC().Format(time.RFC3339Nano),
	}
	if cred.RefreshToken != "" {
		creds["refreshToken"] = cred.RefreshToken
	}

	var out map[string]any
	switch shape {
	case ShapeEnvelope:
		data := creds
		if user != nil {
			for k, v := range profileFields(*user) {
				data[k] = v
			}
		}
		out = map[string]any{"success": true, "data": data}
	case ShapeNested:
		data := creds
		if user != nil {
			data["user"] = profileFields(*user)
		}
		out = map[string]any{"data": data}
	default:
		out = creds
		if user != nil {
			out["user"] = profileFields(*user)
		}
	}

	b, _ := json.Marshal(out)
	return b
}

// Failure renders the {"success": false} body the server sends with 4xx.
func Failure(message string) []byte {
	b, _ := json.Marshal(map[string]any{"success": false, "message": message})
	return b
}

func profileFields(u consign.UserProfile) map[string]any {
	m := map[string]any{
		"id":    u.ID,
		"email": u.Email,
		"role":  u.Role.String(),
	}
	if u.OrganizationID != "" {
		m["shopId"] = u.OrganizationID
	}
	if u.OrganizationName != "" {
		m["shopName"] = u.OrganizationName
	}
	return m
}
