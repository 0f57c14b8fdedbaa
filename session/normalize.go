package session

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	consign "github.com/chimerakang/consign-go"
)

// Result is the canonical content of an authentication server response.
// User is nil when the server sent only a credential (typical for refresh).
type Result struct {
	Credential consign.Credential
	User       *consign.UserProfile

	// RoleFallback is set when User.Role came from the fallback; RawRole is
	// what the server sent, possibly empty.
	RoleFallback bool
	RawRole      string
}

// Normalize extracts a credential and profile from any of the response
// shapes the server has used over time:
//
//	{"token": ..., "expiresAt": ..., "user": {...}}                  bare
//	{"success": true, "data": {"token": ..., "email": ...}}          envelope
//	{"data": {"user": {...}, "token": ...}}                          nested
//
// It has no side effects. A body without a token or a future expiry fails
// with consign.ErrMalformedResponse; {"success": false} fails with
// consign.ErrAuthRejected carrying the server message. Unrecognised roles
// become fallback.
func Normalize(body []byte, now time.Time, fallback consign.Role) (*Result, error) {
	var top map[string]any
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&top); err != nil || top == nil {
		return nil, malformed("response is not a JSON object")
	}

	payload := top
	if s, ok := top["success"]; ok {
		if succeeded, _ := s.(bool); !succeeded {
			msg := firstString(top, "message", "error")
			return nil, &consign.AuthError{Op: "normalize", Kind: consign.ErrAuthRejected, Message: msg}
		}
	}
	if data, ok := top["data"].(map[string]any); ok {
		payload = data
	}

	// The profile lives under "user" when present, otherwise inline.
	profileSrc := payload
	nested, hasUser := payload["user"].(map[string]any)
	if hasUser {
		profileSrc = nested
	}
	lookup := func(keys ...string) string {
		if v := firstString(payload, keys...); v != "" {
			return v
		}
		if hasUser {
			return firstString(nested, keys...)
		}
		return ""
	}

	token := lookup("token", "accessToken", "access_token")
	if token == "" {
		return nil, malformed("missing token")
	}

	expiresAt, err := expiry(payload, now)
	if err == nil && expiresAt.IsZero() && hasUser {
		expiresAt, err = expiry(nested, now)
	}
	if err != nil {
		return nil, malformed(err.Error())
	}
	if expiresAt.IsZero() {
		return nil, malformed("missing expiry")
	}
	if !now.Before(expiresAt) {
		return nil, malformed("credential already expired")
	}

	res := &Result{
		Credential: consign.Credential{
			Token:        token,
			ExpiresAt:    expiresAt,
			RefreshToken: lookup("refreshToken", "refresh_token"),
		},
	}

	id := firstString(profileSrc, "id", "_id", "userId", "user_id")
	email := firstString(profileSrc, "email")
	if id != "" || email != "" {
		raw := firstString(profileSrc, "role", "userRole", "user_role")
		role, ok := consign.ParseRole(raw)
		if !ok {
			role = fallback
			res.RoleFallback = true
			res.RawRole = raw
		}
		res.User = &consign.UserProfile{
			ID:               id,
			Email:            email,
			Role:             role,
			OrganizationID:   firstString(profileSrc, "shopId", "shop_id", "organizationId", "organization_id", "orgId"),
			OrganizationName: firstString(profileSrc, "shopName", "shop_name", "organizationName", "organization_name"),
		}
	}
	return res, nil
}

func malformed(msg string) error {
	return &consign.AuthError{Op: "normalize", Kind: consign.ErrMalformedResponse, Message: msg}
}

// expiry reads an absolute instant or a relative lifetime. A zero time with
// nil error means neither was present.
func expiry(m map[string]any, now time.Time) (time.Time, error) {
	for _, k := range []string{"expiresAt", "expires_at", "expiry", "expiration"} {
		v, ok := m[k]
		if !ok || v == nil {
			continue
		}
		switch x := v.(type) {
		case string:
			if strings.TrimSpace(x) == "" || x == "undefined" {
				continue
			}
			t, err := time.Parse(time.RFC3339Nano, x)
			if err != nil {
				return time.Time{}, fmt.Errorf("%s %q is not an ISO-8601 instant", k, x)
			}
			return t, nil
		case json.Number:
			// Epoch seconds, or milliseconds from JavaScript clients.
			n, err := x.Int64()
			if err != nil {
				return time.Time{}, fmt.Errorf("%s %q is not an integer timestamp", k, x)
			}
			if n > 1e12 {
				return time.UnixMilli(n), nil
			}
			return time.Unix(n, 0), nil
		default:
			return time.Time{}, fmt.Errorf("%s has unsupported type %T", k, v)
		}
	}

	for _, k := range []string{"expiresIn", "expires_in"} {
		v, ok := m[k]
		if !ok || v == nil {
			continue
		}
		var secs float64
		switch x := v.(type) {
		case json.Number:
			f, err := x.Float64()
			if err != nil {
				return time.Time{}, fmt.Errorf("%s %q is not a number", k, x)
			}
			secs = f
		case string:
			f, err := strconv.ParseFloat(x, 64)
			if err != nil {
				return time.Time{}, fmt.Errorf("%s %q is not a number", k, x)
			}
			secs = f
		default:
			return time.Time{}, fmt.Errorf("%s has unsupported type %T", k, v)
		}
		return now.Add(time.Duration(secs * float64(time.Second))), nil
	}
	return time.Time{}, nil
}

// firstString returns the first non-empty string (or number) value among keys.
func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" && s != "undefined" {
				return s
			}
		case json.Number:
			return v.String()
		}
	}
	return ""
}
