package consign

import (
	"encoding/json"
	"strings"
	"unicode"
)

// Role is the closed set of account kinds the shop application knows about.
type Role int

const (
	RoleUnknown Role = iota
	RoleAdmin
	RoleOwner
	RoleProvider
	RoleCustomer
)

var roleNames = map[Role]string{
	RoleUnknown:  "unknown",
	RoleAdmin:    "admin",
	RoleOwner:    "owner",
	RoleProvider: "provider",
	RoleCustomer: "customer",
}

var roleAliases = map[string]Role{
	"admin":        RoleAdmin,
	"system_admin": RoleAdmin,
	"systemadmin":  RoleAdmin,
	"sys_admin":    RoleAdmin,
	"sysadmin":     RoleAdmin,
	"owner":        RoleOwner,
	"shop_owner":   RoleOwner,
	"shopowner":    RoleOwner,
	"provider":     RoleProvider,
	"consignor":    RoleProvider,
	"customer":     RoleCustomer,
	"client":       RoleCustomer,
	"unknown":      RoleUnknown,
}

// String returns the canonical role name.
func (r Role) String() string {
	if n, ok := roleNames[r]; ok {
		return n
	}
	return roleNames[RoleUnknown]
}

// ParseRole maps a server role string to a Role. Matching is
// case-insensitive, splits camelCase ("ShopOwner" is shop_owner) and treats
// '-' and ' ' like '_'. The bool is false for anything not recognised.
func ParseRole(s string) (Role, bool) {
	key := strings.NewReplacer("-", "_", " ", "_").Replace(snakeCase(strings.TrimSpace(s)))
	r, ok := roleAliases[key]
	return r, ok
}

func snakeCase(s string) string {
	var b strings.Builder
	prevLower := false
	for _, r := range s {
		if unicode.IsUpper(r) && prevLower {
			b.WriteByte('_')
		}
		b.WriteRune(unicode.ToLower(r))
		prevLower = unicode.IsLower(r) || unicode.IsDigit(r)
	}
	return b.String()
}

// MarshalJSON encodes the role as its canonical name.
func (r Role) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

// UnmarshalJSON decodes a role name; unrecognised names become RoleUnknown.
func (r *Role) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, _ := ParseRole(s)
	*r = parsed
	return nil
}

// UnmarshalText lets roles appear in YAML and env configuration.
func (r *Role) UnmarshalText(b []byte) error {
	parsed, ok := ParseRole(string(b))
	if !ok {
		return &AuthError{Op: "parse role", Kind: ErrConfig, Message: "unknown role " + string(b)}
	}
	*r = parsed
	return nil
}

// MarshalText is the inverse of UnmarshalText.
func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}
