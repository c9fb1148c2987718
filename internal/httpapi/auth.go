package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"backendd/internal/config"
	"backendd/internal/permissions"
)

// UserHeader carries the caller name. Requests without it act as the
// anonymous caller.
const UserHeader = "X-User"

var errUnknownUser = errors.New("unknown user")

var (
	users     = map[string]permissions.Caller{}
	anonymous = permissions.Anonymous
)

// SetUsers installs the known callers. Call before serving.
func SetUsers(us []config.User, anonymousTier string) error {
	m := make(map[string]permissions.Caller, len(us))
	for _, u := range us {
		name := strings.TrimSpace(u.Name)
		if name == "" {
			return fmt.Errorf("user with empty name")
		}
		tier, err := permissions.ParseTier(u.Tier)
		if err != nil {
			return fmt.Errorf("user %s: %w", name, err)
		}
		m[name] = permissions.Caller{Name: name, Tier: tier, Grant: u.Grant, Deny: u.Deny}
	}
	anon := permissions.Anonymous
	if anonymousTier != "" {
		tier, err := permissions.ParseTier(anonymousTier)
		if err != nil {
			return fmt.Errorf("anonymous tier: %w", err)
		}
		anon.Tier = tier
	}
	users = m
	anonymous = anon
	return nil
}

func callerFrom(r *http.Request) (permissions.Caller, error) {
	name := strings.TrimSpace(r.Header.Get(UserHeader))
	if name == "" {
		return anonymous, nil
	}
	c, ok := users[name]
	if !ok {
		return permissions.Caller{}, fmt.Errorf("%w: %s", errUnknownUser, name)
	}
	return c, nil
}
