// Package permissions is the registry of capability flags consulted before
// administrative backend operations. Keys are registered once, usually from
// package init, and can never be replaced or removed.
package permissions

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Tier is the default access level a key is granted to.
type Tier int

const (
	TierNobody Tier = iota
	TierAdmin
	TierPowerUser
	TierUser
	TierGuest
)

var tierNames = map[Tier]string{
	TierNobody:    "nobody",
	TierAdmin:     "admin",
	TierPowerUser: "poweruser",
	TierUser:      "user",
	TierGuest:     "guest",
}

func (t Tier) String() string {
	if s, ok := tierNames[t]; ok {
		return s
	}
	return fmt.Sprintf("tier(%d)", int(t))
}

// ParseTier converts a tier name. Empty means guest.
func ParseTier(s string) (Tier, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return TierGuest, nil
	}
	for t, name := range tierNames {
		if name == s {
			return t, nil
		}
	}
	return TierNobody, fmt.Errorf("unknown permission tier %q", s)
}

// Includes reports whether a caller at tier t holds keys defaulting to def.
// Lower tiers are more privileged; nobody-keys need an explicit grant.
func (t Tier) Includes(def Tier) bool {
	if def == TierNobody || t == TierNobody {
		return false
	}
	return t <= def
}

// Group collects related keys for display.
type Group struct {
	ID          string
	DisplayName string
	Description string
}

// Key is one registered capability flag.
type Key struct {
	ID          string
	DisplayName string
	Description string
	Default     Tier
	Group       *Group
}

// Registry is an append-only set of keys.
type Registry struct {
	mu    sync.RWMutex
	keys  map[string]Key
	order []string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry { return &Registry{keys: make(map[string]Key)} }

// Register adds k. Registering an existing id is an error, never an overwrite.
func (r *Registry) Register(k Key) (Key, error) {
	if strings.TrimSpace(k.ID) == "" {
		return Key{}, fmt.Errorf("permission key id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.keys[k.ID]; ok {
		return Key{}, fmt.Errorf("permission key %q already registered", k.ID)
	}
	r.keys[k.ID] = k
	r.order = append(r.order, k.ID)
	return k, nil
}

// MustRegister is Register for package init; it panics on duplicates.
func (r *Registry) MustRegister(k Key) Key {
	k, err := r.Register(k)
	if err != nil {
		panic(err)
	}
	return k
}

// Get looks up a key by id.
func (r *Registry) Get(id string) (Key, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.keys[id]
	return k, ok
}

// All returns every key in registration order.
func (r *Registry) All() []Key {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Key, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.keys[id])
	}
	return out
}

// Caller is the identity an operation is performed for.
type Caller struct {
	Name  string
	Tier  Tier
	Grant []string
	Deny  []string
}

// Anonymous is the caller used when no identity was supplied.
var Anonymous = Caller{Name: "anonymous", Tier: TierGuest}

// Has reports whether c holds key id. Explicit denies win over grants, grants
// win over tier defaults; unknown keys are never held.
func (r *Registry) Has(c Caller, id string) bool {
	k, ok := r.Get(id)
	if !ok {
		return false
	}
	for _, d := range c.Deny {
		if d == id {
			return false
		}
	}
	for _, g := range c.Grant {
		if g == id || g == "*" {
			return true
		}
	}
	return c.Tier.Includes(k.Default)
}

// Check is Has returning an error suitable for callers.
func (r *Registry) Check(c Caller, id string) error {
	if r.Has(c, id) {
		return nil
	}
	return &DeniedError{Caller: c.Name, Key: id}
}

// DeniedError reports a missing capability.
type DeniedError struct {
	Caller string
	Key    string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("permission %q denied for %s", e.Key, e.Caller)
}

// Sorted returns ids in lexical order, for stable listings.
func Sorted(keys []Key) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k.ID
	}
	sort.Strings(out)
	return out
}
