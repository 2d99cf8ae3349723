// Package authz turns token abilities into the capability set core operations consume.
package authz

import "strings"

// Ability names accepted on api tokens.
const (
	AbilityRoot          = "root"
	AbilityRead          = "read"
	AbilityWrite         = "write"
	AbilityDeploy        = "deploy"
	AbilityReadSensitive = "read:sensitive"
)

var known = map[string]struct{}{
	AbilityRoot:          {},
	AbilityRead:          {},
	AbilityWrite:         {},
	AbilityDeploy:        {},
	AbilityReadSensitive: {},
}

// Capabilities is evaluated once per request and passed into every core call.
type Capabilities struct {
	TeamID           string
	TokenID          string
	CanRead          bool
	CanWrite         bool
	CanDeploy        bool
	CanReadSensitive bool
}

// FromAbilities evaluates an ability list. root implies all, write implies read.
func FromAbilities(teamID, tokenID string, abilities []string) Capabilities {
	caps := Capabilities{TeamID: teamID, TokenID: tokenID}
	for _, raw := range abilities {
		switch strings.TrimSpace(strings.ToLower(raw)) {
		case AbilityRoot:
			caps.CanRead, caps.CanWrite, caps.CanDeploy, caps.CanReadSensitive = true, true, true, true
		case AbilityWrite:
			caps.CanWrite, caps.CanRead = true, true
		case AbilityRead:
			caps.CanRead = true
		case AbilityDeploy:
			caps.CanDeploy = true
		case AbilityReadSensitive:
			caps.CanReadSensitive = true
		}
	}
	return caps
}

// Allows reports whether the capability set grants ability.
func (c Capabilities) Allows(ability string) bool {
	switch ability {
	case AbilityRead:
		return c.CanRead
	case AbilityWrite:
		return c.CanWrite
	case AbilityDeploy:
		return c.CanDeploy
	case AbilityReadSensitive:
		return c.CanReadSensitive
	case AbilityRoot:
		return c.CanRead && c.CanWrite && c.CanDeploy && c.CanReadSensitive
	}
	return false
}

// NormalizeAbilities lowercases, de-duplicates and validates a list. Unknown entries are returned separately.
func NormalizeAbilities(abilities []string) (valid []string, unknown []string) {
	seen := make(map[string]struct{}, len(abilities))
	for _, raw := range abilities {
		ability := strings.TrimSpace(strings.ToLower(raw))
		if ability == "" {
			continue
		}
		if _, ok := known[ability]; !ok {
			unknown = append(unknown, raw)
			continue
		}
		if _, dup := seen[ability]; dup {
			continue
		}
		seen[ability] = struct{}{}
		valid = append(valid, ability)
	}
	return valid, unknown
}
