package domain

import "time"

// ResourceKind distinguishes deployable resource types.
type ResourceKind string

const (
	KindApplication ResourceKind = "application"
	KindService     ResourceKind = "service"
	KindDatabase    ResourceKind = "database"
)

// Valid reports whether k is a known kind.
func (k ResourceKind) Valid() bool {
	switch k {
	case KindApplication, KindService, KindDatabase:
		return true
	}
	return false
}

// Resource is any deployable application, service or database.
type Resource struct {
	ID        string
	UUID      string
	TeamID    string
	Kind      ResourceKind
	Name      string
	ServerID  string
	CreatedAt time.Time
}

// Deployable reports whether the resource has a server to run on.
func (r Resource) Deployable() bool {
	return r.ServerID != ""
}

// Tag groups resources of a team under a name.
type Tag struct {
	ID     string
	TeamID string
	Name   string
}

// APIToken is the persisted half of a bearer credential.
type APIToken struct {
	ID        string
	TeamID    string
	Name      string
	Abilities []string
	CreatedAt time.Time
	RevokedAt *time.Time
}

// ResourceWebhook stores the encrypted git webhook secret of a resource.
type ResourceWebhook struct {
	ResourceID string
	Secret     []byte
	UpdatedAt  time.Time
}
