// Package identity is the contract to the account system: who a user is,
// whether they are verified, where their organization is.
package identity

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"foodrescue/internal/apperr"
	"foodrescue/internal/geo"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Role is the capability a user holds.
type Role string

const (
	RoleDonor     Role = "donor"
	RoleRecipient Role = "recipient"
)

// Member is an organization account as the core sees it.
type Member struct {
	ID       uuid.UUID  `json:"id" yaml:"id"`
	Name     string     `json:"name" yaml:"name"`
	Email    string     `json:"email" yaml:"email"`
	Role     Role       `json:"role" yaml:"role"`
	Verified bool       `json:"verified" yaml:"verified"`
	Location *geo.Point `json:"location,omitempty" yaml:"location,omitempty"`
	// Watches lists food types the member wants to hear about.
	Watches []string `json:"watches,omitempty" yaml:"watches,omitempty"`
}

// Directory answers capability questions about users.
type Directory interface {
	RoleOf(ctx context.Context, userID uuid.UUID) (Role, error)
	IsVerified(ctx context.Context, userID uuid.UUID) (bool, error)
	// LocationOf returns nil when the user has no registered location.
	LocationOf(ctx context.Context, userID uuid.UUID) (*geo.Point, error)
	// WatchersOf returns the users watching a food type.
	WatchersOf(ctx context.Context, foodType string) ([]uuid.UUID, error)
}

// ErrUnknownUser is returned for ids the directory has never seen.
func ErrUnknownUser(id uuid.UUID) error {
	return apperr.New(apperr.NotFound, "User %s not found", id)
}

// StaticDirectory is an in-memory Directory, typically seeded from YAML.
type StaticDirectory struct {
	mu      sync.RWMutex
	members map[uuid.UUID]Member
}

var _ Directory = (*StaticDirectory)(nil)

// NewStaticDirectory returns a directory holding members.
func NewStaticDirectory(members ...Member) *StaticDirectory {
	d := &StaticDirectory{members: make(map[uuid.UUID]Member, len(members))}
	for _, m := range members {
		d.members[m.ID] = m
	}
	return d
}

type seedFile struct {
	Members []Member `yaml:"members"`
}

// LoadDirectory reads a YAML seed file of the form:
//
//	members:
//	  - id: 7d0c...
//	    role: donor
//	    verified: true
//	    location: {lat: 6.5, lng: 3.4}
func LoadDirectory(path string) (*StaticDirectory, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read identity seed: %w", err)
	}
	var seed seedFile
	if err := yaml.Unmarshal(raw, &seed); err != nil {
		return nil, fmt.Errorf("parse identity seed: %w", err)
	}
	for _, m := range seed.Members {
		if m.Role != RoleDonor && m.Role != RoleRecipient {
			return nil, fmt.Errorf("member %s: unknown role %q", m.ID, m.Role)
		}
	}
	return NewStaticDirectory(seed.Members...), nil
}

// Put adds or replaces a member.
func (d *StaticDirectory) Put(m Member) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.members[m.ID] = m
}

func (d *StaticDirectory) member(id uuid.UUID) (Member, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	m, ok := d.members[id]
	if !ok {
		return Member{}, ErrUnknownUser(id)
	}
	return m, nil
}

func (d *StaticDirectory) RoleOf(ctx context.Context, userID uuid.UUID) (Role, error) {
	m, err := d.member(userID)
	return m.Role, err
}

func (d *StaticDirectory) IsVerified(ctx context.Context, userID uuid.UUID) (bool, error) {
	m, err := d.member(userID)
	return m.Verified, err
}

func (d *StaticDirectory) LocationOf(ctx context.Context, userID uuid.UUID) (*geo.Point, error) {
	m, err := d.member(userID)
	if err != nil || m.Location == nil {
		return nil, err
	}
	loc := *m.Location
	return &loc, nil
}

func (d *StaticDirectory) WatchersOf(ctx context.Context, foodType string) ([]uuid.UUID, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []uuid.UUID
	for id, m := range d.members {
		for _, w := range m.Watches {
			if w == foodType {
				out = append(out, id)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}
