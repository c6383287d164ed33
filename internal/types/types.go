package types

import (
	"time"

	"github.com/camplink/camplink/internal/geo"
	"github.com/camplink/camplink/internal/radio"
)

// ChannelType is the closed vocabulary of channel categories.
type ChannelType string

const (
	// ChannelOfficial channels are system-seeded broadcast bands. No user
	// can delete them.
	ChannelOfficial ChannelType = "official"
	ChannelPublic   ChannelType = "public"
	// ChannelWalkie channels carry a frequency-like code.
	ChannelWalkie    ChannelType = "walkie"
	ChannelCamp      ChannelType = "camp"
	ChannelSatellite ChannelType = "satellite"
)

// ValidChannelType reports whether t is one of the known channel types.
func ValidChannelType(t ChannelType) bool {
	switch t {
	case ChannelOfficial, ChannelPublic, ChannelWalkie, ChannelCamp, ChannelSatellite:
		return true
	}
	return false
}

// BroadcastCategories is the closed set of categories allowed on official
// channel transmissions.
var BroadcastCategories = []string{"alert", "weather", "event", "system"}

// ValidBroadcastCategory reports whether c is a known broadcast category.
func ValidBroadcastCategory(c string) bool {
	for _, known := range BroadcastCategories {
		if c == known {
			return true
		}
	}
	return false
}

// DefaultCallsign is shown on transmissions from users who never configured one.
const DefaultCallsign = "UNKNOWN"

type User struct {
	Id           int       `json:"id"`
	Username     string    `json:"username"`
	Callsign     string    `json:"callsign,omitempty"`
	EmailAddress string    `json:"email_address,omitempty"`
	Password     string    `json:"-"`
	CreatedAt    time.Time `json:"created_at,omitempty"`
	UpdatedAt    time.Time `json:"updated_at,omitempty"`
}

// DisplayCallsign returns the user's callsign, falling back to the
// placeholder when never configured.
func (u User) DisplayCallsign() string {
	if u.Callsign == "" {
		return DefaultCallsign
	}
	return u.Callsign
}

type Channel struct {
	Id          int         `json:"id"`
	ExternalId  string      `json:"external_id"`
	Type        ChannelType `json:"type"`
	Name        string      `json:"name"`
	Description string      `json:"description"`
	IsActive    bool        `json:"is_active"`
	// MemberCount is advisory, a UI hint only. It is never consulted for
	// access control.
	MemberCount int             `json:"member_count"`
	Anchor      *geo.Coordinate `json:"anchor,omitempty"`
	OwnerId     int             `json:"owner_id"`
	Subscribers []User          `json:"subscribers,omitempty"`
	CreatedAt   time.Time       `json:"created_at,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at,omitempty"`
}

type Subscription struct {
	Id        int       `json:"id"`
	User      User      `json:"user"`
	Channel   Channel   `json:"channel"`
	Muted     bool      `json:"muted"`
	CreatedAt time.Time `json:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// Message is a transmission as exposed to clients. SenderId is nil when the
// sending account was later removed; DeviceKind and Location are nil for
// legacy data or when unavailable at send time.
type Message struct {
	Id         string          `json:"id"`
	ChannelId  string          `json:"channel_id"`
	SenderId   *int            `json:"sender_id,omitempty"`
	Callsign   string          `json:"callsign"`
	Content    string          `json:"content"`
	Location   *geo.Coordinate `json:"location,omitempty"`
	DeviceKind *radio.Kind     `json:"device_kind,omitempty"`
	Category   *string         `json:"category,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// DeviceState is a user's standing with one device kind, merged with the
// registry spec for display.
type DeviceState struct {
	Spec       radio.Spec `json:"spec"`
	IsUnlocked bool       `json:"is_unlocked"`
	IsCurrent  bool       `json:"is_current"`
}
