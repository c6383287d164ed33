package database

import "time"

type Channel struct {
	Id            int
	ExternalId    string
	ChannelType   string
	Name          string
	Description   string
	IsActive      bool
	MemberCount   int
	AnchorLat     *float64
	AnchorLon     *float64
	OwnerId       int
	CreatedAt     time.Time
	UpdatedAt     time.Time
	Subscriptions []Subscription
}

type User struct {
	Id           int
	Username     string
	Callsign     string
	EmailAddress string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Subscription struct {
	Id        int
	AccountId int
	Username  string
	Callsign  string
	ChannelId int
	Muted     bool
	Channel   Channel
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Message rows are immutable once written. AccountId is nil when the sender's
// account was removed after the fact; DeviceKind, SenderLat/SenderLon and
// Category are nil when absent.
type Message struct {
	Id         string
	ChannelId  int
	AccountId  *int
	Callsign   string
	Content    string
	SenderLat  *float64
	SenderLon  *float64
	DeviceKind *string
	Category   *string
	CreatedAt  time.Time
}

type Device struct {
	Id         int
	AccountId  int
	Kind       string
	IsUnlocked bool
	IsCurrent  bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type CreateAccountParams struct {
	Username     string
	Callsign     string
	EmailAddress string
	PasswordHash string
}

type UpdateAccountParams struct {
	UserId       int
	Username     string
	Callsign     string
	PasswordHash string
}

type CreateChannelParams struct {
	ExternalId  string
	ChannelType string
	Name        string
	Description string
	OwnerId     int
	AnchorLat   *float64
	AnchorLon   *float64
}
