package database

import (
	"errors"
	"time"

	"github.com/camplink/camplink/internal/radio"
)

var (
	// ErrInsufficientResources is returned by UnlockDevice when a resource
	// balance dropped below a cost between the caller's check and the
	// transaction.
	ErrInsufficientResources = errors.New("insufficient resources")
	// ErrDeviceNotUnlocked is returned by SetCurrentDevice for a device the
	// account has not unlocked.
	ErrDeviceNotUnlocked = errors.New("device not unlocked")
)

type CamplinkRepository interface {
	Ping() error

	CreateAccount(params CreateAccountParams) (User, error)
	UpdateAccount(params UpdateAccountParams) (User, error)
	GetAccountById(accountId int) (User, error)
	GetAccountByEmail(email string) (User, error)

	CreateChannel(params CreateChannelParams) (Channel, error)
	GetChannelByExternalId(externalId string) (Channel, error)
	GetChannelWithSubscribers(channelId int) (*Channel, error)
	ListChannels(accountId int) ([]Channel, error)
	DeleteChannel(id int) error
	// EnsureOfficialChannels seeds the system broadcast bands. Existing rows
	// are left untouched.
	EnsureOfficialChannels(params []CreateChannelParams) error

	// CreateSubscription is idempotent: subscribing an existing member
	// returns the current row unchanged.
	CreateSubscription(accountId, channelId int) (Subscription, error)
	SubscriptionExists(accountId, channelId int) bool
	ListSubscriptions(accountId int) ([]Subscription, error)
	// DeleteSubscription is idempotent: removing a non-member is a no-op.
	DeleteSubscription(accountId, channelId int) error
	SetSubscriptionMuted(accountId, channelId int, muted bool) error

	CreateMessage(msg Message) error
	GetMessage(id string) (Message, error)
	DeleteMessage(id string) error
	// GetMessages returns up to limit messages created before the given time,
	// ordered oldest to newest.
	GetMessages(channelId int, before time.Time, limit int) ([]Message, error)

	// EnsureDevices lazily creates the default device row for an account and
	// returns all of its device rows.
	EnsureDevices(accountId int) ([]Device, error)
	// UnlockDevice deducts every cost and flips the unlock flag in a single
	// transaction.
	UnlockDevice(accountId int, kind string, costs []radio.ResourceCost) error
	SetCurrentDevice(accountId int, kind string) error

	QuantityOf(accountId int, resource string) (int, error)
	OwnedTerritoryCount(accountId int) (int, error)
}
