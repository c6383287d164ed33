package database

import (
	"time"

	"github.com/camplink/camplink/internal/radio"
	"github.com/stretchr/testify/mock"
)

type MockCamplinkRepository struct {
	mock.Mock
}

func (m *MockCamplinkRepository) Ping() error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockCamplinkRepository) CreateAccount(params CreateAccountParams) (User, error) {
	args := m.Called(params)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockCamplinkRepository) UpdateAccount(params UpdateAccountParams) (User, error) {
	args := m.Called(params)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockCamplinkRepository) GetAccountById(accountId int) (User, error) {
	args := m.Called(accountId)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockCamplinkRepository) GetAccountByEmail(email string) (User, error) {
	args := m.Called(email)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockCamplinkRepository) CreateChannel(params CreateChannelParams) (Channel, error) {
	args := m.Called(params)
	return args.Get(0).(Channel), args.Error(1)
}
func (m *MockCamplinkRepository) GetChannelByExternalId(externalId string) (Channel, error) {
	args := m.Called(externalId)
	return args.Get(0).(Channel), args.Error(1)
}
func (m *MockCamplinkRepository) GetChannelWithSubscribers(channelId int) (*Channel, error) {
	args := m.Called(channelId)
	if channel, ok := args.Get(0).(*Channel); ok {
		return channel, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockCamplinkRepository) ListChannels(accountId int) ([]Channel, error) {
	args := m.Called(accountId)
	return args.Get(0).([]Channel), args.Error(1)
}
func (m *MockCamplinkRepository) DeleteChannel(id int) error {
	args := m.Called(id)
	return args.Error(0)
}
func (m *MockCamplinkRepository) EnsureOfficialChannels(params []CreateChannelParams) error {
	args := m.Called(params)
	return args.Error(0)
}
func (m *MockCamplinkRepository) CreateSubscription(accountId, channelId int) (Subscription, error) {
	args := m.Called(accountId, channelId)
	return args.Get(0).(Subscription), args.Error(1)
}
func (m *MockCamplinkRepository) SubscriptionExists(accountId, channelId int) bool {
	args := m.Called(accountId, channelId)
	return args.Bool(0)
}
func (m *MockCamplinkRepository) ListSubscriptions(accountId int) ([]Subscription, error) {
	args := m.Called(accountId)
	return args.Get(0).([]Subscription), args.Error(1)
}
func (m *MockCamplinkRepository) DeleteSubscription(accountId, channelId int) error {
	args := m.Called(accountId, channelId)
	return args.Error(0)
}
func (m *MockCamplinkRepository) SetSubscriptionMuted(accountId, channelId int, muted bool) error {
	args := m.Called(accountId, channelId, muted)
	return args.Error(0)
}
func (m *MockCamplinkRepository) CreateMessage(msg Message) error {
	args := m.Called(msg)
	return args.Error(0)
}
func (m *MockCamplinkRepository) GetMessage(id string) (Message, error) {
	args := m.Called(id)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockCamplinkRepository) DeleteMessage(id string) error {
	args := m.Called(id)
	return args.Error(0)
}
func (m *MockCamplinkRepository) GetMessages(channelId int, before time.Time, limit int) ([]Message, error) {
	args := m.Called(channelId, before, limit)
	return args.Get(0).([]Message), args.Error(1)
}
func (m *MockCamplinkRepository) EnsureDevices(accountId int) ([]Device, error) {
	args := m.Called(accountId)
	return args.Get(0).([]Device), args.Error(1)
}
func (m *MockCamplinkRepository) UnlockDevice(accountId int, kind string, costs []radio.ResourceCost) error {
	args := m.Called(accountId, kind, costs)
	return args.Error(0)
}
func (m *MockCamplinkRepository) SetCurrentDevice(accountId int, kind string) error {
	args := m.Called(accountId, kind)
	return args.Error(0)
}
func (m *MockCamplinkRepository) QuantityOf(accountId int, resource string) (int, error) {
	args := m.Called(accountId, resource)
	return args.Int(0), args.Error(1)
}
func (m *MockCamplinkRepository) OwnedTerritoryCount(accountId int) (int, error) {
	args := m.Called(accountId)
	return args.Int(0), args.Error(1)
}
