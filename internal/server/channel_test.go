package server

import (
	"errors"
	"testing"
	"time"

	"github.com/camplink/camplink/internal/database"
	"github.com/camplink/camplink/internal/geo"
	"github.com/camplink/camplink/internal/radio"
	"github.com/camplink/camplink/internal/stats"
	"github.com/camplink/camplink/internal/testutil"
	"github.com/camplink/camplink/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

// newTestChannel builds a channel actor without starting its goroutine. The
// kill timer is armed far in the future so membership changes can touch it.
func newTestChannel(t *testing.T, cs *ChatServer, dbChannel database.Channel) *Channel {
	ch := newChannel(cs, dbChannel)
	ch.killTimer = time.NewTimer(time.Hour)
	t.Cleanup(func() { ch.killTimer.Stop() })
	return ch
}

func newConnectedClient(t *testing.T, cs *ChatServer, ch *Channel, user types.User, kind *radio.Kind) *Client {
	c := NewClient(user, kind, nil, cs, testutil.TestLogger(t), cs.stats)
	ch.addClient(c)
	return c
}

func Test_saveAndBroadcast(t *testing.T) {
	publish := func(c *Client, channelId, content, category string) *ClientMessage {
		return &ClientMessage{
			BaseMessage: BaseMessage{Id: 1, Timestamp: Now()},
			Publish:     &Publish{ChannelId: channelId, Content: content, Category: category},
			UserId:      c.user.Id,
			client:      c,
		}
	}

	t.Run("rejects non-members", func(t *testing.T) {
		db := &database.MockCamplinkRepository{}
		db.On("SubscriptionExists", 1, 10).Return(false).Once()
		defer db.AssertExpectations(t)

		cs := newTestChatServer(t, db, &stats.MockStatsUpdater{})
		ch := newTestChannel(t, cs, database.Channel{Id: 10, ExternalId: "chan-1"})
		c := newConnectedClient(t, cs, ch, types.User{Id: 1, Username: "alpha"}, nil)

		ch.saveAndBroadcast(publish(c, "chan-1", "breaker breaker", ""))

		select {
		case msg := <-c.send:
			assert.Equal(t, 403, msg.Response.ResponseCode, "expected non-member transmit to be forbidden")
			assert.Equal(t, "not subscribed to channel", msg.Response.Error)
		default:
			t.Error("expected a response, but none was sent")
		}
	})

	t.Run("rejects receive-only devices", func(t *testing.T) {
		db := &database.MockCamplinkRepository{}
		db.On("SubscriptionExists", 1, 10).Return(true).Once()
		defer db.AssertExpectations(t)

		cs := newTestChatServer(t, db, &stats.MockStatsUpdater{})
		ch := newTestChannel(t, cs, database.Channel{Id: 10, ExternalId: "chan-1"})
		receiver := radio.KindReceiver
		c := newConnectedClient(t, cs, ch, types.User{Id: 1, Username: "alpha"}, &receiver)

		ch.saveAndBroadcast(publish(c, "chan-1", "breaker breaker", ""))

		select {
		case msg := <-c.send:
			assert.Equal(t, 403, msg.Response.ResponseCode, "expected receive-only transmit to be forbidden")
			assert.Equal(t, "device cannot transmit", msg.Response.Error)
		default:
			t.Error("expected a response, but none was sent")
		}
		db.AssertNotCalled(t, "CreateMessage", mock.Anything)
	})

	t.Run("rejects categories outside official channels", func(t *testing.T) {
		db := &database.MockCamplinkRepository{}
		db.On("SubscriptionExists", 1, 10).Return(true).Once()
		defer db.AssertExpectations(t)

		cs := newTestChatServer(t, db, &stats.MockStatsUpdater{})
		ch := newTestChannel(t, cs, database.Channel{
			Id: 10, ExternalId: "chan-1", ChannelType: string(types.ChannelPublic),
		})
		c := newConnectedClient(t, cs, ch, types.User{Id: 1, Username: "alpha"}, nil)

		ch.saveAndBroadcast(publish(c, "chan-1", "storm inbound", "weather"))

		select {
		case msg := <-c.send:
			assert.Equal(t, 400, msg.Response.ResponseCode, "expected category on public channel to be rejected")
		default:
			t.Error("expected a response, but none was sent")
		}
		db.AssertNotCalled(t, "CreateMessage", mock.Anything)
	})

	t.Run("rejects unknown categories", func(t *testing.T) {
		db := &database.MockCamplinkRepository{}
		db.On("SubscriptionExists", 1, 10).Return(true).Once()
		defer db.AssertExpectations(t)

		cs := newTestChatServer(t, db, &stats.MockStatsUpdater{})
		ch := newTestChannel(t, cs, database.Channel{
			Id: 10, ExternalId: "chan-1", ChannelType: string(types.ChannelOfficial),
		})
		c := newConnectedClient(t, cs, ch, types.User{Id: 1, Username: "alpha"}, nil)

		ch.saveAndBroadcast(publish(c, "chan-1", "storm inbound", "gossip"))

		select {
		case msg := <-c.send:
			assert.Equal(t, 400, msg.Response.ResponseCode, "expected unknown category to be rejected")
		default:
			t.Error("expected a response, but none was sent")
		}
	})

	t.Run("does not broadcast when persistence fails", func(t *testing.T) {
		db := &database.MockCamplinkRepository{}
		db.On("SubscriptionExists", 1, 10).Return(true).Once()
		db.On("CreateMessage", mock.Anything).Return(errors.New("db down")).Once()
		defer db.AssertExpectations(t)

		cs := newTestChatServer(t, db, &stats.MockStatsUpdater{})
		ch := newTestChannel(t, cs, database.Channel{Id: 10, ExternalId: "chan-1"})
		sender := newConnectedClient(t, cs, ch, types.User{Id: 1, Username: "alpha"}, nil)
		listener := newConnectedClient(t, cs, ch, types.User{Id: 2, Username: "bravo"}, nil)

		ch.saveAndBroadcast(publish(sender, "chan-1", "breaker breaker", ""))

		select {
		case msg := <-sender.send:
			assert.Equal(t, 500, msg.Response.ResponseCode, "expected internal error response")
		default:
			t.Error("expected a response, but none was sent")
		}
		assert.Empty(t, listener.send, "expected no fan-out for an unpersisted message")
	})

	t.Run("persists and fans out", func(t *testing.T) {
		handheld := radio.KindHandheld

		db := &database.MockCamplinkRepository{}
		db.On("SubscriptionExists", 1, 10).Return(true).Once()
		var saved database.Message
		db.On("CreateMessage", mock.AnythingOfType("database.Message")).
			Run(func(args mock.Arguments) { saved = args.Get(0).(database.Message) }).
			Return(nil).Once()
		defer db.AssertExpectations(t)

		su := &stats.MockStatsUpdater{}
		su.On("Incr", "TotalMessages").Once()
		defer su.AssertExpectations(t)

		cs := newTestChatServer(t, db, su)
		ch := newTestChannel(t, cs, database.Channel{Id: 10, ExternalId: "chan-1"})

		sender := newConnectedClient(t, cs, ch, types.User{Id: 1, Username: "alpha", Callsign: "KD2ABC"}, &handheld)
		sender.setLocation(geo.Coordinate{Lat: 44.26, Lon: -71.3})
		// nearby listener with no radio state, admitted unconditionally
		listener := newConnectedClient(t, cs, ch, types.User{Id: 2, Username: "bravo"}, nil)

		ch.saveAndBroadcast(publish(sender, "chan-1", "breaker breaker", ""))

		assert.NotEmpty(t, saved.Id, "expected a generated message id")
		assert.Equal(t, 10, saved.ChannelId, "expected internal channel id on the row")
		assert.Equal(t, "KD2ABC", saved.Callsign, "expected sender callsign on the row")
		assert.Equal(t, "handheld", *saved.DeviceKind, "expected sender device kind on the row")
		assert.Equal(t, 44.26, *saved.SenderLat, "expected sender latitude on the row")

		select {
		case msg := <-sender.send:
			assert.Equal(t, 202, msg.Response.ResponseCode, "expected transmission to be accepted")
		default:
			t.Error("expected an ack, but none was sent")
		}

		// the sender is also a connected member and hears its own transmission
		assert.Len(t, sender.send, 1, "expected the transmission to reach the sender's connection")
		select {
		case msg := <-listener.send:
			assert.NotNil(t, msg.Message, "expected a transmission")
			assert.Equal(t, saved.Id, msg.Message.Id, "expected fanned-out id to match the stored row")
			assert.Equal(t, "chan-1", msg.Message.ChannelId, "expected external channel id on the wire")
			assert.Equal(t, "breaker breaker", msg.Message.Content)
			assert.Equal(t, handheld, *msg.Message.DeviceKind, "expected sender device kind on the wire")
		default:
			t.Error("expected the transmission to be fanned out, but it was not")
		}
	})

	t.Run("callsign falls back to placeholder", func(t *testing.T) {
		db := &database.MockCamplinkRepository{}
		db.On("SubscriptionExists", 1, 10).Return(true).Once()
		var saved database.Message
		db.On("CreateMessage", mock.AnythingOfType("database.Message")).
			Run(func(args mock.Arguments) { saved = args.Get(0).(database.Message) }).
			Return(nil).Once()
		defer db.AssertExpectations(t)

		su := &stats.MockStatsUpdater{}
		su.On("Incr", "TotalMessages").Once()

		cs := newTestChatServer(t, db, su)
		ch := newTestChannel(t, cs, database.Channel{Id: 10, ExternalId: "chan-1"})
		sender := newConnectedClient(t, cs, ch, types.User{Id: 1, Username: "alpha"}, nil)

		ch.saveAndBroadcast(publish(sender, "chan-1", "breaker breaker", ""))

		assert.Equal(t, types.DefaultCallsign, saved.Callsign, "expected placeholder callsign on the row")
	})
}

func Test_handleLeave(t *testing.T) {
	t.Run("unsubscribe removes all of the user's connections", func(t *testing.T) {
		db := &database.MockCamplinkRepository{}
		db.On("DeleteSubscription", 1, 10).Return(nil).Once()
		defer db.AssertExpectations(t)

		cs := newTestChatServer(t, db, &stats.MockStatsUpdater{})
		ch := newTestChannel(t, cs, database.Channel{Id: 10, ExternalId: "chan-1"})
		ch.subscribers = []types.User{{Id: 1, Username: "alpha"}, {Id: 2, Username: "bravo"}}

		c1 := newConnectedClient(t, cs, ch, types.User{Id: 1, Username: "alpha"}, nil)
		c2 := newConnectedClient(t, cs, ch, types.User{Id: 1, Username: "alpha"}, nil)
		other := newConnectedClient(t, cs, ch, types.User{Id: 2, Username: "bravo"}, nil)

		ch.handleLeave(&ClientMessage{
			BaseMessage: BaseMessage{Id: 1, Timestamp: Now()},
			Leave:       &Leave{ChannelId: "chan-1", Unsubscribe: true},
			UserId:      1,
			client:      c1,
		})

		assert.Nil(t, c1.getChannel("chan-1"), "expected first connection to be detached")
		assert.Nil(t, c2.getChannel("chan-1"), "expected second connection to be detached")
		assert.NotNil(t, other.getChannel("chan-1"), "expected other users to stay attached")
		assert.Len(t, ch.subscribers, 1, "expected the subscriber list to shrink")
		assert.Equal(t, 2, ch.subscribers[0].Id, "expected the remaining subscriber to be the other user")

		// ack to the requester
		select {
		case msg := <-c1.send:
			assert.Equal(t, 200, msg.Response.ResponseCode, "expected unsubscribe to be acknowledged")
		default:
			t.Error("expected an ack, but none was sent")
		}

		// remaining member hears about the departure
		select {
		case msg := <-other.send:
			assert.NotNil(t, msg.Notification, "expected a notification")
			change := msg.Notification.SubscriptionChange
			assert.NotNil(t, change, "expected a subscription change")
			assert.False(t, change.Subscribed, "expected an unsubscribe notification")
			assert.Equal(t, 1, change.User.Id, "expected the departing user in the notification")
		default:
			t.Error("expected a subscription change broadcast, but none was sent")
		}
	})

	t.Run("plain leave keeps the subscription", func(t *testing.T) {
		db := &database.MockCamplinkRepository{}
		defer db.AssertExpectations(t)

		cs := newTestChatServer(t, db, &stats.MockStatsUpdater{})
		ch := newTestChannel(t, cs, database.Channel{Id: 10, ExternalId: "chan-1"})
		ch.subscribers = []types.User{{Id: 1, Username: "alpha"}}

		c := newConnectedClient(t, cs, ch, types.User{Id: 1, Username: "alpha"}, nil)

		ch.handleLeave(&ClientMessage{
			BaseMessage: BaseMessage{Id: 1, Timestamp: Now()},
			Leave:       &Leave{ChannelId: "chan-1"},
			UserId:      1,
			client:      c,
		})

		assert.Nil(t, c.getChannel("chan-1"), "expected the connection to be detached")
		assert.Len(t, ch.subscribers, 1, "expected the subscription to survive a plain leave")
		db.AssertNotCalled(t, "DeleteSubscription", mock.Anything, mock.Anything)
	})
}

func Test_removeClient_armsKillTimer(t *testing.T) {
	cs := newTestChatServer(t, &database.MockCamplinkRepository{}, &stats.MockStatsUpdater{})
	ch := newChannel(cs, database.Channel{Id: 10, ExternalId: "chan-1"})
	ch.killTimer = time.NewTimer(time.Hour)
	defer ch.killTimer.Stop()

	c := newConnectedClient(t, cs, ch, types.User{Id: 1, Username: "alpha"}, nil)
	ch.killTimer.Reset(time.Hour)
	ch.removeClient(c)

	assert.Empty(t, ch.clients, "expected no clients after removal")
	// removing an unknown client is a no-op
	ch.removeClient(c)
}

func Test_handleChannelExit_notifiesOnDelete(t *testing.T) {
	cs := newTestChatServer(t, &database.MockCamplinkRepository{}, &stats.MockStatsUpdater{})
	ch := newTestChannel(t, cs, database.Channel{Id: 10, ExternalId: "chan-1"})

	c := newConnectedClient(t, cs, ch, types.User{Id: 1, Username: "alpha"}, nil)

	done := make(chan bool, 1)
	ch.handleChannelExit(exitReq{deleted: true, done: done})

	select {
	case msg := <-c.send:
		assert.NotNil(t, msg.Notification, "expected a notification")
		assert.NotNil(t, msg.Notification.ChannelDeleted, "expected a channel deleted notice")
		assert.Equal(t, "chan-1", msg.Notification.ChannelDeleted.ChannelId)
	default:
		t.Error("expected a channel deleted notice, but none was sent")
	}

	assert.Nil(t, c.getChannel("chan-1"), "expected clients to be detached on exit")
	assert.True(t, <-done, "expected exit to be acknowledged")

	select {
	case <-ch.done:
	default:
		t.Error("expected done channel to be closed")
	}
}
