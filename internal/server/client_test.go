package server

import (
	"fmt"
	"testing"
	"time"

	"github.com/camplink/camplink/internal/database"
	"github.com/camplink/camplink/internal/geo"
	"github.com/camplink/camplink/internal/radio"
	"github.com/camplink/camplink/internal/stats"
	"github.com/camplink/camplink/internal/testutil"
	"github.com/camplink/camplink/internal/types"
	"github.com/stretchr/testify/assert"
)

func Test_queueMessage(t *testing.T) {
	t.Run("successful queue", func(t *testing.T) {
		c := &Client{
			send: make(chan *ServerMessage, 1),
			log:  testutil.TestLogger(t),
		}

		res := c.queueMessage(&ServerMessage{})
		assert.True(t, res, "expected queueMessage to return true when channel is not full")

		select {
		case msg := <-c.send:
			assert.NotNil(t, msg, "expected a message to be sent to the client")
		default:
			t.Error("expected a message to be sent to the client, but none was sent")
		}
	})
	t.Run("channel full", func(t *testing.T) {
		c := &Client{
			send: make(chan *ServerMessage, 1),
			log:  testutil.TestLogger(t),
		}

		c.send <- &ServerMessage{} // Pre-fill the send channel to simulate a full channel
		res := c.queueMessage(&ServerMessage{})
		assert.False(t, res, "expected queueMessage to return false when channel is full")
	})
}

func Test_queueTransmission(t *testing.T) {
	newRecipient := func(t *testing.T, su stats.StatsProvider) (*Client, *Channel) {
		c := NewClient(types.User{Id: 2, Username: "listener"}, nil, nil, nil, testutil.TestLogger(t), su)
		ch := &Channel{externalId: "chan-1"}
		c.addChannel(ch)
		return c, ch
	}

	transmission := func(id string) *ServerMessage {
		return &ServerMessage{
			BaseMessage: BaseMessage{Timestamp: Now()},
			Message: &types.Message{
				Id:        id,
				ChannelId: "chan-1",
				Content:   "anyone out there",
			},
		}
	}

	t.Run("delivered when admitted", func(t *testing.T) {
		c, _ := newRecipient(t, &stats.MockStatsUpdater{})

		res := c.queueTransmission(transmission("msg-1"))
		assert.True(t, res, "expected transmission to be delivered")
		assert.Len(t, c.send, 1, "expected one message queued")
	})

	t.Run("dropped after leaving channel", func(t *testing.T) {
		c, ch := newRecipient(t, &stats.MockStatsUpdater{})
		c.delChannel(ch.externalId)

		res := c.queueTransmission(transmission("msg-1"))
		assert.False(t, res, "expected transmission for a left channel to be dropped")
		assert.Empty(t, c.send, "expected no message queued")
	})

	t.Run("duplicate ids delivered once", func(t *testing.T) {
		c, _ := newRecipient(t, &stats.MockStatsUpdater{})

		assert.True(t, c.queueTransmission(transmission("msg-1")), "expected first delivery")
		assert.False(t, c.queueTransmission(transmission("msg-1")), "expected duplicate to be dropped")
		assert.Len(t, c.send, 1, "expected exactly one delivery")
	})

	t.Run("filtered when out of range", func(t *testing.T) {
		su := &stats.MockStatsUpdater{}
		su.On("Incr", "FilteredMessages").Once()
		defer su.AssertExpectations(t)

		handheld := radio.KindHandheld
		c := NewClient(types.User{Id: 2, Username: "listener"}, &handheld, nil, nil, testutil.TestLogger(t), su)
		c.addChannel(&Channel{externalId: "chan-1"})
		c.setLocation(geo.Coordinate{Lat: 0, Lon: 0})

		msg := transmission("msg-1")
		msg.Message.DeviceKind = &handheld
		// roughly 111 km north, far beyond handheld range
		msg.Message.Location = &geo.Coordinate{Lat: 1, Lon: 0}

		res := c.queueTransmission(msg)
		assert.False(t, res, "expected out-of-range transmission to be filtered")
		assert.Empty(t, c.send, "expected no message queued")
	})
}

func Test_markSeen(t *testing.T) {
	c := NewClient(types.User{Id: 1}, nil, nil, nil, testutil.TestLogger(t), &stats.MockStatsUpdater{})

	assert.True(t, c.markSeen("a"), "expected first sighting to be recorded")
	assert.False(t, c.markSeen("a"), "expected repeat sighting to be reported")

	// fill the cache until the oldest id is evicted
	for i := 0; i < seenCacheSize; i++ {
		assert.True(t, c.markSeen(fmt.Sprintf("id-%d", i)))
	}
	assert.True(t, c.markSeen("a"), "expected evicted id to be treated as unseen")
	assert.Len(t, c.seen, seenCacheSize, "expected cache to stay bounded")
}

func Test_deviceKind_location(t *testing.T) {
	c := NewClient(types.User{Id: 1}, nil, nil, nil, testutil.TestLogger(t), &stats.MockStatsUpdater{})
	assert.Nil(t, c.deviceKind(), "expected no device kind before any switch")
	assert.Nil(t, c.location(), "expected no location before any position report")

	c.setDeviceKind(radio.KindBase)
	assert.Equal(t, radio.KindBase, *c.deviceKind(), "expected device kind to be updated")

	c.setLocation(geo.Coordinate{Lat: 44.26, Lon: -71.3})
	loc := c.location()
	assert.NotNil(t, loc, "expected location to be set")
	assert.Equal(t, 44.26, loc.Lat, "expected latitude to match")
	assert.Equal(t, -71.3, loc.Lon, "expected longitude to match")
}

func Test_serializeMessage(t *testing.T) {
	// Test the serialization of a message
	message := &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        1,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: 200,
			Data:         "test data",
		},
	}

	// Ensure the timestamp is in the expected format
	expected := `{"id":1,"timestamp":"` + message.Timestamp.Format(time.RFC3339Nano) +
		`","response":{"response_code":200,"data":"test data"}}`

	bytes, err := serializeMessage(message)
	assert.NoError(t, err, "expected no error during serialization")
	assert.Equal(t, expected, string(bytes), "expected serialized message to match the expected format")
}

func Test_stopClient(t *testing.T) {
	c := &Client{
		stop: make(chan struct{}),
	}

	c.stopClient()

	select {
	case <-c.stop:
		// Channel is closed as expected
	default:
		t.Error("expected stop channel to be closed")
	}

	// a second stop must not panic
	c.stopClient()
}

func Test_leaveAllChannels(t *testing.T) {
	channels := []*Channel{
		{
			externalId: "chan-1",
			leaveChan:  make(chan *ClientMessage, 1),
		},
		{
			externalId: "chan-2",
			leaveChan:  make(chan *ClientMessage, 1),
		},
	}

	c := &Client{
		channels: make(map[string]*Channel),
	}

	for _, ch := range channels {
		c.addChannel(ch)
	}

	c.leaveAllChannels()

	for _, ch := range channels {
		assert.Len(t, ch.leaveChan, 1, "expected 1 leave message to be sent to channel %s", ch.externalId)

		select {
		case msg := <-ch.leaveChan:
			assert.NotNil(t, msg, "expected leave message to be sent for channel %s", ch.externalId)
			assert.NotNil(t, msg.Leave, "expected leave message")
			assert.False(t, msg.Leave.Unsubscribe, "expected disconnect leave to keep the subscription")
			assert.Equal(t, ch.externalId, msg.Leave.ChannelId, "expected leave message for channel %s", ch.externalId)
			assert.Equal(t, c, msg.client, "expected leave message to include client")
		default:
			t.Errorf("expected leave message to be sent for channel %s, but it was not", ch.externalId)
		}
	}
}

func Test_joinChannel(t *testing.T) {
	cs := newTestChatServer(t, &database.MockCamplinkRepository{}, &stats.MockStatsUpdater{})
	t.Run("successful join", func(t *testing.T) {
		c := NewClient(types.User{
			Id:       1,
			Username: "testuser",
		}, nil, nil, cs, testutil.TestLogger(t), &stats.MockStatsUpdater{})

		joinMsg := &ClientMessage{
			BaseMessage: BaseMessage{
				Id:        1,
				Timestamp: Now(),
			},
			Join: &Join{
				ChannelId: "chan-1",
			},
			UserId: c.user.Id,
			client: c,
		}

		c.joinChannel(joinMsg)

		select {
		case msg := <-cs.joinChan:
			assert.NotNil(t, msg, "expected message to be sent to chat server join channel")
			assert.NotNil(t, msg.Join, "expected join message to be sent to chat server join channel")
			assert.Equal(t, msg.Id, joinMsg.Id, "expected join message ID to match")
			assert.Equal(t, joinMsg.Join.ChannelId, msg.Join.ChannelId, "expected join message to have correct channel ID")
			assert.Equal(t, c.user.Id, msg.UserId, "expected join message to have correct user ID")
			assert.Equal(t, c, msg.client, "expected join message to have correct client reference")
		default:
			t.Error("expected join message to be sent to chat server join channel, but it was not")
		}
	})

	t.Run("join channel full", func(t *testing.T) {
		cs := newTestChatServer(t, &database.MockCamplinkRepository{}, &stats.MockStatsUpdater{})
		cs.joinChan = make(chan *ClientMessage, 1) // Limit the channel to one message for this test

		c := NewClient(types.User{
			Id:       1,
			Username: "testuser",
		}, nil, nil, cs, testutil.TestLogger(t), &stats.MockStatsUpdater{})

		// Fill the join channel to simulate a full channel
		c.chatServer.joinChan <- &ClientMessage{}

		joinMsg := &ClientMessage{
			BaseMessage: BaseMessage{
				Id:        1,
				Timestamp: Now(),
			},
			Join: &Join{
				ChannelId: "chan-1",
			},
			UserId: c.user.Id,
			client: c,
		}

		c.joinChannel(joinMsg)

		select {
		case msg := <-c.send:
			assert.NotNil(t, msg, "expected a message to be sent to the client")
			assert.NotNil(t, msg.Response, "expected response to be non-nil")
			assert.Equal(t, joinMsg.Id, msg.Id, "expected response ID to match join message ID")
			assert.Equal(t, 503, msg.Response.ResponseCode, "expected response code to be 503")
		default:
			t.Error("expected a message to be sent to the client, but none was sent")
		}
	})
}

func Test_leaveChannel(t *testing.T) {
	t.Run("leave channel success", func(t *testing.T) {
		c := &Client{
			user: types.User{
				Id:       1,
				Username: "testuser",
			},
			channels: make(map[string]*Channel),
		}

		ch := &Channel{
			externalId: "chan-1",
			leaveChan:  make(chan *ClientMessage, 1),
		}

		c.addChannel(ch)

		c.leaveChannel(&ClientMessage{
			BaseMessage: BaseMessage{
				Id:        1,
				Timestamp: Now(),
			},
			Leave: &Leave{
				ChannelId: ch.externalId,
			},
			UserId: c.user.Id,
			client: c,
		})

		select {
		case msg := <-ch.leaveChan:
			assert.NotNil(t, msg, "expected message to be sent to channel leave channel")
			assert.NotNil(t, msg.Leave, "expected leave message")
			assert.Equal(t, 1, msg.Id, "expected leave message id to match")
			assert.Equal(t, ch.externalId, msg.Leave.ChannelId, "expected leave message to have correct channel id")
			assert.Equal(t, c.user.Id, msg.UserId, "expected leave message to have correct user ID")
			assert.Equal(t, c, msg.client, "expected leave message to have correct client reference")
		default:
			t.Error("expected message to be sent to channel leave channel")
		}
	})

	t.Run("leave channel not found", func(t *testing.T) {
		c := &Client{
			user: types.User{
				Id:       1,
				Username: "testuser",
			},
			channels: make(map[string]*Channel),
			send:     make(chan *ServerMessage, 1),
		}

		c.leaveChannel(&ClientMessage{
			BaseMessage: BaseMessage{
				Id:        1,
				Timestamp: Now(),
			},
			Leave: &Leave{
				ChannelId: "notfound",
			},
			UserId: c.user.Id,
			client: c,
		})

		select {
		case msg := <-c.send:
			assert.NotNil(t, msg, "expected a message to be sent to the client")
			assert.NotNil(t, msg.Response, "expected response to be non-nil")
			assert.Equal(t, 1, msg.Id, "expected response id to match leave message id")
			assert.Equal(t, 404, msg.Response.ResponseCode, "expected response code to be 404")
		default:
			t.Error("expected a message to be sent to the client, but none was sent")
		}
	})

	t.Run("channel unavailable", func(t *testing.T) {
		ch := &Channel{
			externalId: "unavailable",
			leaveChan:  make(chan *ClientMessage, 1),
		}

		ch.leaveChan <- &ClientMessage{} // Pre-fill the leave channel to simulate a full channel

		c := &Client{
			user: types.User{
				Id:       1,
				Username: "testuser",
			},
			channels: make(map[string]*Channel),
			send:     make(chan *ServerMessage, 1),
			log:      testutil.TestLogger(t),
		}

		c.addChannel(ch)
		c.leaveChannel(&ClientMessage{
			BaseMessage: BaseMessage{
				Id:        1,
				Timestamp: Now(),
			},
			Leave: &Leave{
				ChannelId: ch.externalId,
			},
			UserId: c.user.Id,
			client: c,
		})

		select {
		case msg := <-c.send:
			assert.NotNil(t, msg, "expected a message to be sent to the client")
			assert.NotNil(t, msg.Response, "expected response to be non-nil")
			assert.Equal(t, 1, msg.Id, "expected response id to match leave message id")
			assert.Equal(t, 503, msg.Response.ResponseCode, "expected response code to be 503")
		default:
			t.Error("expected a message to be sent to the client, but none was sent")
		}
	})
}

func Test_addChannel_delChannel_getChannel(t *testing.T) {
	c := &Client{
		channels: make(map[string]*Channel),
	}

	ch := &Channel{
		externalId: "chan-1",
	}

	c.addChannel(ch)
	got := c.getChannel(ch.externalId)
	assert.NotNil(t, got, "expected channel to be found after adding")
	assert.Equal(t, ch.externalId, got.externalId, "expected channel external id to match")

	c.delChannel(ch.externalId)
	assert.Nil(t, c.getChannel(ch.externalId), "expected channel to be removed after deletion")
}
