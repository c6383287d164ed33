package server

import (
	"log"
	"sync"
	"time"

	"slices"

	"github.com/camplink/camplink/internal/database"
	"github.com/camplink/camplink/internal/geo"
	"github.com/camplink/camplink/internal/radio"
	"github.com/camplink/camplink/internal/types"
	"github.com/google/uuid"
)

const idleChannelTimeout = time.Second * 5

type exitReq struct {
	deleted bool
	done    chan bool
}

// Channel is the live actor for one chat channel. It owns the fan-out: every
// persisted transmission is pushed to each connected client, which then runs
// the propagation check before delivery.
type Channel struct {
	id            int
	externalId    string
	channelType   types.ChannelType
	subscribers   []types.User
	cs            *ChatServer
	joinChan      chan *ClientMessage
	leaveChan     chan *ClientMessage
	clientMsgChan chan *ClientMessage
	clients       map[*Client]struct{}
	userMap       map[int]map[*Client]struct{}
	clientLock    sync.RWMutex
	log           *log.Logger
	// killTimer unloads the channel actor once no client is connected.
	killTimer *time.Timer
	// exit signals the channel actor to stop.
	exit chan exitReq
	done chan struct{}
}

func newChannel(cs *ChatServer, dbChannel database.Channel) *Channel {
	return &Channel{
		id:            dbChannel.Id,
		externalId:    dbChannel.ExternalId,
		channelType:   types.ChannelType(dbChannel.ChannelType),
		cs:            cs,
		joinChan:      make(chan *ClientMessage, 256),
		leaveChan:     make(chan *ClientMessage, 256),
		clientMsgChan: make(chan *ClientMessage, 256),
		clients:       make(map[*Client]struct{}),
		userMap:       make(map[int]map[*Client]struct{}),
		log:           cs.log,
		exit:          make(chan exitReq),
		done:          make(chan struct{}),
	}
}

func (ch *Channel) start() {
	ch.log.Printf("starting channel %q", ch.externalId)
	ch.killTimer = time.NewTimer(idleChannelTimeout)
	ch.killTimer.Stop()

	for {
		select {
		case join := <-ch.joinChan:
			ch.handleJoin(join)
		case leaveMsg := <-ch.leaveChan:
			ch.handleLeave(leaveMsg)
		case msg := <-ch.clientMsgChan:
			if msg.Publish != nil {
				ch.saveAndBroadcast(msg)
			}
		case <-ch.killTimer.C:
			ch.handleChannelTimeout()
		case e := <-ch.exit:
			ch.handleChannelExit(e)
			return
		}
	}
}

func (ch *Channel) handleChannelTimeout() {
	ch.log.Printf("channel %q timed out", ch.externalId)
	select {
	case ch.cs.unloadChannelChan <- unloadChannelRequest{channelId: ch.externalId}:
	default:
		// server loop is saturated, try again next idle period
		ch.log.Printf("unload channel full for %q", ch.externalId)
		ch.killTimer.Reset(idleChannelTimeout)
	}
}

func (ch *Channel) handleChannelExit(e exitReq) {
	ch.log.Printf("channel %q is exiting", ch.externalId)
	if e.deleted {
		// tell every connected client the channel is gone
		ch.broadcast(&ServerMessage{
			BaseMessage: BaseMessage{
				Timestamp: Now(),
			},
			Notification: &Notification{
				ChannelDeleted: &ChannelDeleted{ChannelId: ch.externalId},
			},
		})
	}

	ch.clientLock.Lock()
	for c := range ch.clients {
		c.delChannel(ch.externalId)
	}
	ch.clientLock.Unlock()

	if e.done != nil {
		e.done <- true
	}
	close(ch.done)
}

func (ch *Channel) handleLeave(leaveMsg *ClientMessage) {
	if leaveMsg.Leave.Unsubscribe {
		ch.log.Printf("unsubscribing user %d from channel %q", leaveMsg.UserId, ch.externalId)
		// idempotent in the store: unsubscribing a non-member is a no-op
		err := ch.cs.db.DeleteSubscription(leaveMsg.UserId, ch.id)
		if err != nil {
			ch.log.Println("DeleteSubscription:", err)
			if leaveMsg.GetUserId() != 0 {
				leaveMsg.client.queueMessage(ErrInternalError(leaveMsg.Id))
			}
			return
		}

		ch.removeAllClientsForUser(leaveMsg.UserId)
		ch.removeSubscriber(leaveMsg.UserId)

		if leaveMsg.GetUserId() != 0 {
			leaveMsg.client.queueMessage(NoErrOK(leaveMsg.Id, nil))
		}

		ch.broadcast(&ServerMessage{
			BaseMessage: BaseMessage{
				Timestamp: Now(),
			},
			Notification: &Notification{
				SubscriptionChange: &SubscriptionChange{
					ChannelId:  ch.externalId,
					Subscribed: false,
					User: types.User{
						Id:       leaveMsg.UserId,
						Username: leaveMsg.client.user.Username,
						Callsign: leaveMsg.client.user.Callsign,
					},
				},
			},
		})
		return
	}

	client := leaveMsg.client
	ch.removeClient(client)

	if leaveMsg.GetUserId() != 0 {
		client.queueMessage(NoErrOK(leaveMsg.Id, nil))
	}
}

func (ch *Channel) handleJoin(join *ClientMessage) {
	// a new client arrived, stop the idle timer
	ch.killTimer.Stop()

	c := join.client
	if !ch.cs.db.SubscriptionExists(c.user.Id, ch.id) {
		ch.log.Printf("creating subscription for user %q in channel %q", c.user.Username, ch.externalId)
		sub, err := ch.cs.db.CreateSubscription(c.user.Id, ch.id)
		if err != nil {
			if len(ch.clients) == 0 {
				ch.killTimer.Reset(idleChannelTimeout)
			}
			ch.log.Println("CreateSubscription:", err)
			c.queueMessage(ErrInternalError(join.Id))
			return
		}

		ch.subscribers = append(ch.subscribers, subscriberFromUser(sub))

		ch.broadcast(&ServerMessage{
			BaseMessage: BaseMessage{
				Timestamp: Now(),
			},
			Notification: &Notification{
				SubscriptionChange: &SubscriptionChange{
					ChannelId:  ch.externalId,
					Subscribed: true,
					User: types.User{
						Id:       join.UserId,
						Username: c.user.Username,
						Callsign: c.user.Callsign,
					},
				},
			},
		})
	}

	dbChannel, err := ch.cs.db.GetChannelWithSubscribers(ch.id)
	if err != nil {
		ch.log.Println("GetChannelWithSubscribers:", err)
		c.queueMessage(ErrInternalError(join.Id))
		return
	}

	ch.addClient(c)

	channelInfo := types.Channel{
		Id:          dbChannel.Id,
		ExternalId:  dbChannel.ExternalId,
		Type:        types.ChannelType(dbChannel.ChannelType),
		Name:        dbChannel.Name,
		Description: dbChannel.Description,
		IsActive:    dbChannel.IsActive,
		MemberCount: dbChannel.MemberCount,
		OwnerId:     dbChannel.OwnerId,
		Subscribers: func() []types.User {
			subscribers := make([]types.User, len(dbChannel.Subscriptions))
			for i, sub := range dbChannel.Subscriptions {
				subscribers[i] = subscriberFromUser(sub)
			}
			return subscribers
		}(),
		CreatedAt: dbChannel.CreatedAt,
		UpdatedAt: dbChannel.UpdatedAt,
	}
	if dbChannel.AnchorLat != nil && dbChannel.AnchorLon != nil {
		channelInfo.Anchor = &geo.Coordinate{Lat: *dbChannel.AnchorLat, Lon: *dbChannel.AnchorLon}
	}

	c.queueMessage(NoErrOK(join.Id, channelInfo))
}

func (ch *Channel) addClient(c *Client) {
	ch.clientLock.Lock()
	defer ch.clientLock.Unlock()

	ch.clients[c] = struct{}{}
	if ch.userMap[c.user.Id] == nil {
		ch.userMap[c.user.Id] = make(map[*Client]struct{})
	}
	ch.userMap[c.user.Id][c] = struct{}{}

	c.addChannel(ch)
}

func (ch *Channel) removeClient(c *Client) {
	ch.clientLock.Lock()
	defer ch.clientLock.Unlock()

	if _, ok := ch.clients[c]; !ok {
		ch.log.Printf("client %q not found in channel %q", c.user.Username, ch.externalId)
		return
	}

	delete(ch.clients, c)
	c.delChannel(ch.externalId)

	if userClients, ok := ch.userMap[c.user.Id]; ok {
		delete(userClients, c)
		if len(userClients) == 0 {
			delete(ch.userMap, c.user.Id)
		}
	}

	ch.log.Printf("removed client %q from channel %q", c.user.Username, ch.externalId)

	if len(ch.clients) == 0 {
		ch.log.Printf("no clients in %q, starting kill timer", ch.externalId)
		ch.killTimer.Reset(idleChannelTimeout)
	}
}

func (ch *Channel) removeAllClientsForUser(userId int) {
	ch.clientLock.Lock()
	defer ch.clientLock.Unlock()

	if userClients, ok := ch.userMap[userId]; ok {
		for client := range userClients {
			delete(ch.clients, client)
			client.delChannel(ch.externalId)
		}
		delete(ch.userMap, userId)
	}

	ch.log.Printf("removed all clients for user %d from channel %q", userId, ch.externalId)

	if len(ch.clients) == 0 {
		ch.log.Printf("no clients in %q, starting kill timer", ch.externalId)
		ch.killTimer.Reset(idleChannelTimeout)
	}
}

func (ch *Channel) removeSubscriber(userId int) {
	for i, sub := range ch.subscribers {
		if sub.Id == userId {
			ch.subscribers = slices.Delete(ch.subscribers, i, i+1)
			return
		}
	}
}

// saveAndBroadcast persists a transmission and fans it out to every connected
// client of the channel. The message is either fully persisted and fanned
// out, or not persisted at all.
func (ch *Channel) saveAndBroadcast(msg *ClientMessage) {
	c := msg.client

	// only members may transmit
	if !ch.cs.db.SubscriptionExists(msg.UserId, ch.id) {
		c.queueMessage(ErrNotSubscribed(msg.Id))
		return
	}

	// the sending client is supposed to prevent this, but the store does
	// not trust the client
	kind := c.deviceKind()
	if kind != nil {
		if spec, ok := radio.SpecFor(*kind); ok && !spec.CanSend {
			c.queueMessage(ErrCannotTransmit(msg.Id))
			return
		}
	}

	var category *string
	if msg.Publish.Category != "" {
		if ch.channelType != types.ChannelOfficial || !types.ValidBroadcastCategory(msg.Publish.Category) {
			c.queueMessage(ErrInvalidMessage(msg.Id))
			return
		}
		category = &msg.Publish.Category
	}

	dbMsg := database.Message{
		Id:        uuid.NewString(),
		ChannelId: ch.id,
		AccountId: &msg.UserId,
		Callsign:  c.user.DisplayCallsign(),
		Content:   msg.Publish.Content,
		Category:  category,
		CreatedAt: msg.Timestamp,
	}
	if kind != nil {
		k := string(*kind)
		dbMsg.DeviceKind = &k
	}
	if loc := c.location(); loc != nil {
		dbMsg.SenderLat = &loc.Lat
		dbMsg.SenderLon = &loc.Lon
	}

	if err := ch.cs.db.CreateMessage(dbMsg); err != nil {
		ch.log.Println("error saving message:", err)
		c.queueMessage(ErrInternalError(msg.Id))
		return
	}

	c.queueMessage(NoErrAccepted(msg.Id))
	ch.cs.stats.Incr(metricTotalMessages)

	out := &types.Message{
		Id:        dbMsg.Id,
		ChannelId: ch.externalId,
		SenderId:  dbMsg.AccountId,
		Callsign:  dbMsg.Callsign,
		Content:   dbMsg.Content,
		Category:  dbMsg.Category,
		Timestamp: dbMsg.CreatedAt,
	}
	if kind != nil {
		out.DeviceKind = kind
	}
	if dbMsg.SenderLat != nil && dbMsg.SenderLon != nil {
		out.Location = &geo.Coordinate{Lat: *dbMsg.SenderLat, Lon: *dbMsg.SenderLon}
	}

	ch.broadcast(&ServerMessage{
		BaseMessage: BaseMessage{
			Timestamp: dbMsg.CreatedAt,
		},
		Message: out,
	})
}

// broadcast queues a server message on every connected client. Transmissions
// go through each client's propagation check; notifications are delivered
// as-is.
func (ch *Channel) broadcast(msg *ServerMessage) {
	ch.clientLock.RLock()
	defer ch.clientLock.RUnlock()

	for c := range ch.clients {
		if c == msg.SkipClient {
			continue
		}
		if msg.Message != nil {
			c.queueTransmission(msg)
		} else {
			c.queueMessage(msg)
		}
	}
}
