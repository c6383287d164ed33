package server

import (
	"context"
	"log"
	"sync"

	"github.com/camplink/camplink/internal/database"
	"github.com/camplink/camplink/internal/radio"
	"github.com/camplink/camplink/internal/stats"
	"github.com/camplink/camplink/internal/types"
)

// Metric names registered with the stats provider.
const (
	metricActiveClients    = "NumActiveClients"
	metricActiveChannels   = "NumActiveChannels"
	metricTotalMessages    = "TotalMessages"
	metricFilteredMessages = "FilteredMessages"
)

type unloadChannelRequest struct {
	channelId string
	deleted   bool
}

type ChatServer struct {
	log               *log.Logger
	db                database.CamplinkRepository
	stats             stats.StatsProvider
	clients           map[*Client]struct{}
	clientsLock       sync.Mutex
	joinChan          chan *ClientMessage
	registerChan      chan *Client
	deRegisterChan    chan *Client
	broadcastChan     chan *ServerMessage
	unloadChannelChan chan unloadChannelRequest
	channels          map[string]*Channel
	stop              chan struct{}
	done              chan struct{}
}

func NewChatServer(logger *log.Logger, db database.CamplinkRepository, su stats.StatsProvider) (*ChatServer, error) {
	cs := &ChatServer{
		log:               logger,
		db:                db,
		stats:             su,
		joinChan:          make(chan *ClientMessage, 256),
		clients:           make(map[*Client]struct{}),
		registerChan:      make(chan *Client, 256),
		deRegisterChan:    make(chan *Client, 256),
		broadcastChan:     make(chan *ServerMessage, 256),
		unloadChannelChan: make(chan unloadChannelRequest, 256),
		stop:              make(chan struct{}),
		done:              make(chan struct{}),
		channels:          make(map[string]*Channel),
	}

	su.RegisterMetric(metricActiveClients)
	su.RegisterMetric(metricActiveChannels)
	su.RegisterMetric(metricTotalMessages)
	su.RegisterMetric(metricFilteredMessages)

	return cs, nil
}

func (cs *ChatServer) Run() {
	for {
		select {
		case joinMsg := <-cs.joinChan:
			cs.handleJoin(joinMsg)
		case client := <-cs.registerChan:
			cs.log.Printf("adding connection from %q", client.user.Username)
			cs.addClient(client)
		case client := <-cs.deRegisterChan:
			cs.log.Printf("removing connection from %q", client.user.Username)
			cs.removeClient(client)
		case msg := <-cs.broadcastChan:
			cs.routeToUser(msg)
		case req := <-cs.unloadChannelChan:
			ch, ok := cs.channels[req.channelId]
			if ok {
				cs.unloadChannel(ch.externalId)
				ch.exit <- exitReq{deleted: req.deleted}
				<-ch.done
			}
		case <-cs.stop:
			cs.log.Println("shutting down channels")
			for _, ch := range cs.channels {
				cs.log.Println("shutting down channel", ch.externalId)
				close(ch.exit)
				<-ch.done
			}

			close(cs.done)
			return
		}
	}
}

// handleJoin routes a join to a loaded channel actor, loading it from the
// store on first use.
func (cs *ChatServer) handleJoin(joinMsg *ClientMessage) {
	if ch, ok := cs.channels[joinMsg.Join.ChannelId]; ok {
		select {
		case ch.joinChan <- joinMsg:
		default:
			cs.log.Printf("join channel full on channel %q", ch.externalId)
		}
		return
	}

	dbChannel, err := cs.db.GetChannelByExternalId(joinMsg.Join.ChannelId)
	if err != nil || !dbChannel.IsActive {
		joinMsg.client.queueMessage(ErrChannelNotFound(joinMsg.Id))
		return
	}

	ch := newChannel(cs, dbChannel)
	cs.channels[ch.externalId] = ch
	cs.stats.Incr(metricActiveChannels)
	ch.joinChan <- joinMsg

	go ch.start()
}

// RegisterClient hands a freshly upgraded connection to the server loop.
func (cs *ChatServer) RegisterClient(c *Client) {
	cs.registerChan <- c
}

// UnloadChannel evicts a channel actor, broadcasting a deletion notice when
// the channel was removed rather than idle.
func (cs *ChatServer) UnloadChannel(channelId string, deleted bool) {
	cs.unloadChannelChan <- unloadChannelRequest{channelId: channelId, deleted: deleted}
}

// NotifyDeviceSwitch updates the device kind on every live connection of a
// user so subsequent propagation checks use the new device.
func (cs *ChatServer) NotifyDeviceSwitch(userId int, kind radio.Kind) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	for c := range cs.clients {
		if c.user.Id == userId {
			c.setDeviceKind(kind)
			c.queueMessage(&ServerMessage{
				BaseMessage: BaseMessage{Timestamp: Now()},
				Notification: &Notification{
					DeviceChange: &DeviceChange{Kind: string(kind)},
				},
			})
		}
	}
}

// routeToUser delivers a user-addressed notification to each of that user's
// connections.
func (cs *ChatServer) routeToUser(msg *ServerMessage) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	for c := range cs.clients {
		if c.user.Id == msg.UserId && c != msg.SkipClient {
			c.queueMessage(msg)
		}
	}
}

func (cs *ChatServer) addClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()
	cs.clients[c] = struct{}{}
	cs.stats.Incr(metricActiveClients)
}

func (cs *ChatServer) removeClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()
	if _, ok := cs.clients[c]; ok {
		delete(cs.clients, c)
		cs.stats.Decr(metricActiveClients)
	}
}

func (cs *ChatServer) unloadChannel(channelId string) {
	if ch, ok := cs.channels[channelId]; ok {
		cs.log.Printf("removing channel %q", ch.externalId)
		delete(cs.channels, channelId)
		cs.stats.Decr(metricActiveChannels)
	}
}

func (cs *ChatServer) Shutdown(ctx context.Context) error {
	cs.log.Println("received shutdown signal")
	cs.clientsLock.Lock()
	for c := range cs.clients {
		c.stopClient()
	}
	cs.clientsLock.Unlock()

	close(cs.stop)

	select {
	case <-cs.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// subscriberFromUser converts a stored subscription row to the wire shape.
func subscriberFromUser(sub database.Subscription) types.User {
	return types.User{
		Id:       sub.AccountId,
		Username: sub.Username,
		Callsign: sub.Callsign,
	}
}
