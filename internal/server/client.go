package server

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/camplink/camplink/internal/geo"
	"github.com/camplink/camplink/internal/radio"
	"github.com/camplink/camplink/internal/stats"
	"github.com/camplink/camplink/internal/types"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 1024
	// Fan-out is at least once; this is how many recently delivered message
	// ids each connection remembers for de-duplication.
	seenCacheSize = 512
)

// Client is one live connection: a single stream multiplexing every channel
// the user currently has joined. It carries the user's radio state (current
// device kind, last reported position) so inbound transmissions can be run
// through the propagation check before delivery.
type Client struct {
	conn       *websocket.Conn
	chatServer *ChatServer
	log        *log.Logger
	stats      stats.StatsProvider
	user       types.User
	send       chan *ServerMessage
	channels   map[string]*Channel
	chanLock   sync.RWMutex

	deviceLock sync.RWMutex
	device     *radio.Kind

	locLock sync.RWMutex
	loc     *geo.Coordinate

	seenLock  sync.Mutex
	seen      map[string]struct{}
	seenOrder []string

	stop     chan struct{}
	stopOnce sync.Once
}

func NewClient(user types.User, device *radio.Kind, conn *websocket.Conn, cs *ChatServer, l *log.Logger, su stats.StatsProvider) *Client {
	return &Client{
		conn:       conn,
		chatServer: cs,
		log:        l,
		stats:      su,
		user:       user,
		device:     device,
		send:       make(chan *ServerMessage, 256),
		channels:   make(map[string]*Channel),
		seen:       make(map[string]struct{}),
		stop:       make(chan struct{}),
	}
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.log.Println("write exiting")
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}

			bytes, err := serializeMessage(msg)
			if err != nil {
				c.log.Println("failed to serialize message:", err)
				continue
			}

			if !c.sendMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			return
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.cleanup()
		c.log.Println("read exiting")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(appData string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Printf("ws: read: %v", err)
			}
			break
		}

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.log.Println("error parsing message:", err)
			c.queueMessage(ErrInvalidMessage(-1))
			continue
		}

		msg.client = c
		msg.UserId = c.user.Id
		msg.Timestamp = Now()

		switch {
		case msg.Join != nil:
			c.joinChannel(&msg)
		case msg.Leave != nil:
			c.leaveChannel(&msg)
		case msg.Publish != nil:
			ch := c.getChannel(msg.Publish.ChannelId)
			if ch != nil {
				select {
				case ch.clientMsgChan <- &msg:
				default:
					c.queueMessage(ErrServiceUnavailable(msg.Id))
					c.log.Printf("clientMsgChan full for channel %q", ch.externalId)
				}
			} else {
				c.queueMessage(ErrChannelNotFound(msg.Id))
			}
		case msg.Position != nil:
			c.setLocation(geo.Coordinate{Lat: msg.Position.Lat, Lon: msg.Position.Lon})
			if msg.Id != 0 {
				c.queueMessage(NoErrOK(msg.Id, nil))
			}
		}
	}
}

func (c *Client) queueMessage(msg *ServerMessage) bool {
	select {
	case c.send <- msg:
	default:
		c.log.Println("failed to send message to client, channel is full")
		return false
	}

	return true
}

// queueTransmission runs the delivery checks for a fanned-out transmission:
// the client must still be joined to the channel, must not have seen the
// message id before, and the propagation check must admit it.
func (c *Client) queueTransmission(msg *ServerMessage) bool {
	// drop events for channels this client has since left, even when they
	// arrive late due to reordering
	if c.getChannel(msg.Message.ChannelId) == nil {
		return false
	}

	if !c.markSeen(msg.Message.Id) {
		return false
	}

	tx := radio.Transmission{
		SenderKind:     msg.Message.DeviceKind,
		SenderLocation: msg.Message.Location,
	}
	if !radio.ShouldAdmit(tx, c.deviceKind(), c.location()) {
		c.stats.Incr(metricFilteredMessages)
		return false
	}

	return c.queueMessage(msg)
}

// markSeen records a message id, reporting false if it was already seen. The
// cache holds the most recent seenCacheSize ids per connection.
func (c *Client) markSeen(id string) bool {
	c.seenLock.Lock()
	defer c.seenLock.Unlock()

	if _, ok := c.seen[id]; ok {
		return false
	}

	c.seen[id] = struct{}{}
	c.seenOrder = append(c.seenOrder, id)
	if len(c.seenOrder) > seenCacheSize {
		oldest := c.seenOrder[0]
		c.seenOrder = c.seenOrder[1:]
		delete(c.seen, oldest)
	}

	return true
}

func (c *Client) deviceKind() *radio.Kind {
	c.deviceLock.RLock()
	defer c.deviceLock.RUnlock()
	return c.device
}

func (c *Client) setDeviceKind(kind radio.Kind) {
	c.deviceLock.Lock()
	defer c.deviceLock.Unlock()
	c.device = &kind
}

func (c *Client) location() *geo.Coordinate {
	c.locLock.RLock()
	defer c.locLock.RUnlock()
	return c.loc
}

func (c *Client) setLocation(loc geo.Coordinate) {
	c.locLock.Lock()
	defer c.locLock.Unlock()
	c.loc = &loc
}

func serializeMessage(msg *ServerMessage) ([]byte, error) {
	return json.Marshal(msg)
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Printf("write message: %s", err)
		}
		return false
	}

	return true
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
}

func (c *Client) cleanup() {
	c.chatServer.deRegisterChan <- c
	c.leaveAllChannels()
	c.stopClient()
}

func (c *Client) leaveAllChannels() {
	c.chanLock.RLock()
	defer c.chanLock.RUnlock()

	for _, ch := range c.channels {
		ch.leaveChan <- &ClientMessage{
			Leave:  &Leave{ChannelId: ch.externalId},
			client: c,
		}
	}
}

func (c *Client) joinChannel(msg *ClientMessage) {
	select {
	case c.chatServer.joinChan <- msg:
	default:
		c.log.Printf("joinChan full")
		c.queueMessage(ErrServiceUnavailable(msg.Id))
	}
}

func (c *Client) leaveChannel(msg *ClientMessage) {
	ch := c.getChannel(msg.Leave.ChannelId)
	if ch == nil {
		c.queueMessage(ErrChannelNotFound(msg.Id))
		return
	}

	select {
	case ch.leaveChan <- msg:
	default:
		c.log.Printf("leaveChan full for channel %q", ch.externalId)
		c.queueMessage(ErrServiceUnavailable(msg.Id))
	}
}

func (c *Client) delChannel(id string) {
	c.chanLock.Lock()
	defer c.chanLock.Unlock()

	delete(c.channels, id)
}

func (c *Client) addChannel(ch *Channel) {
	c.chanLock.Lock()
	defer c.chanLock.Unlock()

	c.channels[ch.externalId] = ch
}

func (c *Client) getChannel(id string) *Channel {
	c.chanLock.RLock()
	defer c.chanLock.RUnlock()

	if ch, ok := c.channels[id]; ok {
		return ch
	}

	return nil
}
