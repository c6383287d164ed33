package server

import (
	"net/http"
	"time"

	"github.com/camplink/camplink/internal/types"
)

type BaseMessage struct {
	Id        int       `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type ClientMessage struct {
	BaseMessage
	Publish  *Publish  `json:"publish,omitempty"`
	Join     *Join     `json:"join,omitempty"`
	Leave    *Leave    `json:"leave,omitempty"`
	Position *Position `json:"position,omitempty"`
	UserId   int       `json:"-"`
	client   *Client
}

func (m *ClientMessage) GetUserId() int {
	if m == nil {
		return 0
	}
	return m.UserId
}

type Publish struct {
	ChannelId string `json:"channel_id"`
	Content   string `json:"content"`
	// Category is only honored on official broadcast channels.
	Category string `json:"category,omitempty"`
}

type Join struct {
	ChannelId string `json:"channel_id"`
}

type Leave struct {
	Unsubscribe bool   `json:"unsubscribe,omitempty"`
	ChannelId   string `json:"channel_id"`
}

// Position reports the client's current location. It feeds the propagation
// check for subsequent inbound transmissions and is attached to outbound ones.
type Position struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type ServerMessage struct {
	BaseMessage
	Response     *Response      `json:"response,omitempty"`
	Message      *types.Message `json:"message,omitempty"`
	Notification *Notification  `json:"notification,omitempty"`
	// UserId addresses a notification to every connection of one user.
	UserId     int     `json:"-"`
	SkipClient *Client `json:"-"`
}

type Response struct {
	ResponseCode int    `json:"response_code"`
	Error        string `json:"error,omitempty"`
	Data         any    `json:"data,omitempty"`
}

type Notification struct {
	SubscriptionChange *SubscriptionChange `json:"subscription_change,omitempty"`
	ChannelDeleted     *ChannelDeleted     `json:"channel_deleted,omitempty"`
	DeviceChange       *DeviceChange       `json:"device_change,omitempty"`
}

type SubscriptionChange struct {
	ChannelId  string     `json:"channel_id"`
	Subscribed bool       `json:"subscribed"`
	User       types.User `json:"user"`
}

type ChannelDeleted struct {
	ChannelId string `json:"channel_id"`
}

// DeviceChange tells a user's connections that their operating device
// switched, so the propagation check stays in step across sessions.
type DeviceChange struct {
	Kind string `json:"kind"`
}

func NoErrOK(id int, data any) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusOK,
			Data:         data,
		},
	}
}

func NoErrAccepted(id int) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusAccepted,
		},
	}
}

func ErrChannelNotFound(id int) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusNotFound,
			Error:        "channel not found",
		},
	}
}

// ErrNotSubscribed is a policy denial: only members may transmit.
func ErrNotSubscribed(id int) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusForbidden,
			Error:        "not subscribed to channel",
		},
	}
}

// ErrCannotTransmit is a policy denial: the sender's device is receive-only.
func ErrCannotTransmit(id int) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusForbidden,
			Error:        "device cannot transmit",
		},
	}
}

func ErrInternalError(id int) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusInternalServerError,
			Error:        "internal server error",
		},
	}
}

func ErrServiceUnavailable(id int) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusServiceUnavailable,
			Error:        "service unavailable",
		},
	}
}

func ErrInvalidMessage(id int) *ServerMessage {
	msg := &ServerMessage{
		BaseMessage: BaseMessage{
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusBadRequest,
			Error:        "invalid message format",
		},
	}

	if id > 0 {
		msg.Id = id
	}
	return msg
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
