package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Engine.IO v4 packet types, and the Socket.IO packet types carried in
// Engine.IO messages.
const (
	eioOpen    = '0'
	eioClose   = '1'
	eioPing    = '2'
	eioPong    = '3'
	eioMessage = '4'

	sioConnect      = '0'
	sioDisconnect   = '1'
	sioEvent        = '2'
	sioConnectError = '4'
)

// EventMetadataUpdate carries {"metadata_streams": {...}}.
const EventMetadataUpdate = "metadata_update"

var ErrNotConnected = errors.New("metadata channel not connected")

type openPacket struct {
	SID          string `json:"sid"`
	PingInterval int    `json:"pingInterval"`
	PingTimeout  int    `json:"pingTimeout"`
}

type metadataUpdate struct {
	Streams map[string]json.RawMessage `json:"metadata_streams"`
}

// Client is a Socket.IO client for the backend's metadata channel. It keeps
// the Store current and reconnects until its context ends.
type Client struct {
	endpoint       string
	store          *Store
	reconnectDelay time.Duration
	dialer         *websocket.Dialer
	id             string

	hmu      sync.RWMutex
	handlers map[string][]func(json.RawMessage)

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewClient creates a client for the Socket.IO server mounted at path on
// baseURL (http or https).
func NewClient(baseURL, path string, store *Store, reconnectDelay time.Duration) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse backend url: %w", err)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/" + strings.Trim(path, "/") + "/"
	u.RawQuery = url.Values{"EIO": {"4"}, "transport": {"websocket"}}.Encode()

	if reconnectDelay <= 0 {
		reconnectDelay = 2 * time.Second
	}
	return &Client{
		endpoint:       u.String(),
		store:          store,
		reconnectDelay: reconnectDelay,
		dialer:         websocket.DefaultDialer,
		id:             uuid.NewString(),
		handlers:       make(map[string][]func(json.RawMessage)),
	}, nil
}

// Endpoint is the websocket URL the client dials.
func (c *Client) Endpoint() string { return c.endpoint }

// On registers fn for event. metadata_update is always fed to the Store.
func (c *Client) On(event string, fn func(json.RawMessage)) {
	c.hmu.Lock()
	c.handlers[event] = append(c.handlers[event], fn)
	c.hmu.Unlock()
}

// Connected reports whether a namespace connection is established.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Run connects and serves the channel, reconnecting after a fixed delay,
// until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	logger := c.logger()
	for {
		err := c.serve(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Warn().Err(err).Dur("retry_in", c.reconnectDelay).Msg("metadata channel lost")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.reconnectDelay):
		}
	}
}

// Emit sends a Socket.IO event.
func (c *Client) Emit(event string, payload any) error {
	frame, err := json.Marshal([]any{event, payload})
	if err != nil {
		return fmt.Errorf("marshal %s: %w", event, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	msg := append([]byte{eioMessage, sioEvent}, frame...)
	if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		return fmt.Errorf("emit %s: %w", event, err)
	}
	c.logger().Debug().Str("event", event).Msg("event emitted")
	return nil
}

func (c *Client) serve(ctx context.Context) error {
	logger := c.logger()

	conn, _, err := c.dialer.DialContext(ctx, c.endpoint, nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	_, data, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("read open packet: %w", err)
	}
	if len(data) == 0 || data[0] != eioOpen {
		return fmt.Errorf("unexpected first packet %q", data)
	}
	var open openPacket
	if err := json.Unmarshal(data[1:], &open); err != nil {
		return fmt.Errorf("parse open packet: %w", err)
	}
	// The server pings every pingInterval and gives up after pingTimeout.
	idle := time.Duration(open.PingInterval+open.PingTimeout) * time.Millisecond
	if idle <= 0 {
		idle = 45 * time.Second
	}

	if err := c.write(conn, []byte{eioMessage, sioConnect}); err != nil {
		return fmt.Errorf("namespace connect: %w", err)
	}
	logger.Debug().Str("eio_sid", open.SID).Msg("engine.io open")

	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
	}()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(idle))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if len(data) == 0 {
			continue
		}

		switch data[0] {
		case eioPing:
			if err := c.write(conn, []byte{eioPong}); err != nil {
				return fmt.Errorf("pong: %w", err)
			}
		case eioClose:
			return errors.New("server closed the engine.io session")
		case eioMessage:
			if err := c.handleSocketIO(conn, data[1:]); err != nil {
				return err
			}
		default:
			logger.Debug().Str("packet", string(data)).Msg("ignored engine.io packet")
		}
	}
}

func (c *Client) handleSocketIO(conn *websocket.Conn, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	switch data[0] {
	case sioConnect:
		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		c.logger().Info().Msg("metadata channel connected")
	case sioDisconnect:
		return errors.New("server disconnected the namespace")
	case sioConnectError:
		return fmt.Errorf("namespace connect refused: %s", data[1:])
	case sioEvent:
		c.dispatch(data[1:])
	}
	return nil
}

func (c *Client) dispatch(data []byte) {
	// an ack id may precede the array
	if i := strings.IndexByte(string(data), '['); i > 0 {
		data = data[i:]
	}
	var frame []json.RawMessage
	if err := json.Unmarshal(data, &frame); err != nil || len(frame) == 0 {
		c.logger().Warn().Err(err).Msg("malformed event")
		return
	}
	var event string
	if err := json.Unmarshal(frame[0], &event); err != nil {
		c.logger().Warn().Err(err).Msg("event name is not a string")
		return
	}
	var payload json.RawMessage
	if len(frame) > 1 {
		payload = frame[1]
	}

	if event == EventMetadataUpdate && c.store != nil {
		var upd metadataUpdate
		if err := json.Unmarshal(payload, &upd); err != nil {
			c.logger().Warn().Err(err).Msg("malformed metadata_update")
		} else {
			c.store.Update(upd.Streams)
		}
	}

	c.hmu.RLock()
	fns := c.handlers[event]
	c.hmu.RUnlock()
	for _, fn := range fns {
		fn(payload)
	}
}

func (c *Client) write(conn *websocket.Conn, msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, msg)
}

func (c *Client) logger() *zerolog.Logger {
	l := log.With().Str("module", "metadata").Str("client", c.id).Logger()
	return &l
}
