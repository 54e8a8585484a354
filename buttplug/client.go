package buttplug

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Moonlight-Companies/gologger/coloransi"
	"github.com/Moonlight-Companies/gologger/logger"
	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
)

var (
	// ErrEndpointUnreachable is returned when the server cannot be dialed.
	ErrEndpointUnreachable = errors.New("endpoint unreachable")

	// ErrHandshakeFailed is returned when the server is reachable but the
	// protocol handshake does not complete.
	ErrHandshakeFailed = errors.New("protocol handshake failed")

	// ErrNotConnected is returned for commands issued without a ready connection.
	ErrNotConnected = errors.New("not connected")

	// ErrDeviceGone is returned for commands addressed to a device the server
	// no longer reports.
	ErrDeviceGone = errors.New("device gone")
)

// State describes the connection lifecycle.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Device is one actuator the server currently exposes.
type Device struct {
	Index uint32
	Name  string

	vibrators []uint32 // scalar feature indices with a Vibrate actuator
}

// CanVibrate reports whether the device has at least one Vibrate actuator.
func (d Device) CanVibrate() bool {
	return len(d.vibrators) > 0
}

// Config holds client settings. Zero values get defaults.
type Config struct {
	// URL of the Intiface websocket server, e.g. ws://localhost:12345.
	URL string

	// ClientName is announced to the server during the handshake.
	ClientName string

	// CommandTimeout bounds each request/reply round trip. Default 5s.
	CommandTimeout time.Duration

	// ReconnectInitialWait is the first reconnect backoff step. Default 1s.
	ReconnectInitialWait time.Duration

	// ReconnectMaxWait caps the backoff step. Default 30s.
	ReconnectMaxWait time.Duration

	// ReconnectMaxElapsed gives up on reconnecting after this long. Default 5m.
	ReconnectMaxElapsed time.Duration

	// DisableReconnect makes any connection loss terminal.
	DisableReconnect bool
}

func (cfg Config) withDefaults() Config {
	if cfg.ClientName == "" {
		cfg.ClientName = "StarPlug"
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 5 * time.Second
	}
	if cfg.ReconnectInitialWait <= 0 {
		cfg.ReconnectInitialWait = time.Second
	}
	if cfg.ReconnectMaxWait <= 0 {
		cfg.ReconnectMaxWait = 30 * time.Second
	}
	if cfg.ReconnectMaxElapsed <= 0 {
		cfg.ReconnectMaxElapsed = 5 * time.Minute
	}
	return cfg
}

// Client maintains one control channel to an Intiface server and tracks the
// devices it reports. Safe for concurrent use.
type Client struct {
	log *logger.Logger
	cfg Config

	nextID atomic.Uint32

	writeMu sync.Mutex // serializes writes to the websocket

	mu           sync.Mutex
	state        State
	conn         *websocket.Conn
	pending      map[uint32]chan *envelope
	devices      map[uint32]Device
	disconnected chan struct{} // per connection, closed once on loss
	discOnce     *sync.Once
}

// New creates a client. Connect or Maintain must be called before commands.
func New(cfg Config) *Client {
	return &Client{
		log:     logger.NewLogger(coloransi.Color(coloransi.ColorTeal, coloransi.ColorOrange, "intiface")),
		cfg:     cfg.withDefaults(),
		devices: make(map[uint32]Device),
	}
}

// State returns the connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Devices returns a snapshot of every device the server reports.
func (c *Client) Devices() []Device {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Device, 0, len(c.devices))
	for _, d := range c.devices {
		out = append(out, d)
	}
	return out
}

// Vibrators returns a snapshot of the devices that can vibrate. Empty is
// valid: connected but nothing actuatable yet.
func (c *Client) Vibrators() []Device {
	var out []Device
	for _, d := range c.Devices() {
		if d.CanVibrate() {
			out = append(out, d)
		}
	}
	return out
}

// Connect makes a single connection attempt: dial, handshake, request the
// device list, start scanning. Use Maintain for the retrying variant.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateReady {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.mu.Unlock()

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.CommandTimeout}
	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		c.setState(StateDisconnected)
		return fmt.Errorf("%w: dial %s: %v", ErrEndpointUnreachable, c.cfg.URL, err)
	}

	disc := make(chan struct{})
	c.mu.Lock()
	c.conn = conn
	c.pending = make(map[uint32]chan *envelope)
	c.devices = make(map[uint32]Device)
	c.disconnected = disc
	c.discOnce = &sync.Once{}
	c.mu.Unlock()

	go c.readPump(conn)

	fail := func(step string, err error) error {
		c.dropConnection(conn, err)
		c.setState(StateDisconnected)
		return fmt.Errorf("%w: %s: %v", ErrHandshakeFailed, step, err)
	}

	info, err := c.request(ctx, envelope{RequestServerInfo: &requestInfoFields{
		ClientName:     c.cfg.ClientName,
		MessageVersion: protocolVersion,
	}})
	if err != nil {
		return fail("request server info", err)
	}
	if info.ServerInfo == nil {
		return fail("request server info", errors.New("reply is not ServerInfo"))
	}
	if info.ServerInfo.MessageVersion < protocolVersion {
		return fail("request server info", fmt.Errorf("server speaks message version %d, need %d",
			info.ServerInfo.MessageVersion, protocolVersion))
	}

	list, err := c.request(ctx, envelope{RequestDeviceList: &idFields{}})
	if err != nil {
		return fail("request device list", err)
	}
	if list.DeviceList == nil {
		return fail("request device list", errors.New("reply is not DeviceList"))
	}
	for _, d := range list.DeviceList.Devices {
		c.addDevice(d)
	}

	if _, err := c.request(ctx, envelope{StartScanning: &idFields{}}); err != nil {
		return fail("start scanning", err)
	}

	c.setState(StateReady)
	c.log.Infoln("Connected to", info.ServerInfo.ServerName, "at", c.cfg.URL)

	if info.ServerInfo.MaxPingTime > 0 {
		interval := time.Duration(info.ServerInfo.MaxPingTime) * time.Millisecond / 2
		go c.pinger(interval, disc)
	}

	return nil
}

// Maintain keeps the connection alive until ctx is canceled: it connects with
// exponential backoff, waits out each connection, and reconnects after
// transient losses. It returns an error only when reconnection attempts are
// exhausted or disabled; cancellation is a clean return.
func (c *Client) Maintain(ctx context.Context) error {
	connectedBefore := false

	for {
		if c.cfg.DisableReconnect && connectedBefore {
			c.setState(StateFailed)
			return fmt.Errorf("%w: reconnect disabled", ErrNotConnected)
		}

		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = c.cfg.ReconnectInitialWait
		bo.MaxInterval = c.cfg.ReconnectMaxWait
		bo.MaxElapsedTime = c.cfg.ReconnectMaxElapsed

		err := backoff.Retry(func() error {
			err := c.Connect(ctx)
			if err != nil {
				c.log.Warn("Connection attempt failed: ", err)
			}
			return err
		}, backoff.WithContext(bo, ctx))
		if err != nil {
			if ctx.Err() != nil {
				c.Disconnect()
				return nil
			}
			c.setState(StateFailed)
			return fmt.Errorf("reconnect attempts exhausted: %w", err)
		}
		connectedBefore = true

		c.mu.Lock()
		disc := c.disconnected
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			c.Disconnect()
			return nil
		case <-disc:
			c.log.Warn("Disconnected from server, reconnecting")
		}
	}
}

// Vibrate commands every Vibrate actuator on one device to the given level
// in [0.0, 1.0].
func (c *Client) Vibrate(ctx context.Context, deviceIndex uint32, level float64) error {
	c.mu.Lock()
	if c.state != StateReady {
		c.mu.Unlock()
		return ErrNotConnected
	}
	dev, ok := c.devices[deviceIndex]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: device %d", ErrDeviceGone, deviceIndex)
	}
	if !dev.CanVibrate() {
		return fmt.Errorf("device %q has no vibrators", dev.Name)
	}

	if level < 0 {
		level = 0
	} else if level > 1 {
		level = 1
	}

	scalars := make([]scalar, 0, len(dev.vibrators))
	for _, featureIndex := range dev.vibrators {
		scalars = append(scalars, scalar{
			Index:        featureIndex,
			Scalar:       level,
			ActuatorType: actuatorVibrate,
		})
	}

	reply, err := c.request(ctx, envelope{ScalarCmd: &scalarCmdFields{
		DeviceIndex: deviceIndex,
		Scalars:     scalars,
	}})
	if err != nil {
		return err
	}
	if reply.Error != nil {
		// The device may have vanished between our snapshot and the command.
		c.mu.Lock()
		_, stillThere := c.devices[deviceIndex]
		c.mu.Unlock()
		if !stillThere {
			return fmt.Errorf("%w: device %d", ErrDeviceGone, deviceIndex)
		}
		return fmt.Errorf("server rejected command: %s", reply.Error.ErrorMessage)
	}

	return nil
}

// StopAll halts every device the server controls.
func (c *Client) StopAll(ctx context.Context) error {
	c.mu.Lock()
	ready := c.state == StateReady
	c.mu.Unlock()
	if !ready {
		return ErrNotConnected
	}

	reply, err := c.request(ctx, envelope{StopAllDevices: &idFields{}})
	if err != nil {
		return err
	}
	if reply.Error != nil {
		return fmt.Errorf("server rejected stop: %s", reply.Error.ErrorMessage)
	}
	return nil
}

// Disconnect tears the connection down. Idempotent.
func (c *Client) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		c.dropConnection(conn, nil)
	}

	c.mu.Lock()
	if c.state != StateFailed {
		c.state = StateDisconnected
	}
	c.mu.Unlock()
}

// request sends one message and waits for its reply.
func (c *Client) request(ctx context.Context, env envelope) (*envelope, error) {
	id := c.nextID.Add(1)
	env.setID(id)

	c.mu.Lock()
	conn := c.conn
	disc := c.disconnected
	if conn == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	ch := make(chan *envelope, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	c.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.CommandTimeout))
	err := conn.WriteJSON([]envelope{env})
	c.writeMu.Unlock()
	if err != nil {
		c.dropConnection(conn, err)
		return nil, fmt.Errorf("%w: write: %v", ErrNotConnected, err)
	}

	select {
	case reply := <-ch:
		return reply, nil
	case <-disc:
		return nil, ErrNotConnected
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(c.cfg.CommandTimeout):
		return nil, fmt.Errorf("timed out waiting for reply to message %d", id)
	}
}

// setID stamps the message ID onto whichever request field is set.
func (e *envelope) setID(id uint32) {
	switch {
	case e.RequestServerInfo != nil:
		e.RequestServerInfo.ID = id
	case e.RequestDeviceList != nil:
		e.RequestDeviceList.ID = id
	case e.StartScanning != nil:
		e.StartScanning.ID = id
	case e.StopAllDevices != nil:
		e.StopAllDevices.ID = id
	case e.ScalarCmd != nil:
		e.ScalarCmd.ID = id
	case e.Ping != nil:
		e.Ping.ID = id
	}
}

// readPump delivers replies to waiting requests and applies server events.
// One per connection; exits when the connection drops.
func (c *Client) readPump(conn *websocket.Conn) {
	for {
		var msgs []envelope
		if err := conn.ReadJSON(&msgs); err != nil {
			c.dropConnection(conn, err)
			return
		}
		for i := range msgs {
			c.handleMessage(&msgs[i])
		}
	}
}

func (c *Client) handleMessage(e *envelope) {
	if id := e.id(); id != 0 {
		c.mu.Lock()
		ch := c.pending[id]
		c.mu.Unlock()
		if ch != nil {
			ch <- e
		}
		return
	}

	switch {
	case e.DeviceAdded != nil:
		c.addDevice(e.DeviceAdded.deviceFields)
	case e.DeviceRemoved != nil:
		c.mu.Lock()
		dev, ok := c.devices[e.DeviceRemoved.DeviceIndex]
		delete(c.devices, e.DeviceRemoved.DeviceIndex)
		c.mu.Unlock()
		if ok {
			c.log.Infoln("Device removed:", dev.Name)
		}
	case e.ScanningFinished != nil:
		c.log.Debugln("Device scan finished")
	}
}

func (c *Client) addDevice(d deviceFields) {
	dev := Device{
		Index:     d.DeviceIndex,
		Name:      d.DeviceName,
		vibrators: d.vibratorIndices(),
	}

	c.mu.Lock()
	c.devices[dev.Index] = dev
	c.mu.Unlock()

	if dev.CanVibrate() {
		c.log.Infoln("Device available:", dev.Name)
	} else {
		c.log.Debugln("Ignoring device without vibrators:", dev.Name)
	}
}

// dropConnection closes a connection and wakes everything waiting on it.
// Safe to call multiple times and from multiple goroutines.
func (c *Client) dropConnection(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	if c.state == StateReady || c.state == StateConnecting {
		c.state = StateDisconnected
	}
	disc := c.disconnected
	once := c.discOnce
	c.mu.Unlock()

	once.Do(func() { close(disc) })
	_ = conn.Close()

	if err != nil {
		c.log.Warn("Connection lost: ", err)
	}
}

// pinger keeps the server from timing us out when it advertises a max ping time.
func (c *Client) pinger(interval time.Duration, disc <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-disc:
			return
		case <-ticker.C:
			if _, err := c.request(context.Background(), envelope{Ping: &idFields{}}); err != nil {
				c.log.Debugln("Ping failed:", err)
				return
			}
		}
	}
}

func (c *Client) setState(state State) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}
