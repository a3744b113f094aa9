package tuya

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/sweeney/pool-controller/internal/logging"
)

// Defaults for Config fields left zero.
const (
	DefaultPort             = 6668
	DefaultHeartbeat        = 10 * time.Second
	DefaultDiscoveryTimeout = 10 * time.Second

	writeTimeout = 5 * time.Second
)

// Config addresses one device. An empty IP means the device is located by
// UDP discovery on every connect.
type Config struct {
	IP               string
	ID               string
	Key              string
	Version          string
	Port             int
	Heartbeat        time.Duration
	DiscoveryTimeout time.Duration

	// RefreshDPS are the indices requested with DP_REFRESH.
	RefreshDPS []int
}

// EventKind distinguishes device events.
type EventKind int

const (
	EventData EventKind = iota
	EventDisconnected
	EventError
)

// Event is emitted on the Events channel.
type Event struct {
	Kind EventKind
	DPS  map[string]any
	Err  error
}

// Device is a connection to one smart plug. Connect may be called again
// after a disconnect.
type Device struct {
	cfg Config
	key []byte
	log *logging.Logger

	dial     func(ctx context.Context, network, addr string) (net.Conn, error)
	discover func(ctx context.Context, id string) (string, error)
	now      func() time.Time

	events    chan Event
	closed    chan struct{}
	closeOnce sync.Once

	mu   sync.Mutex
	conn net.Conn
	stop chan struct{}
	seq  uint32
}

// New validates cfg and creates a disconnected Device.
func New(cfg Config, log *logging.Logger) (*Device, error) {
	if cfg.Version != "" && cfg.Version != Version33 {
		return nil, fmt.Errorf("tuya: unsupported protocol version %q", cfg.Version)
	}
	if len(cfg.Key) != 16 {
		return nil, fmt.Errorf("tuya: local key must be 16 bytes, got %d", len(cfg.Key))
	}
	if cfg.ID == "" {
		return nil, errors.New("tuya: device id required")
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = DefaultHeartbeat
	}
	if cfg.DiscoveryTimeout <= 0 {
		cfg.DiscoveryTimeout = DefaultDiscoveryTimeout
	}
	if len(cfg.RefreshDPS) == 0 {
		cfg.RefreshDPS = []int{18, 19, 20}
	}

	var d net.Dialer
	return &Device{
		cfg:      cfg,
		key:      []byte(cfg.Key),
		log:      log,
		dial:     d.DialContext,
		discover: Discover,
		now:      time.Now,
		events:   make(chan Event, 16),
		closed:   make(chan struct{}),
	}, nil
}

// Events delivers data, disconnect and error events. It is never closed.
func (d *Device) Events() <-chan Event {
	return d.events
}

// Connect locates the device if needed, opens the TCP connection and asks
// for the current data points. It is a no-op while connected.
func (d *Device) Connect(ctx context.Context) error {
	d.mu.Lock()
	if d.conn != nil {
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()

	ip := d.cfg.IP
	if ip == "" {
		dctx, cancel := context.WithTimeout(ctx, d.cfg.DiscoveryTimeout)
		found, err := d.discover(dctx, d.cfg.ID)
		cancel()
		if err != nil {
			return fmt.Errorf("find device %s: %w", d.cfg.ID, err)
		}
		ip = found
		d.log.Debug("discovered device", "ip", ip)
	}

	addr := net.JoinHostPort(ip, strconv.Itoa(d.cfg.Port))
	conn, err := d.dial(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}

	stop := make(chan struct{})
	d.mu.Lock()
	d.conn = conn
	d.stop = stop
	d.mu.Unlock()

	go d.readLoop(conn)
	go d.heartbeat(stop)

	if err := d.query(); err != nil {
		d.drop(conn, false, nil)
		return err
	}
	if err := d.refresh(); err != nil {
		d.drop(conn, false, nil)
		return err
	}
	return nil
}

// Connected reports whether a TCP connection is open.
func (d *Device) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conn != nil
}

// Set writes a single data point.
func (d *Device) Set(index int, value any) error {
	body, err := json.Marshal(map[string]any{
		"devId": d.cfg.ID,
		"uid":   d.cfg.ID,
		"t":     d.timestamp(),
		"dps":   map[string]any{strconv.Itoa(index): value},
	})
	if err != nil {
		return fmt.Errorf("encode control: %w", err)
	}
	payload, err := EncodePayload(d.key, CmdControl, body)
	if err != nil {
		return err
	}
	return d.send(CmdControl, payload)
}

func (d *Device) query() error {
	body, _ := json.Marshal(map[string]any{
		"gwId":  d.cfg.ID,
		"devId": d.cfg.ID,
		"uid":   d.cfg.ID,
		"t":     d.timestamp(),
		"dps":   map[string]any{},
	})
	payload, err := EncodePayload(d.key, CmdDPQuery, body)
	if err != nil {
		return err
	}
	return d.send(CmdDPQuery, payload)
}

func (d *Device) refresh() error {
	body, _ := json.Marshal(map[string]any{
		"gwId":  d.cfg.ID,
		"devId": d.cfg.ID,
		"uid":   d.cfg.ID,
		"t":     d.timestamp(),
		"dpId":  d.cfg.RefreshDPS,
	})
	payload, err := EncodePayload(d.key, CmdDPRefresh, body)
	if err != nil {
		return err
	}
	return d.send(CmdDPRefresh, payload)
}

func (d *Device) timestamp() string {
	return strconv.FormatInt(d.now().Unix(), 10)
}

func (d *Device) send(cmd uint32, payload []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil {
		return ErrNotConnected
	}
	d.seq++
	frame := EncodeFrame(d.seq, cmd, payload)

	d.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := d.conn.Write(frame); err != nil {
		// The read loop notices the closed connection and reports it.
		d.conn.Close()
		return fmt.Errorf("send cmd %d: %w", cmd, err)
	}
	return nil
}

func (d *Device) readLoop(conn net.Conn) {
	for {
		conn.SetReadDeadline(time.Now().Add(2*d.cfg.Heartbeat + 5*time.Second))
		f, err := ReadFrame(conn)
		if err != nil {
			d.drop(conn, true, err)
			return
		}
		d.handleFrame(f)
	}
}

func (d *Device) handleFrame(f Frame) {
	if len(f.Payload) == 0 {
		return
	}
	plain, err := DecodePayload(d.key, f.Payload)
	if err != nil {
		d.emit(Event{Kind: EventError, Err: fmt.Errorf("decode cmd %d: %w", f.Cmd, err)})
		return
	}
	if len(plain) == 0 {
		return
	}

	var msg struct {
		DPS  map[string]any `json:"dps"`
		Data struct {
			DPS map[string]any `json:"dps"`
		} `json:"data"`
	}
	if err := json.Unmarshal(plain, &msg); err != nil {
		d.emit(Event{Kind: EventError, Err: fmt.Errorf("device replied %q", plain)})
		return
	}
	dps := msg.DPS
	if len(dps) == 0 {
		dps = msg.Data.DPS
	}
	if len(dps) == 0 {
		return
	}
	d.emit(Event{Kind: EventData, DPS: dps})
}

// heartbeat pings the device and refreshes the metering data points.
func (d *Device) heartbeat(stop <-chan struct{}) {
	t := time.NewTicker(d.cfg.Heartbeat)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			if err := d.send(CmdHeartBeat, nil); err != nil {
				return
			}
			if err := d.refresh(); err != nil {
				return
			}
		}
	}
}

// drop closes conn if it is still current. notify reports the loss on the
// Events channel.
func (d *Device) drop(conn net.Conn, notify bool, cause error) {
	d.mu.Lock()
	if d.conn != conn {
		d.mu.Unlock()
		conn.Close()
		return
	}
	d.conn = nil
	close(d.stop)
	d.mu.Unlock()

	conn.Close()
	if notify {
		d.emit(Event{Kind: EventDisconnected, Err: cause})
	}
}

func (d *Device) emit(ev Event) {
	select {
	case d.events <- ev:
	case <-d.closed:
	}
}

// Close drops the connection without emitting a disconnect.
func (d *Device) Close() error {
	d.closeOnce.Do(func() { close(d.closed) })
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn != nil {
		d.drop(conn, false, nil)
	}
	return nil
}
