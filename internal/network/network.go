// Package network reports the controller's network connection on the
// system/network channel.
package network

import (
	"bufio"
	"context"
	"errors"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sweeney/pool-controller/internal/channel"
	"github.com/sweeney/pool-controller/internal/logging"
)

// EnvFile is where pi-helper writes the network state.
const EnvFile = "/run/pi-helper.env"

// pi-helper variable names.
const (
	envNetworkType       = "NETWORK_TYPE"
	envNetworkIface      = "NETWORK_IFACE"
	envNetworkIP         = "NETWORK_IP"
	envNetworkStatus     = "NETWORK_STATUS"
	envNetworkGateway    = "NETWORK_GATEWAY"
	envNetworkWifiStatus = "NETWORK_WIFI_STATUS"
	envNetworkWifiSSID   = "NETWORK_WIFI_SSID"
)

// Info describes the current connection.
type Info struct {
	Iface      string `json:"iface,omitempty"`
	Address    string `json:"address,omitempty"`
	Type       string `json:"type,omitempty"`
	Status     string `json:"status,omitempty"`
	Gateway    string `json:"gateway,omitempty"`
	WifiStatus string `json:"wifiStatus,omitempty"`
	SSID       string `json:"ssid,omitempty"`
}

// Source reads the current Info. A nil Info means no connection is known.
type Source func() (*Info, error)

// ErrNoInterface is returned when no usable interface exists.
var ErrNoInterface = errors.New("no network interface with an IPv4 address")

// ReadInfo returns a Source reading pi-helper's env file (falling back to
// the process environment) and filling the address from the interface
// table when pi-helper did not supply one.
func ReadInfo(envFile string) Source {
	return func() (*Info, error) {
		env := readEnvFile(envFile)
		get := func(key string) string {
			if v, ok := env[key]; ok {
				return v
			}
			return os.Getenv(key)
		}

		info := &Info{
			Iface:      get(envNetworkIface),
			Address:    get(envNetworkIP),
			Type:       get(envNetworkType),
			Status:     get(envNetworkStatus),
			Gateway:    get(envNetworkGateway),
			WifiStatus: get(envNetworkWifiStatus),
			SSID:       get(envNetworkWifiSSID),
		}
		if info.Address != "" {
			return info, nil
		}

		iface, addr, err := firstIPv4(info.Iface)
		if err != nil {
			if info.Status != "" {
				return info, nil
			}
			return nil, err
		}
		info.Iface, info.Address = iface, addr
		return info, nil
	}
}

// readEnvFile parses KEY=VALUE lines. A missing file yields an empty map.
func readEnvFile(path string) map[string]string {
	out := map[string]string{}
	if path == "" {
		return out
	}
	f, err := os.Open(path)
	if err != nil {
		return out
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		out[strings.TrimSpace(k)] = strings.Trim(strings.TrimSpace(v), `"'`)
	}
	return out
}

// firstIPv4 returns the named interface's IPv4 address, or the first up,
// non-loopback interface that has one when name is empty.
func firstIPv4(name string) (string, string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "", "", err
	}
	for _, ifc := range ifaces {
		if name != "" && ifc.Name != name {
			continue
		}
		if ifc.Flags&net.FlagUp == 0 || ifc.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := ifc.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipn, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			if ip4 := ipn.IP.To4(); ip4 != nil {
				return ifc.Name, ip4.String(), nil
			}
		}
	}
	return "", "", ErrNoInterface
}

// Options configures a Monitor.
type Options struct {
	Bus      *channel.Bus
	Log      *logging.Logger
	Source   Source
	Interval time.Duration
}

// Monitor polls a Source and pushes the Info when it changes.
type Monitor struct {
	bus      *channel.Bus
	log      *logging.Logger
	source   Source
	interval time.Duration

	mu        sync.Mutex
	current   *Info
	loggedErr bool

	wg sync.WaitGroup
}

// NewMonitor creates a Monitor. Source defaults to ReadInfo(EnvFile).
func NewMonitor(o Options) *Monitor {
	m := &Monitor{bus: o.Bus, log: o.Log, source: o.Source, interval: o.Interval}
	if m.source == nil {
		m.source = ReadInfo(EnvFile)
	}
	if m.interval <= 0 {
		m.interval = 5 * time.Second
	}
	return m
}

// Start answers queries, polls once and then on every interval until ctx
// is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	m.bus.Handle(channel.SystemNetwork, func(string) {
		if info := m.Current(); info != nil {
			m.bus.Send(channel.SystemNetwork, info)
		}
	})

	m.Poll()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Poll()
			}
		}
	}()
}

// Wait blocks until the poll loop has exited.
func (m *Monitor) Wait() {
	m.wg.Wait()
}

// Poll reads the source once and pushes the result if it changed.
func (m *Monitor) Poll() {
	info, err := m.source()

	m.mu.Lock()
	if err != nil {
		first := !m.loggedErr
		m.loggedErr = true
		m.mu.Unlock()
		if first {
			m.log.Error("network read failed", "error", err)
		}
		return
	}
	m.loggedErr = false
	if equal(m.current, info) {
		m.mu.Unlock()
		return
	}
	m.current = info
	m.mu.Unlock()

	if info != nil {
		m.log.Info("network changed", "iface", info.Iface, "address", info.Address, "ssid", info.SSID)
	}
	m.bus.Send(channel.SystemNetwork, info)
}

// Current returns the last known Info.
func (m *Monitor) Current() *Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func equal(a, b *Info) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
