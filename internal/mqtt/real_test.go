package mqtt

import (
	"net"
	"strings"
	"testing"
	"time"

	"github.com/sweeney/pool-controller/internal/config"
	"github.com/sweeney/pool-controller/internal/logging"
)

func TestNewRealClientTimesOutOnSilentBroker(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	// Accept and never answer CONNECT.
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
		}
	}()

	saved := connectTimeout
	connectTimeout = 100 * time.Millisecond
	defer func() { connectTimeout = saved }()

	addr := ln.Addr().(*net.TCPAddr)
	start := time.Now()
	c, err := NewRealClient(config.MQTT{Host: "127.0.0.1", Port: addr.Port}, logging.Discard())
	if err == nil {
		c.Close()
		t.Fatal("expected a timeout error")
	}
	if !strings.Contains(err.Error(), "timeout") {
		t.Errorf("err = %v, want timeout", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("NewRealClient took %v", elapsed)
	}
}
