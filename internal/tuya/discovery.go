package tuya

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
)

// Broadcast ports: plain JSON on 6666, encrypted with udpKey on 6667.
const (
	udpPortPlain     = 6666
	udpPortEncrypted = 6667
)

// broadcast is the announcement a device sends every few seconds.
type broadcast struct {
	IP      string `json:"ip"`
	GwID    string `json:"gwId"`
	Version string `json:"version"`
}

// Discover listens for the announcement of device id and returns its IP.
// It gives up when ctx is done.
func Discover(ctx context.Context, id string) (string, error) {
	found := make(chan string, 1)

	var listening int
	var lastErr error
	for _, port := range []int{udpPortPlain, udpPortEncrypted} {
		pc, err := net.ListenPacket("udp4", fmt.Sprintf(":%d", port))
		if err != nil {
			lastErr = err
			continue
		}
		defer pc.Close()
		listening++
		go listenBroadcasts(pc, port == udpPortEncrypted, id, found)
	}
	if listening == 0 {
		return "", fmt.Errorf("listen for broadcasts: %w", lastErr)
	}

	select {
	case ip := <-found:
		return ip, nil
	case <-ctx.Done():
		return "", fmt.Errorf("discover %s: %w", id, ctx.Err())
	}
}

func listenBroadcasts(pc net.PacketConn, encrypted bool, id string, found chan<- string) {
	buf := make([]byte, 4096)
	for {
		n, _, err := pc.ReadFrom(buf)
		if err != nil {
			return
		}
		ip, err := parseBroadcast(buf[:n], encrypted, id)
		if err != nil || ip == "" {
			continue
		}
		select {
		case found <- ip:
		default:
		}
		return
	}
}

// parseBroadcast returns the IP in an announcement if it is from id.
func parseBroadcast(b []byte, encrypted bool, id string) (string, error) {
	f, err := DecodeFrame(b)
	if err != nil {
		return "", err
	}
	payload := f.Payload
	if encrypted {
		payload, err = Decrypt(udpKey[:], payload)
		if err != nil {
			return "", err
		}
	}
	var msg broadcast
	if err := json.Unmarshal(payload, &msg); err != nil {
		return "", fmt.Errorf("decode broadcast: %w", err)
	}
	if msg.GwID != id {
		return "", nil
	}
	if msg.IP == "" {
		return "", errors.New("broadcast without ip")
	}
	return msg.IP, nil
}
