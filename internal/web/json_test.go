package web

import (
	"testing"

	"github.com/sweeney/pool-controller/internal/channel"
	"github.com/sweeney/pool-controller/internal/logic"
	"github.com/sweeney/pool-controller/internal/network"
)

func TestDecodeCommand(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		channel channel.Name
		payload string
		wantErr bool
	}{
		{"string payload", `{"channel":"chlorinator/output/set","payload":"40"}`, channel.ChlorinatorOutputSet, "40", false},
		{"number payload", `{"channel":"chlorinator/output/set","payload":40}`, channel.ChlorinatorOutputSet, "40", false},
		{"object payload", `{"channel":"system/schedule","payload":{"on":"08:00"}}`, channel.SystemSchedule, `{"on":"08:00"}`, false},
		{"missing payload is a query", `{"channel":"system/status"}`, channel.SystemStatus, "", false},
		{"null payload is a query", `{"channel":"system/status","payload":null}`, channel.SystemStatus, "", false},
		{"empty string is a query", `{"channel":"system/status","payload":""}`, channel.SystemStatus, "", false},
		{"no channel", `{"payload":"ON"}`, "", "", true},
		{"garbage", `{`, "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			name, payload, err := decodeCommand([]byte(tt.in))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if name != tt.channel || payload != tt.payload {
				t.Errorf("got (%q, %q), want (%q, %q)", name, payload, tt.channel, tt.payload)
			}
		})
	}
}

func TestEncodeEvent(t *testing.T) {
	tests := []struct {
		name string
		ev   channel.Event
		want string
	}{
		{"string", channel.Event{Channel: channel.PumpKW, Payload: "0.75"}, `{"channel":"pump/kW","payload":"0.75"}`},
		{"int", channel.Event{Channel: channel.ChlorinatorOutput, Payload: 40}, `{"channel":"chlorinator/output","payload":40}`},
		{"status tag", channel.Event{Channel: channel.SystemStatus, Payload: logic.StatusAvailable}, `{"channel":"system/status","payload":"AVAILABLE"}`},
		{"unknown", channel.Event{Channel: channel.PumpMA, Payload: nil}, `{"channel":"pump/mA","payload":null}`},
		{"struct", channel.Event{Channel: channel.SystemNetwork, Payload: &network.Info{Iface: "eth0"}}, `{"channel":"system/network","payload":{"iface":"eth0"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := encodeEvent(tt.ev)
			if err != nil {
				t.Fatal(err)
			}
			if string(got) != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}
