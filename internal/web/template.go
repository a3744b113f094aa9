package web

import (
	"fmt"
	"html/template"
	"io"
	"time"

	"github.com/sweeney/pool-controller/internal/channel"
	"github.com/sweeney/pool-controller/internal/status"
)

var indexTmpl = template.Must(template.New("index").Funcs(template.FuncMap{
	"uptime": func(d time.Duration) string {
		d = d.Truncate(time.Second)
		days := int(d.Hours()) / 24
		h := int(d.Hours()) % 24
		m := int(d.Minutes()) % 60
		s := int(d.Seconds()) % 60
		if days > 0 {
			return fmt.Sprintf("%dd %dh %dm %ds", days, h, m, s)
		}
		if h > 0 {
			return fmt.Sprintf("%dh %dm %ds", h, m, s)
		}
		if m > 0 {
			return fmt.Sprintf("%dm %ds", m, s)
		}
		return fmt.Sprintf("%ds", s)
	},
	"stateOrUnknown": func(s string) string {
		if s == "" {
			return "UNKNOWN"
		}
		return s
	},
	"reading": func(snap status.Snapshot, name string) string {
		if v, ok := snap.Reading(channel.Name(name)); ok {
			return v
		}
		return "-"
	},
}).Parse(indexHTML))

const indexHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Pool Controller</title>
<style>
body { font-family: monospace; max-width: 600px; margin: 2em auto; padding: 0 1em; }
h1 { font-size: 1.4em; }
table { border-collapse: collapse; width: 100%; margin: 1em 0; }
td, th { text-align: left; padding: 4px 8px; border-bottom: 1px solid #ddd; }
th { width: 40%; }
.on, .AVAILABLE { color: green; font-weight: bold; }
.off { color: #888; }
.unknown, .INITIALIZING { color: orange; }
.ERROR { color: red; font-weight: bold; }
.connected { color: green; }
.disconnected { color: red; }
.live-dot { display: inline-block; width: 8px; height: 8px; border-radius: 50%; margin-left: 6px; vertical-align: middle; }
.live-dot.ok { background: green; }
.live-dot.err { background: red; }
.live-dot.pending { background: orange; }
</style>
</head>
<body>
<h1>Pool Controller<span id="live-dot" class="live-dot pending" title="connecting"></span></h1>

<h2>Pump</h2>
<table>
<tr><th>System</th><td id="system/status" class="{{.Status}}">{{.Status}}</td></tr>
<tr><th>Switch</th><td id="system/switch" class="{{if eq (stateOrUnknown (printf "%s" .Switch)) "ON"}}on{{else if eq (stateOrUnknown (printf "%s" .Switch)) "OFF"}}off{{else}}unknown{{end}}">{{stateOrUnknown (printf "%s" .Switch)}}</td></tr>
{{if .PumpConfigured}}<tr><th>Connection</th><td>{{.PumpConnection}}</td></tr>
<tr><th>Power</th><td><span id="pump/kW">{{reading .Snapshot "pump/kW"}}</span> kW</td></tr>
<tr><th>Current</th><td><span id="pump/mA">{{reading .Snapshot "pump/mA"}}</span> mA</td></tr>
<tr><th>Voltage</th><td><span id="pump/voltage">{{reading .Snapshot "pump/voltage"}}</span> V</td></tr>{{end}}
</table>

{{with .Chlorinator}}<h2>Chlorinator</h2>
<table>
<tr><th>Output</th><td><span id="chlorinator/output">{{.Effective}}</span>% (set {{.Output}}%)</td></tr>
<tr><th>Duty cycle</th><td>{{.DutyCycle}}</td></tr>
<tr><th>Active cell</th><td>GPIO {{.ActiveCell}}{{if not .ActiveCellStart.IsZero}} since {{.ActiveCellStart.Format "2006-01-02"}}{{end}}</td></tr>
<tr><th>Power</th><td><span id="chlorinator/power/kW">{{reading $.Snapshot "chlorinator/power/kW"}}</span> kW</td></tr>
<tr><th>Current</th><td><span id="chlorinator/power/mA">{{reading $.Snapshot "chlorinator/power/mA"}}</span> mA</td></tr>
</table>{{end}}

<h2>Sensors</h2>
<table>
<tr><th>Water</th><td><span id="water/temperature">{{reading .Snapshot "water/temperature"}}</span> °</td></tr>
<tr><th>Ambient</th><td><span id="ambient/temperature">{{reading .Snapshot "ambient/temperature"}}</span> °C</td></tr>
<tr><th>Humidity</th><td><span id="ambient/humidity">{{reading .Snapshot "ambient/humidity"}}</span> %</td></tr>
</table>

<h2>Connectivity</h2>
<table>
<tr><th>MQTT</th><td class="{{if .MQTTConnected}}connected{{else}}disconnected{{end}}">{{if .MQTTConnected}}connected{{else}}disconnected{{end}}</td></tr>
<tr><th>Broker</th><td>{{if .Config.Broker}}{{.Config.Broker}}{{else}}not configured{{end}}</td></tr>
{{if .Network}}<tr><th>Network</th><td>{{.Network.Status}} ({{.Network.Type}}{{if .Network.SSID}}, {{.Network.SSID}}{{end}})</td></tr>
<tr><th>IP</th><td>{{.Network.Address}}</td></tr>{{end}}
</table>

<h2>System</h2>
<table>
<tr><th>Uptime</th><td>{{uptime .Uptime}}</td></tr>
<tr><th>Started</th><td>{{.StartTime.UTC.Format "2006-01-02T15:04:05Z"}}</td></tr>
<tr><th>GPIO</th><td>{{.Config.GPIODriver}}</td></tr>
<tr><th>HTTP</th><td>{{.Config.HTTPAddr}}</td></tr>
</table>

<p><a href="/index.json">JSON</a> | <a href="/metrics">metrics</a></p>
<script>
(function() {
  var dot = document.getElementById("live-dot");

  function setDot(cls, title) {
    dot.className = "live-dot " + cls;
    dot.title = title;
  }

  function connect() {
    var proto = location.protocol === "https:" ? "wss://" : "ws://";
    var ws = new WebSocket(proto + location.host + "/ws");

    ws.onopen = function() { setDot("ok", "live"); };
    ws.onclose = function() {
      setDot("err", "offline");
      setTimeout(connect, 5000);
    };
    ws.onmessage = function(ev) {
      try {
        var msg = JSON.parse(ev.data);
        var el = document.getElementById(msg.channel);
        if (!el) return;
        var v = msg.payload === null ? "-" : String(msg.payload);
        el.textContent = v;
        if (msg.channel === "system/switch") {
          el.className = v === "ON" ? "on" : v === "OFF" ? "off" : "unknown";
        } else if (msg.channel === "system/status") {
          el.className = v;
        }
      } catch (e) {}
    };
  }

  connect();
})();
</script>
</body>
</html>
`

func renderHTML(w io.Writer, snap status.Snapshot) {
	// The template needs Uptime as a value, not a method.
	data := struct {
		status.Snapshot
		Uptime time.Duration
	}{
		Snapshot: snap,
		Uptime:   snap.Uptime(),
	}
	indexTmpl.Execute(w, data)
}
