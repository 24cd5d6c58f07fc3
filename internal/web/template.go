package web

import (
	"fmt"
	"html/template"
	"io"
	"time"

	"github.com/sweeney/filament-sensor/internal/status"
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
	"yesno": func(b bool) string {
		if b {
			return "yes"
		}
		return "no"
	},
}).Parse(indexHTML))

const indexHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Filament Sensor</title>
<style>
body { font-family: monospace; max-width: 600px; margin: 2em auto; padding: 0 1em; }
h1 { font-size: 1.4em; }
table { border-collapse: collapse; width: 100%; margin: 1em 0; }
td, th { text-align: left; padding: 4px 8px; border-bottom: 1px solid #ddd; }
th { width: 40%; }
.present { color: green; font-weight: bold; }
.empty { color: red; font-weight: bold; }
.unknown { color: orange; }
.connected { color: green; }
.disconnected { color: red; }
.live-dot { display: inline-block; width: 8px; height: 8px; border-radius: 50%; margin-left: 6px; vertical-align: middle; }
.live-dot.ok { background: green; }
.live-dot.err { background: red; }
.live-dot.pending { background: orange; }
</style>
</head>
<body>
<h1>Filament Sensor<span id="live-dot" class="live-dot pending" title="connecting"></span></h1>

<h2>Filament</h2>
<table>
<tr><th>Reading</th><td id="filament" class="{{.FilamentClass}}">{{.Filament}}</td></tr>
<tr><th>Armed</th><td id="armed">{{yesno .Monitor.Armed}}{{if .Monitor.Polling}} (polling){{end}}</td></tr>
<tr><th>Job active</th><td>{{yesno .Monitor.JobActive}}{{if .Monitor.Paused}} (paused){{end}}</td></tr>
<tr><th>Runout sent</th><td>{{yesno .Monitor.Notified}}</td></tr>
{{if .Monitor.LastError}}<tr><th>Last error</th><td class="disconnected">{{.Monitor.LastError}}</td></tr>{{end}}
</table>

<h2>Connectivity</h2>
<table>
<tr><th>Printer</th><td class="{{if .PrinterConnected}}connected{{else}}disconnected{{end}}">{{.Config.Printer}} {{if .PrinterConnected}}connected{{else}}disconnected{{end}}</td></tr>
<tr><th>MQTT</th><td class="{{if .MQTTConnected}}connected{{else}}disconnected{{end}}">{{if .MQTTConnected}}connected{{else}}disconnected{{end}}</td></tr>
<tr><th>Broker</th><td>{{.Config.Broker}}</td></tr>
{{if .Network}}<tr><th>Network</th><td>{{.Network.Status}} ({{.Network.Type}}{{if .Network.SSID}}, {{.Network.SSID}}{{end}})</td></tr>
<tr><th>IP</th><td>{{.Network.IP}}</td></tr>{{end}}
</table>

<h2>Counts</h2>
<table>
<tr><th>Runouts</th><td>{{.Monitor.Runouts}}</td></tr>
<tr><th>Edges</th><td>{{.Monitor.Edges}}</td></tr>
<tr><th>Bounced</th><td>{{.Monitor.Bounced}}</td></tr>
<tr><th>Spurious</th><td>{{.Monitor.Spurious}}</td></tr>
</table>

<h2>System</h2>
<table>
<tr><th>Uptime</th><td>{{uptime .Uptime}}</td></tr>
<tr><th>Started</th><td>{{.StartTime.UTC.Format "2006-01-02T15:04:05Z"}}</td></tr>
<tr><th>Pin</th><td>{{if lt .Config.Pin 0}}disabled{{else}}{{.Config.Pin}} ({{.Config.PinMode}}){{end}}</td></tr>
<tr><th>Debounce</th><td>{{.Config.DebounceMs}}ms</td></tr>
<tr><th>Resend</th><td>{{.Config.Resend}}</td></tr>
<tr><th>HTTP</th><td>{{.Config.HTTPAddr}}</td></tr>
</table>

<p><a href="/index.json">JSON</a></p>
<script>
(function() {
  var dot = document.getElementById("live-dot");
  var el = document.getElementById("filament");
  var labels = { present: "PRESENT", empty: "ABSENT", unknown: "UNKNOWN" };

  function setDot(cls, title) {
    dot.className = "live-dot " + cls;
    dot.title = title;
  }

  function connect() {
    var ws = new WebSocket((location.protocol === "https:" ? "wss://" : "ws://") + location.host + "/ws");
    ws.onopen = function() { setDot("ok", "live"); };
    ws.onclose = function() {
      setDot("err", "offline");
      setTimeout(connect, 5000);
    };
    ws.onmessage = function(ev) {
      try {
        var msg = JSON.parse(ev.data);
        var cls = null;
        if (msg.type === "status_init") {
          cls = msg.data.status.filamentStatus;
        } else if (msg.data && msg.data.filamentStatus) {
          cls = msg.data.filamentStatus;
        }
        if (cls) {
          el.className = cls;
          el.textContent = labels[cls] || cls;
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

func renderHTML(w io.Writer, snap status.Snapshot) error {
	// Snapshot has Uptime() method but template needs a Duration field.
	data := struct {
		status.Snapshot
		Uptime        time.Duration
		FilamentClass string
	}{
		Snapshot:      snap,
		Uptime:        snap.Uptime(),
		FilamentClass: snap.Filament.UIStatus(),
	}
	return indexTmpl.Execute(w, data)
}
