package status

import (
	"encoding/json"
	"time"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	Event          string        `json:"event,omitempty"`
	Reason         string        `json:"reason,omitempty"`
	Filament       string        `json:"filament"`
	FilamentStatus string        `json:"filamentStatus"`
	Code           string        `json:"code"`
	Armed          bool          `json:"armed"`
	Polling        bool          `json:"polling"`
	JobActive      bool          `json:"job_active"`
	Paused         bool          `json:"paused"`
	Notified       bool          `json:"notified"`
	Episode        string        `json:"episode,omitempty"`
	LastError      string        `json:"last_error,omitempty"`
	LastRunout     string        `json:"last_runout,omitempty"`
	UptimeSeconds  int64         `json:"uptime_seconds"`
	StartTime      string        `json:"start_time"`
	Timestamp      string        `json:"timestamp"`
	MQTT           MQTTStatus    `json:"mqtt"`
	Printer        PrinterStatus `json:"printer"`
	Counts         CountsJSON    `json:"counts"`
	Network        *NetworkJSON  `json:"network,omitempty"`
	Config         ConfigJSON    `json:"config"`
}

// MQTTStatus reports MQTT connection state.
type MQTTStatus struct {
	Connected bool   `json:"connected"`
	Broker    string `json:"broker"`
}

// PrinterStatus reports the job controller link.
type PrinterStatus struct {
	Kind      string `json:"kind"`
	URL       string `json:"url,omitempty"`
	Connected bool   `json:"connected"`
}

// NetworkJSON is the JSON representation of network info.
type NetworkJSON struct {
	Type       string `json:"type"`
	IP         string `json:"ip"`
	Status     string `json:"status"`
	Gateway    string `json:"gateway"`
	WifiStatus string `json:"wifi_status"`
	SSID       string `json:"ssid"`
}

// CountsJSON is the JSON representation of sensor counters.
type CountsJSON struct {
	Runouts  int `json:"runouts"`
	Edges    int `json:"edges"`
	Bounced  int `json:"bounced"`
	Spurious int `json:"spurious"`
	Stale    int `json:"stale"`
}

// ConfigJSON is the JSON representation of daemon config.
type ConfigJSON struct {
	Pin              int    `json:"pin"`
	PinMode          string `json:"pin_mode"`
	DebounceMs       int64  `json:"debounce_ms"`
	StatusIntervalMs int64  `json:"status_interval_ms"`
	Resend           string `json:"resend"`
	PauseOnAbsent    bool   `json:"pause_on_absent"`
	Broker           string `json:"broker"`
	HTTPAddr         string `json:"http_addr"`
}

// Build returns the status document for snap.
func Build(snap Snapshot) StatusJSON {
	return StatusJSON{Status: buildInner(snap)}
}

func buildInner(snap Snapshot) StatusInner {
	filament := string(snap.Filament)
	if filament == "" {
		filament = "UNKNOWN"
	}
	mon := snap.Monitor

	inner := StatusInner{
		Filament:       filament,
		FilamentStatus: snap.Filament.UIStatus(),
		Code:           LegacyCode(snap.Filament),
		Armed:          mon.Armed,
		Polling:        mon.Polling,
		JobActive:      mon.JobActive,
		Paused:         mon.Paused,
		Notified:       mon.Notified,
		Episode:        mon.Episode,
		LastError:      mon.LastError,
		UptimeSeconds:  int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:      snap.StartTime.UTC().Format(time.RFC3339),
		Timestamp:      snap.Now.UTC().Format(time.RFC3339),
		MQTT:           MQTTStatus{Connected: snap.MQTTConnected, Broker: snap.Config.Broker},
		Printer: PrinterStatus{
			Kind:      snap.Config.Printer,
			URL:       snap.Config.PrinterURL,
			Connected: snap.PrinterConnected,
		},
		Counts: CountsJSON{
			Runouts:  mon.Runouts,
			Edges:    mon.Edges,
			Bounced:  mon.Bounced,
			Spurious: mon.Spurious,
			Stale:    mon.Stale,
		},
		Config: ConfigJSON{
			Pin:              snap.Config.Pin,
			PinMode:          snap.Config.PinMode,
			DebounceMs:       snap.Config.DebounceMs,
			StatusIntervalMs: snap.Config.StatusIntervalMs,
			Resend:           snap.Config.Resend,
			PauseOnAbsent:    snap.Config.PauseOnAbsent,
			Broker:           snap.Config.Broker,
			HTTPAddr:         snap.Config.HTTPAddr,
		},
	}
	if n := snap.Network; n != nil {
		inner.Network = &NetworkJSON{
			Type:       n.Type,
			IP:         n.IP,
			Status:     n.Status,
			Gateway:    n.Gateway,
			WifiStatus: n.WifiStatus,
			SSID:       n.SSID,
		}
	}
	if !mon.LastRunout.IsZero() {
		inner.LastRunout = mon.LastRunout.UTC().Format(time.RFC3339)
	}
	return inner
}

// FormatJSON returns the JSON status for the web endpoint (no event/reason).
func FormatJSON(snap Snapshot) []byte {
	data, _ := json.MarshalIndent(Build(snap), "", "  ")
	return data
}

// FormatStatusEvent returns the JSON status for an MQTT system event.
func FormatStatusEvent(snap Snapshot, event, reason string) []byte {
	inner := buildInner(snap)
	inner.Event = event
	inner.Reason = reason

	data, _ := json.Marshal(StatusJSON{Status: inner})
	return data
}
