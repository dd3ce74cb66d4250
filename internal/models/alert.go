package models

import "time"

// AlertEntry records one notification attempt for an anomaly.
type AlertEntry struct {
	ID         int64     `json:"id" db:"id"`
	AnomalyID  string    `json:"anomaly_id" db:"anomaly_id"`
	RequestID  string    `json:"request_id" db:"request_id"`
	Endpoint   string    `json:"endpoint" db:"endpoint"`
	Reasons    string    `json:"reasons" db:"reasons"`
	Severity   Severity  `json:"severity" db:"severity"`
	Channel    string    `json:"channel" db:"channel"`
	Delivered  bool      `json:"delivered" db:"delivered"`
	Error      string    `json:"error,omitempty" db:"error"`
	NotifiedAt time.Time `json:"notified_at" db:"notified_at"`
}

// AlertSummary aggregates alert history over a trailing window.
type AlertSummary struct {
	TotalAlerts       int              `json:"total_alerts"`
	SeverityBreakdown map[Severity]int `json:"severity_breakdown"`
	ReasonBreakdown   map[Reason]int   `json:"reason_breakdown"`
	ChannelFailures   int              `json:"channel_failures"`
	TimeRangeHours    int              `json:"time_range_hours"`
	Hotspots          []Hotspot        `json:"hotspots,omitempty"`
}

// Hotspot is a recurring endpoint+reason combination mined from alert history.
type Hotspot struct {
	Endpoint   string    `json:"endpoint"`
	Reason     Reason    `json:"reason"`
	Count      int       `json:"count"`
	Prevalence float64   `json:"prevalence"`
	LastSeen   time.Time `json:"last_seen"`
}
