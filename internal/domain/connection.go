package domain

import "time"

// EAInfo is the terminal metadata reported during the auth handshake.
type EAInfo struct {
	Version     string `json:"version"`
	Platform    string `json:"platform"` // MT4/MT5
	Account     string `json:"account"`
	ServerName  string `json:"serverName,omitempty"`
	CompanyName string `json:"companyName,omitempty"`
}

type ConnectionQuality string

const (
	QualityUnknown   ConnectionQuality = "UNKNOWN"
	QualityExcellent ConnectionQuality = "EXCELLENT"
	QualityGood      ConnectionQuality = "GOOD"
	QualityPoor      ConnectionQuality = "POOR"
)

// QualityForLatency classifies a round-trip latency: <50ms excellent,
// <100ms good, otherwise poor.
func QualityForLatency(latency time.Duration) ConnectionQuality {
	switch {
	case latency < 50*time.Millisecond:
		return QualityExcellent
	case latency < 100*time.Millisecond:
		return QualityGood
	default:
		return QualityPoor
	}
}

// Connection is the registry's view of one terminal session.
type Connection struct {
	ID            string
	EA            *EAInfo
	Authenticated bool
	ConnectedAt   time.Time
	LastHeartbeat time.Time
	Alive         bool

	MessageCount int64
	ErrorCount   int64
	LastMessage  time.Time
	Latency      time.Duration
	Quality      ConnectionQuality
}

// AccountID returns the brokerage account this session belongs to, or ""
// before authentication.
func (c *Connection) AccountID() string {
	if c.EA == nil {
		return ""
	}
	return c.EA.Account
}

// GatewayStatus is a point-in-time snapshot of the whole gateway, served by
// the ops endpoint.
type GatewayStatus struct {
	Running          bool      `json:"running"`
	Host             string    `json:"host"`
	Port             int       `json:"port"`
	ConnectedClients int       `json:"connected_clients"`
	MessagesReceived int64     `json:"messages_received"`
	MessagesSent     int64     `json:"messages_sent"`
	Errors           int64     `json:"errors"`
	UptimeSeconds    int64     `json:"uptime_seconds"`
	StartedAt        time.Time `json:"started_at"`
}
