package domain

import (
	"sync"
	"time"
)

type CommandType string

const (
	CommandOpen       CommandType = "OPEN"
	CommandClose      CommandType = "CLOSE"
	CommandModifyStop CommandType = "MODIFY_STOP"
	CommandPing       CommandType = "PING"
)

type CommandStatus string

const (
	CommandPending      CommandStatus = "PENDING"
	CommandSent         CommandStatus = "SENT"
	CommandAcknowledged CommandStatus = "ACKNOWLEDGED"
	CommandFailedStatus CommandStatus = "FAILED"
)

// CommandPayload carries the type-specific fields of an outbound command.
// Only the fields for the command's type are set; the payload is immutable
// after the first send.
type CommandPayload struct {
	Symbol       string  `json:"symbol,omitempty"`
	Side         Side    `json:"side,omitempty"`
	Volume       float64 `json:"volume,omitempty"`
	TrailWidth   float64 `json:"trailWidth,omitempty"`
	StopLoss     float64 `json:"stopLoss,omitempty"`
	TakeProfit   float64 `json:"takeProfit,omitempty"`
	PositionID   string  `json:"positionId,omitempty"`
	NewStopPrice float64 `json:"newStopPrice,omitempty"`
}

// Command is one host->terminal instruction, owned by the protocol layer
// until it reaches a terminal status.
type Command struct {
	ID           string
	ConnectionID string
	Type         CommandType
	Payload      CommandPayload
	CreatedAt    time.Time
	RetryCount   int
	MaxRetries   int
	Status       CommandStatus
}

// CommandResult is delivered exactly once on the command's handle.
type CommandResult struct {
	Command *Command
	Err     error // nil on acknowledgment
}

// CommandHandle settles exactly once, either with the terminal's
// acknowledgment or with a failure. Waiters read from Done.
type CommandHandle struct {
	cmd  *Command
	done chan CommandResult
	once sync.Once
}

func NewCommandHandle(cmd *Command) *CommandHandle {
	return &CommandHandle{cmd: cmd, done: make(chan CommandResult, 1)}
}

func (h *CommandHandle) Command() *Command { return h.cmd }

func (h *CommandHandle) Done() <-chan CommandResult { return h.done }

// Settle resolves the handle. Calls after the first are no-ops.
func (h *CommandHandle) Settle(err error) {
	h.once.Do(func() {
		if err == nil {
			h.cmd.Status = CommandAcknowledged
		} else {
			h.cmd.Status = CommandFailedStatus
		}
		h.done <- CommandResult{Command: h.cmd, Err: err}
		close(h.done)
	})
}

type EventType string

const (
	EventOpened    EventType = "OPENED"
	EventClosed    EventType = "CLOSED"
	EventStopped   EventType = "STOPPED"
	EventError     EventType = "ERROR"
	EventPrice     EventType = "PRICE"
	EventPong      EventType = "PONG"
	EventInfo      EventType = "INFO"
	EventHeartbeat EventType = "HEARTBEAT"
	EventUnknown   EventType = "UNKNOWN"
)

type OpenedEvent struct {
	PositionID string    `json:"positionId"`
	OrderID    string    `json:"orderId"`
	Price      float64   `json:"price"`
	Time       time.Time `json:"time"`
}

type ClosedEvent struct {
	PositionID string    `json:"positionId"`
	Price      float64   `json:"price"`
	Profit     float64   `json:"profit"`
	Time       time.Time `json:"time"`
}

type StoppedEvent struct {
	PositionID string    `json:"positionId"`
	Price      float64   `json:"price"`
	Time       time.Time `json:"time"`
	Reason     string    `json:"reason"`
}

type ErrorEvent struct {
	PositionID string `json:"positionId,omitempty"`
	Message    string `json:"message"`
	ErrorCode  string `json:"errorCode"`
}

type PriceEvent struct {
	Symbol string    `json:"symbol"`
	Bid    float64   `json:"bid"`
	Ask    float64   `json:"ask"`
	Time   time.Time `json:"time"`
}

// InfoEvent doubles as the auth handshake: the terminal sends its shared
// token plus metadata as the first message.
type InfoEvent struct {
	Token string `json:"token"`
	EA    EAInfo `json:"eaInfo"`
}

// Event is one inbound terminal->host message, decoded into a closed set of
// variants. Exactly one variant pointer is non-nil for a known type; an
// unknown type keeps RawType and all variants nil.
type Event struct {
	Type       EventType
	Timestamp  time.Time
	SequenceID int64
	AccountID  string
	PositionID string
	ActionID   string
	RawType    string

	Opened  *OpenedEvent
	Closed  *ClosedEvent
	Stopped *StoppedEvent
	Error   *ErrorEvent
	Price   *PriceEvent
	Info    *InfoEvent
}

// Mid returns the midpoint of a price event's bid/ask.
func (e *PriceEvent) Mid() float64 {
	return (e.Bid + e.Ask) / 2
}
