package gateway

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hedgesys/hedge-gateway/internal/domain"
)

// envelope is the flat wire format shared with the EA terminals. Both sides
// exchange JSON text frames with a type discriminator; only the fields for
// the given type are populated.
type envelope struct {
	Type       string `json:"type"`
	Timestamp  string `json:"timestamp,omitempty"`
	SequenceID int64  `json:"sequenceId,omitempty"`
	AccountID  string `json:"accountId,omitempty"`
	PositionID string `json:"positionId,omitempty"`
	ActionID   string `json:"actionId,omitempty"`

	// Command fields (host -> terminal)
	Symbol       string  `json:"symbol,omitempty"`
	Side         string  `json:"side,omitempty"`
	Volume       float64 `json:"volume,omitempty"`
	TrailWidth   float64 `json:"trailWidth,omitempty"`
	StopLoss     float64 `json:"stopLoss,omitempty"`
	TakeProfit   float64 `json:"takeProfit,omitempty"`
	NewStopPrice float64 `json:"newStopPrice,omitempty"`

	// Event fields (terminal -> host)
	OrderID   string         `json:"orderId,omitempty"`
	Price     float64        `json:"price,omitempty"`
	Profit    float64        `json:"profit,omitempty"`
	Bid       float64        `json:"bid,omitempty"`
	Ask       float64        `json:"ask,omitempty"`
	Time      string         `json:"time,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	Message   string         `json:"message,omitempty"`
	ErrorCode string         `json:"errorCode,omitempty"`
	Token     string         `json:"token,omitempty"`
	EAInfo    *domain.EAInfo `json:"eaInfo,omitempty"`

	// Server frame fields
	ClientID string `json:"clientId,omitempty"`
	Server   string `json:"server,omitempty"`
}

func parseWireTime(s string) time.Time {
	if s == "" {
		return time.Now().UTC()
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Now().UTC()
	}
	return t
}

// decodeEvent turns an inbound frame into a typed Event. Unknown types are
// returned as EventUnknown with RawType set, never dropped silently.
func decodeEvent(data []byte) (*domain.Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("invalid frame: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("invalid frame: missing type")
	}

	ev := &domain.Event{
		Timestamp:  parseWireTime(env.Timestamp),
		SequenceID: env.SequenceID,
		AccountID:  env.AccountID,
		PositionID: env.PositionID,
		ActionID:   env.ActionID,
		RawType:    env.Type,
	}

	switch domain.EventType(env.Type) {
	case domain.EventOpened:
		ev.Type = domain.EventOpened
		ev.Opened = &domain.OpenedEvent{
			PositionID: env.PositionID,
			OrderID:    env.OrderID,
			Price:      env.Price,
			Time:       parseWireTime(env.Time),
		}
	case domain.EventClosed:
		ev.Type = domain.EventClosed
		ev.Closed = &domain.ClosedEvent{
			PositionID: env.PositionID,
			Price:      env.Price,
			Profit:     env.Profit,
			Time:       parseWireTime(env.Time),
		}
	case domain.EventStopped:
		ev.Type = domain.EventStopped
		ev.Stopped = &domain.StoppedEvent{
			PositionID: env.PositionID,
			Price:      env.Price,
			Time:       parseWireTime(env.Time),
			Reason:     env.Reason,
		}
	case domain.EventError:
		ev.Type = domain.EventError
		ev.Error = &domain.ErrorEvent{
			PositionID: env.PositionID,
			Message:    env.Message,
			ErrorCode:  env.ErrorCode,
		}
	case domain.EventPrice:
		ev.Type = domain.EventPrice
		ev.Price = &domain.PriceEvent{
			Symbol: env.Symbol,
			Bid:    env.Bid,
			Ask:    env.Ask,
			Time:   parseWireTime(env.Time),
		}
	case domain.EventPong:
		ev.Type = domain.EventPong
	case domain.EventInfo:
		ev.Type = domain.EventInfo
		info := &domain.InfoEvent{Token: env.Token}
		if env.EAInfo != nil {
			info.EA = *env.EAInfo
		}
		ev.Info = info
	case domain.EventHeartbeat:
		ev.Type = domain.EventHeartbeat
	default:
		ev.Type = domain.EventUnknown
	}

	return ev, nil
}

// encodeCommand renders the outbound frame for a command. The encoded bytes
// are reused verbatim for every retransmission, so the id never changes.
func encodeCommand(cmd *domain.Command) ([]byte, error) {
	env := envelope{
		Type:         string(cmd.Type),
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
		ActionID:     cmd.ID,
		Symbol:       cmd.Payload.Symbol,
		Side:         string(cmd.Payload.Side),
		Volume:       cmd.Payload.Volume,
		TrailWidth:   cmd.Payload.TrailWidth,
		StopLoss:     cmd.Payload.StopLoss,
		TakeProfit:   cmd.Payload.TakeProfit,
		PositionID:   cmd.Payload.PositionID,
		NewStopPrice: cmd.Payload.NewStopPrice,
	}
	return json.Marshal(&env)
}

func authSuccessFrame(clientID string) []byte {
	data, _ := json.Marshal(&envelope{
		Type:      "AUTH_SUCCESS",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		ClientID:  clientID,
	})
	return data
}

func heartbeatAckFrame() []byte {
	data, _ := json.Marshal(&envelope{
		Type:      "HEARTBEAT_ACK",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	return data
}

func heartbeatFrame() []byte {
	data, _ := json.Marshal(&envelope{
		Type:      "HEARTBEAT",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Server:    "hedge-gateway",
	})
	return data
}

func errorFrame(message string) []byte {
	data, _ := json.Marshal(&envelope{
		Type:      "ERROR",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Message:   message,
	})
	return data
}
