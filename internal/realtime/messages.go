package realtime

import (
	"bytes"
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/coachpo/orchestrator/internal/domain/schema"
)

// Envelope is the common shape of inbound frames. Payloads arrive either
// under data or as top-level fields, so the raw frame is kept.
type Envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Error     string          `json:"error"`
	Timestamp json.RawMessage `json:"timestamp"`

	Raw []byte `json:"-"`
}

// DecodeEnvelope parses a frame. A bare {"error": ...} is typed "error".
func DecodeEnvelope(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode frame: %w", err)
	}
	if env.Type == "" && env.Error != "" {
		env.Type = "error"
	}
	env.Raw = frame
	return env, nil
}

// payload returns data when present, otherwise the whole frame.
func (e Envelope) payload() []byte {
	trimmed := bytes.TrimSpace(e.Data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return e.Raw
	}
	return trimmed
}

func (e Envelope) decode(out any) error {
	if err := json.Unmarshal(e.payload(), out); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// Message is the closed set of decoded stream messages.
type Message interface {
	messageType() string
}

type (
	TickerMessage struct{ Ticker schema.Ticker }

	BackfillMessage struct {
		Symbol    string          `json:"symbol"`
		Timeframe string          `json:"timeframe"`
		Candles   []schema.Candle `json:"candles"`
	}

	BackfillErrorMessage struct {
		Symbol string `json:"symbol"`
		Error  string `json:"error"`
	}

	ErrorMessage struct{ Error string }

	PongMessage struct{}

	PortfolioSnapshotMessage struct{ Portfolio schema.Portfolio }

	PortfolioDeltaMessage struct{ Delta schema.PortfolioDelta }

	BalanceMessage struct{ Balances []schema.WalletBalance }

	TransactionMessage struct{ Raw json.RawMessage }

	BotStatusMessage struct {
		BotID  string
		Status schema.BotStatus
		Bot    *schema.Bot
	}

	NotificationMessage struct{ Notification schema.Notification }

	InitialNotificationsMessage struct{ Notifications []schema.Notification }

	NotificationReadMessage struct{ ID string }

	NotificationDeletedMessage struct{ ID string }

	AllNotificationsReadMessage struct{ Count int }

	UnreadCountMessage struct{ Count int }

	RiskScenarioMessage struct{ Notification schema.Notification }

	// UnknownMessage carries a type outside the stream's closed set.
	UnknownMessage struct{ Type string }
)

func (TickerMessage) messageType() string               { return "ticker" }
func (BackfillMessage) messageType() string             { return "backfill" }
func (BackfillErrorMessage) messageType() string        { return "backfill_error" }
func (ErrorMessage) messageType() string                { return "error" }
func (PongMessage) messageType() string                 { return "pong" }
func (PortfolioSnapshotMessage) messageType() string    { return "snapshot" }
func (PortfolioDeltaMessage) messageType() string       { return "delta" }
func (BalanceMessage) messageType() string              { return "balance_update" }
func (TransactionMessage) messageType() string          { return "transaction" }
func (BotStatusMessage) messageType() string            { return "bot_status" }
func (NotificationMessage) messageType() string         { return "notification" }
func (InitialNotificationsMessage) messageType() string { return "initial_notifications" }
func (NotificationReadMessage) messageType() string     { return "notification_read" }
func (NotificationDeletedMessage) messageType() string  { return "notification_deleted" }
func (AllNotificationsReadMessage) messageType() string { return "all_notifications_read" }
func (UnreadCountMessage) messageType() string          { return "unread_count_update" }
func (RiskScenarioMessage) messageType() string         { return "risk_scenario" }
func (m UnknownMessage) messageType() string            { return m.Type }

// common decodes the types every stream shares.
func common(env Envelope) (Message, bool) {
	switch env.Type {
	case "error":
		msg := env.Error
		if msg == "" {
			var body struct {
				Message string `json:"message"`
			}
			_ = json.Unmarshal(env.Raw, &body)
			msg = body.Message
		}
		return ErrorMessage{Error: msg}, true
	case "pong", "heartbeat", "auth_success", "subscribed":
		return PongMessage{}, true
	}
	return nil, false
}

// DecodeMarket decodes a market-data frame.
func DecodeMarket(env Envelope) (Message, error) {
	if msg, ok := common(env); ok {
		return msg, nil
	}
	switch env.Type {
	case "market_data", "ticker":
		var t schema.Ticker
		if err := env.decode(&t); err != nil {
			return nil, err
		}
		return TickerMessage{Ticker: t}, nil
	case "backfill":
		var m BackfillMessage
		if err := json.Unmarshal(env.Raw, &m); err != nil {
			return nil, fmt.Errorf("decode backfill: %w", err)
		}
		return m, nil
	case "backfill_error":
		var m BackfillErrorMessage
		if err := json.Unmarshal(env.Raw, &m); err != nil {
			return nil, fmt.Errorf("decode backfill_error: %w", err)
		}
		return m, nil
	case "":
		// the market stream also pushes bare ticker objects
		var t schema.Ticker
		if err := json.Unmarshal(env.Raw, &t); err == nil && t.Symbol != "" {
			return TickerMessage{Ticker: t}, nil
		}
	}
	return UnknownMessage{Type: env.Type}, nil
}

// DecodePortfolio decodes a portfolio frame.
func DecodePortfolio(env Envelope) (Message, error) {
	if msg, ok := common(env); ok {
		return msg, nil
	}
	switch env.Type {
	case "snapshot", "portfolio_update":
		var p schema.Portfolio
		if err := env.decode(&p); err != nil {
			return nil, err
		}
		return PortfolioSnapshotMessage{Portfolio: p}, nil
	case "delta":
		var d schema.PortfolioDelta
		if err := env.decode(&d); err != nil {
			return nil, err
		}
		return PortfolioDeltaMessage{Delta: d}, nil
	}
	return UnknownMessage{Type: env.Type}, nil
}

// DecodeWallet decodes a wallet frame. balance_update carries one balance or a list.
func DecodeWallet(env Envelope) (Message, error) {
	if msg, ok := common(env); ok {
		return msg, nil
	}
	switch env.Type {
	case "balance_update":
		raw := bytes.TrimSpace(env.payload())
		if len(raw) > 0 && raw[0] == '[' {
			var list []schema.WalletBalance
			if err := json.Unmarshal(raw, &list); err != nil {
				return nil, fmt.Errorf("decode balance_update: %w", err)
			}
			return BalanceMessage{Balances: list}, nil
		}
		var one schema.WalletBalance
		if err := json.Unmarshal(raw, &one); err != nil {
			return nil, fmt.Errorf("decode balance_update: %w", err)
		}
		return BalanceMessage{Balances: []schema.WalletBalance{one}}, nil
	case "transaction":
		return TransactionMessage{Raw: append(json.RawMessage(nil), env.payload()...)}, nil
	}
	return UnknownMessage{Type: env.Type}, nil
}

// DecodeBotStatus decodes a bot-status frame. status is either a bare status
// string or the full bot object.
func DecodeBotStatus(env Envelope) (Message, error) {
	if msg, ok := common(env); ok {
		return msg, nil
	}
	if env.Type != "bot_status" {
		return UnknownMessage{Type: env.Type}, nil
	}
	var frame struct {
		BotID  string          `json:"bot_id"`
		Status json.RawMessage `json:"status"`
	}
	if err := json.Unmarshal(env.Raw, &frame); err != nil {
		return nil, fmt.Errorf("decode bot_status: %w", err)
	}
	msg := BotStatusMessage{BotID: frame.BotID}
	raw := bytes.TrimSpace(frame.Status)
	switch {
	case len(raw) > 0 && raw[0] == '"':
		var status string
		if err := json.Unmarshal(raw, &status); err != nil {
			return nil, fmt.Errorf("decode bot_status status: %w", err)
		}
		msg.Status = schema.BotStatus(status)
	case len(raw) > 0 && raw[0] == '{':
		var bot schema.Bot
		if err := json.Unmarshal(raw, &bot); err != nil {
			return nil, fmt.Errorf("decode bot_status bot: %w", err)
		}
		if bot.ID == "" {
			bot.ID = frame.BotID
		}
		msg.Bot = &bot
		msg.Status = bot.Status
	}
	if msg.BotID == "" {
		return nil, fmt.Errorf("decode bot_status: missing bot_id")
	}
	return msg, nil
}

// DecodeNotifications decodes a notifications frame.
func DecodeNotifications(env Envelope) (Message, error) {
	if msg, ok := common(env); ok {
		return msg, nil
	}
	var ids struct {
		NotificationID string `json:"notification_id"`
		Count          int    `json:"count"`
	}
	switch env.Type {
	case "notification", "risk_scenario":
		var n schema.Notification
		if err := env.decode(&n); err != nil {
			return nil, err
		}
		if env.Type == "risk_scenario" {
			return RiskScenarioMessage{Notification: n}, nil
		}
		return NotificationMessage{Notification: n}, nil
	case "initial_notifications":
		var list []schema.Notification
		if err := env.decode(&list); err != nil {
			return nil, err
		}
		return InitialNotificationsMessage{Notifications: list}, nil
	case "notification_read", "notification_deleted", "all_notifications_read", "unread_count_update":
		if err := json.Unmarshal(env.Raw, &ids); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
	default:
		return UnknownMessage{Type: env.Type}, nil
	}
	switch env.Type {
	case "notification_read":
		return NotificationReadMessage{ID: ids.NotificationID}, nil
	case "notification_deleted":
		return NotificationDeletedMessage{ID: ids.NotificationID}, nil
	case "all_notifications_read":
		return AllNotificationsReadMessage{Count: ids.Count}, nil
	default:
		return UnreadCountMessage{Count: ids.Count}, nil
	}
}
