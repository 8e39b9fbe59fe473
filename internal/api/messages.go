package api

import (
	"quantgraph/internal/trading/backtest"
)

// Message represents a WebSocket message
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// MessageType constants
const (
	TypeBacktestProgress  = "backtest_progress"
	TypeBacktestCompleted = "backtest_completed"
	TypeBacktestFailed    = "backtest_failed"
	TypeStrategySaved     = "strategy_saved"
	TypeStrategyDeleted   = "strategy_deleted"
)

// NewMessage - Helper function to create a Message
func NewMessage(msgType string, data interface{}) Message {
	return Message{
		Type: msgType,
		Data: data,
	}
}

// RunSummary is the completion notice for a backtest
type RunSummary struct {
	RunID      string           `json:"run_id"`
	StrategyID string           `json:"strategy_id,omitempty"`
	Status     string           `json:"status"`
	Metrics    backtest.Metrics `json:"metrics"`
	Error      string           `json:"error,omitempty"`
}
