package apperrors

import "errors"

// Order execution errors
var (
	ErrInsufficientCash      = errors.New("insufficient cash")
	ErrInsufficientPosition  = errors.New("insufficient position")
	ErrInvalidSymbol         = errors.New("invalid symbol")
	ErrInvalidOrderParameter = errors.New("invalid order parameter")
)

// Strategy graph errors
var (
	ErrCycle           = errors.New("graph cycle")
	ErrTypeMismatch    = errors.New("slot type mismatch")
	ErrNodeExecution   = errors.New("node execution failed")
	ErrInvalidGraph    = errors.New("invalid graph")
	ErrInvalidProperty = errors.New("invalid node property")
	ErrUnknownNodeType = errors.New("unknown node type")
)

// Collaborator errors
var (
	ErrNoMarketData     = errors.New("no market data")
	ErrStrategyNotFound = errors.New("strategy not found")
	ErrRunNotFound      = errors.New("backtest run not found")
	ErrInvalidBacktest  = errors.New("invalid backtest request")
)
