package simbroker

import (
	"github.com/shopspring/decimal"
)

// FeeModel prices the cost of trading a gross amount on one side
type FeeModel interface {
	Fee(gross decimal.Decimal, side Side) decimal.Decimal
}

// FeeConfig carries the configurable fee parameters
type FeeConfig struct {
	CommissionRate decimal.Decimal
	MinCommission  decimal.Decimal
	StampDutyRate  decimal.Decimal
}

// DefaultFeeConfig is 0.03% commission with a 5 yuan floor plus 0.05%
// stamp duty on sells.
func DefaultFeeConfig() FeeConfig {
	return FeeConfig{
		CommissionRate: decimal.RequireFromString("0.0003"),
		MinCommission:  decimal.NewFromInt(5),
		StampDutyRate:  decimal.RequireFromString("0.0005"),
	}
}

// FlatRate charges the same proportional rate on both sides
type FlatRate struct {
	Rate decimal.Decimal
}

func (f FlatRate) Fee(gross decimal.Decimal, _ Side) decimal.Decimal {
	return gross.Mul(f.Rate)
}

// MinimumFee floors the fee of Base at Min
type MinimumFee struct {
	Base FeeModel
	Min  decimal.Decimal
}

func (f MinimumFee) Fee(gross decimal.Decimal, side Side) decimal.Decimal {
	return decimal.Max(f.Base.Fee(gross, side), f.Min)
}

// SellSurcharge adds a proportional charge to sells only
type SellSurcharge struct {
	Base FeeModel
	Rate decimal.Decimal
}

func (f SellSurcharge) Fee(gross decimal.Decimal, side Side) decimal.Decimal {
	fee := f.Base.Fee(gross, side)
	if side == SideSell {
		fee = fee.Add(gross.Mul(f.Rate))
	}
	return fee
}

// NewFeeModel composes the policies enabled by cfg
func NewFeeModel(cfg FeeConfig) FeeModel {
	var model FeeModel = FlatRate{Rate: cfg.CommissionRate}
	if cfg.MinCommission.IsPositive() {
		model = MinimumFee{Base: model, Min: cfg.MinCommission}
	}
	if cfg.StampDutyRate.IsPositive() {
		model = SellSurcharge{Base: model, Rate: cfg.StampDutyRate}
	}
	return model
}
