package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/aradsms/verification_gateway/internal/verification_service/domain"
)

// Pricer quotes the cost of one verification.
type Pricer interface {
	Price(ctx context.Context, serviceName string, capability domain.Capability) (decimal.Decimal, error)
}

// StaticPricer serves prices from a fixed list. Keys are "service" or "service:capability", lower case.
type StaticPricer struct {
	defaultPrice decimal.Decimal
	prices       map[string]decimal.Decimal
}

// NewStaticPricer builds a pricer from string amounts as they appear in configuration.
func NewStaticPricer(defaultPrice string, prices map[string]string) (*StaticPricer, error) {
	def, err := decimal.NewFromString(defaultPrice)
	if err != nil {
		return nil, fmt.Errorf("parse default price %q: %w", defaultPrice, err)
	}
	if def.IsNegative() {
		return nil, fmt.Errorf("default price %s is negative", def)
	}
	p := &StaticPricer{defaultPrice: def, prices: make(map[string]decimal.Decimal, len(prices))}
	for key, raw := range prices {
		amount, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("parse price for %q: %w", key, err)
		}
		if amount.IsNegative() {
			return nil, fmt.Errorf("price for %q is negative", key)
		}
		p.prices[strings.ToLower(strings.TrimSpace(key))] = amount
	}
	return p, nil
}

func (p *StaticPricer) Price(_ context.Context, serviceName string, capability domain.Capability) (decimal.Decimal, error) {
	service := strings.ToLower(strings.TrimSpace(serviceName))
	if amount, ok := p.prices[service+":"+string(capability)]; ok {
		return amount, nil
	}
	if amount, ok := p.prices[service]; ok {
		return amount, nil
	}
	return p.defaultPrice, nil
}
