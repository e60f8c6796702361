package app

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aradsms/verification_gateway/internal/verification_service/domain"
)

func TestStaticPricer(t *testing.T) {
	p, err := NewStaticPricer("0.75", map[string]string{
		"Telegram":       "2.50",
		"telegram:voice": "4.00",
	})
	require.NoError(t, err)
	ctx := context.Background()

	price, err := p.Price(ctx, "telegram", domain.CapabilitySMS)
	require.NoError(t, err)
	assert.True(t, price.Equal(decimal.RequireFromString("2.5")))

	price, err = p.Price(ctx, " TELEGRAM ", domain.CapabilityVoice)
	require.NoError(t, err)
	assert.True(t, price.Equal(decimal.NewFromInt(4)))

	price, err = p.Price(ctx, "whatsapp", domain.CapabilitySMS)
	require.NoError(t, err)
	assert.True(t, price.Equal(decimal.RequireFromString("0.75")))
}

func TestNewStaticPricer_RejectsBadAmounts(t *testing.T) {
	_, err := NewStaticPricer("abc", nil)
	assert.Error(t, err)
	_, err = NewStaticPricer("1", map[string]string{"telegram": "-1"})
	assert.Error(t, err)
	_, err = NewStaticPricer("-0.01", nil)
	assert.Error(t, err)
}
