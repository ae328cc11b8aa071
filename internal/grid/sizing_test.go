package grid

import (
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFiatBuyAmountEqualsSell(t *testing.T) {
	r := rand.New(rand.NewSource(3))
	for i := 0; i < 200; i++ {
		sell := decimal.NewFromFloat(r.Float64() * 10).Round(6)
		delta := decimal.NewFromFloat(r.Float64() * 100).Round(4)
		price := decimal.NewFromFloat(1 + r.Float64()*1000).Round(2)
		got, err := BuyAmount(AccumulateFiat, sell, dec("0.999"), delta, price)
		require.NoError(t, err)
		assert.True(t, got.Equal(sell))
	}
}

func TestBuyAmountModes(t *testing.T) {
	sell, fee, delta, price := dec("1"), dec("0.999"), dec("2.2263"), dec("98.7737")
	gross := fee.Mul(fee).Mul(delta.Div(price).Add(one))

	crypto, err := BuyAmount(AccumulateCrypto, sell, fee, delta, price)
	require.NoError(t, err)
	assert.True(t, crypto.Equal(gross), "crypto %s want %s", crypto, gross)

	all, err := BuyAmount(AccumulateAll, sell, fee, delta, price)
	require.NoError(t, err)
	assert.True(t, all.Equal(gross.Add(one).Div(two)))

	// 利润为正时 crypto > all > fiat
	assert.True(t, crypto.GreaterThan(all))
	assert.True(t, all.GreaterThan(sell))
}

func TestUnknownAccumulateIsFatal(t *testing.T) {
	_, err := ParseAccumulate("both")
	assert.ErrorIs(t, err, ErrUnknownAccumulate)
	_, err = ParseAccumulate("")
	assert.ErrorIs(t, err, ErrUnknownAccumulate)

	_, err = BuyAmount(AccumulateMode("both"), dec("1"), dec("0.999"), dec("1"), dec("100"))
	assert.ErrorIs(t, err, ErrUnknownAccumulate)

	for _, s := range []string{"all", "crypto", "fiat"} {
		m, err := ParseAccumulate(s)
		require.NoError(t, err)
		assert.Equal(t, s, string(m))
	}
}
