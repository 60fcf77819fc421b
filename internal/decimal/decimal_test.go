package decimal

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func mustParse(t *testing.T, s string, scale int) D {
	t.Helper()
	d, err := Parse(s, scale)
	assert.NoError(t, err)
	return d
}

func TestParseAndString(t *testing.T) {
	d := mustParse(t, "150.25", Scale2)
	assert.Equal(t, "150.25", d.String())

	neg := mustParse(t, "-3.5", Scale2)
	assert.Equal(t, "-3.50", neg.String())

	whole := mustParse(t, "10", Scale2)
	assert.Equal(t, "10.00", whole.String())
}

func TestParseRejectsExtraFraction(t *testing.T) {
	_, err := Parse("1.005", Scale2)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestAddSub(t *testing.T) {
	a := mustParse(t, "100.00", Scale2)
	b := mustParse(t, "50.25", Scale2)

	sum, err := a.Add(b)
	assert.NoError(t, err)
	assert.Equal(t, "150.25", sum.String())

	diff, err := a.Sub(b)
	assert.NoError(t, err)
	assert.Equal(t, "49.75", diff.String())
}

func TestMulCarriesScale4(t *testing.T) {
	price := mustParse(t, "150.25", Scale2)
	size := mustParse(t, "10.00", Scale2)

	notional, err := price.Mul(size)
	assert.NoError(t, err)
	assert.Equal(t, Scale4, notional.Scale())
	assert.Equal(t, "1502.5000", notional.String())
}

func TestDivVWAP(t *testing.T) {
	totalCost := mustParse(t, "1502.5000", Scale4)
	qty := mustParse(t, "10.00", Scale2)

	avg, err := totalCost.DivVWAP(qty)
	assert.NoError(t, err)
	assert.Equal(t, "150.2500", avg.String())
}

func TestOverflow(t *testing.T) {
	big := MustNew(900_000_000_000_000, Scale2)
	_, err := big.Add(big)
	assert.ErrorIs(t, err, ErrOverflow)
}

func TestRoundHalfEven(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"1.005", "1.00"}, // 0.005 rounds to even: 1.00
		{"1.015", "1.02"}, // 0.015 rounds to even: 1.02
		{"1.025", "1.02"},
		{"-1.005", "-1.00"},
		{"1.009", "1.01"},
	}
	for _, c := range cases {
		d := mustParse(t, c.in, Scale4).Round(Scale2)
		assert.Equal(t, c.want, d.String(), "rounding %s", c.in)
	}
}

func TestCmp(t *testing.T) {
	a := mustParse(t, "100.00", Scale2)
	b := mustParse(t, "100.0000", Scale4)
	assert.True(t, a.Equal(b))
	assert.True(t, a.GreaterOrEqual(b))

	c := mustParse(t, "99.99", Scale2)
	assert.True(t, c.LessThan(a))
}

func TestSignAndAbs(t *testing.T) {
	neg := mustParse(t, "-5.00", Scale2)
	assert.Equal(t, -1, neg.Sign())
	assert.Equal(t, "5.00", neg.Abs().String())
	assert.Equal(t, 0, Zero2.Sign())
}
