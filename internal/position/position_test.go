package position

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/ajitpratap0/tradefabric/internal/protocol"
)

func TestLevelsOrdered(t *testing.T) {
	d := func(s string) decimal.Decimal { return decimal.RequireFromString(s) }

	cases := []struct {
		name  string
		side  protocol.PositionSide
		stop  string
		entry string
		tp    string
		ok    bool
	}{
		{"long ordered", protocol.PositionSideLong, "48000", "50000", "54000", true},
		{"long stop above entry", protocol.PositionSideLong, "51000", "50000", "54000", false},
		{"long target below entry", protocol.PositionSideLong, "48000", "50000", "49000", false},
		{"long no levels", protocol.PositionSideLong, "0", "50000", "0", true},
		{"long stop only", protocol.PositionSideLong, "48000", "50000", "0", true},
		{"short ordered", protocol.PositionSideShort, "3150", "3000", "2700", true},
		{"short stop below entry", protocol.PositionSideShort, "2900", "3000", "2700", false},
		{"short target above entry", protocol.PositionSideShort, "3150", "3000", "3100", false},
		{"stop equal to entry", protocol.PositionSideLong, "50000", "50000", "0", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := levelsOrdered(tc.side, d(tc.stop), d(tc.entry), d(tc.tp))
			assert.Equal(t, tc.ok, got)
		})
	}
}

func TestStopTriggered(t *testing.T) {
	d := func(s string) decimal.Decimal { return decimal.RequireFromString(s) }

	long := Position{Side: protocol.PositionSideLong, StopLoss: d("48000")}
	assert.False(t, long.stopTriggered(d("48001")))
	assert.True(t, long.stopTriggered(d("48000")))
	assert.True(t, long.stopTriggered(d("47000")))

	short := Position{Side: protocol.PositionSideShort, StopLoss: d("3150")}
	assert.False(t, short.stopTriggered(d("3149")))
	assert.True(t, short.stopTriggered(d("3150")))

	unset := Position{Side: protocol.PositionSideLong}
	assert.False(t, unset.stopTriggered(d("1")))
}

func TestTakeProfitTriggered(t *testing.T) {
	d := func(s string) decimal.Decimal { return decimal.RequireFromString(s) }

	long := Position{Side: protocol.PositionSideLong, TakeProfit: d("54000")}
	assert.False(t, long.takeProfitTriggered(d("53999")))
	assert.True(t, long.takeProfitTriggered(d("54000")))

	short := Position{Side: protocol.PositionSideShort, TakeProfit: d("2700")}
	assert.False(t, short.takeProfitTriggered(d("2701")))
	assert.True(t, short.takeProfitTriggered(d("2650")))
}

func TestPnLPerUnit(t *testing.T) {
	d := func(s string) decimal.Decimal { return decimal.RequireFromString(s) }

	long := Position{Side: protocol.PositionSideLong, EntryPrice: d("50000")}
	assert.True(t, long.pnlPerUnit(d("51000")).Equal(d("1000")))
	assert.True(t, long.pnlPerUnit(d("49000")).Equal(d("-1000")))

	short := Position{Side: protocol.PositionSideShort, EntryPrice: d("3000")}
	assert.True(t, short.pnlPerUnit(d("2900")).Equal(d("100")))
	assert.True(t, short.pnlPerUnit(d("3100")).Equal(d("-100")))
}

func TestClosingSide(t *testing.T) {
	long := Position{Side: protocol.PositionSideLong}
	assert.Equal(t, protocol.OrderSideSell, long.closingSide())

	short := Position{Side: protocol.PositionSideShort}
	assert.Equal(t, protocol.OrderSideBuy, short.closingSide())
}
