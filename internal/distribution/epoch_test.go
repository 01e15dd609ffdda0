package distribution

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func testSchedule() Schedule {
	return Schedule{
		TradingStart:       time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC),
		DistributionStart:  time.Date(2021, 2, 1, 0, 0, 0, 0, time.UTC),
		EpochPeriod:        7 * 24 * time.Hour,
		TotalEpochs:        10,
		TokensPerEpoch:     decimal.NewFromInt(6250),
		InitialEpochTokens: decimal.NewFromInt(50000),
	}
}

func TestCurrentEpoch(t *testing.T) {
	s := testSchedule()

	tests := []struct {
		name string
		now  time.Time
		want int32
	}{
		{"before trading", s.TradingStart.Add(-time.Hour), -1},
		{"retroactive window", s.TradingStart.Add(time.Hour), 0},
		{"first regular epoch", s.DistributionStart.Add(time.Hour), 1},
		{"second regular epoch", s.DistributionStart.Add(8 * 24 * time.Hour), 2},
		{"after schedule end", s.DistributionStart.Add(999 * 24 * time.Hour), 10},
	}

	for _, tt := range tests {
		if got := s.CurrentEpoch(tt.now); got != tt.want {
			t.Fatalf("%s: expected epoch %d, got %d", tt.name, tt.want, got)
		}
	}
}

func TestWindowBoundaries(t *testing.T) {
	s := testSchedule()

	start, end := s.Window(0)
	if !start.Equal(s.TradingStart) || !end.Equal(s.DistributionStart) {
		t.Fatalf("epoch 0 must span the retroactive window")
	}

	start, end = s.Window(1)
	if !start.Equal(s.DistributionStart) || !end.Equal(s.DistributionStart.Add(s.EpochPeriod)) {
		t.Fatalf("epoch 1 must start at distribution start")
	}

	prevEnd := end
	start, _ = s.Window(2)
	if !start.Equal(prevEnd) {
		t.Fatalf("epoch windows must be contiguous")
	}
}

func TestTokensInitialOverride(t *testing.T) {
	s := testSchedule()
	if s.Tokens(0).String() != "50000" {
		t.Fatalf("epoch 0 must use the initial override")
	}
	if s.Tokens(3).String() != "6250" {
		t.Fatalf("regular epochs must use the standard budget")
	}

	s.InitialEpochTokens = decimal.Zero
	if s.Tokens(0).String() != "6250" {
		t.Fatalf("zero override must fall back to the standard budget")
	}
}

func TestEnded(t *testing.T) {
	s := testSchedule()
	_, end := s.Window(s.TotalEpochs)
	if s.Ended(end.Add(-time.Second)) {
		t.Fatalf("schedule must not end before the final window closes")
	}
	if !s.Ended(end) {
		t.Fatalf("schedule must end when the final window closes")
	}
}
