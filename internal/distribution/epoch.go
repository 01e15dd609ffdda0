package distribution

import (
	"time"

	"github.com/shopspring/decimal"
)

// Schedule describes one distributor's emission timetable. Epoch 0 is
// the retroactive window covering trading activity before regular
// emissions started; epochs 1..TotalEpochs each span EpochPeriod.
type Schedule struct {
	// TradingStart opens the retroactive epoch 0 window.
	TradingStart time.Time
	// DistributionStart closes epoch 0 and opens epoch 1.
	DistributionStart time.Time
	EpochPeriod       time.Duration
	TotalEpochs       int32

	TokensPerEpoch decimal.Decimal
	// InitialEpochTokens overrides TokensPerEpoch for epoch 0. Zero
	// means epoch 0 uses TokensPerEpoch like any other.
	InitialEpochTokens decimal.Decimal
}

// CurrentEpoch returns the epoch containing now. Before trading starts
// the answer is -1; after the schedule ends it stays clamped to
// TotalEpochs.
func (s Schedule) CurrentEpoch(now time.Time) int32 {
	if now.Before(s.TradingStart) {
		return -1
	}
	if now.Before(s.DistributionStart) {
		return 0
	}
	n := int32(now.Sub(s.DistributionStart)/s.EpochPeriod) + 1
	if n > s.TotalEpochs {
		return s.TotalEpochs
	}
	return n
}

// Window returns the [start, end) span of an epoch.
func (s Schedule) Window(epoch int32) (time.Time, time.Time) {
	if epoch <= 0 {
		return s.TradingStart, s.DistributionStart
	}
	start := s.DistributionStart.Add(time.Duration(epoch-1) * s.EpochPeriod)
	return start, start.Add(s.EpochPeriod)
}

// Tokens returns the emission budget of an epoch.
func (s Schedule) Tokens(epoch int32) decimal.Decimal {
	if epoch == 0 && !s.InitialEpochTokens.IsZero() {
		return s.InitialEpochTokens
	}
	return s.TokensPerEpoch
}

// Ended reports whether the whole schedule has finished by now.
func (s Schedule) Ended(now time.Time) bool {
	_, end := s.Window(s.TotalEpochs)
	return !now.Before(end)
}
