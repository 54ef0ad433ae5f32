package timelock

// FeeTier names the confirmation-target buckets of the fee oracle.
type FeeTier string

const (
	TierFastest  FeeTier = "fastest"  // target 1 block
	TierHalfHour FeeTier = "halfHour" // target 3 blocks
	TierHour     FeeTier = "hour"     // target 6 blocks
	TierEconomy  FeeTier = "economy"  // target 144 blocks
	TierMinimum  FeeTier = "minimum"  // target >= 1000 blocks
)

// conservativeFallback is the built-in sat/vByte table used when the
// esplora fee-estimates oracle is unavailable.
var conservativeFallback = map[FeeTier]float64{
	TierFastest:  20,
	TierHalfHour: 10,
	TierHour:     5,
	TierEconomy:  2,
	TierMinimum:  1,
}

// TierForTarget maps a confirmation-target block count to its tier:
// 1 block↔fastest, 3↔halfHour, 6↔hour, 144↔economy, ≥1000↔minimum.
func TierForTarget(targetBlocks int) FeeTier {
	switch {
	case targetBlocks <= 1:
		return TierFastest
	case targetBlocks <= 3:
		return TierHalfHour
	case targetBlocks <= 6:
		return TierHour
	case targetBlocks <= 144:
		return TierEconomy
	default:
		return TierMinimum
	}
}

// FeeEstimates is the parsed form of an esplora /fee-estimates response:
// target block count -> sat/vByte.
type FeeEstimates map[int]float64

// Calculator picks a fee rate for a target, falling back to the built-in
// conservative table when estimates is nil or missing the target's tier.
type Calculator struct {
	estimates FeeEstimates
}

func NewCalculator(estimates FeeEstimates) *Calculator {
	return &Calculator{estimates: estimates}
}

// RateSatPerVByte returns the fee rate to use for a spend targeting
// targetBlocks confirmations.
func (c *Calculator) RateSatPerVByte(targetBlocks int) float64 {
	if c.estimates != nil {
		if rate, ok := c.estimates[targetBlocks]; ok && rate > 0 {
			return rate
		}
		// fall back to the nearest tier boundary actually present.
		for _, tb := range []int{1, 3, 6, 144, 1000} {
			if tb >= targetBlocks {
				if rate, ok := c.estimates[tb]; ok && rate > 0 {
					return rate
				}
			}
		}
	}
	log.Debugf("timelock: fee oracle unavailable for target %d, using conservative fallback", targetBlocks)
	return conservativeFallback[TierForTarget(targetBlocks)]
}

// EstimateFee returns the absolute fee in satoshis for a transaction of
// vsize virtual bytes at the given target.
func (c *Calculator) EstimateFee(vsize int, targetBlocks int) int64 {
	return int64(float64(vsize) * c.RateSatPerVByte(targetBlocks))
}
