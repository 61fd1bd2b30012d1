package intermediary

import (
	"math"
	"math/big"
)

// ppmDenominator scales parts-per-million fee rates.
const ppmDenominator = 1000000

// secondsPerYear is the denominator of the security-deposit APY proration.
const secondsPerYear = 365 * 24 * 3600

// SwapFeeSats computes the intermediary's fee on an exact-input amount:
// baseFee + amount * feePPM / 10^6.
func SwapFeeSats(baseFee, feePPM, amountSats uint64) uint64 {
	return baseFee + amountSats*feePPM/ppmDenominator
}

// AmountForExactOut back-computes the Bitcoin input amount whose post-fee
// value lands on the requested output: (out + baseFee) * 10^6 / (10^6 - ppm),
// rounded up so the client never receives less than asked.
func AmountForExactOut(baseFee, feePPM, outSats uint64) uint64 {
	num := new(big.Int).SetUint64(outSats + baseFee)
	num.Mul(num, big.NewInt(ppmDenominator))
	den := big.NewInt(ppmDenominator - int64(feePPM))
	num.Add(num, new(big.Int).Sub(den, big.NewInt(1)))
	return num.Div(num, den).Uint64()
}

// CheckAmountBounds classifies an amount against [min, max] with a 5%
// acceptance band absorbing oracle jitter: outside [0.95*min, 1.05*max] the
// request is rejected; inside the band but outside [min, max] the amount is
// clamped. Returns the (possibly clamped) amount and a rejection code, zero
// when accepted.
func CheckAmountBounds(amountSats, minSats, maxSats uint64) (uint64, int) {
	if amountSats*100 < minSats*95 {
		return amountSats, CodeAmountTooLow
	}
	if amountSats*100 > maxSats*105 {
		return amountSats, CodeAmountTooHigh
	}
	if amountSats < minSats {
		return minSats, 0
	}
	if amountSats > maxSats {
		return maxSats, 0
	}
	return amountSats, 0
}

// APYPPM converts a fractional APY to parts per million.
func APYPPM(apy float64) uint64 {
	return uint64(math.Floor(apy * ppmDenominator))
}

// SecurityDeposit computes the native-currency collateral for one swap:
// the refund-fee base (doubled when only a combined refund-fee estimate is
// available) plus the capital-lock compensation
// value * apyPPM * expirySeconds / 10^6 / secondsPerYear.
func SecurityDeposit(refundFee *big.Int, doubleBase bool, valueNative *big.Int, apyPPM, expirySeconds uint64) *big.Int {
	base := new(big.Int).Set(refundFee)
	if doubleBase {
		base.Lsh(base, 1)
	}

	variable := new(big.Int).Mul(valueNative, new(big.Int).SetUint64(apyPPM))
	variable.Mul(variable, new(big.Int).SetUint64(expirySeconds))
	variable.Div(variable, big.NewInt(ppmDenominator))
	variable.Div(variable, big.NewInt(secondsPerYear))

	return base.Add(base, variable)
}

// ClaimerBounty computes the native reward funding the claim transaction:
// addFee + (addBlock + (expiry-start)/blocktime * safetyFactor) * feePerBlock.
func ClaimerBounty(addFee *big.Int, addBlock uint64, expiry, startTimestamp int64, blocktime, safetyFactor uint64, feePerBlock *big.Int) *big.Int {
	blocks := new(big.Int).SetUint64(addBlock)
	if expiry > startTimestamp && blocktime > 0 {
		elapsed := uint64(expiry-startTimestamp) / blocktime * safetyFactor
		blocks.Add(blocks, new(big.Int).SetUint64(elapsed))
	}
	out := new(big.Int).Mul(blocks, feePerBlock)
	return out.Add(out, addFee)
}
