package btcwallet

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/crossport-exchange/crossport/internal/btc"
)

// ErrInsufficientFunds is returned when the UTXO set cannot cover the target
// amount plus fees.
var ErrInsufficientFunds = errors.New("insufficient funds")

// Virtual sizes in vbytes.
const (
	txOverheadVBytes  = 11
	inputP2WPKHVBytes = 68

	outputP2WPKHVBytes = 31
	outputP2WSHVBytes  = 43
	outputP2TRVBytes   = 43
	outputP2PKHVBytes  = 34
	outputP2SHVBytes   = 32

	// dustP2WPKH is the dust threshold for a P2WPKH change output.
	dustP2WPKH = 294
)

// OutputVBytes estimates the vsize of an output by its script length.
func OutputVBytes(script []byte) int {
	// 8-byte value + compact-size length + script
	return 9 + len(script)
}

// CoinSelection is the result of selecting inputs for a payment.
type CoinSelection struct {
	Inputs []btc.UTXO
	// Fee is the network fee the transaction pays at the requested rate.
	Fee uint64
	// ChangeValue is the value of the change output, zero when the
	// selection is changeless.
	ChangeValue uint64
	// VSize is the estimated virtual size of the final transaction.
	VSize int
}

// SelectCoins picks inputs covering target plus fees at feeRate sat/vB,
// paying to an output of outputVBytes size. Required inputs are always
// included first. Two strategies run in order: blackjack, which looks for a
// changeless solution, then accumulative, which greedily fills and adds
// change. With randomize the candidate order is shuffled, otherwise
// candidates are sorted by descending effective value.
func SelectCoins(utxos, required []btc.UTXO, target uint64, feeRate float64, outputVBytes int, randomize bool) (*CoinSelection, error) {
	if feeRate <= 0 {
		return nil, errors.New("fee rate must be positive")
	}

	candidates := make([]btc.UTXO, 0, len(utxos))
	isRequired := make(map[string]bool, len(required))
	for _, u := range required {
		isRequired[outpointKey(u)] = true
	}
	for _, u := range utxos {
		if !isRequired[outpointKey(u)] {
			candidates = append(candidates, u)
		}
	}

	if randomize {
		rand.Shuffle(len(candidates), func(i, j int) {
			candidates[i], candidates[j] = candidates[j], candidates[i]
		})
	} else {
		sort.Slice(candidates, func(i, j int) bool {
			return effectiveValue(candidates[i], feeRate) > effectiveValue(candidates[j], feeRate)
		})
	}

	if sel := selectBlackjack(candidates, required, target, feeRate, outputVBytes); sel != nil {
		return sel, nil
	}
	return selectAccumulative(candidates, required, target, feeRate, outputVBytes)
}

func outpointKey(u btc.UTXO) string {
	return fmt.Sprintf("%s:%d", u.TxID, u.Vout)
}

func effectiveValue(u btc.UTXO, feeRate float64) int64 {
	return int64(u.Value) - feeFor(inputP2WPKHVBytes, feeRate)
}

func feeFor(vbytes int, feeRate float64) int64 {
	return int64(math.Ceil(float64(vbytes) * feeRate))
}

// selectBlackjack searches for a changeless selection: inputs are accepted
// only while the accumulated value does not overshoot target+fee by more
// than the cost of creating and later spending a change output.
func selectBlackjack(candidates, required []btc.UTXO, target uint64, feeRate float64, outputVBytes int) *CoinSelection {
	threshold := uint64(feeFor(outputP2WPKHVBytes, feeRate)) + dustP2WPKH

	selected := append([]btc.UTXO{}, required...)
	var accumulated uint64
	for _, u := range required {
		accumulated += u.Value
	}

	feeNow := func(n int) uint64 {
		return uint64(feeFor(txOverheadVBytes+n*inputP2WPKHVBytes+outputVBytes, feeRate))
	}

	for _, u := range candidates {
		need := target + feeNow(len(selected)+1)
		if accumulated+u.Value > need+threshold {
			continue
		}
		selected = append(selected, u)
		accumulated += u.Value

		need = target + feeNow(len(selected))
		if accumulated >= need {
			return &CoinSelection{
				Inputs: selected,
				// Overshoot is absorbed into the fee; no change output.
				Fee:   accumulated - target,
				VSize: txOverheadVBytes + len(selected)*inputP2WPKHVBytes + outputVBytes,
			}
		}
	}
	return nil
}

// selectAccumulative greedily accumulates inputs until target plus fees with
// a change output is covered. Change below dust is given up to the fee.
func selectAccumulative(candidates, required []btc.UTXO, target uint64, feeRate float64, outputVBytes int) (*CoinSelection, error) {
	selected := append([]btc.UTXO{}, required...)
	var accumulated uint64
	for _, u := range required {
		accumulated += u.Value
	}

	finish := func() *CoinSelection {
		vsizeNoChange := txOverheadVBytes + len(selected)*inputP2WPKHVBytes + outputVBytes
		feeNoChange := uint64(feeFor(vsizeNoChange, feeRate))
		if accumulated < target+feeNoChange {
			return nil
		}

		vsizeChange := vsizeNoChange + outputP2WPKHVBytes
		feeChange := uint64(feeFor(vsizeChange, feeRate))
		if accumulated >= target+feeChange+dustP2WPKH {
			return &CoinSelection{
				Inputs:      selected,
				Fee:         feeChange,
				ChangeValue: accumulated - target - feeChange,
				VSize:       vsizeChange,
			}
		}
		return &CoinSelection{
			Inputs: selected,
			Fee:    accumulated - target,
			VSize:  vsizeNoChange,
		}
	}

	if len(selected) > 0 {
		if sel := finish(); sel != nil {
			return sel, nil
		}
	}
	for _, u := range candidates {
		// Inputs that cost more to spend than they are worth never help.
		if effectiveValue(u, feeRate) <= 0 {
			continue
		}
		selected = append(selected, u)
		accumulated += u.Value
		if sel := finish(); sel != nil {
			return sel, nil
		}
	}

	return nil, ErrInsufficientFunds
}
