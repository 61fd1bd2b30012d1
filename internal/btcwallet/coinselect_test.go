package btcwallet

import (
	"errors"
	"fmt"
	"testing"

	"github.com/crossport-exchange/crossport/internal/btc"
)

func makeUTXOs(values ...uint64) []btc.UTXO {
	utxos := make([]btc.UTXO, len(values))
	for i, v := range values {
		utxos[i] = btc.UTXO{
			TxID:          fmt.Sprintf("%064x", i+1),
			Vout:          0,
			Value:         v,
			Confirmations: 6,
			Address:       "tb1qtest",
		}
	}
	return utxos
}

func TestSelectCoinsBlackjackChangeless(t *testing.T) {
	// One UTXO lands exactly within the changeless window:
	// target + fee(1 input, 1 output) at 1 sat/vB.
	fee := uint64(txOverheadVBytes + inputP2WPKHVBytes + outputP2WPKHVBytes)
	utxos := makeUTXOs(100000+fee, 500000)

	sel, err := SelectCoins(utxos, nil, 100000, 1, outputP2WPKHVBytes, false)
	if err != nil {
		t.Fatalf("SelectCoins() error = %v", err)
	}
	if sel.ChangeValue != 0 {
		t.Errorf("ChangeValue = %d, want changeless solution", sel.ChangeValue)
	}
	if len(sel.Inputs) != 1 {
		t.Errorf("inputs = %d, want 1", len(sel.Inputs))
	}
	if sel.Inputs[0].Value != 100000+fee {
		t.Errorf("selected value = %d, want %d", sel.Inputs[0].Value, 100000+fee)
	}
	if sel.Fee != fee {
		t.Errorf("Fee = %d, want %d", sel.Fee, fee)
	}
}

func TestSelectCoinsAccumulativeWithChange(t *testing.T) {
	utxos := makeUTXOs(500000)

	sel, err := SelectCoins(utxos, nil, 100000, 10, outputP2WPKHVBytes, false)
	if err != nil {
		t.Fatalf("SelectCoins() error = %v", err)
	}
	if sel.ChangeValue == 0 {
		t.Fatal("expected a change output")
	}
	total := uint64(100000) + sel.ChangeValue + sel.Fee
	if total != 500000 {
		t.Errorf("amount+change+fee = %d, want 500000", total)
	}
	if sel.ChangeValue < dustP2WPKH {
		t.Errorf("change %d below dust threshold", sel.ChangeValue)
	}
}

func TestSelectCoinsAccumulatesMultiple(t *testing.T) {
	utxos := makeUTXOs(40000, 40000, 40000)

	sel, err := SelectCoins(utxos, nil, 100000, 5, outputP2WPKHVBytes, false)
	if err != nil {
		t.Fatalf("SelectCoins() error = %v", err)
	}
	if len(sel.Inputs) != 3 {
		t.Errorf("inputs = %d, want 3", len(sel.Inputs))
	}
}

func TestSelectCoinsRequiredAlwaysIncluded(t *testing.T) {
	required := []btc.UTXO{{
		TxID: fmt.Sprintf("%064x", 999), Vout: 1, Value: 1000,
		Confirmations: 6, Address: "tb1qtest",
	}}
	utxos := append(makeUTXOs(500000), required[0])

	sel, err := SelectCoins(utxos, required, 100000, 2, outputP2WPKHVBytes, false)
	if err != nil {
		t.Fatalf("SelectCoins() error = %v", err)
	}
	found := false
	for _, in := range sel.Inputs {
		if in.TxID == required[0].TxID && in.Vout == required[0].Vout {
			found = true
		}
	}
	if !found {
		t.Error("required input missing from selection")
	}
}

func TestSelectCoinsInsufficientFunds(t *testing.T) {
	utxos := makeUTXOs(1000, 2000)
	if _, err := SelectCoins(utxos, nil, 100000, 1, outputP2WPKHVBytes, false); !errors.Is(err, ErrInsufficientFunds) {
		t.Errorf("SelectCoins() error = %v, want ErrInsufficientFunds", err)
	}
}

func TestSelectCoinsSkipsUneconomicalInputs(t *testing.T) {
	// At 100 sat/vB an input costs 6800 sats to spend; a 5000 sat UTXO can
	// never contribute.
	utxos := makeUTXOs(5000, 5000, 5000)
	if _, err := SelectCoins(utxos, nil, 1000, 100, outputP2WPKHVBytes, false); !errors.Is(err, ErrInsufficientFunds) {
		t.Errorf("SelectCoins() error = %v, want ErrInsufficientFunds", err)
	}
}

func TestSelectCoinsRandomizedStillCovers(t *testing.T) {
	utxos := makeUTXOs(30000, 60000, 90000, 120000)
	for i := 0; i < 20; i++ {
		sel, err := SelectCoins(utxos, nil, 50000, 3, outputP2WPKHVBytes, true)
		if err != nil {
			t.Fatalf("SelectCoins() error = %v", err)
		}
		var total uint64
		for _, in := range sel.Inputs {
			total += in.Value
		}
		if total < 50000+sel.Fee {
			t.Fatalf("selection does not cover target: total=%d fee=%d", total, sel.Fee)
		}
	}
}
