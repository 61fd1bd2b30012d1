package intermediary

import (
	"math/big"
	"testing"
)

func TestSwapFeeSats(t *testing.T) {
	tests := []struct {
		name            string
		base, ppm, amt  uint64
		want            uint64
	}{
		{"base only", 10, 0, 100000, 10},
		{"ppm only", 0, 3000, 100000, 300},
		{"both", 10, 3000, 100000, 310},
		{"sub-ppm amount truncates", 10, 3000, 100, 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SwapFeeSats(tt.base, tt.ppm, tt.amt); got != tt.want {
				t.Errorf("SwapFeeSats(%d, %d, %d) = %d, want %d", tt.base, tt.ppm, tt.amt, got, tt.want)
			}
		})
	}
}

func TestAmountForExactOut(t *testing.T) {
	const base, ppm = 500, 3000

	for _, out := range []uint64{10000, 100000, 999999, 100000000} {
		amount := AmountForExactOut(base, ppm, out)
		net := amount - SwapFeeSats(base, ppm, amount)
		if net < out {
			t.Errorf("out=%d: amount %d nets only %d", out, amount, net)
		}
		// Rounding may overshoot, but never by more than a couple sats.
		if net > out+2 {
			t.Errorf("out=%d: amount %d overshoots to %d", out, amount, net)
		}
	}
}

func TestCheckAmountBounds(t *testing.T) {
	const min, max = 1000, 1000000

	tests := []struct {
		name     string
		amount   uint64
		want     uint64
		wantCode int
	}{
		{"below band", 949, 949, CodeAmountTooLow},
		{"band floor clamps up", 950, 1000, 0},
		{"just under min clamps", 999, 1000, 0},
		{"in range", 500000, 500000, 0},
		{"at max", 1000000, 1000000, 0},
		{"just over max clamps", 1000001, 1000000, 0},
		{"band ceiling clamps down", 1050000, 1000000, 0},
		{"above band", 1050001, 1050001, CodeAmountTooHigh},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, code := CheckAmountBounds(tt.amount, min, max)
			if code != tt.wantCode {
				t.Fatalf("CheckAmountBounds(%d) code = %d, want %d", tt.amount, code, tt.wantCode)
			}
			if code == 0 && got != tt.want {
				t.Errorf("CheckAmountBounds(%d) = %d, want %d", tt.amount, got, tt.want)
			}
		})
	}
}

func TestAPYPPM(t *testing.T) {
	if got := APYPPM(0.10); got != 100000 {
		t.Errorf("APYPPM(0.10) = %d, want 100000", got)
	}
	if got := APYPPM(0); got != 0 {
		t.Errorf("APYPPM(0) = %d, want 0", got)
	}
}

func TestSecurityDeposit(t *testing.T) {
	// 1e18 locked for 7200 s at 10% APY on top of a 1e15 refund fee.
	refundFee := new(big.Int).SetUint64(1000000000000000)
	value, _ := new(big.Int).SetString("1000000000000000000", 10)

	got := SecurityDeposit(refundFee, false, value, APYPPM(0.10), 7200)

	wantVariable := new(big.Int).SetUint64(22831050228310)
	want := new(big.Int).Add(refundFee, wantVariable)
	if got.Cmp(want) != 0 {
		t.Errorf("SecurityDeposit() = %s, want %s", got, want)
	}

	// Without a raw refund-fee estimate the base doubles.
	doubled := SecurityDeposit(refundFee, true, value, APYPPM(0.10), 7200)
	wantDoubled := new(big.Int).Add(new(big.Int).Lsh(refundFee, 1), wantVariable)
	if doubled.Cmp(wantDoubled) != 0 {
		t.Errorf("SecurityDeposit(doubled) = %s, want %s", doubled, wantDoubled)
	}

	// The refund fee argument must not be mutated.
	if refundFee.Uint64() != 1000000000000000 {
		t.Error("SecurityDeposit() mutated its refund fee argument")
	}
}

func TestClaimerBounty(t *testing.T) {
	// 18 extra blocks plus 7200 s of expiry at 600 s blocks, safety 2:
	// 18 + 12*2 = 42 blocks.
	got := ClaimerBounty(big.NewInt(1000), 18, 7200, 0, 600, 2, big.NewInt(10))
	if got.Int64() != 1000+42*10 {
		t.Errorf("ClaimerBounty() = %s, want 1420", got)
	}

	// Expiry before start contributes nothing beyond addBlock.
	got = ClaimerBounty(big.NewInt(0), 5, 100, 200, 600, 2, big.NewInt(7))
	if got.Int64() != 35 {
		t.Errorf("ClaimerBounty(past expiry) = %s, want 35", got)
	}
}
