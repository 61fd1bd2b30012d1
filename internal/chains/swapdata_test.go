package chains

import (
	"bytes"
	"encoding/json"
	"math/big"
	"strings"
	"testing"

	"github.com/crossport-exchange/crossport/pkg/helpers"
)

func sampleSwapData() *SwapData {
	amount, _ := helpers.NewBigIntFromString("1000000000000000000")
	return &SwapData{
		Type:            SwapTypeHTLC,
		Offerer:         "0x1111111111111111111111111111111111111111",
		Claimer:         "0x2222222222222222222222222222222222222222",
		Token:           "0x3333333333333333333333333333333333333333",
		Amount:          amount,
		PaymentHash:     strings.Repeat("aa", 32),
		Expiry:          helpers.NewBigInt(1750007200),
		PayIn:           true,
		SecurityDeposit: helpers.NewBigInt(1000000000000000),
		ClaimerBounty:   helpers.NewBigInt(0),
		Nonce:           helpers.NewBigInt(0),
		Confirmations:   1,
	}
}

func TestSwapDataJSONRoundTrip(t *testing.T) {
	data := sampleSwapData()

	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	// Big integers must serialize as decimal strings.
	if !strings.Contains(string(raw), `"amount":"1000000000000000000"`) {
		t.Errorf("amount not serialized as decimal string: %s", raw)
	}

	var back SwapData
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if back.Amount.Unwrap().Cmp(data.Amount.Unwrap()) != 0 {
		t.Errorf("amount round trip = %s, want %s", back.Amount, data.Amount)
	}
	if back.PaymentHash != data.PaymentHash || back.PayIn != data.PayIn {
		t.Errorf("fields lost in round trip")
	}
}

func TestSwapDataHashDeterministic(t *testing.T) {
	a := sampleSwapData()
	b := sampleSwapData()
	if a.Hash() != b.Hash() {
		t.Error("equal swap data produced different hashes")
	}

	b.Amount = helpers.NewBigInt(42)
	if a.Hash() == b.Hash() {
		t.Error("different amounts produced equal hashes")
	}

	c := sampleSwapData()
	c.PayOut = true
	if a.Hash() == c.Hash() {
		t.Error("flag change did not affect hash")
	}
}

func TestHashForOnchain(t *testing.T) {
	script := []byte{0x00, 0x14}
	script = append(script, bytes.Repeat([]byte{0xab}, 20)...)
	amount := big.NewInt(1000000)

	noNonce := HashForOnchain(script, amount, big.NewInt(0))
	nilNonce := HashForOnchain(script, amount, nil)
	if !bytes.Equal(noNonce, nilNonce) {
		t.Error("zero and nil nonce must hash identically")
	}
	if len(noNonce) != 32 {
		t.Errorf("hash length = %d, want 32", len(noNonce))
	}

	withNonce := HashForOnchain(script, amount, big.NewInt(123456789))
	if bytes.Equal(noNonce, withNonce) {
		t.Error("nonce did not affect hash")
	}

	otherAmount := HashForOnchain(script, big.NewInt(1000001), big.NewInt(0))
	if bytes.Equal(noNonce, otherAmount) {
		t.Error("amount did not affect hash")
	}
}

type stubContract struct {
	Contract
	id string
}

func (s *stubContract) ChainID() string { return s.id }

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	if r.Has("EVM") {
		t.Error("empty registry claims EVM")
	}
	if _, err := r.Get("EVM"); err != ErrChainNotRegistered {
		t.Errorf("Get() error = %v, want ErrChainNotRegistered", err)
	}

	r.Register(&stubContract{id: "EVM"})
	r.Register(&stubContract{id: "POLYGON"})

	if !r.Has("EVM") || !r.Has("POLYGON") {
		t.Error("registered chains not found")
	}
	ids := r.ChainIDs()
	if len(ids) != 2 || ids[0] != "EVM" || ids[1] != "POLYGON" {
		t.Errorf("ChainIDs() = %v, want registration order", ids)
	}

	// Re-registering replaces without duplicating.
	r.Register(&stubContract{id: "EVM"})
	if len(r.ChainIDs()) != 2 {
		t.Errorf("duplicate registration grew the registry")
	}
}
