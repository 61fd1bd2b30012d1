package chains

import (
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/crossport-exchange/crossport/internal/btc"
	"github.com/crossport-exchange/crossport/pkg/logging"
)

// escrowABI is the swap-escrow contract surface the intermediary uses.
const escrowABI = `[
{"type":"function","name":"getState","stateMutability":"view","inputs":[{"name":"escrowHash","type":"bytes32"}],"outputs":[{"name":"","type":"uint8"}]},
{"type":"function","name":"claim","stateMutability":"nonpayable","inputs":[{"name":"escrowHash","type":"bytes32"},{"name":"secret","type":"bytes32"}],"outputs":[]},
{"type":"function","name":"claimWithTxData","stateMutability":"nonpayable","inputs":[{"name":"escrowHash","type":"bytes32"},{"name":"txData","type":"bytes"},{"name":"merkleProof","type":"bytes32[]"},{"name":"position","type":"uint256"},{"name":"blockHeight","type":"uint256"}],"outputs":[]},
{"type":"function","name":"refund","stateMutability":"nonpayable","inputs":[{"name":"escrowHash","type":"bytes32"}],"outputs":[]},
{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"token","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
{"type":"event","name":"Initialize","anonymous":false,"inputs":[{"name":"paymentHash","type":"bytes32","indexed":true},{"name":"sequence","type":"uint64","indexed":false}]},
{"type":"event","name":"Claim","anonymous":false,"inputs":[{"name":"paymentHash","type":"bytes32","indexed":true},{"name":"sequence","type":"uint64","indexed":false},{"name":"secret","type":"bytes32","indexed":false}]},
{"type":"event","name":"Refund","anonymous":false,"inputs":[{"name":"paymentHash","type":"bytes32","indexed":true},{"name":"sequence","type":"uint64","indexed":false}]}
]`

// refundGasUnits is the gas budget of a refund transaction, used for fee
// estimates.
const refundGasUnits = 120000

// eventPollInterval is how often the watcher scans for new escrow logs.
const eventPollInterval = 10 * time.Second

// EVMConfig configures one EVM chain contract.
type EVMConfig struct {
	ChainID         string
	RPCURL          string
	ContractAddress string
	PrivateKeyHex   string
	Tokens          []string
}

// EVMContract implements Contract against an EVM escrow deployment.
type EVMContract struct {
	chainID  string
	client   *ethclient.Client
	bound    *bind.BoundContract
	parsed   abi.ABI
	address  common.Address
	key      *ecdsa.PrivateKey
	signer   common.Address
	evmChain *big.Int
	tokens   map[string]bool
	log      *logging.Logger
}

// NewEVMContract dials the chain RPC and binds the escrow contract.
func NewEVMContract(cfg *EVMConfig, log *logging.Logger) (*EVMContract, error) {
	client, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s RPC: %w", cfg.ChainID, err)
	}

	evmChainID, err := client.ChainID(context.Background())
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to get chain id: %w", err)
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKeyHex, "0x"))
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("invalid private key: %w", err)
	}

	parsed, err := abi.JSON(strings.NewReader(escrowABI))
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to parse escrow abi: %w", err)
	}

	address := common.HexToAddress(cfg.ContractAddress)
	tokens := make(map[string]bool, len(cfg.Tokens))
	for _, t := range cfg.Tokens {
		tokens[strings.ToLower(t)] = true
	}

	return &EVMContract{
		chainID:  cfg.ChainID,
		client:   client,
		bound:    bind.NewBoundContract(address, parsed, client, client, client),
		parsed:   parsed,
		address:  address,
		key:      key,
		signer:   crypto.PubkeyToAddress(key.PublicKey),
		evmChain: evmChainID,
		tokens:   tokens,
		log:      log,
	}, nil
}

// ChainID returns the registry identifier of this chain.
func (c *EVMContract) ChainID() string {
	return c.chainID
}

// Address returns the intermediary's signing address.
func (c *EVMContract) Address() string {
	return c.signer.Hex()
}

// IsValidToken reports whether the token is on the allowlist.
func (c *EVMContract) IsValidToken(token string) bool {
	return c.tokens[strings.ToLower(token)]
}

// GetCommitStatus reads the escrow state by hash.
func (c *EVMContract) GetCommitStatus(ctx context.Context, data *SwapData) (CommitStatus, error) {
	var out []interface{}
	hash := data.Hash()
	err := c.bound.Call(&bind.CallOpts{Context: ctx}, &out, "getState", hash)
	if err != nil {
		return CommitStatusNotCommitted, fmt.Errorf("getState: %w", err)
	}
	state := out[0].(uint8)

	switch state {
	case 1:
		if data.ExpiryUnix() > 0 && time.Now().Unix() > data.ExpiryUnix() {
			return CommitStatusExpired, nil
		}
		return CommitStatusCommitted, nil
	case 2:
		return CommitStatusClaimed, nil
	case 3:
		return CommitStatusRefunded, nil
	default:
		return CommitStatusNotCommitted, nil
	}
}

// signPrefixed signs prefix||payload with the chain key, EIP-191 style.
func (c *EVMContract) signPrefixed(prefix string, payload []byte, timeout int64) (*Signature, error) {
	msg := make([]byte, 0, len(prefix)+len(payload)+8)
	msg = append(msg, []byte(prefix)...)
	msg = append(msg, payload...)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(timeout))
	msg = append(msg, ts[:]...)

	sig, err := crypto.Sign(accounts.TextHash(msg), c.key)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	return &Signature{
		Prefix:    prefix,
		Timeout:   timeout,
		Signature: hex.EncodeToString(sig),
		Address:   c.signer.Hex(),
	}, nil
}

// GetInitSignature signs an initialization authorization valid for
// authTimeout.
func (c *EVMContract) GetInitSignature(ctx context.Context, data *SwapData, authTimeout time.Duration) (*Signature, error) {
	hash := data.Hash()
	return c.signPrefixed("claim_initialize", hash[:], time.Now().Add(authTimeout).Unix())
}

// GetRefundSignature signs a cooperative refund authorization.
func (c *EVMContract) GetRefundSignature(ctx context.Context, data *SwapData) (*Signature, error) {
	hash := data.Hash()
	return c.signPrefixed("refund", hash[:], time.Now().Add(10*time.Minute).Unix())
}

// SignMessage signs an arbitrary message with the chain key.
func (c *EVMContract) SignMessage(msg []byte) (*Signature, error) {
	sig, err := crypto.Sign(accounts.TextHash(msg), c.key)
	if err != nil {
		return nil, err
	}
	return &Signature{
		Signature: hex.EncodeToString(sig),
		Address:   c.signer.Hex(),
	}, nil
}

func (c *EVMContract) transactor(ctx context.Context) (*bind.TransactOpts, error) {
	opts, err := bind.NewKeyedTransactorWithChainID(c.key, c.evmChain)
	if err != nil {
		return nil, fmt.Errorf("failed to create transactor: %w", err)
	}
	opts.Context = ctx
	return opts, nil
}

func (c *EVMContract) transactAndWait(ctx context.Context, method string, args ...interface{}) (string, error) {
	opts, err := c.transactor(ctx)
	if err != nil {
		return "", err
	}
	tx, err := c.bound.Transact(opts, method, args...)
	if err != nil {
		return "", fmt.Errorf("%s: %w", method, err)
	}
	receipt, err := bind.WaitMined(ctx, c.client, tx)
	if err != nil {
		return "", fmt.Errorf("%s wait mined: %w", method, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return "", fmt.Errorf("%s transaction %s reverted", method, tx.Hash().Hex())
	}
	return tx.Hash().Hex(), nil
}

// ClaimWithSecret claims a committed HTLC escrow with the preimage.
func (c *EVMContract) ClaimWithSecret(ctx context.Context, data *SwapData, secret []byte) (string, error) {
	var s [32]byte
	copy(s[:], secret)
	return c.transactAndWait(ctx, "claim", data.Hash(), s)
}

// ClaimWithTxData claims a committed chain escrow with a Bitcoin inclusion
// proof; the contract verifies the Merkle path against its header chain.
func (c *EVMContract) ClaimWithTxData(ctx context.Context, data *SwapData, rawTx []byte, proof *btc.TransactionMerkle) (string, error) {
	merkle := make([][32]byte, len(proof.Merkle))
	for i, node := range proof.Merkle {
		copy(merkle[i][:], node)
	}
	return c.transactAndWait(ctx, "claimWithTxData",
		data.Hash(), rawTx, merkle,
		big.NewInt(int64(proof.Pos)), big.NewInt(int64(proof.BlockHeight)))
}

// Refund refunds an expired escrow back to the intermediary.
func (c *EVMContract) Refund(ctx context.Context, data *SwapData) (string, error) {
	return c.transactAndWait(ctx, "refund", data.Hash())
}

// GetBalance returns the intermediary's vault balance for a token.
func (c *EVMContract) GetBalance(ctx context.Context, token string) (*big.Int, error) {
	var out []interface{}
	err := c.bound.Call(&bind.CallOpts{Context: ctx}, &out, "balanceOf",
		c.signer, common.HexToAddress(token))
	if err != nil {
		return nil, fmt.Errorf("balanceOf: %w", err)
	}
	return out[0].(*big.Int), nil
}

// GetRefundFee estimates the native fee of a refund transaction.
func (c *EVMContract) GetRefundFee(ctx context.Context, data *SwapData) (*big.Int, error) {
	return c.GetRawRefundFee(ctx, data)
}

// HasRawRefundFee reports raw refund-fee support.
func (c *EVMContract) HasRawRefundFee() bool {
	return true
}

// GetRawRefundFee estimates the raw refund fee from the current gas price.
func (c *EVMContract) GetRawRefundFee(ctx context.Context, data *SwapData) (*big.Int, error) {
	gasPrice, err := c.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("suggest gas price: %w", err)
	}
	return new(big.Int).Mul(gasPrice, big.NewInt(refundGasUnits)), nil
}

// GetHashForOnchain computes the payment hash binding an output script,
// amount, and nonce.
func (c *EVMContract) GetHashForOnchain(outputScript []byte, amount *big.Int, nonce *big.Int) []byte {
	return HashForOnchain(outputScript, amount, nonce)
}

// HashForOnchain binds (outputScript, amount, nonce) into a payment hash via
// SHA-256. Nonce zero binds only (amount, script).
func HashForOnchain(outputScript []byte, amount *big.Int, nonce *big.Int) []byte {
	var buf []byte
	if nonce != nil && nonce.Sign() != 0 {
		var n [8]byte
		binary.LittleEndian.PutUint64(n[:], nonce.Uint64())
		buf = append(buf, n[:]...)
	}
	var amt [8]byte
	binary.LittleEndian.PutUint64(amt[:], amount.Uint64())
	buf = append(buf, amt[:]...)
	buf = append(buf, outputScript...)

	h := sha256.Sum256(buf)
	return h[:]
}

// Start begins polling the chain for escrow events. Logs are delivered in
// block order on the returned channel, which closes when ctx ends.
func (c *EVMContract) Start(ctx context.Context) (<-chan *Event, error) {
	initTopic := c.parsed.Events["Initialize"].ID
	claimTopic := c.parsed.Events["Claim"].ID
	refundTopic := c.parsed.Events["Refund"].ID

	tip, err := c.client.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("block number: %w", err)
	}

	events := make(chan *Event, 16)
	go func() {
		defer close(events)
		lastBlock := tip
		ticker := time.NewTicker(eventPollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			head, err := c.client.BlockNumber(ctx)
			if err != nil || head <= lastBlock {
				continue
			}

			logs, err := c.client.FilterLogs(ctx, ethereum.FilterQuery{
				FromBlock: new(big.Int).SetUint64(lastBlock + 1),
				ToBlock:   new(big.Int).SetUint64(head),
				Addresses: []common.Address{c.address},
				Topics:    [][]common.Hash{{initTopic, claimTopic, refundTopic}},
			})
			if err != nil {
				c.log.Warn("event filter failed", "chain", c.chainID, "err", err)
				continue
			}

			for _, l := range logs {
				ev := c.parseLog(l, initTopic, claimTopic, refundTopic)
				if ev == nil {
					continue
				}
				select {
				case events <- ev:
				case <-ctx.Done():
					return
				}
			}
			lastBlock = head
		}
	}()
	return events, nil
}

func (c *EVMContract) parseLog(l types.Log, initTopic, claimTopic, refundTopic common.Hash) *Event {
	if len(l.Topics) < 2 {
		return nil
	}
	ev := &Event{
		ChainID:     c.chainID,
		PaymentHash: hex.EncodeToString(l.Topics[1][:]),
		TxHash:      l.TxHash.Hex(),
	}

	switch l.Topics[0] {
	case initTopic:
		ev.Type = EventInitialize
		var parsed struct{ Sequence uint64 }
		if err := c.bound.UnpackLog(&parsed, "Initialize", l); err != nil {
			return nil
		}
		ev.Sequence = parsed.Sequence
	case claimTopic:
		ev.Type = EventClaim
		var parsed struct {
			Sequence uint64
			Secret   [32]byte
		}
		if err := c.bound.UnpackLog(&parsed, "Claim", l); err != nil {
			return nil
		}
		ev.Sequence = parsed.Sequence
		ev.SecretHex = hex.EncodeToString(parsed.Secret[:])
	case refundTopic:
		ev.Type = EventRefund
		var parsed struct{ Sequence uint64 }
		if err := c.bound.UnpackLog(&parsed, "Refund", l); err != nil {
			return nil
		}
		ev.Sequence = parsed.Sequence
	default:
		return nil
	}
	return ev
}

// Close releases the RPC connection.
func (c *EVMContract) Close() error {
	c.client.Close()
	return nil
}

var _ Contract = (*EVMContract)(nil)
