package btc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// MempoolRpc implements Rpc against the mempool.space REST API. Compatible
// with mempool.space and self-hosted instances exposing the esplora routes.
type MempoolRpc struct {
	baseURL    string
	httpClient *http.Client
}

// NewMempoolRpc creates a client for the given API base URL.
func NewMempoolRpc(baseURL string) *MempoolRpc {
	return &MempoolRpc{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// GetTipHeight returns the current best block height.
func (m *MempoolRpc) GetTipHeight(ctx context.Context) (int32, error) {
	body, err := m.getRaw(ctx, "/blocks/tip/height")
	if err != nil {
		return 0, err
	}
	var height int32
	if err := json.Unmarshal(body, &height); err != nil {
		return 0, fmt.Errorf("bad tip height response: %w", err)
	}
	return height, nil
}

type mempoolBlock struct {
	ID           string `json:"id"`
	Height       int32  `json:"height"`
	Version      int32  `json:"version"`
	Timestamp    int64  `json:"timestamp"`
	Bits         uint32 `json:"bits"`
	Nonce        uint32 `json:"nonce"`
	MerkleRoot   string `json:"merkle_root"`
	PreviousHash string `json:"previousblockhash"`
	TxCount      int64  `json:"tx_count"`
}

// GetBlockHeader returns the header of a block by hash or height.
func (m *MempoolRpc) GetBlockHeader(ctx context.Context, hashOrHeight string) (*BlockHeader, error) {
	hash := hashOrHeight
	// Numeric argument is a height; resolve to a hash first.
	if len(hashOrHeight) < 64 {
		body, err := m.getRaw(ctx, "/block-height/"+hashOrHeight)
		if err != nil {
			return nil, err
		}
		hash = strings.TrimSpace(string(body))
	}

	var result mempoolBlock
	if err := m.get(ctx, "/block/"+hash, &result); err != nil {
		return nil, err
	}

	return &BlockHeader{
		Hash:         result.ID,
		Height:       result.Height,
		Version:      result.Version,
		PreviousHash: result.PreviousHash,
		MerkleRoot:   result.MerkleRoot,
		Timestamp:    result.Timestamp,
		Bits:         result.Bits,
		Nonce:        result.Nonce,
		TxCount:      result.TxCount,
	}, nil
}

// GetBlockWithTransactions returns the block header plus every txid in it.
func (m *MempoolRpc) GetBlockWithTransactions(ctx context.Context, hash string) (*BlockWithTransactions, error) {
	var header mempoolBlock
	if err := m.get(ctx, "/block/"+hash, &header); err != nil {
		return nil, err
	}

	var txIDs []string
	if err := m.get(ctx, "/block/"+hash+"/txids", &txIDs); err != nil {
		return nil, err
	}

	return &BlockWithTransactions{
		Hash:       header.ID,
		Height:     header.Height,
		MerkleRoot: header.MerkleRoot,
		TxIDs:      txIDs,
	}, nil
}

type mempoolTx struct {
	TxID     string `json:"txid"`
	Version  int32  `json:"version"`
	LockTime uint32 `json:"locktime"`
	Size     int64  `json:"size"`
	Weight   int64  `json:"weight"`
	Fee      uint64 `json:"fee"`
	Status   struct {
		Confirmed   bool   `json:"confirmed"`
		BlockHeight int32  `json:"block_height"`
		BlockHash   string `json:"block_hash"`
	} `json:"status"`
	Vin  []TxInput  `json:"vin"`
	Vout []TxOutput `json:"vout"`
}

func (mt *mempoolTx) toTransaction() Transaction {
	return Transaction{
		TxID:        mt.TxID,
		Version:     mt.Version,
		LockTime:    mt.LockTime,
		Size:        mt.Size,
		VSize:       (mt.Weight + 3) / 4,
		Fee:         mt.Fee,
		Confirmed:   mt.Status.Confirmed,
		BlockHash:   mt.Status.BlockHash,
		BlockHeight: mt.Status.BlockHeight,
		Inputs:      mt.Vin,
		Outputs:     mt.Vout,
	}
}

// GetTransaction returns a transaction by id with its confirmation count.
func (m *MempoolRpc) GetTransaction(ctx context.Context, txID string) (*Transaction, error) {
	var result mempoolTx
	if err := m.get(ctx, "/tx/"+txID, &result); err != nil {
		return nil, err
	}

	tx := result.toTransaction()
	if tx.Confirmed && tx.BlockHeight > 0 {
		tip, err := m.GetTipHeight(ctx)
		if err == nil && tip >= tx.BlockHeight {
			tx.Confirmations = tip - tx.BlockHeight + 1
		}
	}
	return &tx, nil
}

// GetRawTransaction returns the raw serialized transaction bytes.
func (m *MempoolRpc) GetRawTransaction(ctx context.Context, txID string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.baseURL+"/tx/"+txID+"/raw", nil)
	if err != nil {
		return nil, err
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrTxNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// BroadcastTransaction submits a raw transaction hex and returns its txid.
func (m *MempoolRpc) BroadcastTransaction(ctx context.Context, rawTxHex string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/tx", strings.NewReader(rawTxHex))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBroadcastFailed, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: %s", ErrBroadcastFailed, string(body))
	}
	return strings.TrimSpace(string(body)), nil
}

// GetFeeEstimate returns the recommended fee rates.
func (m *MempoolRpc) GetFeeEstimate(ctx context.Context) (*FeeEstimate, error) {
	var result map[string]float64
	if err := m.get(ctx, "/v1/fees/recommended", &result); err != nil {
		return nil, err
	}
	return &FeeEstimate{
		FastestFee:  result["fastestFee"],
		HalfHourFee: result["halfHourFee"],
		HourFee:     result["hourFee"],
		EconomyFee:  result["economyFee"],
		MinimumFee:  result["minimumFee"],
	}, nil
}

// GetAddressUTXOs returns the unspent outputs of an address.
func (m *MempoolRpc) GetAddressUTXOs(ctx context.Context, address string) ([]UTXO, error) {
	var result []struct {
		TxID   string `json:"txid"`
		Vout   uint32 `json:"vout"`
		Value  uint64 `json:"value"`
		Status struct {
			Confirmed   bool  `json:"confirmed"`
			BlockHeight int32 `json:"block_height"`
		} `json:"status"`
	}
	if err := m.get(ctx, "/address/"+address+"/utxo", &result); err != nil {
		return nil, err
	}

	var tip int32
	if len(result) > 0 {
		tip, _ = m.GetTipHeight(ctx)
	}

	utxos := make([]UTXO, len(result))
	for i, u := range result {
		var confs int32
		if u.Status.Confirmed && u.Status.BlockHeight > 0 && tip >= u.Status.BlockHeight {
			confs = tip - u.Status.BlockHeight + 1
		}
		utxos[i] = UTXO{
			TxID:          u.TxID,
			Vout:          u.Vout,
			Value:         u.Value,
			Confirmations: confs,
			Address:       address,
		}
	}
	return utxos, nil
}

// GetAddressTransactions returns transactions for an address, optionally
// continuing after lastSeenTxID.
func (m *MempoolRpc) GetAddressTransactions(ctx context.Context, address, lastSeenTxID string) ([]Transaction, error) {
	endpoint := "/address/" + address + "/txs"
	if lastSeenTxID != "" {
		endpoint += "/chain/" + lastSeenTxID
	}

	var result []mempoolTx
	if err := m.get(ctx, endpoint, &result); err != nil {
		return nil, err
	}

	txs := make([]Transaction, len(result))
	for i := range result {
		txs[i] = result[i].toTransaction()
	}
	return txs, nil
}

func (m *MempoolRpc) get(ctx context.Context, path string, result interface{}) error {
	body, err := m.getRaw(ctx, path)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, result)
}

func (m *MempoolRpc) getRaw(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, ErrTxNotFound
	case http.StatusTooManyRequests:
		return nil, ErrRateLimited
	default:
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}

	return io.ReadAll(resp.Body)
}

var _ Rpc = (*MempoolRpc)(nil)
