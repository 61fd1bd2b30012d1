// Package storage - swap record persistence keyed by payment hash and
// sequence, enabling recovery after daemon restart.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Swap persistence errors.
var (
	ErrSwapNotFound = errors.New("swap not found")
)

// SwapKey identifies one swap of a given kind. Sequence disambiguates
// multiple swaps sharing a payment hash (FromBtc deposit addresses).
type SwapKey struct {
	PaymentHash string
	Sequence    uint64
}

// String renders the key the way it is persisted: hash-hexsequence.
func (k SwapKey) String() string {
	return k.PaymentHash + "-" + strconv.FormatUint(k.Sequence, 16)
}

// ParseSwapKey parses the persisted form back into a key.
func ParseSwapKey(s string) (SwapKey, error) {
	idx := strings.LastIndexByte(s, '-')
	if idx <= 0 {
		return SwapKey{}, fmt.Errorf("malformed swap key %q", s)
	}
	seq, err := strconv.ParseUint(s[idx+1:], 16, 64)
	if err != nil {
		return SwapKey{}, fmt.Errorf("malformed swap key %q: %w", s, err)
	}
	return SwapKey{PaymentHash: s[:idx], Sequence: seq}, nil
}

// StoredSwap is one persisted swap record: the key, the integer state, and
// the serialized record.
type StoredSwap struct {
	Key     SwapKey
	ChainID string
	State   int
	Data    []byte
}

// PutSwap inserts or updates a swap record.
func (s *Storage) PutSwap(kind string, swap *StoredSwap) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Unix()
	_, err := s.db.Exec(`
		INSERT INTO swaps (kind, payment_hash, sequence, chain_id, state, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(kind, payment_hash, sequence) DO UPDATE SET
			chain_id = excluded.chain_id,
			state = excluded.state,
			data = excluded.data,
			updated_at = excluded.updated_at
	`, kind, swap.Key.PaymentHash, strconv.FormatUint(swap.Key.Sequence, 16),
		swap.ChainID, swap.State, string(swap.Data), now, now)
	return err
}

// GetSwap returns a swap record by key, or ErrSwapNotFound.
func (s *Storage) GetSwap(kind string, key SwapKey) (*StoredSwap, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT chain_id, state, data FROM swaps
		WHERE kind = ? AND payment_hash = ? AND sequence = ?
	`, kind, key.PaymentHash, strconv.FormatUint(key.Sequence, 16))

	swap := &StoredSwap{Key: key}
	var data string
	if err := row.Scan(&swap.ChainID, &swap.State, &data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSwapNotFound
		}
		return nil, err
	}
	swap.Data = []byte(data)
	return swap, nil
}

// DeleteSwap removes a swap record. Deleting a missing record is a no-op.
func (s *Storage) DeleteSwap(kind string, key SwapKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		DELETE FROM swaps WHERE kind = ? AND payment_hash = ? AND sequence = ?
	`, kind, key.PaymentHash, strconv.FormatUint(key.Sequence, 16))
	return err
}

// LoadSwaps returns every persisted swap of a kind, oldest first.
func (s *Storage) LoadSwaps(kind string) ([]*StoredSwap, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT payment_hash, sequence, chain_id, state, data FROM swaps
		WHERE kind = ? ORDER BY created_at ASC
	`, kind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanSwaps(rows)
}

// QuerySwapsByState returns the swaps of a kind currently in one of the
// given states.
func (s *Storage) QuerySwapsByState(kind string, states ...int) ([]*StoredSwap, error) {
	if len(states) == 0 {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	placeholders := strings.Repeat("?,", len(states))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]interface{}, 0, len(states)+1)
	args = append(args, kind)
	for _, st := range states {
		args = append(args, st)
	}

	rows, err := s.db.Query(fmt.Sprintf(`
		SELECT payment_hash, sequence, chain_id, state, data FROM swaps
		WHERE kind = ? AND state IN (%s) ORDER BY created_at ASC
	`, placeholders), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanSwaps(rows)
}

// CountSwaps returns the number of persisted swaps of a kind.
func (s *Storage) CountSwaps(kind string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM swaps WHERE kind = ?`, kind).Scan(&n)
	return n, err
}

type rowScanner interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanSwaps(rows rowScanner) ([]*StoredSwap, error) {
	var swaps []*StoredSwap
	for rows.Next() {
		swap := &StoredSwap{}
		var seq, data string
		if err := rows.Scan(&swap.Key.PaymentHash, &seq, &swap.ChainID, &swap.State, &data); err != nil {
			return nil, err
		}
		parsed, err := strconv.ParseUint(seq, 16, 64)
		if err != nil {
			return nil, fmt.Errorf("corrupt sequence %q: %w", seq, err)
		}
		swap.Key.Sequence = parsed
		swap.Data = []byte(data)
		swaps = append(swaps, swap)
	}
	return swaps, rows.Err()
}
