// Package chain hash-links the append-only transaction history. Every row
// stores the hash of the row before it, so an edited or deleted row breaks
// verification for everything after it.
package chain

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"

	"lv-tradedesk/internal/model"
)

var ErrBroken = errors.New("ledger chain broken")

// Hash computes the chain hash of t. t.PrevHash and t.Sequence must already be set.
func Hash(t model.Transaction) string {
	buf := t.ID + "|" + t.UserID + "|" + string(t.Type) + "|" + t.Amount.String() + "|" + t.Status + "|" +
		t.Reference + "|" + strconv.FormatInt(t.Sequence, 10) + "|" + t.PrevHash
	sum := sha256.Sum256([]byte(buf))
	return hex.EncodeToString(sum[:])
}

// Seal links t to the previous chain head and fills in its hash.
func Seal(t *model.Transaction, seq int64, prevHash string) {
	t.Sequence = seq
	t.PrevHash = prevHash
	t.Hash = Hash(*t)
}

// Verify walks txs in sequence order and checks every link.
func Verify(txs []model.Transaction) error {
	prev := ""
	for i, t := range txs {
		if t.PrevHash != prev {
			return fmt.Errorf("%w: transaction %s (#%d) prev hash mismatch", ErrBroken, t.ID, i)
		}
		if Hash(t) != t.Hash {
			return fmt.Errorf("%w: transaction %s (#%d) hash mismatch", ErrBroken, t.ID, i)
		}
		prev = t.Hash
	}
	return nil
}
