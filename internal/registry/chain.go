package registry

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
)

// encMode uses Core Deterministic Encoding so the same entry always yields
// the same bytes and therefore the same transaction id.
var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("registry: CBOR encoder initialization failed: " + err.Error())
	}
}

// chainLink is the hashed form of an entry. Field numbers are part of the
// ledger format and must not be reused.
type chainLink struct {
	Index          int64  `cbor:"1,keyasint"`
	ContentHash    string `cbor:"2,keyasint"`
	PerceptualHash string `cbor:"3,keyasint"`
	Submitter      string `cbor:"4,keyasint"`
	Timestamp      int64  `cbor:"5,keyasint"`
	PrevTxID       string `cbor:"6,keyasint"`
}

// TxID computes the transaction id of rec: BLAKE3 over the deterministic CBOR
// encoding of its fields and the previous entry's id.
func TxID(rec ImageRecord) (string, error) {
	data, err := encMode.Marshal(chainLink{
		Index:          rec.Index,
		ContentHash:    rec.ContentHash,
		PerceptualHash: rec.PerceptualHash,
		Submitter:      rec.Submitter,
		Timestamp:      rec.Timestamp,
		PrevTxID:       rec.PrevTxID,
	})
	if err != nil {
		return "", fmt.Errorf("registry: encode chain link: %w", err)
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// VerifyChain walks every entry in index order and checks that each entry
// links to its predecessor and that its transaction id matches its content.
// It returns the number of entries verified.
func VerifyChain(ctx context.Context, c Client) (int64, error) {
	count, err := c.Count(ctx)
	if err != nil {
		return 0, err
	}

	prev := ""
	for i := int64(0); i < count; i++ {
		rec, err := c.GetEntry(ctx, i)
		if err != nil {
			return i, fmt.Errorf("registry: verify entry %d: %w", i, err)
		}
		if rec.Index != i {
			return i, fmt.Errorf("registry: entry %d reports index %d", i, rec.Index)
		}
		if rec.PrevTxID != prev {
			return i, fmt.Errorf("registry: entry %d links to %q, want %q", i, rec.PrevTxID, prev)
		}
		want, err := TxID(rec)
		if err != nil {
			return i, err
		}
		if rec.TxID != want {
			return i, fmt.Errorf("registry: entry %d tx id mismatch", i)
		}
		prev = rec.TxID
	}
	return count, nil
}
