package credit

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"hash/crc32"
	"sync"

	"github.com/cockroachdb/pebble"

	pebblestore "github.com/skeinlabs/skein/internal/storage/pebble"
)

// JournalEntry is one immutable billing record. Every reserve, settle, and
// refund lands here so usage can be audited after the fact.
type JournalEntry struct {
	Seq       uint64  `json:"seq"`
	Kind      string  `json:"kind"` // reserve | settle | refund | expire
	SessionID string  `json:"sessionId"`
	OwnerID   string  `json:"ownerId"`
	ModelID   string  `json:"modelId,omitempty"`
	Amount    int64   `json:"amount"`
	Tokens    int64   `json:"tokens,omitempty"`
	Outcome   Outcome `json:"outcome,omitempty"`
	AtMs      int64   `json:"atMs"`
}

// Journal is an append-only, crc-checked usage log on the durable store.
// Entry encoding: payload | crc32c(payload), keyed by a big-endian sequence.
type Journal struct {
	db *pebblestore.DB

	mu      sync.Mutex
	lastSeq uint64
}

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// OpenJournal loads the last sequence from metadata (if any).
func OpenJournal(db *pebblestore.DB) (*Journal, error) {
	j := &Journal{db: db}
	meta, err := db.Get(journalMetaKey)
	if err == nil && len(meta) >= 8 {
		j.lastSeq = binary.BigEndian.Uint64(meta[:8])
	} else if err != nil && !errors.Is(err, pebblestore.ErrNotFound) {
		return nil, err
	}
	return j, nil
}

// append adds entries to the provided batch so a billing mutation and its
// journal record commit atomically. Callers hold the owner lock.
func (j *Journal) append(b *pebble.Batch, entries ...JournalEntry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	for i := range entries {
		j.lastSeq++
		entries[i].Seq = j.lastSeq
		payload, err := json.Marshal(entries[i])
		if err != nil {
			return err
		}
		if err := b.Set(keyJournalEntry(j.lastSeq), encodeJournalRecord(payload), nil); err != nil {
			return err
		}
	}
	var meta [8]byte
	binary.BigEndian.PutUint64(meta[:], j.lastSeq)
	return b.Set(journalMetaKey, meta[:], nil)
}

// Read returns up to limit entries starting at fromSeq (inclusive). Entries
// failing the crc check are skipped.
func (j *Journal) Read(fromSeq uint64, limit int) ([]JournalEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	low := keyJournalEntry(fromSeq)
	hi := keyJournalEntry(^uint64(0))
	iter, err := j.db.NewIter(&pebble.IterOptions{LowerBound: low, UpperBound: append(hi, 0x00)})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	out := make([]JournalEntry, 0, limit)
	for ok := iter.First(); ok && len(out) < limit; ok = iter.Next() {
		payload, valid := decodeJournalRecord(iter.Value())
		if !valid {
			continue
		}
		var e JournalEntry
		if err := json.Unmarshal(payload, &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// LastSeq returns the sequence of the newest entry.
func (j *Journal) LastSeq() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastSeq
}

func encodeJournalRecord(payload []byte) []byte {
	out := make([]byte, 0, len(payload)+4)
	out = append(out, payload...)
	var crcb [4]byte
	binary.BigEndian.PutUint32(crcb[:], crc32.Checksum(payload, castagnoli))
	return append(out, crcb[:]...)
}

func decodeJournalRecord(b []byte) ([]byte, bool) {
	if len(b) < 4 {
		return nil, false
	}
	payload := b[:len(b)-4]
	expect := binary.BigEndian.Uint32(b[len(b)-4:])
	if crc32.Checksum(payload, castagnoli) != expect {
		return nil, false
	}
	return append([]byte(nil), payload...), true
}
