package credit

import "encoding/binary"

// Keyspace helpers for Pebble keys.
//
// Layout (byte-wise, lexicographically sortable):
// - acct/{owner}
// - resv/{sessionID}
// - jrnl/m
// - jrnl/e/{seq_be8}

var (
	acctPrefix      = []byte("acct/")
	resvPrefix      = []byte("resv/")
	journalMetaKey  = []byte("jrnl/m")
	journalEntrySeg = []byte("jrnl/e/")
)

func keyAccount(ownerID string) []byte {
	k := make([]byte, 0, len(acctPrefix)+len(ownerID))
	k = append(k, acctPrefix...)
	k = append(k, ownerID...)
	return k
}

func keyReservation(sessionID string) []byte {
	k := make([]byte, 0, len(resvPrefix)+len(sessionID))
	k = append(k, resvPrefix...)
	k = append(k, sessionID...)
	return k
}

func keyJournalEntry(seq uint64) []byte {
	k := make([]byte, 0, len(journalEntrySeg)+8)
	k = append(k, journalEntrySeg...)
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], seq)
	return append(k, b[:]...)
}
