package docds

import (
	"context"
	"fmt"

	"github.com/andreyvit/docds/journal"
)

// commitRecord is the journal entry of one committed transaction.
type commitRecord struct {
	Tx      string       `msgpack:"tx"`
	Puts    []journalPut `msgpack:"p,omitempty"`
	Deletes []journalDel `msgpack:"d,omitempty"`
	Actions []Action     `msgpack:"a,omitempty"`
}

type journalPut struct {
	Collection string   `msgpack:"c"`
	Doc        Document `msgpack:"doc"`
}

type journalDel struct {
	Collection string `msgpack:"c"`
	ID         string `msgpack:"id"`
}

func newCommitRecord(tx *Transaction, st *txState) (*commitRecord, error) {
	rec := &commitRecord{Tx: tx.String(), Actions: st.actions}
	for _, mk := range st.writeOrder {
		e := st.writes[mk]
		doc, err := toDocument(e)
		if err != nil {
			return nil, err
		}
		rec.Puts = append(rec.Puts, journalPut{Collection: collectionForKey(e.Key), Doc: doc})
	}
	for _, mk := range st.deleteOrder {
		k := st.deletes[mk]
		id, err := EncodeKey(k)
		if err != nil {
			return nil, err
		}
		rec.Deletes = append(rec.Deletes, journalDel{Collection: collectionForKey(k), ID: id})
	}
	return rec, nil
}

// journalCommit durably records a transaction before it is applied.
func (db *DB) journalCommit(tx *Transaction, st *txState) error {
	if db.journal == nil {
		return nil
	}
	rec, err := newCommitRecord(tx, st)
	if err != nil {
		return err
	}
	if err := db.journal.WriteRecord(0, encodeMsgPack(nil, rec)); err != nil {
		return fmt.Errorf("journal %v: %w", tx, err)
	}
	if err := db.journal.Commit(); err != nil {
		return fmt.Errorf("journal %v: %w", tx, err)
	}
	return nil
}

// CommittedTxn is a transaction read back from a commit journal.
type CommittedTxn struct {
	Tx        string
	Timestamp uint32
	Puts      int
	Deletes   int
	Actions   []Action
}

// ReplayJournal reapplies the writes and deletes of every transaction in
// the commit journal at dir, in commit order. Deferred actions are not
// resubmitted. It returns the replayed transactions.
func (db *DB) ReplayJournal(ctx context.Context, dir string, o journal.Options) ([]CommittedTxn, error) {
	var result []CommittedTxn
	err := journal.Read(dir, o, func(r journal.Record) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		var rec commitRecord
		if err := decodeMsgPack(r.Data, &rec); err != nil {
			return fmt.Errorf("segment %d: %w", r.Segment, err)
		}
		for _, p := range rec.Puts {
			if err := db.store.InsertOrReplace(ctx, p.Collection, normalizeDocument(p.Doc)); err != nil {
				return err
			}
		}
		for _, d := range rec.Deletes {
			if err := db.store.Remove(ctx, d.Collection, d.ID); err != nil {
				return err
			}
		}
		result = append(result, CommittedTxn{
			Tx:        rec.Tx,
			Timestamp: r.Timestamp,
			Puts:      len(rec.Puts),
			Deletes:   len(rec.Deletes),
			Actions:   rec.Actions,
		})
		return nil
	})
	return result, err
}
