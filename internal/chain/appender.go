package chain

import (
	"context"
	"log"

	"github.com/vendornexus/backend/internal/apperr"
	"github.com/vendornexus/backend/internal/database"
	"github.com/vendornexus/backend/internal/ids"
	"github.com/vendornexus/backend/internal/metrics"
)

const maxAppendRetries = 3

// Appender serializes writes to the document hash chain. Append must run
// inside a transaction; it takes the global chain lock, reads the tail,
// seals the draft against it, and inserts. A Conflict from the insert means
// another writer advanced the tail between our read and write, so the
// attempt is retried against the fresh tail.
type Appender struct {
	store  database.Store
	clock  ids.Clock
	m      *metrics.Metrics
	logger *log.Logger
}

func NewAppender(store database.Store, clock ids.Clock, m *metrics.Metrics) *Appender {
	if clock == nil {
		clock = ids.SystemClock()
	}
	return &Appender{
		store:  store,
		clock:  clock,
		m:      m,
		logger: log.New(log.Writer(), "[Chain] ", log.LstdFlags),
	}
}

// Append adds one entry using the supplied in-transaction store.
func (a *Appender) Append(ctx context.Context, tx database.Store, d Draft) (*Entry, error) {
	if err := tx.LockChain(ctx); err != nil {
		return nil, err
	}
	var lastErr error
	for attempt := 0; attempt < maxAppendRetries; attempt++ {
		if attempt > 0 && a.m != nil {
			a.m.ChainRetries.Inc()
		}
		seq := int64(1)
		prev := GenesisHash
		tail, err := tx.ChainTail(ctx)
		if err != nil && !apperr.IsKind(err, apperr.NotFound) {
			return nil, err
		}
		if tail != nil {
			seq = tail.SequenceID + 1
			prev = tail.ChainHash
		}
		entry, err := Seal(d, seq, prev, a.clock.Now())
		if err != nil {
			a.result("error")
			return nil, apperr.Wrap(err, apperr.Chain, "seal chain entry")
		}
		err = tx.AppendChainEntry(ctx, &database.ChainEntry{
			SequenceID:   entry.SequenceID,
			DocumentID:   entry.DocumentID,
			UserID:       entry.UserID,
			PayloadHash:  entry.PayloadHash,
			Metadata:     entry.Metadata,
			PreviousHash: entry.PreviousHash,
			ChainHash:    entry.ChainHash,
			CreatedAt:    entry.CreatedAt,
		})
		if err == nil {
			a.result("ok")
			return entry, nil
		}
		if !apperr.IsKind(err, apperr.Conflict) {
			a.result("error")
			return nil, err
		}
		lastErr = err
		a.logger.Printf("chain append conflict at seq %d, retrying", seq)
	}
	a.result("conflict")
	return nil, apperr.Wrap(lastErr, apperr.Chain, "chain append exhausted retries")
}

// AppendNew runs Append in its own transaction, for callers that are not
// already inside one (download audit entries, offline tooling).
func (a *Appender) AppendNew(ctx context.Context, d Draft) (*Entry, error) {
	var entry *Entry
	err := a.store.Tx(ctx, func(tx database.Store) error {
		var err error
		entry, err = a.Append(ctx, tx, d)
		return err
	})
	return entry, err
}

// VerifyAll walks the stored chain from genesis and reports the first break.
func (a *Appender) VerifyAll(ctx context.Context) (*Report, error) {
	return Verify(ctx, a.Iterator())
}

// Iterator adapts the store's chain pagination to the verifier's shape.
func (a *Appender) Iterator() Iterator {
	return func(ctx context.Context, afterSeq int64, limit int) ([]Entry, error) {
		rows, err := a.store.ListChainEntries(ctx, afterSeq, limit)
		if err != nil {
			return nil, err
		}
		out := make([]Entry, len(rows))
		for i, r := range rows {
			out[i] = Entry{
				SequenceID:   r.SequenceID,
				DocumentID:   r.DocumentID,
				UserID:       r.UserID,
				PayloadHash:  r.PayloadHash,
				Metadata:     r.Metadata,
				PreviousHash: r.PreviousHash,
				ChainHash:    r.ChainHash,
				CreatedAt:    r.CreatedAt,
			}
		}
		return out, nil
	}
}

func (a *Appender) result(label string) {
	if a.m != nil {
		a.m.ChainAppends.WithLabelValues(label).Inc()
	}
}
