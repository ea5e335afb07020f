// Package chain implements the append-only, hash-linked ledger of document
// events. Entries are sealed here; persistence and single-writer locking
// live in the store layer. A sealed entry is immutable: there is no update
// path anywhere in the codebase.
package chain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"
)

// GenesisHash is the previousHash of the first entry.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Chain actions recorded in entry metadata.
const (
	ActionUpload   = "UPLOAD"
	ActionDownload = "DOWNLOAD"
)

// Entry is one sealed link. SequenceID is contiguous from 1; ChainHash is a
// pure function of (PreviousHash, PayloadHash, canonical metadata, UserID).
type Entry struct {
	SequenceID   int64          `json:"sequenceId"`
	DocumentID   string         `json:"documentId"`
	UserID       string         `json:"userId"`
	PayloadHash  string         `json:"payloadHash"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	PreviousHash string         `json:"previousHash"`
	ChainHash    string         `json:"chainHash"`
	CreatedAt    time.Time      `json:"createdAt"`
}

// Draft is the caller-supplied part of an entry. Any chain hash a caller
// tries to smuggle in is ignored; Seal computes its own.
type Draft struct {
	DocumentID  string
	UserID      string
	PayloadHash string
	Metadata    map[string]any
}

// HashPayload returns the hex SHA-256 of a blob. Callers hash content once
// at the edge; the chain never re-reads file bytes.
func HashPayload(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// CanonicalMetadata serializes metadata into RFC 8785 canonical JSON so the
// chain hash is stable across writers and readers.
func CanonicalMetadata(m map[string]any) ([]byte, error) {
	if len(m) == 0 {
		return []byte("{}"), nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("chain: marshaling metadata: %w", err)
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("chain: canonicalizing metadata: %w", err)
	}
	return canon, nil
}

// Seal assigns the sequence position and computes the link hash.
func Seal(d Draft, sequenceID int64, previousHash string, at time.Time) (*Entry, error) {
	if sequenceID < 1 {
		return nil, fmt.Errorf("chain: sequence must start at 1, got %d", sequenceID)
	}
	if sequenceID == 1 && previousHash != GenesisHash {
		return nil, fmt.Errorf("chain: first entry must link to genesis")
	}
	h, err := linkHash(previousHash, d.PayloadHash, d.Metadata, d.UserID)
	if err != nil {
		return nil, err
	}
	return &Entry{
		SequenceID:   sequenceID,
		DocumentID:   d.DocumentID,
		UserID:       d.UserID,
		PayloadHash:  d.PayloadHash,
		Metadata:     d.Metadata,
		PreviousHash: previousHash,
		ChainHash:    h,
		CreatedAt:    at.UTC(),
	}, nil
}

func linkHash(previousHash, payloadHash string, metadata map[string]any, userID string) (string, error) {
	canon, err := CanonicalMetadata(metadata)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write([]byte(previousHash))
	h.Write([]byte(payloadHash))
	h.Write(canon)
	h.Write([]byte(userID))
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Report is the result of a full-chain scan.
type Report struct {
	Valid    bool   `json:"valid"`
	Entries  int64  `json:"entries"`
	BrokenAt int64  `json:"brokenAt,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Iterator pages entries in sequence order, returning entries with
// SequenceID > afterSeq, at most limit of them, ordered ascending.
type Iterator func(ctx context.Context, afterSeq int64, limit int) ([]Entry, error)

const verifyBatch = 500

// Verify walks the whole chain and checks contiguity, linkage, and hash
// integrity. It stops at the first broken entry.
func Verify(ctx context.Context, next Iterator) (*Report, error) {
	report := &Report{Valid: true}
	expected := int64(1)
	previous := GenesisHash

	for {
		batch, err := next(ctx, expected-1, verifyBatch)
		if err != nil {
			return nil, fmt.Errorf("chain: reading entries after %d: %w", expected-1, err)
		}
		if len(batch) == 0 {
			return report, nil
		}
		for i := range batch {
			e := &batch[i]
			if e.SequenceID != expected {
				return broken(report, expected, fmt.Sprintf("sequence gap: expected %d, found %d", expected, e.SequenceID)), nil
			}
			if e.PreviousHash != previous {
				return broken(report, e.SequenceID, "previous hash does not match prior entry"), nil
			}
			recomputed, err := linkHash(e.PreviousHash, e.PayloadHash, e.Metadata, e.UserID)
			if err != nil {
				return nil, err
			}
			if recomputed != e.ChainHash {
				return broken(report, e.SequenceID, "chain hash mismatch"), nil
			}
			previous = e.ChainHash
			expected++
			report.Entries++
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}

func broken(r *Report, at int64, reason string) *Report {
	r.Valid = false
	r.BrokenAt = at
	r.Reason = reason
	return r
}
