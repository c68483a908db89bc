package audit

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
)

var (
	// ErrChainBroken reports a journal whose hash chain does not verify.
	ErrChainBroken = errors.New("hash chain is broken")
	// ErrBadCheckpoint reports a checkpoint whose signature does not verify.
	ErrBadCheckpoint = errors.New("checkpoint signature invalid")
)

// genesisHead anchors the first event's prev_hash.
const genesisHead = "genesis"

// canonicalize renders v as RFC 8785 canonical JSON, so hashes and signatures
// are stable across marshaling order and platforms.
func canonicalize(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jcs.Transform(raw)
}

// computeHash computes the SHA-256 hash of canonical data.
func computeHash(data []byte) string {
	hash := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(hash[:])
}

// eventHash hashes every event field except Hash itself. PrevHash is
// included, which is what chains the entries.
func eventHash(ev *Event) (string, error) {
	shadow := *ev
	shadow.Hash = ""
	data, err := canonicalize(&shadow)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize event: %w", err)
	}
	return computeHash(data), nil
}

// Journal is an append-only, hash-chained event log. Each event's hash covers
// its predecessor's, so any mutation or reordering breaks verification.
type Journal struct {
	mu     sync.RWMutex
	events []*Event
	seq    uint64
	head   string
}

func NewJournal() *Journal {
	return &Journal{head: genesisHead}
}

// Record assigns the chain fields and appends the event.
func (j *Journal) Record(ctx context.Context, ev *Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	ev.Timestamp = ev.Timestamp.UTC()

	j.seq++
	ev.Seq = j.seq
	ev.PrevHash = j.head

	hash, err := eventHash(ev)
	if err != nil {
		j.seq--
		return err
	}
	ev.Hash = hash
	j.head = hash

	stored := *ev
	j.events = append(j.events, &stored)
	return nil
}

// Head returns the current chain head hash.
func (j *Journal) Head() string {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.head
}

// Seq returns the sequence number of the latest event.
func (j *Journal) Seq() uint64 {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.seq
}

// Size returns the number of recorded events.
func (j *Journal) Size() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.events)
}

// List returns all events in append order. Entries are immutable once
// recorded; callers must not modify them.
func (j *Journal) List() []*Event {
	j.mu.RLock()
	defer j.mu.RUnlock()
	out := make([]*Event, len(j.events))
	copy(out, j.events)
	return out
}

// Filter defines matching criteria for journal queries. Zero values match
// everything.
type Filter struct {
	Target   uuid.UUID
	Kind     EventKind
	StartSeq uint64
	EndSeq   uint64
	Limit    int
}

func (f Filter) matches(ev *Event) bool {
	if f.Target != uuid.Nil && ev.Target != f.Target {
		return false
	}
	if f.Kind != "" && ev.Kind != f.Kind {
		return false
	}
	if f.StartSeq > 0 && ev.Seq < f.StartSeq {
		return false
	}
	if f.EndSeq > 0 && ev.Seq > f.EndSeq {
		return false
	}
	return true
}

// Query returns events matching the filter, in append order.
func (j *Journal) Query(filter Filter) []*Event {
	j.mu.RLock()
	defer j.mu.RUnlock()

	results := make([]*Event, 0)
	for _, ev := range j.events {
		if filter.matches(ev) {
			results = append(results, ev)
			if filter.Limit > 0 && len(results) >= filter.Limit {
				break
			}
		}
	}
	return results
}

// QueryEvents is Query in the context-aware shape the SQLite journal uses,
// so readers can hold either backend behind one interface.
func (j *Journal) QueryEvents(_ context.Context, filter Filter) ([]*Event, error) {
	return j.Query(filter), nil
}

// VerifyChain verifies the integrity of the hash chain.
func (j *Journal) VerifyChain(_ context.Context) error {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return verifyEvents(j.events)
}

// verifyEvents walks a full event stream and checks every link.
func verifyEvents(events []*Event) error {
	expectedPrev := genesisHead
	for i, ev := range events {
		if ev.PrevHash != expectedPrev {
			return fmt.Errorf("%w: event %d has prev_hash %s but expected %s",
				ErrChainBroken, i, ev.PrevHash, expectedPrev)
		}
		computed, err := eventHash(ev)
		if err != nil {
			return fmt.Errorf("%w: event %d hash computation failed: %w", ErrChainBroken, i, err)
		}
		if computed != ev.Hash {
			return fmt.Errorf("%w: event %d hash mismatch (computed %s, stored %s)",
				ErrChainBroken, i, computed, ev.Hash)
		}
		expectedPrev = ev.Hash
	}
	return nil
}

// Checkpoint is a signed attestation of the chain head. Anyone holding the
// checkpoint can later prove the journal was not truncated or rewritten up
// to Seq.
type Checkpoint struct {
	Seq       uint64    `json:"seq"`
	Head      string    `json:"head"`
	SignedAt  time.Time `json:"signed_at"`
	PublicKey string    `json:"public_key"`
	Signature string    `json:"signature,omitempty"`
}

// signCheckpoint builds and signs a head attestation.
func signCheckpoint(k *Keyring, seq uint64, head string) (*Checkpoint, error) {
	cp := &Checkpoint{
		Seq:       seq,
		Head:      head,
		SignedAt:  time.Now().UTC(),
		PublicKey: hex.EncodeToString(k.PublicKey()),
	}
	sig, err := k.Sign(cp)
	if err != nil {
		return nil, fmt.Errorf("checkpoint signing failed: %w", err)
	}
	cp.Signature = hex.EncodeToString(sig)
	return cp, nil
}

// Checkpoint signs the current chain head with the given keyring.
func (j *Journal) Checkpoint(k *Keyring) (*Checkpoint, error) {
	j.mu.RLock()
	seq, head := j.seq, j.head
	j.mu.RUnlock()
	return signCheckpoint(k, seq, head)
}

// VerifyCheckpoint verifies a checkpoint against its embedded public key.
func VerifyCheckpoint(cp *Checkpoint) error {
	pub, err := hex.DecodeString(cp.PublicKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: malformed public key", ErrBadCheckpoint)
	}
	sig, err := hex.DecodeString(cp.Signature)
	if err != nil {
		return fmt.Errorf("%w: malformed signature", ErrBadCheckpoint)
	}

	shadow := *cp
	shadow.Signature = ""
	msg, err := canonicalize(&shadow)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadCheckpoint, err)
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), msg, sig) {
		return ErrBadCheckpoint
	}
	return nil
}
