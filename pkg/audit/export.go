package audit

import (
	"archive/zip"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNoEvents is returned when an export is requested over an empty stream.
var ErrNoEvents = errors.New("audit: no events to export")

// Exporter builds evidence packs: self-contained zip bundles of a journal
// segment that an auditor can verify offline.
type Exporter struct {
	clock func() time.Time
}

func NewExporter() *Exporter {
	return &Exporter{clock: time.Now}
}

// packManifest binds the exported events to the chain position they were
// taken from.
type packManifest struct {
	GeneratedAt time.Time `json:"generated_at"`
	EventCount  int       `json:"event_count"`
	ChainHead   string    `json:"chain_head"`
	FirstSeq    uint64    `json:"first_seq"`
	LastSeq     uint64    `json:"last_seq"`
}

// GeneratePack creates a zip containing the events, a manifest, and the
// checkpoint if one is supplied. It returns the zip bytes and their SHA-256
// checksum. Events must be in append order; the checkpoint, when present,
// should attest the same head the manifest names.
func (e *Exporter) GeneratePack(events []*Event, head string, cp *Checkpoint) ([]byte, string, error) {
	if len(events) == 0 {
		return nil, "", ErrNoEvents
	}

	// 1. Serialize the event stream.
	eventsJSON, err := json.MarshalIndent(events, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("audit: failed to marshal events: %w", err)
	}

	// 2. Build the manifest.
	manifest := packManifest{
		GeneratedAt: e.clock().UTC(),
		EventCount:  len(events),
		ChainHead:   head,
		FirstSeq:    events[0].Seq,
		LastSeq:     events[len(events)-1].Seq,
	}
	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("audit: failed to marshal manifest: %w", err)
	}

	// 3. Assemble the zip.
	buf := new(bytes.Buffer)
	w := zip.NewWriter(buf)

	f, err := w.Create("events.json")
	if err != nil {
		return nil, "", err
	}
	_, _ = f.Write(eventsJSON)

	f, err = w.Create("manifest.json")
	if err != nil {
		return nil, "", err
	}
	_, _ = f.Write(manifestJSON)

	if cp != nil {
		cpJSON, err := json.MarshalIndent(cp, "", "  ")
		if err != nil {
			return nil, "", fmt.Errorf("audit: failed to marshal checkpoint: %w", err)
		}
		f, err = w.Create("checkpoint.json")
		if err != nil {
			return nil, "", err
		}
		_, _ = f.Write(cpJSON)
	}

	f, err = w.Create("README.txt")
	if err != nil {
		return nil, "", err
	}
	_, _ = fmt.Fprintf(f, "Journal evidence pack\nGenerated at %s\nEvents %d through %d, chain head %s\n",
		manifest.GeneratedAt.Format(time.RFC3339), manifest.FirstSeq, manifest.LastSeq, head)

	if err := w.Close(); err != nil {
		return nil, "", err
	}

	// 4. Checksum of the finished archive.
	zipBytes := buf.Bytes()
	hash := sha256.Sum256(zipBytes)
	return zipBytes, hex.EncodeToString(hash[:]), nil
}
