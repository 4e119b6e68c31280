package snapshot

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tessera-pm/tessera/core/pkg/merkle"
)

var (
	// ErrEmptyEntity is returned when an export request names no entity.
	ErrEmptyEntity = errors.New("snapshot: entity_type and entity_id must not be empty")
	// ErrInvalidTimeRange is returned when start time is after end time.
	ErrInvalidTimeRange = errors.New("snapshot: start_time must be before end_time")
	// ErrNoSnapshots is returned when nothing matches the export request.
	ErrNoSnapshots = errors.New("snapshot: no snapshots match the export request")
)

// ExportRequest defines what to export. EntityType and EntityID are required;
// the time range is optional.
type ExportRequest struct {
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	StartTime  time.Time `json:"start_time"`
	EndTime    time.Time `json:"end_time"`
}

// EvidencePack is the result of an export: a zip archive holding the
// snapshots, a manifest, and a README, plus integrity anchors computed over
// the archive and its contents.
type EvidencePack struct {
	Archive     []byte    `json:"-"`
	Checksum    string    `json:"checksum"`
	MerkleRoot  string    `json:"merkle_root"`
	Count       int       `json:"count"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Exporter assembles evidence packs for legal proceedings and regulator
// requests.
type Exporter struct {
	store *SQLStore
}

func NewExporter(store *SQLStore) *Exporter {
	return &Exporter{store: store}
}

// GeneratePack builds a zip with snapshots.json, manifest.json and README.txt.
// The manifest carries a merkle root over the snapshots' data hashes, so any
// single snapshot can later be proven part of the exported set.
func (e *Exporter) GeneratePack(ctx context.Context, req ExportRequest) (*EvidencePack, error) {
	if req.EntityType == "" || req.EntityID == "" {
		return nil, ErrEmptyEntity
	}
	if !req.StartTime.IsZero() && !req.EndTime.IsZero() && req.StartTime.After(req.EndTime) {
		return nil, ErrInvalidTimeRange
	}

	snaps, err := e.store.ByEntity(ctx, req.EntityType, req.EntityID)
	if err != nil {
		return nil, err
	}
	snaps = filterByTime(snaps, req.StartTime, req.EndTime)
	if len(snaps) == 0 {
		return nil, fmt.Errorf("%w: %s/%s", ErrNoSnapshots, req.EntityType, req.EntityID)
	}

	leaves := make(map[string]interface{}, len(snaps))
	for _, s := range snaps {
		leaves[s.ID] = s.DataHash
	}
	tree, err := merkle.Build(leaves)
	if err != nil {
		return nil, fmt.Errorf("snapshot: merkle build failed: %w", err)
	}

	snapsJSON, err := json.MarshalIndent(snaps, "", "  ")
	if err != nil {
		return nil, err
	}

	generatedAt := time.Now().UTC()
	manifest := map[string]interface{}{
		"entity_type":    req.EntityType,
		"entity_id":      req.EntityID,
		"generated_at":   generatedAt,
		"snapshot_count": len(snaps),
		"merkle_root":    tree.Root,
		"chain_head":     snaps[len(snaps)-1].ChainHash,
		"period": map[string]interface{}{
			"start": req.StartTime,
			"end":   req.EndTime,
		},
	}
	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("snapshot: failed to marshal manifest: %w", err)
	}

	buf := new(bytes.Buffer)
	w := zip.NewWriter(buf)

	f, err := w.Create("snapshots.json")
	if err != nil {
		return nil, err
	}
	_, _ = f.Write(snapsJSON)

	f, err = w.Create("manifest.json")
	if err != nil {
		return nil, err
	}
	_, _ = f.Write(manifestJSON)

	f, err = w.Create("README.txt")
	if err != nil {
		return nil, err
	}
	_, _ = fmt.Fprintf(f,
		"Evidence pack for %s %s\nGenerated at %s\nSnapshots: %d\nMerkle root: %s\n",
		req.EntityType, req.EntityID, generatedAt.Format(time.RFC3339), len(snaps), tree.Root)

	if err := w.Close(); err != nil {
		return nil, err
	}

	zipBytes := buf.Bytes()
	sum := sha256.Sum256(zipBytes)

	return &EvidencePack{
		Archive:     zipBytes,
		Checksum:    hex.EncodeToString(sum[:]),
		MerkleRoot:  tree.Root,
		Count:       len(snaps),
		GeneratedAt: generatedAt,
	}, nil
}

func filterByTime(snaps []Snapshot, start, end time.Time) []Snapshot {
	if start.IsZero() && end.IsZero() {
		return snaps
	}
	out := snaps[:0]
	for _, s := range snaps {
		if !start.IsZero() && s.Timestamp.Before(start) {
			continue
		}
		if !end.IsZero() && s.Timestamp.After(end) {
			continue
		}
		out = append(out, s)
	}
	return out
}
