package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/forzeo/forzeo-core/pkg/authority"
)

// Manifest describes one archived snapshot batch.
type Manifest struct {
	TakenAt     time.Time `json:"taken_at"`
	EngineCount int       `json:"engine_count"`
	BlobHash    string    `json:"blob_hash"`
}

// Archiver serializes daily authority snapshot batches into the blob store.
type Archiver struct {
	store  Store
	logger *slog.Logger
}

func NewArchiver(store Store, logger *slog.Logger) *Archiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{store: store, logger: logger.With("component", "archive")}
}

// Archive stores the snapshot batch as one JSON blob and returns its
// manifest. An empty batch archives nothing.
func (a *Archiver) Archive(ctx context.Context, snapshots []*authority.Snapshot) (*Manifest, error) {
	if len(snapshots) == 0 {
		return nil, nil
	}

	data, err := json.Marshal(snapshots)
	if err != nil {
		return nil, fmt.Errorf("archive: failed to marshal snapshots: %w", err)
	}
	hash, err := a.store.Put(ctx, data)
	if err != nil {
		return nil, err
	}

	manifest := &Manifest{
		TakenAt:     snapshots[0].TakenAt,
		EngineCount: len(snapshots),
		BlobHash:    hash,
	}
	a.logger.InfoContext(ctx, "snapshot batch archived",
		"engines", manifest.EngineCount,
		"blob_hash", manifest.BlobHash,
	)
	return manifest, nil
}

// Restore loads an archived snapshot batch by blob hash.
func (a *Archiver) Restore(ctx context.Context, blobHash string) ([]*authority.Snapshot, error) {
	data, err := a.store.Get(ctx, blobHash)
	if err != nil {
		return nil, err
	}
	var snapshots []*authority.Snapshot
	if err := json.Unmarshal(data, &snapshots); err != nil {
		return nil, fmt.Errorf("archive: failed to decode snapshot blob: %w", err)
	}
	return snapshots, nil
}
