package aggregates

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/plugin/dbresolver"

	"github.com/THEMKM/seraaj-eventsourced-sub001/domain"
	"github.com/THEMKM/seraaj-eventsourced-sub001/eventstore"
	"github.com/THEMKM/seraaj-eventsourced-sub001/models"
)

// Snapshot is folded aggregate state at Version
type Snapshot struct {
	AggregateID   string
	AggregateType string
	Version       int
	State         json.RawMessage
}

// SnapshotStore persists the latest snapshot per aggregate
type SnapshotStore interface {
	Get(ctx context.Context, aggregateID string) (Snapshot, error)
	Put(ctx context.Context, snapshot Snapshot) error
}

// GormSnapshotStore keeps snapshots in aggregate_snapshots
type GormSnapshotStore struct {
	db  *gorm.DB
	now func() time.Time
}

func NewGormSnapshotStore(db *gorm.DB) *GormSnapshotStore {
	return &GormSnapshotStore{db: db, now: time.Now}
}

// Get returns NotFound when the aggregate has no snapshot
func (s *GormSnapshotStore) Get(ctx context.Context, aggregateID string) (Snapshot, error) {
	const op = "aggregates.GetSnapshot"

	var row models.AggregateSnapshot
	err := s.db.WithContext(ctx).Clauses(dbresolver.Write).
		Where("aggregate_id = ?", aggregateID).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Snapshot{}, domain.NotFound(op, "no snapshot for %s", aggregateID)
	}
	if err != nil {
		return Snapshot{}, eventstore.MapStorageError(op, err)
	}

	return Snapshot{
		AggregateID:   row.AggregateID,
		AggregateType: row.AggregateType,
		Version:       row.Version,
		State:         json.RawMessage(row.State),
	}, nil
}

// Put replaces the stored snapshot unless a newer one is already there
func (s *GormSnapshotStore) Put(ctx context.Context, snapshot Snapshot) error {
	row := models.AggregateSnapshot{
		AggregateID:   snapshot.AggregateID,
		AggregateType: snapshot.AggregateType,
		Version:       snapshot.Version,
		State:         datatypes.JSON(snapshot.State),
		CreatedAt:     s.now().UTC(),
	}

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "aggregate_id"}},
		Where:     clause.Where{Exprs: []clause.Expression{clause.Expr{SQL: "aggregate_snapshots.version < excluded.version"}}},
		DoUpdates: clause.AssignmentColumns([]string{"aggregate_type", "version", "state", "created_at"}),
	}).Create(&row).Error
	if err != nil {
		return eventstore.MapStorageError("aggregates.PutSnapshot", err)
	}
	return nil
}
