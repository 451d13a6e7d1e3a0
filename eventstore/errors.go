package eventstore

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"github.com/THEMKM/seraaj-eventsourced-sub001/domain"
)

const (
	pgUniqueViolation = "23505"

	// versionIndex is the unique (aggregate_id, version) index on events
	versionIndex = "uq_events_aggregate_version"
)

// IsDuplicateKey reports whether err is a unique constraint violation from
// any supported driver
func IsDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key value") || strings.Contains(msg, "UNIQUE constraint failed")
}

// isVersionRace reports whether a unique violation came from the events
// version index. Translated gorm errors carry no constraint name and are
// not treated as version races.
func isVersionRace(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.ConstraintName == versionIndex
	}
	msg := err.Error()
	return strings.Contains(msg, versionIndex) || strings.Contains(msg, "events.aggregate_id, events.version")
}

// MapStorageError converts driver and gorm errors into the domain taxonomy.
// Errors that already carry a domain code pass through unchanged. Only a
// clash on the events version index is a version conflict; any other unique
// violation is a uniqueness violation.
func MapStorageError(op string, err error) error {
	if err == nil {
		return nil
	}

	var derr *domain.Error
	if errors.As(err, &derr) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.NotFound(op, "record not found")
	}
	if IsDuplicateKey(err) {
		if isVersionRace(err) {
			return domain.VersionConflict(op, "concurrent write detected: %v", err)
		}
		return domain.UniquenessViolation(op, "duplicate key: %v", err)
	}
	return domain.StorageUnavailable(op, err)
}
