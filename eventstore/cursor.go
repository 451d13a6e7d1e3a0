package eventstore

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/THEMKM/seraaj-eventsourced-sub001/domain"
)

// EncodeCursor builds the opaque position after an event
func EncodeCursor(occurredAt time.Time, eventID string) string {
	raw := fmt.Sprintf("%d|%s", occurredAt.UTC().UnixNano(), eventID)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor parses a cursor produced by EncodeCursor
func DecodeCursor(cursor string) (time.Time, string, error) {
	const op = "eventstore.DecodeCursor"

	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", domain.Validation(op, err, "invalid cursor")
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, "", domain.Validation(op, nil, "invalid cursor")
	}
	nanos, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || nanos < 0 {
		return time.Time{}, "", domain.Validation(op, err, "invalid cursor")
	}
	if _, err := uuid.Parse(parts[1]); err != nil {
		return time.Time{}, "", domain.Validation(op, err, "invalid cursor")
	}
	return time.Unix(0, nanos).UTC(), parts[1], nil
}
