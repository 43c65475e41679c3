package sqlite

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/quay/zlog"

	"github.com/kestrelrobotics/vulnstore/datastore"
)

const insertOperation = `INSERT INTO operation (ref, kind, source, record_count) VALUES (?, ?, ?, ?);`

// RecordOperation implements datastore.Operation.
func (s *Store) RecordOperation(ctx context.Context, kind datastore.OpKind, source string, records int64) (_ uuid.UUID, err error) {
	defer observe("recordoperation", &err)()
	ref := uuid.New()
	c, err := s.conn(ctx)
	if err != nil {
		return uuid.Nil, err
	}
	defer c.Close()
	if _, err := c.ExecContext(ctx, insertOperation, ref.String(), string(kind), source, records); err != nil {
		return uuid.Nil, fmt.Errorf("sqlite: record operation: %w", err)
	}
	zlog.Info(ctx).
		Str("ref", ref.String()).
		Str("kind", string(kind)).
		Str("source", source).
		Int64("records", records).
		Msg("operation recorded")
	return ref, nil
}
