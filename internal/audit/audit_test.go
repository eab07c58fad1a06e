package audit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

// A nil pool is the supported "audit disabled" configuration: every write
// is a no-op instead of a panic, so the rest of the process can run without
// Postgres configured.
func TestNilPoolMakesWritesNoOps(t *testing.T) {
	l := New(nil)
	require.NoError(t, l.RecordUpload(context.Background(), UploadOutcome{StreamID: "s1"}))
	require.NoError(t, l.RecordEviction(context.Background(), VacuumEviction{SessionID: 1, Reason: "unused_ttl"}))

	rows, err := l.RecentUploads(context.Background(), 10)
	require.NoError(t, err)
	require.Nil(t, rows)
}
