package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xchange/internal/common"
	"xchange/internal/store"
)

func TestDrainer_DrainsPendingEntries(t *testing.T) {
	st := store.NewMemStore()
	tx, err := st.Begin(context.Background())
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := tx.InsertAudit(common.AuditEntry{Action: common.AuditOrderCreated, Timestamp: time.Now()})
		require.NoError(t, err)
	}
	require.NoError(t, tx.Commit())

	var drained []common.AuditEntry
	d := NewDrainer(st, 10*time.Millisecond, 2, func(batch []common.AuditEntry) {
		drained = append(drained, batch...)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_ = d.Run(ctx)

	assert.Len(t, drained, 3)

	tx2, err := st.Begin(context.Background())
	require.NoError(t, err)
	pending, err := tx2.PendingAudit(10)
	require.NoError(t, err)
	assert.Empty(t, pending)
	require.NoError(t, tx2.Rollback())
}
