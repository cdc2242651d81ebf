package service

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"keyshop/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMaintenance(t *testing.T, env *testEnv) *MaintenanceService {
	t.Helper()
	return NewMaintenanceService(env.store, env.inventory, t.TempDir())
}

func TestReportAndRepairOrphans(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	svc := newMaintenance(t, env)
	p := env.store.AddProduct("Office 2024", 1500)
	order := env.paidOrder(t, p.ID)

	env.store.InsertRawKey(models.DigitalKey{KeyValue: "FLAG-ONLY", ProductID: int64Ptr(p.ID), IsAssigned: true})
	env.store.InsertRawKey(models.DigitalKey{KeyValue: "LINK-ONLY", ProductID: int64Ptr(p.ID), AssignedToOrderID: int64Ptr(order.ID)})
	env.stock(t, p.ID, "HEALTHY")

	report, err := svc.Report(ctx)
	require.NoError(t, err)
	assert.False(t, report.Healthy())
	assert.Len(t, report.OrphanedKeys, 2)
	assert.Equal(t, 3, report.TotalKeys)

	repaired, err := svc.RepairOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), repaired)

	report, err = svc.Report(ctx)
	require.NoError(t, err)
	assert.True(t, report.Healthy())

	// the freed key is sellable again and the cache reflects it
	stock, err := env.inventory.GetStock(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stock.Available)
}

func TestResolveDuplicatesKeepsAssignedRow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	svc := newMaintenance(t, env)
	p := env.store.AddProduct("Office 2024", 1500)
	order := env.paidOrder(t, p.ID)

	base := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	env.store.InsertRawKey(models.DigitalKey{KeyValue: "DUP", ProductID: int64Ptr(p.ID), CreatedAt: base})
	bound := env.store.InsertRawKey(models.DigitalKey{
		KeyValue: "DUP", ProductID: int64Ptr(p.ID), CreatedAt: base.Add(time.Hour),
		IsAssigned: true, AssignedToOrderID: int64Ptr(order.ID),
	})
	oldest := env.store.InsertRawKey(models.DigitalKey{KeyValue: "TWIN", ProductID: int64Ptr(p.ID), CreatedAt: base})
	env.store.InsertRawKey(models.DigitalKey{KeyValue: "TWIN", ProductID: int64Ptr(p.ID), CreatedAt: base.Add(time.Minute)})

	// an older row that only links to an order loses to a genuine assignment
	other := env.paidOrder(t, p.ID)
	env.store.InsertRawKey(models.DigitalKey{
		KeyValue: "STALE", ProductID: int64Ptr(p.ID), CreatedAt: base,
		AssignedToOrderID: int64Ptr(order.ID),
	})
	genuine := env.store.InsertRawKey(models.DigitalKey{
		KeyValue: "STALE", ProductID: int64Ptr(p.ID), CreatedAt: base.Add(time.Hour),
		IsAssigned: true, AssignedToOrderID: int64Ptr(other.ID),
	})

	// an assignment to a deleted order does not count
	free := env.store.InsertRawKey(models.DigitalKey{KeyValue: "GHOST", ProductID: int64Ptr(p.ID), CreatedAt: base})
	env.store.InsertRawKey(models.DigitalKey{
		KeyValue: "GHOST", ProductID: int64Ptr(p.ID), CreatedAt: base.Add(time.Hour),
		IsAssigned: true, AssignedToOrderID: int64Ptr(9999),
	})

	res, err := svc.ResolveDuplicates(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Groups)
	assert.Equal(t, int64(4), res.Deleted)
	assert.ElementsMatch(t, []int64{bound.ID, oldest.ID, genuine.ID, free.ID}, res.Kept)
	require.NotNil(t, res.Snapshot)
	assert.Equal(t, 8, res.Snapshot.Rows)
	assert.FileExists(t, res.Snapshot.Path)

	groups, err := env.store.FindDuplicateKeyGroups(ctx)
	require.NoError(t, err)
	assert.Empty(t, groups)

	key, err := env.store.GetKeyByValue(ctx, "DUP")
	require.NoError(t, err)
	assert.Equal(t, bound.ID, key.ID)
}

func TestResolveDuplicatesNothingToDo(t *testing.T) {
	env := newTestEnv(t)
	svc := newMaintenance(t, env)

	res, err := svc.ResolveDuplicates(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Groups)
	assert.Nil(t, res.Snapshot)
}

func TestSnapshotFormat(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	svc := newMaintenance(t, env)
	p := env.store.AddProduct("Office 2024", 1500)
	env.stock(t, p.ID, "K1", "K2")
	env.paidOrder(t, p.ID)

	info, err := svc.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, "full", info.Type)
	assert.Equal(t, []string{TableDigitalKeys, TableOrders, TableSystemConfigs}, info.Tables)
	assert.Equal(t, 2+1+5, info.Rows)

	body, err := os.ReadFile(info.Path)
	require.NoError(t, err)

	var file struct {
		Metadata SnapshotMetadata             `json:"metadata"`
		Data     map[string][]json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(body, &file))
	assert.Equal(t, info.ID, file.Metadata.ID)
	assert.Equal(t, snapshotVersion, file.Metadata.Version)
	assert.Len(t, file.Data[TableDigitalKeys], 2)
	assert.Len(t, file.Data[TableOrders], 1)

	_, err = svc.Snapshot(ctx, "users")
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestListSnapshotsNewestFirst(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	svc := newMaintenance(t, env)

	clock := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return clock }
	first, err := svc.Snapshot(ctx, TableOrders)
	require.NoError(t, err)

	clock = clock.Add(time.Hour)
	second, err := svc.Snapshot(ctx, TableSystemConfigs)
	require.NoError(t, err)

	infos, err := svc.ListSnapshots()
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, second.ID, infos[0].ID)
	assert.Equal(t, first.ID, infos[1].ID)
	assert.Equal(t, "table", infos[0].Type)
}
