package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"keyshop/internal/models"
	"keyshop/internal/store"
	"keyshop/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Snapshot tables
const (
	TableDigitalKeys   = "digital_keys"
	TableOrders        = "orders"
	TableSystemConfigs = "system_configs"
)

const snapshotVersion = "1.0"

// MaintenanceService detects and repairs key inventory inconsistencies and
// exports table snapshots
type MaintenanceService struct {
	store     store.Repository
	inventory *InventoryService
	backupDir string
	now       func() time.Time
	logger    *zap.Logger
}

// NewMaintenanceService creates a new maintenance service writing snapshots to backupDir
func NewMaintenanceService(repo store.Repository, inventory *InventoryService, backupDir string) *MaintenanceService {
	return &MaintenanceService{
		store:     repo,
		inventory: inventory,
		backupDir: backupDir,
		now:       time.Now,
		logger:    util.GetLogger(),
	}
}

// ConsistencyReport lists what a repair pass would touch
type ConsistencyReport struct {
	TotalKeys       int                     `json:"total_keys"`
	AssignedKeys    int                     `json:"assigned_keys"`
	OrphanedKeys    []models.DigitalKey     `json:"orphaned_keys"`
	DuplicateGroups []models.DuplicateGroup `json:"duplicate_groups"`
	DuplicateRows   int                     `json:"duplicate_rows"`
	CheckedAt       time.Time               `json:"checked_at"`
}

// Healthy reports whether nothing needs repair
func (r *ConsistencyReport) Healthy() bool {
	return len(r.OrphanedKeys) == 0 && len(r.DuplicateGroups) == 0
}

// DuplicateResolution is the outcome of ResolveDuplicates
type DuplicateResolution struct {
	Groups   int           `json:"groups"`
	Deleted  int64         `json:"deleted"`
	Kept     []int64       `json:"kept"`
	Snapshot *SnapshotInfo `json:"snapshot,omitempty"`
}

// SnapshotMetadata heads every snapshot file
type SnapshotMetadata struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Tables    []string  `json:"tables"`
	CreatedAt time.Time `json:"createdAt"`
	Version   string    `json:"version"`
}

// SnapshotInfo describes a written snapshot
type SnapshotInfo struct {
	SnapshotMetadata
	Path string `json:"path"`
	Rows int    `json:"rows"`
}

type snapshotFile struct {
	Metadata SnapshotMetadata       `json:"metadata"`
	Data     map[string]interface{} `json:"data"`
}

// Report inspects the key inventory without changing it
func (s *MaintenanceService) Report(ctx context.Context) (*ConsistencyReport, error) {
	ctx, span := util.StartSpan(ctx, "MaintenanceService.Report")
	defer span.End()

	total, assigned, err := s.store.CountKeyStates(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count keys: %w", err)
	}
	orphans, err := s.store.FindOrphanedKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to find orphaned keys: %w", err)
	}
	groups, err := s.store.FindDuplicateKeyGroups(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to find duplicate keys: %w", err)
	}

	rows := 0
	for _, g := range groups {
		rows += len(g.Keys)
	}

	return &ConsistencyReport{
		TotalKeys:       total,
		AssignedKeys:    assigned,
		OrphanedKeys:    orphans,
		DuplicateGroups: groups,
		DuplicateRows:   rows,
		CheckedAt:       s.now(),
	}, nil
}

// RepairOrphans makes the assignment flag agree with the order link on
// every key and returns how many keys changed
func (s *MaintenanceService) RepairOrphans(ctx context.Context) (int64, error) {
	ctx, span := util.StartSpan(ctx, "MaintenanceService.RepairOrphans")
	defer span.End()

	repaired, err := s.store.RepairOrphanedKeys(ctx)
	if err != nil {
		util.SpanError(span, err)
		return 0, fmt.Errorf("failed to repair orphaned keys: %w", err)
	}

	if repaired > 0 {
		util.MaintenanceRepairsTotal.WithLabelValues("orphan").Add(float64(repaired))
		s.logger.Warn("Repaired orphaned keys", zap.Int64("count", repaired))
		if err := s.inventory.SyncInventoryToRedis(ctx); err != nil {
			s.logger.Error("Failed to resync stock after repair", zap.Error(err))
		}
	}
	return repaired, nil
}

// ResolveDuplicates keeps one row per duplicated key value and deletes the
// rest. The keeper is the row assigned to an order that still exists, else
// the oldest. The key table is snapshotted before anything is deleted.
func (s *MaintenanceService) ResolveDuplicates(ctx context.Context) (*DuplicateResolution, error) {
	ctx, span := util.StartSpan(ctx, "MaintenanceService.ResolveDuplicates")
	defer span.End()

	groups, err := s.store.FindDuplicateKeyGroups(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to find duplicate keys: %w", err)
	}
	res := &DuplicateResolution{Groups: len(groups), Kept: []int64{}}
	if len(groups) == 0 {
		return res, nil
	}

	keepers := make([]models.DigitalKey, len(groups))
	orderExists := make(map[int64]bool)
	for i, g := range groups {
		live := make(map[int64]bool)
		for _, k := range g.Keys {
			if !k.IsAssigned || k.AssignedToOrderID == nil {
				continue
			}
			orderID := *k.AssignedToOrderID
			exists, seen := orderExists[orderID]
			if !seen {
				_, err := s.store.GetOrderByID(ctx, orderID)
				switch {
				case err == nil:
					exists = true
				case errors.Is(err, models.ErrOrderNotFound):
				default:
					return nil, fmt.Errorf("failed to check order %d: %w", orderID, err)
				}
				orderExists[orderID] = exists
			}
			live[k.ID] = exists
		}
		keepers[i] = pickKeeper(g.Keys, live)
	}

	snap, err := s.Snapshot(ctx, TableDigitalKeys)
	if err != nil {
		return nil, fmt.Errorf("refusing to delete duplicates without a snapshot: %w", err)
	}
	res.Snapshot = snap

	var doomed []int64
	for i, g := range groups {
		keep := keepers[i]
		res.Kept = append(res.Kept, keep.ID)
		for _, k := range g.Keys {
			if k.ID != keep.ID {
				doomed = append(doomed, k.ID)
			}
		}
	}

	res.Deleted, err = s.store.DeleteKeys(ctx, doomed)
	if err != nil {
		util.SpanError(span, err)
		return nil, fmt.Errorf("failed to delete duplicate keys: %w", err)
	}

	util.MaintenanceRepairsTotal.WithLabelValues("duplicate").Add(float64(res.Deleted))
	s.logger.Warn("Resolved duplicate keys",
		zap.Int("groups", res.Groups),
		zap.Int64("deleted", res.Deleted),
		zap.String("snapshot", snap.Path))

	if err := s.inventory.SyncInventoryToRedis(ctx); err != nil {
		s.logger.Error("Failed to resync stock after dedupe", zap.Error(err))
	}
	return res, nil
}

// pickKeeper prefers a row whose id is marked in live, then the oldest row
// by (created_at, id)
func pickKeeper(keys []models.DigitalKey, live map[int64]bool) models.DigitalKey {
	sorted := append([]models.DigitalKey(nil), keys...)
	sort.SliceStable(sorted, func(i, j int) bool {
		bi, bj := live[sorted[i].ID], live[sorted[j].ID]
		if bi != bj {
			return bi
		}
		if !sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
		}
		return sorted[i].ID < sorted[j].ID
	})
	return sorted[0]
}

// Snapshot exports tables to a JSON file under the backup dir. No tables
// means all of them.
func (s *MaintenanceService) Snapshot(ctx context.Context, tables ...string) (*SnapshotInfo, error) {
	ctx, span := util.StartSpan(ctx, "MaintenanceService.Snapshot")
	defer span.End()

	kind := "table"
	if len(tables) == 0 {
		kind = "full"
		tables = []string{TableDigitalKeys, TableOrders, TableSystemConfigs}
	}

	file := snapshotFile{Data: make(map[string]interface{}, len(tables))}
	rows := 0
	for _, table := range tables {
		data, n, err := s.dumpTable(ctx, table)
		if err != nil {
			util.SpanError(span, err)
			return nil, err
		}
		file.Data[table] = data
		rows += n
	}

	createdAt := s.now().UTC()
	file.Metadata = SnapshotMetadata{
		ID:        uuid.New().String(),
		Type:      kind,
		Tables:    tables,
		CreatedAt: createdAt,
		Version:   snapshotVersion,
	}

	if err := os.MkdirAll(s.backupDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create backup dir: %w", err)
	}
	name := fmt.Sprintf("%s-backup-%s-%s.json", kind, strings.Join(tables, "_"), createdAt.Format("20060102T150405.000Z"))
	path := filepath.Join(s.backupDir, name)

	body, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	if err := os.WriteFile(path, body, 0o640); err != nil {
		return nil, fmt.Errorf("failed to write snapshot: %w", err)
	}

	s.logger.Info("Snapshot written",
		zap.String("path", path),
		zap.Strings("tables", tables),
		zap.Int("rows", rows))
	return &SnapshotInfo{SnapshotMetadata: file.Metadata, Path: path, Rows: rows}, nil
}

// ListSnapshots returns the metadata of snapshots in the backup dir, newest first
func (s *MaintenanceService) ListSnapshots() ([]SnapshotInfo, error) {
	paths, err := filepath.Glob(filepath.Join(s.backupDir, "*-backup-*.json"))
	if err != nil {
		return nil, err
	}

	infos := []SnapshotInfo{}
	for _, path := range paths {
		body, err := os.ReadFile(path)
		if err != nil {
			s.logger.Warn("Unreadable snapshot", zap.String("path", path), zap.Error(err))
			continue
		}
		var head struct {
			Metadata SnapshotMetadata `json:"metadata"`
		}
		if err := json.Unmarshal(body, &head); err != nil {
			s.logger.Warn("Malformed snapshot", zap.String("path", path), zap.Error(err))
			continue
		}
		infos = append(infos, SnapshotInfo{SnapshotMetadata: head.Metadata, Path: path})
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].CreatedAt.After(infos[j].CreatedAt) })
	return infos, nil
}

func (s *MaintenanceService) dumpTable(ctx context.Context, table string) (interface{}, int, error) {
	switch table {
	case TableDigitalKeys:
		keys, err := s.store.ListKeys(ctx, models.KeyFilter{})
		return keys, len(keys), wrapDump(table, err)
	case TableOrders:
		orders, err := s.store.ListOrders(ctx, 0)
		return orders, len(orders), wrapDump(table, err)
	case TableSystemConfigs:
		configs, err := s.store.ListConfigs(ctx, "")
		return configs, len(configs), wrapDump(table, err)
	}
	return nil, 0, fmt.Errorf("%w: unknown table %q", models.ErrValidation, table)
}

func wrapDump(table string, err error) error {
	if err != nil {
		return fmt.Errorf("failed to dump %s: %w", table, err)
	}
	return nil
}
