package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// record is one directory node. Seq is the global append order used to
// replay child feeds.
type record struct {
	Path    string `gorm:"primaryKey;size:512"`
	Parent  string `gorm:"index;size:512"`
	Name    string `gorm:"size:128"`
	Payload datatypes.JSON
	Seq     int64 `gorm:"autoIncrement;uniqueIndex"`
}

func (record) TableName() string { return "directory_records" }

// Gorm is a Postgres-backed Directory. Durability comes from the database;
// subscription fan-out is in-process, so it serves single-node
// deployments.
type Gorm struct {
	db     *gorm.DB
	notify *notifier
	mu     sync.Mutex
}

// NewGorm opens the database and migrates the record table.
func NewGorm(databaseURL string) (*Gorm, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, errors.New("directory: database URL is required")
	}
	db, err := gorm.Open(postgres.Open(databaseURL), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("directory: open database: %w", err)
	}
	if err := db.AutoMigrate(&record{}); err != nil {
		return nil, fmt.Errorf("directory: migrate: %w", err)
	}
	return &Gorm{db: db, notify: newNotifier()}, nil
}

// Set writes value at path, replacing any existing subtree.
func (g *Gorm) Set(ctx context.Context, path string, value any) error {
	segments, err := splitPath(path)
	if err != nil {
		return err
	}
	raw, err := marshalValue(value)
	if err != nil {
		return fmt.Errorf("directory: encode %s: %w", path, err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	var existing int64
	if err := g.db.WithContext(ctx).Model(&record{}).Where("path = ?", path).Count(&existing).Error; err != nil {
		return fmt.Errorf("directory: set %s: %w", path, err)
	}
	rec := record{
		Path:    path,
		Parent:  parentOf(segments),
		Name:    segments[len(segments)-1],
		Payload: datatypes.JSON(raw),
	}
	err = g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("path LIKE ?", escapeLike(path)+"/%").Delete(&record{}).Error; err != nil {
			return err
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "path"}},
			DoUpdates: clause.AssignmentColumns([]string{"payload"}),
		}).Create(&rec).Error
	})
	if err != nil {
		return fmt.Errorf("directory: set %s: %w", path, err)
	}

	if existing == 0 && rec.Parent != "" {
		g.notify.childAdded(rec.Parent, rec.Name, raw)
	}
	g.notify.valueChanged(path, g.snapshotNow)
	return nil
}

// Push appends value as a new child of path.
func (g *Gorm) Push(ctx context.Context, path string, value any) (string, error) {
	if _, err := splitPath(path); err != nil {
		return "", err
	}
	raw, err := marshalValue(value)
	if err != nil {
		return "", fmt.Errorf("directory: encode %s: %w", path, err)
	}
	key := fmt.Sprintf("%013d-%s", time.Now().UnixMilli(), uuid.NewString()[:8])

	g.mu.Lock()
	defer g.mu.Unlock()

	rec := record{
		Path:    path + "/" + key,
		Parent:  path,
		Name:    key,
		Payload: datatypes.JSON(raw),
	}
	if err := g.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return "", fmt.Errorf("directory: push %s: %w", path, err)
	}

	g.notify.childAdded(path, key, raw)
	g.notify.valueChanged(rec.Path, g.snapshotNow)
	return key, nil
}

// Delete removes path and its subtree.
func (g *Gorm) Delete(ctx context.Context, path string) error {
	if _, err := splitPath(path); err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	err := g.db.WithContext(ctx).
		Where("path = ? OR path LIKE ?", path, escapeLike(path)+"/%").
		Delete(&record{}).Error
	if err != nil {
		return fmt.Errorf("directory: delete %s: %w", path, err)
	}
	g.notify.valueChanged(path, g.snapshotNow)
	return nil
}

// Get reads the value stored at path.
func (g *Gorm) Get(ctx context.Context, path string) (json.RawMessage, bool, error) {
	if _, err := splitPath(path); err != nil {
		return nil, false, err
	}
	var rec record
	err := g.db.WithContext(ctx).Where("path = ?", path).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("directory: get %s: %w", path, err)
	}
	return json.RawMessage(rec.Payload), true, nil
}

// List returns the immediate children of path.
func (g *Gorm) List(ctx context.Context, path string) (map[string]json.RawMessage, error) {
	if _, err := splitPath(path); err != nil {
		return nil, err
	}
	var recs []record
	if err := g.db.WithContext(ctx).Where("parent = ?", path).Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("directory: list %s: %w", path, err)
	}
	out := make(map[string]json.RawMessage, len(recs))
	for _, rec := range recs {
		out[rec.Name] = json.RawMessage(rec.Payload)
	}
	return out, nil
}

// ChildAdded replays existing children by append order, then streams new
// ones from the in-process notifier.
func (g *Gorm) ChildAdded(ctx context.Context, path string, backlog int, fn ChildFunc) (Subscription, error) {
	if _, err := splitPath(path); err != nil {
		return nil, err
	}

	// Writers notify after commit while holding g.mu, so querying under the
	// same lock keeps replay and live feed gap-free. Replayed keys are
	// dropped once from the live feed to absorb the overlap.
	g.mu.Lock()
	defer g.mu.Unlock()

	query := g.db.WithContext(ctx).Where("parent = ?", path).Order("seq DESC")
	if backlog > 0 {
		query = query.Limit(backlog)
	}
	var recs []record
	if err := query.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("directory: subscribe %s: %w", path, err)
	}

	replayed := make(map[string]bool, len(recs))
	for _, rec := range recs {
		replayed[rec.Name] = true
	}
	var seenMu sync.Mutex
	wrapped := func(key string, value json.RawMessage) {
		seenMu.Lock()
		if replayed[key] {
			delete(replayed, key)
			seenMu.Unlock()
			return
		}
		seenMu.Unlock()
		fn(key, value)
	}

	sub := g.notify.subscribe(path, eventChild, wrapped, nil)
	for i := len(recs) - 1; i >= 0; i-- {
		fn(recs[i].Name, json.RawMessage(recs[i].Payload))
	}
	return sub, nil
}

// ValueChanged delivers the current snapshot, then one per related write.
func (g *Gorm) ValueChanged(ctx context.Context, path string, fn ValueFunc) (Subscription, error) {
	if _, err := splitPath(path); err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	sub := g.notify.subscribe(path, eventValue, nil, fn)
	sub.enqueue(event{kind: eventValue, snap: g.snapshotNow(path)})
	return sub, nil
}

func (g *Gorm) snapshotNow(path string) Snapshot {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	var snap Snapshot
	if raw, ok, err := g.Get(ctx, path); err == nil && ok {
		snap.Raw = raw
	}
	if children, err := g.List(ctx, path); err == nil && len(children) > 0 {
		snap.Children = children
	}
	return snap
}

func parentOf(segments []string) string {
	if len(segments) < 2 {
		return ""
	}
	return Join(segments[:len(segments)-1]...)
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	return strings.ReplaceAll(s, "_", `\_`)
}
