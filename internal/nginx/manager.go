package nginx

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/wafportal/backend/internal/config"
	"github.com/wafportal/backend/internal/logger"
	"github.com/wafportal/backend/internal/metrics"
)

// Test hooks to allow overriding OS and process functions
var (
	writeFileFunc   = os.WriteFile
	readFileFunc    = os.ReadFile
	removeFileFunc  = os.Remove
	readDirFunc     = os.ReadDir
	statFunc        = os.Stat
	mkdirAllFunc    = os.MkdirAll
	jsonMarshalFunc = json.MarshalIndent
	runCommandFunc  = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return exec.CommandContext(ctx, name, args...).CombinedOutput()
	}
	generateConfigFunc = GenerateConfig
)

const (
	snapshotDir    = "snapshots"
	keepSnapshots  = 10
	commandTimeout = 30 * time.Second
)

// Manager renders the proxy configuration from the database, validates it
// with nginx -t, reloads nginx and rolls back to the previous bundle on
// failure. It implements the cluster Reloader.
type Manager struct {
	db  *gorm.DB
	cfg config.NginxConfig

	mu sync.Mutex
}

func NewManager(db *gorm.DB, cfg config.NginxConfig) *Manager {
	return &Manager{db: db, cfg: cfg}
}

// Apply regenerates and reloads the proxy configuration and reports the
// outcome as a success flag and an operator-readable message.
func (m *Manager) Apply(ctx context.Context) (bool, string) {
	if m.cfg.Disabled {
		return true, "proxy reload disabled"
	}
	err := m.ApplyConfig(ctx)
	metrics.IncProxyReload(err == nil)
	if err != nil {
		logger.Log().WithError(err).Warn("proxy configuration not applied")
		return false, err.Error()
	}
	return true, "nginx configuration applied"
}

// ApplyConfig generates configuration from the database, validates it and
// reloads nginx, restoring the last good bundle on failure.
func (m *Manager) ApplyConfig(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	in, err := m.load(ctx)
	if err != nil {
		return err
	}

	bundle, err := generateConfigFunc(in, m.cfg.ConfigDir, m.cfg.CRSInclude)
	if err != nil {
		return fmt.Errorf("generate config: %w", err)
	}

	if err := m.writeBundle(bundle); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	if out, err := m.run(ctx, m.cfg.TestArgs); err != nil {
		return m.rollback(ctx, "validation failed", out, err, false)
	}

	// Snapshots hold validated bundles only.
	snapshotPath, err := m.saveSnapshot(bundle)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}

	if out, err := m.run(ctx, m.cfg.ReloadArgs); err != nil {
		// Remove the failed snapshot so rollback uses the previous one
		_ = removeFileFunc(snapshotPath)
		return m.rollback(ctx, "reload failed", out, err, true)
	}

	if err := m.rotateSnapshots(keepSnapshots); err != nil {
		logger.Log().WithError(err).Warn("warning: snapshot rotation failed")
	}
	return nil
}

func (m *Manager) load(ctx context.Context) (Input, error) {
	var in Input
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Find(&in.Domains).Error; err != nil {
			return fmt.Errorf("fetch domains: %w", err)
		}
		if err := tx.Find(&in.Certificates).Error; err != nil {
			return fmt.Errorf("fetch certificates: %w", err)
		}
		if err := tx.Find(&in.RuleSets).Error; err != nil {
			return fmt.Errorf("fetch rule sets: %w", err)
		}
		if err := tx.Find(&in.ACLRules).Error; err != nil {
			return fmt.Errorf("fetch acl rules: %w", err)
		}
		if err := tx.Find(&in.Blocks).Error; err != nil {
			return fmt.Errorf("fetch proxy blocks: %w", err)
		}
		return nil
	})
	return in, err
}

// writeBundle writes every file of b and removes generated files that are
// no longer part of it.
func (m *Manager) writeBundle(b *Bundle) error {
	for _, dir := range []string{m.cfg.ConfigDir, filepath.Join(m.cfg.ConfigDir, certDir), filepath.Join(m.cfg.ConfigDir, modsecDir)} {
		if err := mkdirAllFunc(dir, 0o750); err != nil {
			return err
		}
	}

	for rel, content := range b.Files {
		perm := os.FileMode(0o644)
		if strings.HasSuffix(rel, ".key") {
			perm = 0o600
		}
		if err := writeFileFunc(filepath.Join(m.cfg.ConfigDir, filepath.FromSlash(rel)), []byte(content), perm); err != nil {
			return err
		}
	}

	for _, dir := range []string{certDir, modsecDir} {
		entries, err := readDirFunc(filepath.Join(m.cfg.ConfigDir, dir))
		if err != nil {
			return err
		}
		for _, entry := range entries {
			rel := dir + "/" + entry.Name()
			if _, ok := b.Files[rel]; ok || entry.IsDir() {
				continue
			}
			if err := removeFileFunc(filepath.Join(m.cfg.ConfigDir, dir, entry.Name())); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *Manager) run(ctx context.Context, args []string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	out, err := runCommandFunc(ctx, m.cfg.Binary, args...)
	return strings.TrimSpace(string(out)), err
}

// rollback restores the most recent snapshot, reloading nginx when the
// failed bundle may have been loaded. The returned error always describes
// the original failure.
func (m *Manager) rollback(ctx context.Context, stage, output string, cause error, reload bool) error {
	msg := stage
	if output != "" {
		msg += ": " + output
	} else {
		msg += ": " + cause.Error()
	}

	snapshots, err := m.listSnapshots()
	if err != nil || len(snapshots) == 0 {
		return fmt.Errorf("%s (no snapshot available for rollback)", msg)
	}

	data, err := readFileFunc(snapshots[len(snapshots)-1])
	if err != nil {
		return fmt.Errorf("%s (rollback failed: read snapshot: %v)", msg, err)
	}
	var previous Bundle
	if err := json.Unmarshal(data, &previous); err != nil {
		return fmt.Errorf("%s (rollback failed: unmarshal snapshot: %v)", msg, err)
	}
	if err := m.writeBundle(&previous); err != nil {
		return fmt.Errorf("%s (rollback failed: %v)", msg, err)
	}
	if reload {
		if out, err := m.run(ctx, m.cfg.ReloadArgs); err != nil {
			return fmt.Errorf("%s (rollback reload failed: %s)", msg, out)
		}
	}
	return fmt.Errorf("%s (rolled back)", msg)
}

// saveSnapshot stores the bundle to disk with a timestamp.
func (m *Manager) saveSnapshot(b *Bundle) (string, error) {
	dir := filepath.Join(m.cfg.ConfigDir, snapshotDir)
	if err := mkdirAllFunc(dir, 0o750); err != nil {
		return "", err
	}
	path := filepath.Join(dir, fmt.Sprintf("config-%d.json", time.Now().UnixNano()))

	data, err := jsonMarshalFunc(b, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal config: %w", err)
	}
	if err := writeFileFunc(path, data, 0o600); err != nil {
		return "", fmt.Errorf("write snapshot: %w", err)
	}
	return path, nil
}

// listSnapshots returns all snapshot file paths sorted by modification time.
func (m *Manager) listSnapshots() ([]string, error) {
	dir := filepath.Join(m.cfg.ConfigDir, snapshotDir)
	entries, err := readDirFunc(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read snapshot dir: %w", err)
	}

	var snapshots []string
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		snapshots = append(snapshots, filepath.Join(dir, entry.Name()))
	}

	sort.Slice(snapshots, func(i, j int) bool {
		infoI, errI := statFunc(snapshots[i])
		infoJ, errJ := statFunc(snapshots[j])
		if errI != nil || errJ != nil || infoI.ModTime().Equal(infoJ.ModTime()) {
			return snapshots[i] < snapshots[j]
		}
		return infoI.ModTime().Before(infoJ.ModTime())
	})
	return snapshots, nil
}

// rotateSnapshots keeps only the N most recent snapshots.
func (m *Manager) rotateSnapshots(keep int) error {
	snapshots, err := m.listSnapshots()
	if err != nil {
		return err
	}
	if len(snapshots) <= keep {
		return nil
	}
	for _, path := range snapshots[:len(snapshots)-keep] {
		if err := removeFileFunc(path); err != nil {
			return fmt.Errorf("delete snapshot %s: %w", path, err)
		}
	}
	return nil
}
