// Package lifecycle binds logical aliases to timestamped partitions.
package lifecycle

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/andersnauman/dmarc-collector/internal/config"
	"github.com/andersnauman/dmarc-collector/internal/metrics"
	"github.com/andersnauman/dmarc-collector/internal/store"
	"github.com/andersnauman/dmarc-collector/shared/models"
)

// ErrUnknownAlias is wrapped in a config.ConfigurationError when an alias
// belongs to no registered report kind.
var ErrUnknownAlias = errors.New("unknown alias")

// Indices is the part of the store the manager needs.
type Indices interface {
	IndexExists(ctx context.Context, name string) (bool, error)
	ListIndices(ctx context.Context, pattern string) ([]string, error)
	PutIndexTemplate(ctx context.Context, name string, tmpl models.IndexTemplate) error
	CreateIndex(ctx context.Context, name string) error
	Reindex(ctx context.Context, source, dest string) (int64, error)
	Refresh(ctx context.Context, index string) error
	UpdateAliases(ctx context.Context, actions []store.AliasAction) error
}

// Manager creates partitions and moves aliases between them. Store errors
// are returned unchanged; retrying is the caller's business.
type Manager struct {
	indices Indices
	logger  *logrus.Logger
	metrics *metrics.Collector
	now     func() time.Time

	mu   sync.Mutex
	last time.Time
}

type Option func(*Manager)

// WithClock replaces time.Now for partition names.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

func NewManager(indices Indices, logger *logrus.Logger, metrics *metrics.Collector, opts ...Option) *Manager {
	m := &Manager{
		indices: indices,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// IndexExists reports whether alias resolves to at least one partition.
func (m *Manager) IndexExists(ctx context.Context, alias string) (bool, error) {
	return m.indices.IndexExists(ctx, alias)
}

// CreateIndex makes sure alias resolves to a partition. It is a no-op when it
// already does. Otherwise the kind's template is registered for alias-* and
// the alias is bound to the newest existing partition, or to a fresh one when
// none exists. An unrecognized alias returns false and a configuration error.
func (m *Manager) CreateIndex(ctx context.Context, alias string) (bool, error) {
	exists, err := m.indices.IndexExists(ctx, alias)
	if err != nil {
		return false, err
	}
	if exists {
		return true, nil
	}

	kind, ok := models.KindForAlias(alias)
	if !ok {
		return false, &config.ConfigurationError{
			Field:  "alias",
			Reason: fmt.Sprintf("%q is not a report alias", alias),
			Err:    ErrUnknownAlias,
		}
	}

	pattern := alias + "-*"
	if err := m.putTemplate(ctx, kind, alias, pattern); err != nil {
		return false, err
	}

	partitions, err := m.indices.ListIndices(ctx, pattern)
	if err != nil {
		return false, err
	}

	if len(partitions) > 0 {
		newest := partitions[len(partitions)-1]
		if err := m.indices.UpdateAliases(ctx, []store.AliasAction{store.AddAlias(alias, newest)}); err != nil {
			return false, err
		}
		m.logger.WithFields(logrus.Fields{
			"alias":     alias,
			"partition": newest,
		}).Warn("Alias was unbound, rebound to newest partition")
		return true, nil
	}

	if _, err := m.Migrate(ctx, pattern, alias, false, true); err != nil {
		return false, err
	}
	return true, nil
}

// Migrate creates a new partition from pattern, optionally copies every
// document reachable through alias into it, and optionally moves alias onto
// it with a single atomic request. It returns the partition name.
func (m *Manager) Migrate(ctx context.Context, pattern, alias string, moveData, updateAlias bool) (string, error) {
	if strings.Count(pattern, "*") != 1 {
		return "", errors.Errorf("partition pattern %q must contain exactly one wildcard", pattern)
	}

	partition := strings.Replace(pattern, "*", PartitionSuffix(m.nextStamp()), 1)
	logger := m.logger.WithFields(logrus.Fields{
		"alias":     alias,
		"partition": partition,
	})

	if err := m.indices.CreateIndex(ctx, partition); err != nil {
		return "", err
	}
	m.metrics.RecordPartitionCreated(alias)
	logger.Info("Partition created")

	if moveData {
		bound, err := m.indices.IndexExists(ctx, alias)
		if err != nil {
			return "", err
		}
		if bound {
			copied, err := m.indices.Reindex(ctx, alias, partition)
			if err != nil {
				return "", err
			}
			if err := m.indices.Refresh(ctx, partition); err != nil {
				return "", err
			}
			logger.WithField("documents", copied).Info("Documents copied to partition")
		} else {
			logger.Debug("Alias unbound, nothing to copy")
		}
	}

	if updateAlias {
		err := m.indices.UpdateAliases(ctx, []store.AliasAction{
			store.RemoveAlias(alias, pattern),
			store.AddAlias(alias, partition),
		})
		if err != nil {
			return "", err
		}
		logger.Info("Alias moved to partition")
	}

	return partition, nil
}

// Upgrade re-registers the kind's template and migrates its alias onto a new
// partition with all existing documents.
func (m *Manager) Upgrade(ctx context.Context, kind models.Kind) (string, error) {
	if err := m.putTemplate(ctx, kind, kind.Alias(), kind.Pattern()); err != nil {
		return "", err
	}
	return m.Migrate(ctx, kind.Pattern(), kind.Alias(), true, true)
}

func (m *Manager) putTemplate(ctx context.Context, kind models.Kind, name, pattern string) error {
	tmpl := kind.Template()
	tmpl.IndexPatterns = []string{pattern}
	if err := m.indices.PutIndexTemplate(ctx, name, tmpl); err != nil {
		return err
	}
	m.logger.WithFields(logrus.Fields{
		"template": name,
		"pattern":  pattern,
	}).Debug("Index template registered")
	return nil
}

// nextStamp returns the current time at microsecond resolution, bumped so
// that successive calls never repeat.
func (m *Manager) nextStamp() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC().Truncate(time.Microsecond)
	if !now.After(m.last) {
		now = m.last.Add(time.Microsecond)
	}
	m.last = now
	return now
}

// PartitionSuffix renders t as YYYYMMDDHHMMSSffffff.
func PartitionSuffix(t time.Time) string {
	t = t.UTC()
	return t.Format("20060102150405") + fmt.Sprintf("%06d", t.Nanosecond()/int(time.Microsecond))
}
