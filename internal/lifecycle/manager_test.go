package lifecycle

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andersnauman/dmarc-collector/internal/config"
	"github.com/andersnauman/dmarc-collector/internal/metrics"
	"github.com/andersnauman/dmarc-collector/internal/store"
	"github.com/andersnauman/dmarc-collector/internal/store/storetest"
	"github.com/andersnauman/dmarc-collector/shared/models"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// fixedClock always returns the same instant.
func fixedClock() func() time.Time {
	at := time.Date(2024, 1, 2, 15, 30, 0, 123456789, time.UTC)
	return func() time.Time { return at }
}

func newManager(indices Indices, opts ...Option) *Manager {
	return NewManager(indices, testLogger(), metrics.NewCollector("test"), opts...)
}

// aliasWatcher fails the test if alias ever stops resolving once bound.
type aliasWatcher struct {
	*storetest.Memory
	t     *testing.T
	alias string
	bound bool
}

func (w *aliasWatcher) UpdateAliases(ctx context.Context, actions []store.AliasAction) error {
	err := w.Memory.UpdateAliases(ctx, actions)
	partitions := w.Memory.Partitions(w.alias)
	if w.bound {
		assert.NotEmpty(w.t, partitions, "alias resolved to zero partitions")
	}
	w.bound = w.bound || len(partitions) > 0
	return err
}

func TestPartitionSuffix(t *testing.T) {
	at := time.Date(2024, 1, 2, 15, 30, 0, 123456789, time.UTC)
	assert.Equal(t, "20240102153000123456", PartitionSuffix(at))
}

func TestCreateIndex(t *testing.T) {
	ctx := context.Background()

	t.Run("Creates First Partition", func(t *testing.T) {
		mem := storetest.NewMemory()
		m := newManager(mem, WithClock(fixedClock()))

		created, err := m.CreateIndex(ctx, models.AggregateAlias)
		require.NoError(t, err)
		assert.True(t, created)

		assert.Equal(t, []string{"aggregate-report-20240102153000123456"}, mem.Partitions(models.AggregateAlias))
		assert.Equal(t, []string{"aggregate-report-20240102153000123456"}, mem.Indices())

		tmpl, ok := mem.Template(models.AggregateAlias)
		require.True(t, ok, "template registered before partition")
		assert.Equal(t, []string{"aggregate-report-*"}, tmpl.IndexPatterns)

		exists, err := m.IndexExists(ctx, models.AggregateAlias)
		require.NoError(t, err)
		assert.True(t, exists)
	})

	t.Run("Second Call Is A No-op", func(t *testing.T) {
		mem := storetest.NewMemory()
		m := newManager(mem)

		_, err := m.CreateIndex(ctx, models.ForensicAlias)
		require.NoError(t, err)
		created, err := m.CreateIndex(ctx, models.ForensicAlias)
		require.NoError(t, err)
		assert.True(t, created)

		assert.Len(t, mem.Indices(), 1)
		assert.Len(t, mem.AliasHistory(), 1)
	})

	t.Run("Unknown Alias", func(t *testing.T) {
		mem := storetest.NewMemory()
		m := newManager(mem)

		created, err := m.CreateIndex(ctx, "tls-report")
		assert.False(t, created)
		assert.True(t, errors.Is(err, ErrUnknownAlias))

		var cfgErr *config.ConfigurationError
		assert.True(t, errors.As(err, &cfgErr))
		assert.Empty(t, mem.Indices())
	})

	t.Run("Rebinds Orphaned Partition", func(t *testing.T) {
		mem := storetest.NewMemory()
		mem.AddIndex("aggregate-report-20230101000000000000")
		mem.AddIndex("aggregate-report-20230601000000000000")
		m := newManager(mem)

		created, err := m.CreateIndex(ctx, models.AggregateAlias)
		require.NoError(t, err)
		assert.True(t, created)

		assert.Equal(t, []string{"aggregate-report-20230601000000000000"}, mem.Partitions(models.AggregateAlias))
		assert.Len(t, mem.Indices(), 2, "no new partition")
	})

	t.Run("Store Errors Propagate", func(t *testing.T) {
		mem := storetest.NewMemory()
		mem.Fail(storetest.OpCreateIndex, store.ErrUnavailable)
		m := newManager(mem)

		created, err := m.CreateIndex(ctx, models.AggregateAlias)
		assert.False(t, created)
		assert.ErrorIs(t, err, store.ErrUnavailable)
	})
}

func TestMigrate(t *testing.T) {
	ctx := context.Background()

	t.Run("Moves Data And Swaps Atomically", func(t *testing.T) {
		mem := storetest.NewMemory()
		watcher := &aliasWatcher{Memory: mem, t: t, alias: models.AggregateAlias}
		m := newManager(watcher)

		_, err := m.CreateIndex(ctx, models.AggregateAlias)
		require.NoError(t, err)
		old := mem.Partitions(models.AggregateAlias)
		require.Len(t, old, 1)

		mem.Seed(old[0],
			map[string]any{"metadata": map[string]any{"report_id": "R1"}},
			map[string]any{"metadata": map[string]any{"report_id": "R2"}},
		)

		partition, err := m.Migrate(ctx, models.AggregatePattern, models.AggregateAlias, true, true)
		require.NoError(t, err)

		assert.Equal(t, []string{partition}, mem.Partitions(models.AggregateAlias))
		assert.Len(t, mem.Documents(partition), 2)
		assert.Len(t, mem.Documents(models.AggregateAlias), 2)

		history := mem.AliasHistory()
		last := history[len(history)-1]
		require.Len(t, last, 2, "remove and add in one request")
		assert.Equal(t, store.RemoveAlias(models.AggregateAlias, models.AggregatePattern), last[0])
		assert.Equal(t, store.AddAlias(models.AggregateAlias, partition), last[1])
	})

	t.Run("Suffixes Increase Within One Microsecond", func(t *testing.T) {
		mem := storetest.NewMemory()
		m := newManager(mem, WithClock(fixedClock()))

		first, err := m.Migrate(ctx, models.ForensicPattern, models.ForensicAlias, false, false)
		require.NoError(t, err)
		second, err := m.Migrate(ctx, models.ForensicPattern, models.ForensicAlias, false, false)
		require.NoError(t, err)

		assert.Equal(t, "forensic-report-20240102153000123456", first)
		assert.Equal(t, "forensic-report-20240102153000123457", second)
		assert.Empty(t, mem.Partitions(models.ForensicAlias), "alias untouched without updateAlias")
	})

	t.Run("Pattern Without Wildcard", func(t *testing.T) {
		m := newManager(storetest.NewMemory())
		_, err := m.Migrate(ctx, "aggregate-report", models.AggregateAlias, false, true)
		assert.Error(t, err)
	})

	t.Run("Failed Swap Leaves Alias In Place", func(t *testing.T) {
		mem := storetest.NewMemory()
		m := newManager(mem)
		_, err := m.CreateIndex(ctx, models.AggregateAlias)
		require.NoError(t, err)
		before := mem.Partitions(models.AggregateAlias)

		mem.Fail(storetest.OpUpdateAliases, store.ErrUnavailable)
		_, err = m.Migrate(ctx, models.AggregatePattern, models.AggregateAlias, true, true)
		assert.ErrorIs(t, err, store.ErrUnavailable)
		assert.Equal(t, before, mem.Partitions(models.AggregateAlias))
	})
}

func TestUpgrade(t *testing.T) {
	ctx := context.Background()
	mem := storetest.NewMemory()
	m := newManager(mem)

	_, err := m.CreateIndex(ctx, models.ForensicAlias)
	require.NoError(t, err)
	mem.Seed(mem.Partitions(models.ForensicAlias)[0], map[string]any{"arrival_date": "2024-01-02T15:30:00Z"})

	partition, err := m.Upgrade(ctx, models.KindForensic)
	require.NoError(t, err)
	assert.Equal(t, []string{partition}, mem.Partitions(models.ForensicAlias))
	assert.Len(t, mem.Documents(models.ForensicAlias), 1)
	assert.Len(t, mem.Indices(), 2)
}
