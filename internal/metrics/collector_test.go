package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector(t *testing.T) {
	c := NewCollector("dmarc")

	c.RecordOutcome("aggregate", OutcomeStored, 10*time.Millisecond)
	c.RecordOutcome("aggregate", OutcomeDuplicate, time.Millisecond)
	c.RecordOutcome("aggregate", OutcomeStored, time.Millisecond)
	c.RecordConnectAttempt(errors.New("refused"))
	c.RecordConnectAttempt(nil)
	c.RecordPartitionCreated("aggregate-report")

	assert.Equal(t, 2.0, testutil.ToFloat64(c.records.WithLabelValues("aggregate", OutcomeStored)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.records.WithLabelValues("aggregate", OutcomeDuplicate)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.connectAttempts.WithLabelValues("failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.partitionsCreated.WithLabelValues("aggregate-report")))

	t.Run("Separate Registries", func(t *testing.T) {
		other := NewCollector("dmarc")
		assert.Equal(t, 0.0, testutil.ToFloat64(other.records.WithLabelValues("aggregate", OutcomeStored)))
	})
}

func TestPush(t *testing.T) {
	var pushes int32
	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&pushes, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer gateway.Close()

	c := NewCollector("dmarc")
	c.RecordBatch(3)
	require.NoError(t, c.Push(gateway.URL, "dmarc_collector"))
	assert.Equal(t, int32(1), atomic.LoadInt32(&pushes))
}
