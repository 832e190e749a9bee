package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/featherbutt/dolt-annex/pkg/annexerr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordOperationCountsByStatus(t *testing.T) {
	c := NewCollector(nil)

	c.RecordOperation("sync.move", 10*time.Millisecond, 5, true)
	c.RecordOperation("sync.move", 10*time.Millisecond, 5, true)
	c.RecordOperation("sync.move", 10*time.Millisecond, 0, false)

	assert.Equal(t, float64(2), testutil.ToFloat64(c.operations.WithLabelValues("sync.move", "ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.operations.WithLabelValues("sync.move", "error")))
}

func TestRecordOperationAccumulatesBytes(t *testing.T) {
	c := NewCollector(nil)

	c.RecordOperation("filestore.put", time.Millisecond, 100, true)
	c.RecordOperation("filestore.put", time.Millisecond, 50, true)

	assert.Equal(t, float64(150), testutil.ToFloat64(c.bytes.WithLabelValues("filestore.put")))
}

func TestRecordErrorLabelsByTaxonomyCode(t *testing.T) {
	c := NewCollector(nil)

	c.RecordError("sync.move", annexerr.New(annexerr.NotFound, "missing"))
	c.RecordError("sync.move", annexerr.New(annexerr.Transient, "flaky"))
	c.RecordError("sync.move", errors.New("untyped"))

	assert.Equal(t, float64(1), testutil.ToFloat64(c.errors.WithLabelValues("sync.move", string(annexerr.NotFound))))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.errors.WithLabelValues("sync.move", string(annexerr.Transient))))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.errors.WithLabelValues("sync.move", "other")))
}

func TestNewCollectorRegistersOnProvidedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.RecordOperation("filestore.get", time.Millisecond, 0, true)

	families, err := reg.Gather()
	require.NoError(t, err)
	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "dolt_annex_operations_total")
	assert.Contains(t, names, "dolt_annex_operation_duration_seconds")
}

func TestTwoPrivateCollectorsDoNotCollide(t *testing.T) {
	assert.NotPanics(t, func() {
		NewCollector(nil)
		NewCollector(nil)
	})
}
