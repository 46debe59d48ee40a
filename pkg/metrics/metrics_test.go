package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/jacktea/shardfs/pkg/blob"
	"github.com/jacktea/shardfs/pkg/xerrors"
)

func TestObserveSave(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveSave(blob.VariantUpload, 10*time.Millisecond, nil)
	m.ObserveSave(blob.VariantUpload, time.Millisecond, nil)
	m.ObserveSave(blob.VariantImage, time.Millisecond,
		xerrors.Wrap(xerrors.KindUnsupportedFormat, "blob.SaveImage", "bmp", errors.New("x")))

	require.Equal(t, 2.0, testutil.ToFloat64(m.saves.WithLabelValues("upload", "ok")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.saves.WithLabelValues("image", "unsupported format")))
	require.Equal(t, 2, testutil.CollectAndCount(m.saveDuration))
}

func TestObserveDelete(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.ObserveDelete(true)
	m.ObserveDelete(false)
	m.ObserveDelete(false)

	require.Equal(t, 1.0, testutil.ToFloat64(m.deletes.WithLabelValues("deleted")))
	require.Equal(t, 2.0, testutil.ToFloat64(m.deletes.WithLabelValues("rejected")))
}

func TestSetAuditResult(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.SetAuditResult(3, 1)
	require.Equal(t, 3.0, testutil.ToFloat64(m.missingBlobs))
	require.Equal(t, 1.0, testutil.ToFloat64(m.orphanFiles))
}

func TestDoubleRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	require.Panics(t, func() { New(reg) })
}
