package rdma

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRecordWriteIncrementsOpsAndExactByteCount(t *testing.T) {
	m := NewMetrics()
	defer m.Stop()

	m.RecordWrite(4096, time.Millisecond)
	m.RecordWrite(1024, time.Millisecond)

	s := m.Snapshot()
	assert.EqualValues(t, 2, s.WriteOps)
	assert.EqualValues(t, 4096+1024, s.WriteBytes)
}

func TestRecordReadIncrementsOpsAndExactByteCount(t *testing.T) {
	m := NewMetrics()
	defer m.Stop()

	m.RecordRead(256, time.Microsecond)

	s := m.Snapshot()
	assert.EqualValues(t, 1, s.ReadOps)
	assert.EqualValues(t, 256, s.ReadBytes)
}

func TestMetricsObserverDelegatesCtrlErrorToRecordCtrlError(t *testing.T) {
	m := NewMetrics()
	defer m.Stop()

	obs := MetricsObserver{M: m}
	obs.ObserveCtrlError()

	assert.EqualValues(t, 1, m.Snapshot().CtrlErrors)
}

func TestSubmitCtrlDeviceReturnFailedIncrementsCtrlErrorsExactlyOnce(t *testing.T) {
	adaptor := NewMockAdaptor()

	m := NewMetrics()
	defer m.Stop()
	params := DefaultParams(NetworkParam{IPAddr: [4]byte{127, 0, 0, 1}})
	params.Observer = MetricsObserver{M: m}
	params.AckTimeout = 500 * time.Millisecond
	dev, err := NewWithAdaptor(params, adaptor)
	assert.NoError(t, err)
	defer dev.Close()

	pd, err := dev.AllocPD()
	assert.NoError(t, err)

	const pageSize = 2 << 20
	adaptor.CtrlFail.Store(true)

	_, err = dev.RegMR(pd, pageSize, pageSize, pageSize, AccessLocalWrite)
	assert.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeDeviceReturnFailed))
	assert.EqualValues(t, 1, m.Snapshot().CtrlErrors)
}

func TestSnapshotLatencyPercentilesZeroBeforeAnyRecord(t *testing.T) {
	m := NewMetrics()
	defer m.Stop()

	s := m.Snapshot()
	assert.Zero(t, s.AvgLatencyNs)
	assert.Zero(t, s.LatencyP50Ns)
}

func TestSnapshotUptimeAdvancesAfterStop(t *testing.T) {
	m := NewMetrics()
	time.Sleep(time.Millisecond)
	m.Stop()

	s := m.Snapshot()
	assert.Positive(t, s.UptimeNs)
}
