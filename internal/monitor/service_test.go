package monitor_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i474232898/humidor-monitor/internal/alert"
	"github.com/i474232898/humidor-monitor/internal/monitor"
	"github.com/i474232898/humidor-monitor/internal/sensor"
	"github.com/i474232898/humidor-monitor/internal/store"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type stubSource struct {
	desc    sensor.Descriptor
	reading sensor.Reading
	history []sensor.Reading
	err     error
	block   bool
}

func (s *stubSource) Descriptor() sensor.Descriptor { return s.desc }
func (s *stubSource) IsLive() bool                  { return true }

func (s *stubSource) FetchCurrent(ctx context.Context) (sensor.Reading, error) {
	if s.block {
		<-ctx.Done()
		return sensor.Reading{}, ctx.Err()
	}
	if s.err != nil {
		return sensor.Reading{}, s.err
	}
	return s.reading, nil
}

func (s *stubSource) FetchHistory(context.Context, sensor.TimeRange) ([]sensor.Reading, error) {
	return s.history, nil
}

func stub(id string, temp, hum float64) *stubSource {
	return &stubSource{
		desc:    sensor.Descriptor{ID: id, DisplayName: id, Kind: sensor.KindCloudAccount},
		reading: sensor.NewReading(id, base, temp, hum),
	}
}

type recorder struct {
	mu   sync.Mutex
	sent []alert.Notification
}

func (r *recorder) Notify(_ context.Context, n alert.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

func newService(t *testing.T, opts monitor.Options, sources ...sensor.Source) (*monitor.Service, *recorder) {
	t.Helper()
	reg := sensor.NewRegistry(store.NewMemoryStore(sensor.RangeWeek.Ceiling(), 0), sensor.RegistryOptions{
		FetchTimeout:  200 * time.Millisecond,
		RetryInterval: time.Millisecond,
		History:       sensor.RangeHour,
	}, nil)
	for _, src := range sources {
		require.NoError(t, reg.Add(src))
	}
	th, err := alert.NewThresholdStore(alert.DefaultThresholds)
	require.NoError(t, err)
	rec := &recorder{}
	return monitor.NewService(reg, alert.NewEvaluator(th, alert.NewLog(), rec, nil), opts, nil), rec
}

func TestRunCycleEvaluatesAndAnalyzes(t *testing.T) {
	hot := stub("a-hot", 80, 68)
	hot.history = []sensor.Reading{
		sensor.NewReading("a-hot", base.Add(-2*time.Minute), 78, 68),
		sensor.NewReading("a-hot", base.Add(-time.Minute), 79, 68),
	}
	ok := stub("b-ok", 70, 68)

	svc, rec := newService(t, monitor.Options{}, hot, ok)
	report, err := svc.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, sensor.OutcomeSucceeded, report.Outcome)
	require.Len(t, report.Alerts, 1)
	assert.Equal(t, alert.KindTemperatureHigh, report.Alerts[0].Kind)
	assert.Len(t, rec.sent, 1)

	require.Contains(t, report.Stability, "a-hot")
	assert.Equal(t, 3, report.Stability["a-hot"].Samples)
	assert.InDelta(t, 79.0, report.Stability["a-hot"].Temperature.Average, 1e-9)
	assert.Equal(t, 1, report.Stability["b-ok"].Samples)

	st, found := svc.Status("a-hot")
	require.True(t, found)
	require.NotNil(t, st.Status)
	assert.Equal(t, alert.StatusAlert, st.Status.Overall)
	require.NotNil(t, st.Stability)

	statuses := svc.Statuses()
	require.Len(t, statuses, 2)
	assert.Equal(t, "a-hot", statuses[0].Descriptor.ID)
	assert.Equal(t, alert.StatusNormal, statuses[1].Status.Overall)
}

func TestRunCyclePartialFailureStillEvaluatesSuccesses(t *testing.T) {
	broken := stub("broken", 70, 68)
	broken.err = sensor.ErrSourceUnavailable
	dry := stub("dry", 70, 50)

	svc, rec := newService(t, monitor.Options{}, broken, dry)
	report, err := svc.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, sensor.OutcomePartiallyFailed, report.Outcome)
	require.Len(t, report.Alerts, 1)
	assert.Equal(t, alert.KindHumidityLow, report.Alerts[0].Kind)
	assert.Len(t, rec.sent, 1)
	assert.NotContains(t, report.Stability, "broken")

	st, _ := svc.Status("broken")
	assert.NotEmpty(t, st.LastError)
	assert.Nil(t, st.Reading)
}

func TestRunCycleAuthHookAndDropMissing(t *testing.T) {
	expired := stub("expired", 70, 68)
	expired.err = sensor.ErrAuthRequired
	gone := stub("gone", 70, 68)
	gone.err = sensor.ErrNotFound

	var hooked []string
	svc, _ := newService(t, monitor.Options{
		DropMissing: true,
		OnAuthRequired: func(_ context.Context, ids []string) {
			hooked = append(hooked, ids...)
		},
	}, expired, gone)

	report, err := svc.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, sensor.OutcomeFailed, report.Outcome)
	assert.Equal(t, []string{"expired"}, report.AuthRequired)
	assert.Equal(t, []string{"gone"}, report.NotFound)
	assert.Equal(t, []string{"expired"}, hooked)

	_, found := svc.Registry().Lookup("gone")
	assert.False(t, found)
	_, found = svc.Registry().Lookup("expired")
	assert.True(t, found)
}

func TestRunCycleAbandonedKeepsCachedReadings(t *testing.T) {
	fast := stub("fast", 80, 68)
	slow := stub("slow", 70, 68)
	slow.block = true

	svc, rec := newService(t, monitor.Options{}, fast, slow)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	report, err := svc.RunCycle(ctx)

	require.ErrorIs(t, err, monitor.ErrCycleAbandoned)
	assert.Equal(t, sensor.OutcomeFailed, report.Outcome)
	assert.Empty(t, report.Alerts, "no evaluation after revocation")
	assert.Empty(t, rec.sent)

	_, ok := svc.Registry().Latest("fast")
	assert.True(t, ok, "readings recorded before revocation remain")
}
