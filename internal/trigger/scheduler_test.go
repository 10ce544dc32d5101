package trigger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockSweeper struct {
	archiveCalls     int
	reliabilityCalls int
}

func (m *mockSweeper) ArchiveStale(ctx context.Context) (int64, error) {
	m.archiveCalls++
	return 0, nil
}

func (m *mockSweeper) RecomputeReliability(ctx context.Context) (int, error) {
	m.reliabilityCalls++
	return 0, nil
}

func TestRegisterJobs_AddsEntries(t *testing.T) {
	sched := NewScheduler(&mockSweeper{})

	err := sched.RegisterJobs("0 3 * * *", "0 * * * *")
	require.NoError(t, err)
	assert.Equal(t, 2, sched.Entries())
}

func TestRegisterJobs_InvalidCron(t *testing.T) {
	sched := NewScheduler(&mockSweeper{})
	assert.Error(t, sched.RegisterJobs("not a valid cron", "0 * * * *"))
	assert.Error(t, sched.RegisterJobs("0 3 * * *", "also not valid"))
}

func TestStartStop(t *testing.T) {
	sched := NewScheduler(&mockSweeper{})
	require.NoError(t, sched.RegisterJobs("0 3 * * *", "0 * * * *"))
	sched.Start()
	sched.Stop()
}
