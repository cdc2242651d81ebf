package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLocker struct {
	held     bool
	released []string
	err      error
}

func (l *fakeLocker) AcquireLock(_ context.Context, name string, _ time.Duration) (string, bool, error) {
	if l.err != nil {
		return "", false, l.err
	}
	if l.held {
		return "", false, nil
	}
	return "token-" + name, true, nil
}

func (l *fakeLocker) ReleaseLock(_ context.Context, _, token string) error {
	l.released = append(l.released, token)
	return nil
}

type countingRepairer struct {
	calls int
	err   error
}

func (r *countingRepairer) RepairOrphans(context.Context) (int64, error) {
	r.calls++
	return 2, r.err
}

func TestRunOnceTakesAndReleasesLock(t *testing.T) {
	locker := &fakeLocker{}
	repairer := &countingRepairer{}
	w := NewMaintenanceWorker(repairer, locker, time.Minute, time.Minute)

	ran, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, 1, repairer.calls)
	assert.Equal(t, []string{"token-maintenance"}, locker.released)
}

func TestRunOnceSkipsWhenLockHeld(t *testing.T) {
	repairer := &countingRepairer{}
	w := NewMaintenanceWorker(repairer, &fakeLocker{held: true}, time.Minute, time.Minute)

	ran, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Zero(t, repairer.calls)
}

func TestRunOnceReleasesLockOnFailure(t *testing.T) {
	locker := &fakeLocker{}
	boom := errors.New("db down")
	w := NewMaintenanceWorker(&countingRepairer{err: boom}, locker, time.Minute, time.Minute)

	ran, err := w.RunOnce(context.Background())
	assert.True(t, ran)
	assert.ErrorIs(t, err, boom)
	assert.Len(t, locker.released, 1)
}

func TestStartStopsOnCancel(t *testing.T) {
	repairer := &countingRepairer{}
	w := NewMaintenanceWorker(repairer, &fakeLocker{}, 5*time.Millisecond, time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := w.Start(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Positive(t, repairer.calls)
}
