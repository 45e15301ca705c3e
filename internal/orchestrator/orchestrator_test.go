package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartdevs17/contract-discovery/internal/config"
	"github.com/smartdevs17/contract-discovery/pkg/utils"
)

var testPolicy = PolicyFromConfig(config.OrchestratorConfig{
	ErrorCooldown:       24 * time.Hour,
	PersistenceCooldown: time.Minute,
	ThrottleCooldown:    12 * time.Hour,
})

// scriptedTask returns the scripted results in order, then cancels ctx
func scriptedTask(cancel context.CancelFunc, results ...func() error) func(context.Context) error {
	var mu sync.Mutex
	i := 0
	return func(ctx context.Context) error {
		mu.Lock()
		defer mu.Unlock()
		if i >= len(results) {
			cancel()
			return nil
		}
		fn := results[i]
		i++
		return fn()
	}
}

func TestRetryPolicyByKind(t *testing.T) {
	persistence := utils.WrapError(utils.KindPersistenceFailure, utils.ErrCodeDatabase, "insert", errors.New("gone"))
	wrapped := errors.Join(errors.New("cycle"), persistence)

	assert.Equal(t, time.Minute, testPolicy.Cooldown(persistence))
	assert.Equal(t, time.Minute, testPolicy.Cooldown(wrapped))
	assert.Equal(t, 24*time.Hour, testPolicy.Cooldown(errors.New("plain")))
	assert.Equal(t, 12*time.Hour, testPolicy.Cooldown(utils.NewAppError(utils.ErrCodeRateLimited, "slow").WithKind(utils.KindThrottled)))
}

func TestLoopSleepsPerOutcome(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var sleeps []time.Duration
	o := New(nil, WithSleep(func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		sleeps = append(sleeps, d)
		mu.Unlock()
		return ctx.Err()
	}))

	require.NoError(t, o.Register(Task{
		Name:    "scanner:eth",
		Cadence: time.Hour,
		Retry:   testPolicy,
		Run: scriptedTask(cancel,
			func() error { return nil },
			func() error {
				return utils.WrapError(utils.KindPersistenceFailure, utils.ErrCodeDatabase, "insert", errors.New("reset"))
			},
			func() error { return errors.New("session lost") },
			func() error { panic("boom") },
		),
	}))

	err := o.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []time.Duration{time.Hour, time.Minute, 24 * time.Hour, 24 * time.Hour}, sleeps)

	status := o.Status()
	require.Len(t, status, 1)
	assert.Equal(t, uint64(5), status[0].Runs)
	assert.Equal(t, uint64(3), status[0].Failures)
	assert.False(t, status[0].Running)
}

func TestPanicBecomesFatal(t *testing.T) {
	o := New(nil)
	task := Task{Name: "p", Run: func(context.Context) error { panic("boom") }}
	require.NoError(t, o.Register(task))

	err := o.iterate(context.Background(), task)
	require.Error(t, err)
	assert.Equal(t, utils.KindFatal, utils.KindOf(err))
	assert.Contains(t, err.Error(), "boom")
	assert.Equal(t, string(utils.KindFatal), o.Status()[0].LastKind)
}

func TestLoopsRunIndependently(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	blocked := make(chan struct{})
	ran := make(chan struct{}, 1)

	o := New(nil)
	require.NoError(t, o.Register(Task{
		Name:    "slow",
		Cadence: time.Hour,
		Run: func(ctx context.Context) error {
			close(blocked)
			<-ctx.Done()
			return ctx.Err()
		},
	}))
	require.NoError(t, o.Register(Task{
		Name:    "fast",
		Cadence: time.Hour,
		Run: func(ctx context.Context) error {
			<-blocked
			ran <- struct{}{}
			return nil
		},
	}))

	done := make(chan error)
	go func() { done <- o.Run(ctx) }()

	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("second loop was blocked by the first")
	}

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("loops did not stop on cancellation")
	}
}

func TestRegisterValidation(t *testing.T) {
	o := New(nil)
	assert.Error(t, o.Run(context.Background()))

	task := Task{Name: "a", Run: func(context.Context) error { return nil }}
	require.NoError(t, o.Register(task))
	assert.Error(t, o.Register(task))
	assert.Error(t, o.Register(Task{Name: "b"}))
}
