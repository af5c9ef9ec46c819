package controlplane

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/fentz26/quizpilot/internal/audit"
	"github.com/fentz26/quizpilot/internal/events"
	"github.com/fentz26/quizpilot/internal/models"
	"github.com/fentz26/quizpilot/internal/pipeline"
	"github.com/fentz26/quizpilot/internal/repair"
	"github.com/fentz26/quizpilot/internal/scheduler"
	"github.com/fentz26/quizpilot/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type scriptedLLM struct{ reply string }

func (l scriptedLLM) Complete(context.Context, string, string) (string, error) {
	return l.reply, nil
}

type stubSandbox struct{ out models.Outcome }

func (stubSandbox) Name() string { return "stub" }

func (s stubSandbox) Run(context.Context, models.Program, models.Task) (*models.Outcome, error) {
	out := s.out
	return &out, nil
}

func TestService_ChainRunsThroughScheduler(t *testing.T) {
	defer goleak.VerifyNone(t)

	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer st.Close()

	pub := &events.Memory{}
	svc := NewService(st, audit.NewWriter(st), pub, testSecret, nil)

	runner := pipeline.NewRunner(
		pipeline.Config{MaxAttempts: 3, MaxResubmits: 1},
		scriptedLLM{reply: "```python\nasync def main():\n    print('ok')\n```"},
		repair.New(repair.DefaultOptions()),
		stubSandbox{out: models.Outcome{Kind: models.OutcomeSuccess, Stdout: "ok\n"}},
		svc, nil,
	)
	sch := scheduler.New(runner, svc, &scheduler.Config{GlobalMax: 2, QueueSize: 4}, nil)
	svc.AttachQueue(sch)
	sch.Start()
	defer sch.Stop()

	ctx := context.Background()
	chain, err := svc.Submit(ctx, models.Task{Email: "a@example.org", Secret: testSecret, URL: "https://q.example/1"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := st.GetChain(ctx, chain.ID)
		return err == nil && got != nil && got.State.Terminal()
	}, 5*time.Second, 10*time.Millisecond)

	got, err := svc.GetChain(ctx, chain.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateDone, got.State)
	assert.Equal(t, 1, got.Attempts)
	assert.NotEmpty(t, got.WorkerID)
	require.Len(t, got.History, 1)
	assert.Equal(t, models.StateExecuted, got.History[0].State)
	assert.Equal(t, "ok\n", got.History[0].Outcome.Stdout)

	require.Eventually(t, func() bool { return len(pub.Events()) == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, models.StateDone, pub.Events()[0].State)
}

func TestService_SubmitWithoutQueue(t *testing.T) {
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer st.Close()

	svc := NewService(st, nil, nil, testSecret, nil)
	_, err = svc.Submit(context.Background(), models.Task{URL: "https://q.example/1"})
	assert.ErrorIs(t, err, ErrNoQueue)
}

func TestService_SubmitStoppedScheduler(t *testing.T) {
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer st.Close()

	svc := NewService(st, audit.NewWriter(st), nil, testSecret, nil)
	sch := scheduler.New(nil, svc, nil, nil)
	svc.AttachQueue(sch)
	sch.Stop()

	_, err = svc.Submit(context.Background(), models.Task{URL: "https://q.example/1"})
	assert.ErrorIs(t, err, ErrBusy)

	chains, err := st.ListChains(context.Background(), store.ChainFilter{State: string(models.StateFailed)})
	require.NoError(t, err)
	require.Len(t, chains, 1)
	assert.Equal(t, models.FailureRejected, chains[0].Failure)
}

func TestService_Authorize(t *testing.T) {
	svc := NewService(nil, nil, nil, testSecret, nil)
	assert.True(t, svc.Authorize(testSecret))
	assert.False(t, svc.Authorize("peacock "))
	assert.False(t, svc.Authorize(""))

	open := NewService(nil, nil, nil, "", nil)
	assert.False(t, open.Authorize(""))
}

func TestService_RecoverStale(t *testing.T) {
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer st.Close()
	ctx := context.Background()

	svc := NewService(st, audit.NewWriter(st), nil, testSecret, nil)
	svc.AttachQueue(&fakeQueue{})
	chain, err := svc.Submit(ctx, models.Task{Email: "a@example.org", URL: "https://q.example/1"})
	require.NoError(t, err)

	n, err := svc.RecoverStale(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, err := svc.GetChain(ctx, chain.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateFailed, got.State)
	assert.Equal(t, models.FailureInterrupted, got.Failure)
}
