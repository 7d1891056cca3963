package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"clinical-platform/internal/affiliate"
	"clinical-platform/internal/commission"
	"clinical-platform/internal/metrics"
	"clinical-platform/internal/referral"
	"clinical-platform/internal/store/storetest"
	"clinical-platform/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type countingJob struct {
	runs atomic.Int32
	err  error
}

func (j *countingJob) Name() string { return "counting" }

func (j *countingJob) Run(ctx context.Context) (*Report, error) {
	j.runs.Add(1)
	return &Report{Processed: 1}, j.err
}

func TestStartRunsImmediatelyAndStops(t *testing.T) {
	job := &countingJob{}
	s := NewScheduler(metrics.New(zap.NewNop()), zap.NewNop())
	require.NoError(t, s.AddJob(job, 10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return job.runs.Load() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("планировщик не остановился")
	}
}

func TestAddJobRejectsNonPositiveInterval(t *testing.T) {
	s := NewScheduler(nil, zap.NewNop())
	assert.Error(t, s.AddJob(&countingJob{}, 0))
	assert.Error(t, s.AddJob(&countingJob{}, -time.Minute))

	_, err := s.RunOnce(context.Background(), "counting")
	assert.Error(t, err)
}

type blockingJob struct {
	started chan struct{}
	release chan struct{}
	ctxErr  chan error
	once    sync.Once
}

func (j *blockingJob) Name() string { return "blocking" }

func (j *blockingJob) Run(ctx context.Context) (*Report, error) {
	j.once.Do(func() { close(j.started) })
	<-j.release
	j.ctxErr <- ctx.Err()
	return &Report{Processed: 1}, nil
}

func TestStopLetsRunningJobFinish(t *testing.T) {
	job := &blockingJob{started: make(chan struct{}), release: make(chan struct{}), ctxErr: make(chan error, 1)}
	s := NewScheduler(nil, zap.NewNop())
	require.NoError(t, s.AddJob(job, time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()

	<-job.started
	cancel()
	close(job.release)

	// запуск, начатый до остановки, видит живой контекст
	assert.NoError(t, <-job.ctxErr)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("планировщик не остановился")
	}
}

func TestRunOnce(t *testing.T) {
	job := &countingJob{err: errors.New("boom")}
	s := NewScheduler(nil, zap.NewNop())
	require.NoError(t, s.AddJob(job, time.Hour))

	report, err := s.RunOnce(context.Background(), "counting")
	assert.Error(t, err)
	assert.Equal(t, 1, report.Processed)

	_, err = s.RunOnce(context.Background(), "missing")
	assert.Error(t, err)
}

func newStats(st *storetest.Store) (*affiliate.Service, *metrics.Metrics) {
	logger := zap.NewNop()
	m := metrics.New(logger)
	return affiliate.NewService(st, referral.NewService(st, "http://localhost:3000", logger), m, 5, logger), m
}

func TestReconcileJob(t *testing.T) {
	st := storetest.New()
	stats, m := newStats(st)

	a := st.MustAccount(t, "a@example.com", nil)
	b := st.MustAccount(t, "b@example.com", a)
	sub := st.MustSubscription(t, b, models.SubscriptionActive)
	st.MustPayment(t, sub, "29.00", models.PaymentSucceeded)

	job := NewReconcileJob(commission.NewEngine(st, stats, m, zap.NewNop()), 7*24*time.Hour)
	report, err := job.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Processed)
	assert.Equal(t, 0, report.Failed)
	assert.Len(t, st.Commissions(), 1)
}

func TestStatsRefreshJob(t *testing.T) {
	st := storetest.New()
	stats, _ := newStats(st)

	a := st.MustAccount(t, "a@example.com", nil)
	b := st.MustAccount(t, "b@example.com", a)
	st.MustCommission(t, a, b, "5.00", models.CommissionPending)

	report, err := NewStatsRefreshJob(stats).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Processed)

	cached, err := st.Stats().Get(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, "5.00", cached.TotalPending.StringFixed(2))
}

type recordingNotifier struct {
	sent []*models.PendingDigest
	fail int64
}

func (n *recordingNotifier) NotifyPending(ctx context.Context, d *models.PendingDigest) error {
	if d.AffiliateID == n.fail {
		return errors.New("smtp down")
	}
	n.sent = append(n.sent, d)
	return nil
}

func TestDigestJob(t *testing.T) {
	st := storetest.New()
	a := st.MustAccount(t, "a@example.com", nil)
	x := st.MustAccount(t, "x@example.com", nil)
	b := st.MustAccount(t, "b@example.com", a)
	c := st.MustAccount(t, "c@example.com", x)
	st.MustCommission(t, a, b, "5.00", models.CommissionPending)
	st.MustCommission(t, a, b, "7.50", models.CommissionPending)
	st.MustCommission(t, a, b, "3.00", models.CommissionPaid)
	st.MustCommission(t, x, c, "1.00", models.CommissionPending)

	notifier := &recordingNotifier{fail: x.ID}
	report, err := NewDigestJob(st, notifier, zap.NewNop()).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Processed)
	assert.Equal(t, 1, report.Failed)

	require.Len(t, notifier.sent, 1)
	assert.Equal(t, "a@example.com", notifier.sent[0].Email)
	assert.Equal(t, 2, notifier.sent[0].Count)
	assert.Equal(t, "12.50", notifier.sent[0].TotalPending.StringFixed(2))

	assert.NoError(t, NewLogNotifier(zap.NewNop()).NotifyPending(context.Background(), notifier.sent[0]))
}

func TestArchiveJob(t *testing.T) {
	st := storetest.New()
	a := st.MustAccount(t, "a@example.com", nil)
	b := st.MustAccount(t, "b@example.com", a)
	old := st.MustCommission(t, a, b, "5.00", models.CommissionPaid)
	st.MustCommission(t, a, b, "6.00", models.CommissionPaid)
	st.MustCommission(t, a, b, "7.00", models.CommissionPending)
	st.SetPaidAt(old.ID, time.Now().AddDate(-2, 0, 0))

	job := NewArchiveJob(st, 365*24*time.Hour)
	report, err := job.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Processed)

	for _, c := range st.Commissions() {
		if c.ID == old.ID {
			assert.NotNil(t, c.ArchivedAt)
		} else {
			assert.Nil(t, c.ArchivedAt)
		}
	}

	// повторный запуск ничего не меняет
	report, err = job.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Processed)
}
