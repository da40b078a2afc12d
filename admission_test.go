package chatgate_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cg "github.com/ineyio/chatgate"
	"github.com/ineyio/chatgate/policy"
	"github.com/ineyio/chatgate/store"
)

// flakyLedger fails every Usage lookup while err is set.
type flakyLedger struct {
	*store.MemoryLedger
	err   error
	calls int
}

func (l *flakyLedger) Usage(ctx context.Context, ownerID string, bucket cg.Bucket, period cg.Period) (int64, error) {
	l.calls++
	if l.err != nil {
		return 0, l.err
	}
	return l.MemoryLedger.Usage(ctx, ownerID, bucket, period)
}

func freeLimits(bucket cg.Bucket, limit int64) cg.Limits {
	l := cg.Limits{}
	l.Set(cg.PlanFree, bucket, limit)
	return l
}

func currentPeriod() cg.Period { return cg.PeriodContaining(time.Now()) }

func TestCheckAdmission_DeniedWhenEstimateExceedsRemaining(t *testing.T) {
	ctx := context.Background()
	ledger := store.NewMemoryLedger()
	require.NoError(t, ledger.Increment(ctx, "u1", cg.BucketGPT4oMini, currentPeriod(), 950))

	ac := cg.NewAdmissionController(ledger, nil, freeLimits(cg.BucketGPT4oMini, 1000), nil, nil)

	res, err := ac.CheckAdmission(ctx, "u1", "gpt-4o-mini", 100)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, cg.PlanFree, res.Plan)
	assert.Equal(t, cg.BucketGPT4oMini, res.Bucket)
	assert.Equal(t, int64(950), res.CurrentUsage)
	assert.Equal(t, int64(1000), res.Limit)
	assert.Equal(t, int64(50), res.Remaining)
	assert.False(t, res.Degraded)

	res, err = ac.CheckAdmission(ctx, "u1", "gpt-4o-mini", 50)
	require.NoError(t, err)
	assert.True(t, res.Allowed, "an estimate equal to the remainder is admitted")
}

func TestCheckAdmission_DeniedAtLimit(t *testing.T) {
	ctx := context.Background()
	ledger := store.NewMemoryLedger()
	require.NoError(t, ledger.Increment(ctx, "u1", cg.BucketGPT4oMini, currentPeriod(), 1200))

	ac := cg.NewAdmissionController(ledger, nil, freeLimits(cg.BucketGPT4oMini, 1000), nil, nil)

	res, err := ac.CheckAdmission(ctx, "u1", "gpt-4o-mini", 0)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Zero(t, res.Remaining)
}

func TestCheckAdmission_UnconfiguredBucketDenied(t *testing.T) {
	ac := cg.NewAdmissionController(store.NewMemoryLedger(), nil, freeLimits(cg.BucketGPT4oMini, 1000), nil, nil)

	res, err := ac.CheckAdmission(context.Background(), "u1", "o3", 10)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, cg.BucketO3, res.Bucket)
	assert.Zero(t, res.Limit)
}

func TestCheckAdmission_ProSubscription(t *testing.T) {
	ctx := context.Background()
	subs := store.NewMemorySubscriptions()
	require.NoError(t, subs.SetSubscription(ctx, cg.Subscription{
		OwnerID:   "u1",
		Plan:      cg.PlanProMonthly,
		Status:    "active",
		PeriodEnd: time.Now().Add(24 * time.Hour),
	}))

	limits := freeLimits(cg.BucketGPT4o, 0)
	limits.Set(cg.PlanProMonthly, cg.BucketGPT4o, 5000)
	ac := cg.NewAdmissionController(store.NewMemoryLedger(), subs, limits, nil, nil)

	res, err := ac.CheckAdmission(ctx, "u1", "gpt-4o", 600)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, cg.PlanProMonthly, res.Plan)
	assert.Equal(t, int64(5000), res.Remaining)

	res, err = ac.CheckAdmission(ctx, "u2", "gpt-4o", 600)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, cg.PlanFree, res.Plan)
}

func TestCheckAdmission_LookupFailure(t *testing.T) {
	tests := []struct {
		name    string
		policy  cg.FailurePolicy
		allowed bool
	}{
		{"fail open", &policy.FailOpenPolicy{}, true},
		{"fail closed", &policy.FailClosedPolicy{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ledger := &flakyLedger{MemoryLedger: store.NewMemoryLedger(), err: errors.New("connection refused")}
			ac := cg.NewAdmissionController(ledger, nil, freeLimits(cg.BucketGPT4oMini, 1000), tt.policy, nil)

			res, err := ac.CheckAdmission(context.Background(), "u1", "gpt-4o-mini", 100)
			require.Error(t, err)
			assert.ErrorIs(t, err, cg.ErrLedger)
			assert.True(t, res.Degraded)
			assert.Equal(t, tt.allowed, res.Allowed)
		})
	}
}

func TestCheckAdmission_CircuitSkipsUnhealthyLedger(t *testing.T) {
	ledger := &flakyLedger{MemoryLedger: store.NewMemoryLedger(), err: errors.New("timeout")}
	health := cg.NewHealthTracker()
	ac := cg.NewAdmissionController(ledger, nil, freeLimits(cg.BucketGPT4oMini, 1000), nil, health)

	for i := 0; i < 3; i++ {
		_, err := ac.CheckAdmission(context.Background(), "u1", "gpt-4o-mini", 1)
		require.Error(t, err)
	}
	assert.Equal(t, cg.HealthUnhealthy, health.State(cg.BackendLedger))

	res, err := ac.CheckAdmission(context.Background(), "u1", "gpt-4o-mini", 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circuit open")
	assert.True(t, res.Allowed)
	assert.Equal(t, 3, ledger.calls, "open circuit must not query the ledger")
}

func TestCheckAdmission_CallerCancelDoesNotTripCircuit(t *testing.T) {
	ledger := &flakyLedger{MemoryLedger: store.NewMemoryLedger(), err: context.Canceled}
	health := cg.NewHealthTracker()
	ac := cg.NewAdmissionController(ledger, nil, freeLimits(cg.BucketGPT4oMini, 1000), nil, health)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < 5; i++ {
		_, err := ac.CheckAdmission(ctx, "u1", "gpt-4o-mini", 1)
		require.Error(t, err)
	}
	assert.Equal(t, 5, ledger.calls)
	assert.Equal(t, cg.HealthHealthy, health.State(cg.BackendLedger))
	assert.True(t, health.Available(cg.BackendLedger))

	ledger.err = nil
	res, err := ac.CheckAdmission(context.Background(), "u1", "gpt-4o-mini", 1)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.False(t, res.Degraded)
}

func TestAdmissionReport(t *testing.T) {
	ctx := context.Background()
	ledger := store.NewMemoryLedger()
	require.NoError(t, ledger.Increment(ctx, "u1", cg.BucketGPT4oMini, currentPeriod(), 300))
	require.NoError(t, ledger.Increment(ctx, "u1", cg.BucketClaudeHaiku, currentPeriod(), 20))

	limits := freeLimits(cg.BucketGPT4oMini, 1000)
	limits.Set(cg.PlanFree, cg.BucketGPT4o, 500)
	ac := cg.NewAdmissionController(ledger, nil, limits, nil, nil)

	report, err := ac.Report(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1", report.OwnerID)
	assert.Equal(t, cg.PlanFree, report.Plan)
	assert.Equal(t, currentPeriod().Key(), report.Period.Key())
	assert.Equal(t, map[cg.Bucket]cg.BucketUsage{
		cg.BucketGPT4oMini:   {TokensUsed: 300, Limit: 1000, Remaining: 700},
		cg.BucketGPT4o:       {TokensUsed: 0, Limit: 500, Remaining: 500},
		cg.BucketClaudeHaiku: {TokensUsed: 20, Limit: 0, Remaining: 0},
	}, report.Buckets)
}

func TestSubscriptionActivePlan(t *testing.T) {
	now := time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		sub  cg.Subscription
		want cg.Plan
	}{
		{"active", cg.Subscription{Plan: cg.PlanProYearly, Status: "active"}, cg.PlanProYearly},
		{"trialing", cg.Subscription{Plan: cg.PlanProMonthly, Status: "trialing"}, cg.PlanProMonthly},
		{"canceled", cg.Subscription{Plan: cg.PlanProMonthly, Status: "canceled"}, cg.PlanFree},
		{"expired", cg.Subscription{Plan: cg.PlanProMonthly, Status: "active", PeriodEnd: now.Add(-time.Hour)}, cg.PlanFree},
		{"not started", cg.Subscription{Plan: cg.PlanProMonthly, Status: "active", PeriodStart: now.Add(time.Hour)}, cg.PlanFree},
		{"no plan", cg.Subscription{Status: "active"}, cg.PlanFree},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.sub.ActivePlan(now))
		})
	}
}
