package chatgate

import (
	"context"
	"fmt"
	"time"
)

// AdmissionResult is the outcome of a pre-flight quota check.
type AdmissionResult struct {
	Allowed       bool   `json:"allowed"`
	Plan          Plan   `json:"plan"`
	Bucket        Bucket `json:"bucket"`
	CurrentUsage  int64  `json:"currentUsage"`
	Limit         int64  `json:"limit"`
	Remaining     int64  `json:"remaining"`
	EstimatedCost int64  `json:"estimatedCost"`
	// Degraded is true when a lookup failed and the failure policy decided.
	Degraded bool `json:"degraded,omitempty"`
}

// AdmissionController decides whether a request may start based on its
// estimated cost and the owner's remaining quota for the model's bucket.
type AdmissionController struct {
	ledger        UsageLedger
	subscriptions SubscriptionStore
	limits        Limits
	policy        FailurePolicy
	health        *HealthTracker
	now           func() time.Time
}

// NewAdmissionController creates an AdmissionController. A nil policy fails
// open; a nil subscription store resolves everyone to the free plan.
func NewAdmissionController(ledger UsageLedger, subs SubscriptionStore, limits Limits, policy FailurePolicy, health *HealthTracker) *AdmissionController {
	if policy == nil {
		policy = defaultFailOpenPolicy{}
	}
	if health == nil {
		health = NewHealthTracker()
	}
	if limits == nil {
		limits = make(Limits)
	}
	return &AdmissionController{
		ledger:        ledger,
		subscriptions: subs,
		limits:        limits,
		policy:        policy,
		health:        health,
		now:           time.Now,
	}
}

// ResolvePlan returns the owner's active plan. Owners without a subscription
// are on the free plan.
func (a *AdmissionController) ResolvePlan(ctx context.Context, ownerID string) (Plan, error) {
	if a.subscriptions == nil {
		return PlanFree, nil
	}
	sub, ok, err := a.subscriptions.Subscription(ctx, ownerID)
	if err != nil {
		return PlanFree, fmt.Errorf("chatgate: resolve plan: %w", err)
	}
	if !ok {
		return PlanFree, nil
	}
	return sub.ActivePlan(a.now()), nil
}

// CheckAdmission decides whether ownerID may run a request on model costing
// an estimated estimatedCost tokens. The returned error is non-nil only when
// the decision was made by the failure policy; the result is always usable.
func (a *AdmissionController) CheckAdmission(ctx context.Context, ownerID, model string, estimatedCost int64) (AdmissionResult, error) {
	bucket := Canonicalize(model)
	res := AdmissionResult{Plan: PlanFree, Bucket: bucket, EstimatedCost: estimatedCost}

	plan, err := a.lookupPlan(ctx, ownerID)
	if err != nil {
		return a.degraded(res, BackendSubscriptions, err), err
	}
	res.Plan = plan
	res.Limit = a.limits.Limit(plan, bucket)

	usage, err := a.lookupUsage(ctx, ownerID, bucket)
	if err != nil {
		return a.degraded(res, BackendLedger, err), err
	}
	res.CurrentUsage = usage

	res.Remaining = res.Limit - usage
	if res.Remaining < 0 {
		res.Remaining = 0
	}
	res.Allowed = usage < res.Limit && res.Remaining >= estimatedCost
	return res, nil
}

// Report returns the owner's counters and limits for the current period:
// every bucket configured for the owner's plan plus any bucket with usage.
func (a *AdmissionController) Report(ctx context.Context, ownerID string) (UsageReport, error) {
	period := PeriodContaining(a.now())

	plan, err := a.ResolvePlan(ctx, ownerID)
	if err != nil {
		return UsageReport{}, err
	}
	usages, err := a.ledger.Usages(ctx, ownerID, period)
	if err != nil {
		return UsageReport{}, fmt.Errorf("%w: %w", ErrLedger, err)
	}

	report := UsageReport{
		OwnerID: ownerID,
		Plan:    plan,
		Period:  period,
		Buckets: make(map[Bucket]BucketUsage),
	}
	buckets := a.limits.Buckets(plan)
	for b := range usages {
		buckets = append(buckets, b)
	}
	for _, b := range buckets {
		used := usages[b]
		limit := a.limits.Limit(plan, b)
		report.Buckets[b] = BucketUsage{TokensUsed: used, Limit: limit, Remaining: max(limit-used, 0)}
	}
	return report, nil
}

func (a *AdmissionController) lookupPlan(ctx context.Context, ownerID string) (Plan, error) {
	if !a.health.Available(BackendSubscriptions) {
		return PlanFree, errBackendUnavailable(BackendSubscriptions)
	}
	plan, err := a.ResolvePlan(ctx, ownerID)
	if err != nil {
		a.recordFailure(ctx, BackendSubscriptions)
		return PlanFree, err
	}
	a.health.RecordSuccess(BackendSubscriptions)
	return plan, nil
}

func (a *AdmissionController) lookupUsage(ctx context.Context, ownerID string, bucket Bucket) (int64, error) {
	if !a.health.Available(BackendLedger) {
		return 0, errBackendUnavailable(BackendLedger)
	}
	usage, err := a.ledger.Usage(ctx, ownerID, bucket, PeriodContaining(a.now()))
	if err != nil {
		a.recordFailure(ctx, BackendLedger)
		return 0, fmt.Errorf("%w: %w", ErrLedger, err)
	}
	a.health.RecordSuccess(BackendLedger)
	return usage, nil
}

// recordFailure counts a failed lookup against backend unless the caller's
// context ended, which says nothing about the backend.
func (a *AdmissionController) recordFailure(ctx context.Context, backend string) {
	if ctx.Err() != nil {
		return
	}
	a.health.RecordFailure(backend)
}

func (a *AdmissionController) degraded(res AdmissionResult, backend string, err error) AdmissionResult {
	res.Degraded = true
	res.Allowed = a.policy.AdmitOnLookupFailure(backend, err)
	return res
}

type backendUnavailableError string

func (e backendUnavailableError) Error() string {
	return fmt.Sprintf("chatgate: %s backend unavailable (circuit open)", string(e))
}

func errBackendUnavailable(backend string) error { return backendUnavailableError(backend) }

// UsageReport is an owner's metering state for one period.
type UsageReport struct {
	OwnerID string                 `json:"ownerId"`
	Plan    Plan                   `json:"plan"`
	Period  Period                 `json:"period"`
	Buckets map[Bucket]BucketUsage `json:"buckets"`
}

// BucketUsage is the counter and limit of one bucket.
type BucketUsage struct {
	TokensUsed int64 `json:"tokensUsed"`
	Limit      int64 `json:"limit"`
	Remaining  int64 `json:"remaining"`
}
