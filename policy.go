package chatgate

// FailurePolicy decides what happens to a request when a metering lookup
// (subscription or ledger) fails. It is never consulted for a genuine
// over-quota result, which is always denied.
type FailurePolicy interface {
	// AdmitOnLookupFailure returns true if the request should be admitted
	// despite err. backend is BackendLedger or BackendSubscriptions; a backend
	// skipped because its circuit is open is reported with its own error.
	AdmitOnLookupFailure(backend string, err error) bool
}

// defaultFailOpenPolicy is an inline fail-open policy to avoid import cycles.
type defaultFailOpenPolicy struct{}

func (defaultFailOpenPolicy) AdmitOnLookupFailure(string, error) bool { return true }
