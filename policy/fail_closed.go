package policy

import "github.com/ineyio/chatgate"

// FailClosedPolicy denies requests whose quota cannot be verified.
type FailClosedPolicy struct{}

var _ chatgate.FailurePolicy = (*FailClosedPolicy)(nil)

// AdmitOnLookupFailure always denies.
func (p *FailClosedPolicy) AdmitOnLookupFailure(string, error) bool { return false }
