package policy

import (
	"fmt"

	"github.com/ineyio/chatgate"
)

// FailOpenPolicy admits requests when the metering backends cannot be
// reached, so a metering outage never blocks service.
type FailOpenPolicy struct{}

var _ chatgate.FailurePolicy = (*FailOpenPolicy)(nil)

// AdmitOnLookupFailure always admits.
func (p *FailOpenPolicy) AdmitOnLookupFailure(string, error) bool { return true }

// ByName returns the policy registered under a config name.
func ByName(name string) (chatgate.FailurePolicy, error) {
	switch name {
	case "", chatgate.PolicyFailOpen:
		return &FailOpenPolicy{}, nil
	case chatgate.PolicyFailClosed:
		return &FailClosedPolicy{}, nil
	default:
		return nil, fmt.Errorf("chatgate/policy: unknown failure policy %q", name)
	}
}
