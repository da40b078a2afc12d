package meter

import "github.com/ineyio/chatgate"

// NoopMeter is a meter that does nothing.
type NoopMeter struct{}

var _ chatgate.Meter = (*NoopMeter)(nil)

func (m *NoopMeter) OnAdmission(chatgate.AdmissionEvent)   {}
func (m *NoopMeter) OnCompletion(chatgate.CompletionEvent) {}

// Multi fans events out to several meters.
type Multi []chatgate.Meter

var _ chatgate.Meter = Multi(nil)

func (m Multi) OnAdmission(e chatgate.AdmissionEvent) {
	for _, mm := range m {
		mm.OnAdmission(e)
	}
}

func (m Multi) OnCompletion(e chatgate.CompletionEvent) {
	for _, mm := range m {
		mm.OnCompletion(e)
	}
}
