package meter_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/chatgate"
	"github.com/ineyio/chatgate/meter"
)

func TestPrometheusMeter(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := meter.NewPrometheusMeter(reg)

	m.OnAdmission(chatgate.AdmissionEvent{Bucket: chatgate.BucketGPT4o, Plan: chatgate.PlanFree, Allowed: true})
	m.OnAdmission(chatgate.AdmissionEvent{Bucket: chatgate.BucketGPT4o, Plan: chatgate.PlanFree, Allowed: false})
	m.OnAdmission(chatgate.AdmissionEvent{Bucket: chatgate.BucketGPT4o, Plan: chatgate.PlanFree, Allowed: true, LookupErr: errors.New("down")})

	m.OnCompletion(chatgate.CompletionEvent{Bucket: chatgate.BucketGPT4o, Success: true, Duration: time.Second, Fragments: 3, BilledTokens: 7})
	m.OnCompletion(chatgate.CompletionEvent{Bucket: chatgate.BucketGPT4o, Success: false, Disconnected: true})

	count, err := testutil.GatherAndCount(reg, "chatgate_admissions_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count, "allowed and denied series")

	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(`
# HELP chatgate_admissions_total Admission decisions by bucket, plan and result
# TYPE chatgate_admissions_total counter
chatgate_admissions_total{bucket="gpt_4o",plan="free",result="allowed"} 2
chatgate_admissions_total{bucket="gpt_4o",plan="free",result="denied"} 1
# HELP chatgate_billed_tokens_total Estimated tokens added to the usage ledger
# TYPE chatgate_billed_tokens_total counter
chatgate_billed_tokens_total{bucket="gpt_4o"} 7
# HELP chatgate_client_disconnects_total Streams whose client went away before the terminal frame
# TYPE chatgate_client_disconnects_total counter
chatgate_client_disconnects_total 1
`), "chatgate_admissions_total", "chatgate_billed_tokens_total", "chatgate_client_disconnects_total"))
}

func TestLogMeter(t *testing.T) {
	var buf bytes.Buffer
	m := meter.NewLogMeter(zerolog.New(&buf))

	m.OnAdmission(chatgate.AdmissionEvent{
		OwnerID:       "u1",
		Bucket:        chatgate.BucketGPT4oMini,
		Plan:          chatgate.PlanFree,
		Allowed:       false,
		CurrentUsage:  950,
		Limit:         1000,
		Remaining:     50,
		EstimatedCost: 100,
	})

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "warn", line["level"])
	assert.Equal(t, "admission", line["message"])
	assert.Equal(t, "gpt_4o_mini", line["bucket"])
	assert.Equal(t, float64(50), line["remaining"])

	buf.Reset()
	m.OnCompletion(chatgate.CompletionEvent{OwnerID: "u1", Success: false, Error: errors.New("boom")})
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "completion_error", line["message"])
	assert.Equal(t, "boom", line["error"])
}

func TestMulti(t *testing.T) {
	reg := prometheus.NewRegistry()
	var buf bytes.Buffer
	m := meter.Multi{meter.NewPrometheusMeter(reg), meter.NewLogMeter(zerolog.New(&buf)), &meter.NoopMeter{}}

	m.OnCompletion(chatgate.CompletionEvent{Bucket: chatgate.BucketO3, Success: true, BilledTokens: 3})

	assert.Contains(t, buf.String(), `"message":"completion"`)
	count, err := testutil.GatherAndCount(reg, "chatgate_completions_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
