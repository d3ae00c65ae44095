package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/orchestratorcore/pkg/domain"
)

func failedRun(seq int, sig string) *domain.Run {
	return &domain.Run{
		ID:             "r" + string(rune('0'+seq)),
		WorkItemID:     "w1",
		RunSequence:    seq,
		Status:         domain.RunStatusFailure,
		ErrorSignature: sig,
		ErrorMessage:   "boom",
	}
}

// Three failed runs sharing one signature: retries after the first and
// second, escalation with the signature on the third.
func TestSameErrorEscalatesOnThirdFailure(t *testing.T) {
	h := NewRetryHandler(2, 2*time.Second, time.Minute)
	item := &domain.WorkItem{ID: "w1", Title: "build", MaxRetries: 2}

	r1 := failedRun(1, "E")
	d := h.Decide(item, r1, []*domain.Run{r1})
	assert.True(t, d.Retry)
	assert.Equal(t, 2*time.Second, d.Delay)

	r2 := failedRun(2, "E")
	d = h.Decide(item, r2, []*domain.Run{r1, r2})
	assert.True(t, d.Retry)
	assert.Equal(t, 4*time.Second, d.Delay)

	r3 := failedRun(3, "E")
	d = h.Decide(item, r3, []*domain.Run{r1, r2, r3})
	assert.False(t, d.Retry)
	require.NotNil(t, d.Escalate)
	assert.Equal(t, domain.EscalationStuck, d.Escalate.Kind)
	assert.Equal(t, domain.SeverityHigh, d.Escalate.Severity)
	assert.Equal(t, "E", d.Escalate.ErrorSignature)
}

func TestMaxRetriesExceededEscalates(t *testing.T) {
	h := NewRetryHandler(2, 2*time.Second, time.Minute)
	item := &domain.WorkItem{ID: "w1", Title: "build", MaxRetries: 1}

	// Distinct signatures so only the retry budget rule applies.
	r1 := failedRun(1, "A")
	r2 := failedRun(2, "B")
	d := h.Decide(item, r2, []*domain.Run{r1, r2})
	assert.False(t, d.Retry)
	require.NotNil(t, d.Escalate)
	assert.Equal(t, domain.EscalationStuck, d.Escalate.Kind)
}

func TestNonRecoverableSignatures(t *testing.T) {
	h := NewRetryHandler(2, 2*time.Second, time.Minute)
	item := &domain.WorkItem{ID: "w1", Title: "build", MaxRetries: 5}

	r := failedRun(1, sigValidationFailed)
	d := h.Decide(item, r, []*domain.Run{r})
	assert.False(t, d.Retry)
	require.NotNil(t, d.Escalate)
	assert.Equal(t, domain.EscalationValidationFailed, d.Escalate.Kind)

	r = failedRun(1, sigInvalidParams)
	d = h.Decide(item, r, []*domain.Run{r})
	assert.False(t, d.Retry)
	require.NotNil(t, d.Escalate)
	assert.Equal(t, domain.EscalationAmbiguous, d.Escalate.Kind)
}

func TestBackoffIsExponentialAndCapped(t *testing.T) {
	h := NewRetryHandler(10, 2*time.Second, time.Minute)
	item := &domain.WorkItem{ID: "w1", Title: "build", MaxRetries: 50}

	var history []*domain.Run
	delays := []time.Duration{}
	for i := 1; i <= 8; i++ {
		r := failedRun(i, "")
		history = append(history, r)
		d := h.Decide(item, r, history)
		require.True(t, d.Retry)
		delays = append(delays, d.Delay)
	}
	assert.Equal(t, []time.Duration{
		2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
		32 * time.Second, time.Minute, time.Minute, time.Minute,
	}, delays)
}

func TestSuccessBetweenFailuresResetsSignatureTail(t *testing.T) {
	h := NewRetryHandler(2, 2*time.Second, time.Minute)
	item := &domain.WorkItem{ID: "w1", Title: "build", MaxRetries: 10}

	history := []*domain.Run{
		failedRun(1, "E"),
		failedRun(2, "E"),
		{ID: "r3", RunSequence: 3, Status: domain.RunStatusSuccess},
		failedRun(4, "E"),
	}
	d := h.Decide(item, history[3], history)
	assert.True(t, d.Retry, "a success in between breaks the same-error streak")
}
