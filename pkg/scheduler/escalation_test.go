package scheduler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/orchestratorcore/pkg/domain"
	"github.com/codeready-toolchain/orchestratorcore/pkg/repository/memory"
)

func TestHasBlockingEscalations(t *testing.T) {
	repo := memory.New(nil)
	h := NewEscalationHandler(repo, nil, nil)
	ctx := context.Background()

	blocking, err := h.HasBlockingEscalations(ctx, "g1")
	require.NoError(t, err)
	assert.False(t, blocking)

	// Low severity never blocks.
	_, err = h.CreateEscalation(ctx, "g1", "w1", "", &domain.EscalationSpec{
		Kind: domain.EscalationRisk, Severity: domain.SeverityLow, Title: "minor",
	})
	require.NoError(t, err)
	blocking, err = h.HasBlockingEscalations(ctx, "g1")
	require.NoError(t, err)
	assert.False(t, blocking)

	esc, err := h.CreateEscalation(ctx, "g1", "w1", "", &domain.EscalationSpec{
		Kind: domain.EscalationStuck, Severity: domain.SeverityHigh, Title: "serious",
	})
	require.NoError(t, err)
	blocking, err = h.HasBlockingEscalations(ctx, "g1")
	require.NoError(t, err)
	assert.True(t, blocking)

	// Acknowledged still blocks; resolved does not.
	require.NoError(t, h.Respond(ctx, esc.ID, "acknowledge"))
	blocking, _ = h.HasBlockingEscalations(ctx, "g1")
	assert.True(t, blocking)

	require.NoError(t, h.Respond(ctx, esc.ID, "resolve"))
	blocking, _ = h.HasBlockingEscalations(ctx, "g1")
	assert.False(t, blocking)

	// Other goals are unaffected throughout.
	blocking, _ = h.HasBlockingEscalations(ctx, "g2")
	assert.False(t, blocking)
}

func TestRespondActions(t *testing.T) {
	repo := memory.New(nil)
	h := NewEscalationHandler(repo, nil, nil)
	ctx := context.Background()

	esc, err := h.CreateEscalation(ctx, "g1", "", "", &domain.EscalationSpec{
		Kind: domain.EscalationApproval, Severity: domain.SeverityHigh, Title: "ship it?",
	})
	require.NoError(t, err)

	require.Error(t, h.Respond(ctx, esc.ID, "frobnicate"), "unknown actions are rejected")

	require.NoError(t, h.Respond(ctx, esc.ID, "deny"))
	got, err := repo.GetEscalation(ctx, esc.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.EscalationDismissed, got.Status)
}

func TestCreateEscalationCarriesSignature(t *testing.T) {
	repo := memory.New(nil)
	h := NewEscalationHandler(repo, nil, nil)

	esc, err := h.CreateEscalation(context.Background(), "g1", "w1", "r1", &domain.EscalationSpec{
		Kind: domain.EscalationStuck, Severity: domain.SeverityHigh,
		Title: "same error", ErrorSignature: "E42",
	})
	require.NoError(t, err)
	assert.Equal(t, "E42", esc.Context["errorSignature"])
	assert.Equal(t, "r1", esc.RunID)
}
