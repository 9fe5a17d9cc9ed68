package model_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/docent-net/cluster-hibernator/pkg/model"
)

func TestScaleOperation_AdvancesThroughScaleDownPhases(t *testing.T) {
	op := model.NewScaleOperation(model.ClusterIdentity{Name: "c"}, model.DirectionDown, time.Now())
	require.Equal(t, model.PhaseInit, op.NextPhase())

	var seen []model.Phase
	for !op.Phase.Terminal() {
		p := op.NextPhase()
		seen = append(seen, p)
		op.Complete(model.PhaseResult{Phase: p, FinishedAt: time.Now()})
	}
	require.Equal(t, model.ScaleDownPhases, seen)
	require.Equal(t, model.PhaseDone, op.Phase)
}

func TestScaleOperation_FailKeepsLastCompleted(t *testing.T) {
	op := model.NewScaleOperation(model.ClusterIdentity{Name: "c"}, model.DirectionUp, time.Now())
	op.Complete(model.PhaseResult{Phase: model.PhaseInit, FinishedAt: time.Now()})
	op.Complete(model.PhaseResult{Phase: model.PhaseWebhooksValidated, FinishedAt: time.Now()})
	op.Fail(model.PhasePoolsScaledUp, errors.New("timeout"), time.Now())

	require.Equal(t, model.PhaseFailed, op.Phase)
	require.Equal(t, model.PhaseWebhooksValidated, op.LastCompleted)
	require.Equal(t, model.PhasePoolsScaledUp, op.NextPhase())
}

func TestClassify(t *testing.T) {
	require.Equal(t, model.WebhookAbsent, model.Classify(false, 3))
	require.Equal(t, model.WebhookHealthy, model.Classify(true, 1))
	require.Equal(t, model.WebhookOrphaned, model.Classify(true, 0))
}

func TestClusterIdentity(t *testing.T) {
	id := model.ClusterIdentity{Name: "prod", Region: "eu-west-1", Account: "1234"}
	require.Equal(t, "1234/eu-west-1/prod", id.Key())
	require.NoError(t, id.Validate())
	require.Error(t, model.ClusterIdentity{}.Validate())
	require.Error(t, model.ClusterIdentity{Name: "a/b"}.Validate())
}
