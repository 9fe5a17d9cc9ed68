package statestore_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/docent-net/cluster-hibernator/pkg/model"
	"github.com/docent-net/cluster-hibernator/pkg/statestore"
)

var prod = model.ClusterIdentity{Name: "prod", Region: "eu-west-1", Account: "acme"}

func backends(t *testing.T) map[string]statestore.Store {
	t.Helper()
	sq, err := statestore.NewSQLite(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sq.Close() })

	return map[string]statestore.Store{
		"memory":    statestore.NewMemory(),
		"sqlite":    sq,
		"configmap": statestore.NewConfigMap(fake.NewSimpleClientset(), "hibernator"),
	}
}

func TestStore_MissingIsNotAnError(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, found, err := s.Load(context.Background(), prod, statestore.KindNodePools)
			require.NoError(t, err)
			require.False(t, found)

			st, err := statestore.Autoscaler(context.Background(), s, prod)
			require.NoError(t, err)
			require.Nil(t, st)
		})
	}
}

func TestStore_OverwriteReplacesPayload(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, statestore.SaveNodePools(ctx, s, prod, map[string]model.NodePoolSnapshot{
				"workers-a": {Pool: "workers-a", MinSize: 2, MaxSize: 10, DesiredSize: 4},
				"workers-b": {Pool: "workers-b", MinSize: 1, MaxSize: 3, DesiredSize: 1},
			}))
			require.NoError(t, statestore.SaveNodePools(ctx, s, prod, map[string]model.NodePoolSnapshot{
				"workers-a": {Pool: "workers-a", MinSize: 3, MaxSize: 12, DesiredSize: 5},
			}))

			pools, err := statestore.NodePools(ctx, s, prod)
			require.NoError(t, err)
			require.Len(t, pools, 1)
			require.Equal(t, 5, pools["workers-a"].DesiredSize)
		})
	}
}

func TestStore_KindsAndClustersAreIsolated(t *testing.T) {
	ctx := context.Background()
	other := model.ClusterIdentity{Name: "prod", Region: "us-east-1", Account: "acme"}
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			now := time.Now().UTC().Truncate(time.Second)
			require.NoError(t, statestore.SaveAutoscaler(ctx, s, prod, model.AutoscalerState{
				Namespace: "kube-system", Name: "cluster-autoscaler", OriginalReplicas: 2, Suspended: true, SuspendedAt: now,
			}))

			st, err := statestore.Autoscaler(ctx, s, prod)
			require.NoError(t, err)
			require.NotNil(t, st)
			require.EqualValues(t, 2, st.OriginalReplicas)
			require.True(t, st.SuspendedAt.Equal(now))

			st, err = statestore.Autoscaler(ctx, s, other)
			require.NoError(t, err)
			require.Nil(t, st)

			pools, err := statestore.NodePools(ctx, s, prod)
			require.NoError(t, err)
			require.Empty(t, pools)
		})
	}
}

func TestSQLite_VersionIncrements(t *testing.T) {
	ctx := context.Background()
	s, err := statestore.NewSQLite(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	defer s.Close()

	v, err := s.Version(ctx, prod, statestore.KindOperation)
	require.NoError(t, err)
	require.Zero(t, v)

	op := model.NewScaleOperation(prod, model.DirectionDown, time.Now())
	require.NoError(t, statestore.SaveOperation(ctx, s, prod, op))
	require.NoError(t, statestore.SaveOperation(ctx, s, prod, op))

	v, err = s.Version(ctx, prod, statestore.KindOperation)
	require.NoError(t, err)
	require.EqualValues(t, 2, v)

	got, err := statestore.Operation(ctx, s, prod)
	require.NoError(t, err)
	require.Equal(t, op.ID, got.ID)
}

func TestSQLite_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")

	s, err := statestore.NewSQLite(path)
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, prod, statestore.KindWorkloads, []byte(`{}`)))
	require.NoError(t, s.Close())

	s, err = statestore.NewSQLite(path)
	require.NoError(t, err)
	defer s.Close()
	_, found, err := s.Load(ctx, prod, statestore.KindWorkloads)
	require.NoError(t, err)
	require.True(t, found)
}

func TestObjectName_IsStableAndBounded(t *testing.T) {
	a := statestore.ObjectName("hibernator-state-", prod)
	require.Equal(t, a, statestore.ObjectName("hibernator-state-", prod))
	require.NotEqual(t, a, statestore.ObjectName("hibernator-state-", model.ClusterIdentity{Name: "dev"}))
	require.LessOrEqual(t, len(a), 63)
}

func TestOverlay_ReadsThroughWithoutWritingBack(t *testing.T) {
	ctx := context.Background()
	base := statestore.NewMemory()
	require.NoError(t, base.Save(ctx, prod, statestore.KindNodePools, []byte(`{"a":{}}`)))

	o := statestore.NewOverlay(base)
	data, found, err := o.Load(ctx, prod, statestore.KindNodePools)
	require.NoError(t, err)
	require.True(t, found)
	require.JSONEq(t, `{"a":{}}`, string(data))

	require.NoError(t, o.Save(ctx, prod, statestore.KindNodePools, []byte(`{}`)))
	data, _, err = o.Load(ctx, prod, statestore.KindNodePools)
	require.NoError(t, err)
	require.Equal(t, `{}`, string(data))

	data, _, err = base.Load(ctx, prod, statestore.KindNodePools)
	require.NoError(t, err)
	require.JSONEq(t, `{"a":{}}`, string(data))
	require.Equal(t, 1, base.Saves[statestore.KindNodePools])
}
