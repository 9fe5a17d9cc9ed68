package cloud_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gophercloud/gophercloud"
	"github.com/stretchr/testify/require"

	"github.com/docent-net/cluster-hibernator/pkg/cloud"
	"github.com/docent-net/cluster-hibernator/pkg/config"
	"github.com/docent-net/cluster-hibernator/pkg/nodepool"
	"github.com/docent-net/cluster-hibernator/pkg/retry"
	"github.com/docent-net/cluster-hibernator/pkg/scaleerrors"
)

type fakeMagnum struct {
	mu       sync.Mutex
	min      int
	max      int
	count    int
	status   string
	requests []string
	// throttle answers that many node group reads with 429 before serving them.
	throttle int
	// failWith answers every node group read with this status when set.
	failWith int
}

func (f *fakeMagnum) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/clusters/c1/nodegroups/workers", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if r.Method == http.MethodGet && f.failWith != 0 {
			w.WriteHeader(f.failWith)
			return
		}
		if r.Method == http.MethodGet && f.throttle > 0 {
			f.throttle--
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		switch r.Method {
		case http.MethodGet:
		case http.MethodPatch:
			body, _ := io.ReadAll(r.Body)
			var ops []struct {
				Op    string `json:"op"`
				Path  string `json:"path"`
				Value int    `json:"value"`
			}
			require.NoError(t, json.Unmarshal(body, &ops))
			for _, op := range ops {
				f.requests = append(f.requests, "patch "+op.Path)
				switch op.Path {
				case "/min_node_count":
					f.min = op.Value
				case "/max_node_count":
					f.max = op.Value
				}
			}
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"uuid":           "ng-1",
			"name":           "workers",
			"node_count":     f.count,
			"min_node_count": f.min,
			"max_node_count": f.max,
			"status":         f.status,
		})
	})
	mux.HandleFunc("/clusters/c1/actions/resize", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		var body struct {
			NodeCount int    `json:"node_count"`
			NodeGroup string `json:"nodegroup"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "workers", body.NodeGroup)
		f.requests = append(f.requests, "resize")
		f.count = body.NodeCount
		f.status = "UPDATE_IN_PROGRESS"
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		io.WriteString(w, `{"uuid":"c1"}`)
	})
	return mux
}

func newMagnum(t *testing.T, f *fakeMagnum) *cloud.Magnum {
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)
	client := &gophercloud.ServiceClient{
		ProviderClient: &gophercloud.ProviderClient{TokenID: "token"},
		Endpoint:       srv.URL + "/",
	}
	return cloud.NewMagnumWithClient(client, "c1")
}

func TestMagnum_Describe(t *testing.T) {
	f := &fakeMagnum{min: 2, max: 10, count: 4, status: "UPDATE_COMPLETE"}
	m := newMagnum(t, f)

	st, err := m.Describe(context.Background(), "workers")
	require.NoError(t, err)
	require.Equal(t, 2, st.MinSize)
	require.Equal(t, 10, st.MaxSize)
	require.Equal(t, 4, st.DesiredSize)
	require.Equal(t, 4, st.ReadyNodes)
	require.True(t, st.Stable())
}

func TestMagnum_ScaleDownLowersMinBeforeResize(t *testing.T) {
	f := &fakeMagnum{min: 2, max: 10, count: 4, status: "UPDATE_COMPLETE"}
	m := newMagnum(t, f)

	require.NoError(t, m.Update(context.Background(), "workers", 0, 10, 0))
	require.Equal(t, []string{"patch /min_node_count", "resize"}, f.requests)
	require.Equal(t, 0, f.count)
	require.Equal(t, 0, f.min)

	st, err := m.Describe(context.Background(), "workers")
	require.NoError(t, err)
	require.False(t, st.Stable())
}

func TestMagnum_ScaleUpRaisesMinAfterResize(t *testing.T) {
	f := &fakeMagnum{min: 0, max: 10, count: 0, status: "UPDATE_COMPLETE"}
	m := newMagnum(t, f)

	require.NoError(t, m.Update(context.Background(), "workers", 2, 12, 4))
	require.Equal(t, []string{"patch /max_node_count", "resize", "patch /min_node_count"}, f.requests)
	require.Equal(t, 2, f.min)
	require.Equal(t, 12, f.max)
	require.Equal(t, 4, f.count)
}

func TestMagnum_ThrottlingIsRetried(t *testing.T) {
	ctx := context.Background()
	f := &fakeMagnum{min: 2, max: 10, count: 4, status: "UPDATE_COMPLETE", throttle: 1}
	m := newMagnum(t, f)

	_, err := m.Describe(ctx, "workers")
	require.Error(t, err)
	require.True(t, scaleerrors.Is(err, scaleerrors.TransientAPIError))
	require.True(t, retry.IsTransient(err))

	f.throttle = 2
	s := nodepool.NewScaler(m, config.NodePoolConfig{}, retry.Policy{
		MaxAttempts: 5, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond, Deadline: time.Second,
	})
	st, err := s.CurrentState(ctx, "workers")
	require.NoError(t, err)
	require.Equal(t, 4, st.DesiredSize)
	require.Zero(t, f.throttle)
}

func TestMagnum_NotFoundIsNotTransient(t *testing.T) {
	f := &fakeMagnum{failWith: http.StatusNotFound}
	_, err := newMagnum(t, f).Describe(context.Background(), "workers")
	require.Error(t, err)
	require.False(t, retry.IsTransient(err))
}
