package cloud

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/gophercloud/gophercloud"
	"github.com/gophercloud/gophercloud/openstack"
	"github.com/gophercloud/gophercloud/openstack/containerinfra/v1/clusters"
	"github.com/gophercloud/gophercloud/openstack/containerinfra/v1/nodegroups"

	"github.com/docent-net/cluster-hibernator/pkg/scaleerrors"
)

// transientCodes are the responses Magnum and the OpenStack gateways send while throttling
// or temporarily unavailable. 498 is a rate limit some deployments use in place of 429.
var transientCodes = map[int]bool{408: true, 429: true, 498: true, 500: true, 502: true, 503: true, 504: true}

// classify marks throttling and temporary unavailability as TransientAPIError so the node
// pool scaler retries them.
func classify(pool string, err error) error {
	var sc gophercloud.StatusCodeError
	if errors.As(err, &sc) && transientCodes[sc.GetStatusCode()] {
		return scaleerrors.Wrap(scaleerrors.TransientAPIError, "pool/"+pool, err)
	}
	return err
}

// Magnum drives OpenStack Magnum node groups of one cluster.
type Magnum struct {
	client    *gophercloud.ServiceClient
	clusterID string
}

// NewMagnum authenticates from the standard OS_* environment variables.
func NewMagnum(clusterID, region string) (*Magnum, error) {
	opts, err := openstack.AuthOptionsFromEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to get auth options from env: %w", err)
	}

	provider, err := openstack.AuthenticatedClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to get authenticated client: %w", err)
	}

	client, err := openstack.NewContainerInfraV1(provider, gophercloud.EndpointOpts{Region: region})
	if err != nil {
		return nil, fmt.Errorf("failed to get container infra client: %w", err)
	}
	// Node group min/max updates need microversion 1.10.
	client.Microversion = "1.10"

	return NewMagnumWithClient(client, clusterID), nil
}

func NewMagnumWithClient(client *gophercloud.ServiceClient, clusterID string) *Magnum {
	return &Magnum{client: client, clusterID: clusterID}
}

func (m *Magnum) Name() string { return "magnum" }

func (m *Magnum) Describe(_ context.Context, pool string) (PoolStatus, error) {
	ng, err := nodegroups.Get(m.client, m.clusterID, pool).Extract()
	if err != nil {
		return PoolStatus{}, classify(pool, fmt.Errorf("get node group %s: %w", pool, err))
	}
	return nodeGroupStatus(ng), nil
}

func nodeGroupStatus(ng *nodegroups.NodeGroup) PoolStatus {
	st := PoolStatus{
		Name:        ng.Name,
		MinSize:     ng.MinNodeCount,
		MaxSize:     ng.NodeCount,
		DesiredSize: ng.NodeCount,
		Raw:         ng.Status,
	}
	if ng.MaxNodeCount != nil {
		st.MaxSize = *ng.MaxNodeCount
	}
	switch {
	case strings.HasSuffix(ng.Status, "_FAILED"):
		st.Status = StatusError
	case strings.HasSuffix(ng.Status, "_COMPLETE"):
		st.Status = StatusActive
		// Magnum does not expose per-node readiness; a completed stack has every node up.
		st.ReadyNodes = ng.NodeCount
	default:
		st.Status = StatusUpdating
	}
	return st
}

// Update widens bounds before resizing and narrows them after, so the requested node
// count is always inside the bounds Magnum validates against.
func (m *Magnum) Update(ctx context.Context, pool string, min, max, desired int) error {
	cur, err := m.Describe(ctx, pool)
	if err != nil {
		return err
	}

	var before, after []nodegroups.UpdateOptsBuilder
	if max != cur.MaxSize {
		before = append(before, replaceOp("/max_node_count", max))
	}
	if min != cur.MinSize {
		if min <= cur.DesiredSize {
			before = append(before, replaceOp("/min_node_count", min))
		} else {
			after = append(after, replaceOp("/min_node_count", min))
		}
	}

	if len(before) > 0 {
		if err := nodegroups.Update(m.client, m.clusterID, pool, before).Err; err != nil {
			return classify(pool, fmt.Errorf("update node group %s bounds: %w", pool, err))
		}
	}

	if desired != cur.DesiredSize {
		res := clusters.Resize(m.client, m.clusterID, clusters.ResizeOpts{
			NodeCount: &desired,
			NodeGroup: pool,
		})
		if res.Err != nil {
			return classify(pool, fmt.Errorf("resize node group %s: %w", pool, res.Err))
		}
	}

	if len(after) > 0 {
		if err := nodegroups.Update(m.client, m.clusterID, pool, after).Err; err != nil {
			// The resize is already accepted; the pool converges and the next run fixes min.
			slog.Warn("Failed to raise node group minimum after resize", "pool", pool, "min", min, "err", err)
			return classify(pool, fmt.Errorf("update node group %s minimum: %w", pool, err))
		}
	}
	return nil
}

func replaceOp(path string, value int) nodegroups.UpdateOpts {
	return nodegroups.UpdateOpts{Op: nodegroups.ReplaceOp, Path: path, Value: value}
}
