package statestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"

	v1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/util/retry"

	"github.com/docent-net/cluster-hibernator/pkg/model"
)

const (
	LabelManagedBy   = "app.kubernetes.io/managed-by"
	AnnotationKey    = "hibernator.docent.net/cluster-key"
	managedByValue   = "cluster-hibernator"
	configMapPrefix  = "hibernator-state-"
	maxConfigMapName = 63
)

// ConfigMap stores one ConfigMap per cluster with one data key per kind. The management
// cluster holding it must outlive the hibernated cluster.
type ConfigMap struct {
	Client    kubernetes.Interface
	Namespace string
}

func NewConfigMap(client kubernetes.Interface, namespace string) *ConfigMap {
	return &ConfigMap{Client: client, Namespace: namespace}
}

// ObjectName derives a DNS-safe name from the cluster key.
func ObjectName(prefix string, id model.ClusterIdentity) string {
	sum := sha256.Sum256([]byte(id.Key()))
	name := prefix + hex.EncodeToString(sum[:])[:16]
	if len(name) > maxConfigMapName {
		name = name[:maxConfigMapName]
	}
	return name
}

func (c *ConfigMap) Save(ctx context.Context, id model.ClusterIdentity, kind Kind, payload []byte) error {
	name := ObjectName(configMapPrefix, id)
	cms := c.Client.CoreV1().ConfigMaps(c.Namespace)

	return retry.RetryOnConflict(retry.DefaultRetry, func() error {
		cm, err := cms.Get(ctx, name, metav1.GetOptions{})
		if apierrors.IsNotFound(err) {
			cm = &v1.ConfigMap{
				ObjectMeta: metav1.ObjectMeta{
					Name:        name,
					Namespace:   c.Namespace,
					Labels:      map[string]string{LabelManagedBy: managedByValue},
					Annotations: map[string]string{AnnotationKey: id.Key()},
				},
				Data: map[string]string{string(kind): string(payload)},
			}
			_, err = cms.Create(ctx, cm, metav1.CreateOptions{})
			if apierrors.IsAlreadyExists(err) {
				// Lost a create race; retry as an update.
				return apierrors.NewConflict(v1.Resource("configmaps"), name, err)
			}
			return err
		}
		if err != nil {
			return fmt.Errorf("fetch state configmap: %w", err)
		}

		if owner := cm.Annotations[AnnotationKey]; owner != "" && owner != id.Key() {
			return fmt.Errorf("state configmap %s belongs to %q", name, owner)
		}

		updated := cm.DeepCopy()
		if updated.Data == nil {
			updated.Data = map[string]string{}
		}
		updated.Data[string(kind)] = string(payload)
		_, err = cms.Update(ctx, updated, metav1.UpdateOptions{})
		if err != nil {
			slog.Debug("State configmap update failed", "configmap", name, "kind", kind, "err", err)
		}
		return err
	})
}

func (c *ConfigMap) Load(ctx context.Context, id model.ClusterIdentity, kind Kind) ([]byte, bool, error) {
	name := ObjectName(configMapPrefix, id)
	cm, err := c.Client.CoreV1().ConfigMaps(c.Namespace).Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("fetch state configmap: %w", err)
	}
	v, ok := cm.Data[string(kind)]
	if !ok {
		return nil, false, nil
	}
	return []byte(v), true, nil
}

func (c *ConfigMap) Close() error { return nil }
