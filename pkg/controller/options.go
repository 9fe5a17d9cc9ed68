package controller

import (
	"github.com/docent-net/cluster-hibernator/pkg/lock"
	"github.com/docent-net/cluster-hibernator/pkg/model"
	"github.com/docent-net/cluster-hibernator/pkg/notify"
)

type Option func(*Controller)

func WithLocker(l lock.Locker) Option {
	return func(c *Controller) {
		c.Locker = l
	}
}

func WithNotifier(n notify.Notifier) Option {
	return func(c *Controller) {
		c.Notifier = n
	}
}

// WithHolder sets the identity recorded on the cluster lease.
func WithHolder(holder string) Option {
	return func(c *Controller) {
		c.Holder = holder
	}
}

// WithPhaseHook registers fn to run after every persisted phase.
func WithPhaseHook(fn func(model.Phase)) Option {
	return func(c *Controller) {
		c.afterPhase = fn
	}
}
