// Package autoscale watches broker queue depth and scales a worker
// Deployment's replica count within configured bounds. It is grounded on
// jobqueue/scheduler/kubernetes.go's use of k8s.io/client-go against a
// Kubernetes cluster, trimmed down from a full cloud/pod-lifecycle scheduler
// to the one concern spec.md's worker pool (§5) needs: how many worker pods
// should exist right now.
package autoscale

import (
	"context"
	"fmt"
	"time"

	"github.com/inconshreveable/log15"
	deadlock "github.com/sasha-s/go-deadlock"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

// QueueDepthFunc reports how many envelopes are currently waiting per queue
// name. Its implementation is deployment-specific (a broker admin API, a
// statusapi probe against every worker) and deliberately left outside this
// package.
type QueueDepthFunc func(ctx context.Context) (map[string]int, error)

// Config bounds and tunes one Deployment's autoscaling behaviour.
type Config struct {
	Namespace      string
	Deployment     string
	MinReplicas    int32
	MaxReplicas    int32
	// TargetPerReplica is the queue depth, summed across every queue, one
	// replica is expected to absorb before another is added.
	TargetPerReplica int
	PollInterval     time.Duration
}

// Controller polls QueueDepthFunc and keeps a Deployment's replica count near
// the total queue depth divided by Config.TargetPerReplica, the way jobqueue/scheduler/kubernetes.go drives pod
// count from its own request channel, but as a simple proportional poll
// rather than an event-driven controller.
type Controller struct {
	cfg       Config
	clientset kubernetes.Interface
	depthFunc QueueDepthFunc
	log15.Logger

	mu       deadlock.RWMutex
	lastSeen map[string]int
}

// NewController builds a Controller against an already-authenticated
// clientset (teacher code assembles this via client.Kubernetesp.Authenticate;
// this package accepts it directly since in-cluster/kubeconfig discovery is
// the cmd/ entrypoint's concern, not this package's).
func NewController(clientset kubernetes.Interface, cfg Config, depthFunc QueueDepthFunc, logger log15.Logger) *Controller {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 15 * time.Second
	}
	if cfg.MinReplicas < 0 {
		cfg.MinReplicas = 0
	}
	if cfg.MaxReplicas < cfg.MinReplicas {
		cfg.MaxReplicas = cfg.MinReplicas
	}
	if cfg.TargetPerReplica <= 0 {
		cfg.TargetPerReplica = 1
	}

	return &Controller{
		cfg:       cfg,
		clientset: clientset,
		depthFunc: depthFunc,
		Logger:    logger.New("component", "autoscale", "deployment", cfg.Deployment),
	}
}

// Run polls on Config.PollInterval until ctx is cancelled, scaling the
// Deployment each tick. It never returns an error: a failed poll or scale is
// logged and retried next tick, matching the teacher's "log and carry on"
// treatment of background reconciliation loops.
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	c.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			c.Debug("autoscale controller stopping")
			return
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

func (c *Controller) tick(ctx context.Context) {
	depths, err := c.depthFunc(ctx)
	if err != nil {
		c.Warn("queue depth probe failed", "err", err)
		return
	}

	total := 0
	for _, d := range depths {
		total += d
	}

	c.mu.Lock()
	c.lastSeen = depths
	c.mu.Unlock()

	desired := c.desiredReplicas(total)
	if err := c.scaleTo(ctx, desired); err != nil {
		c.Warn("scaling deployment failed", "desired", desired, "err", err)
	}
}

// desiredReplicas applies Config's bounds to the proportional target
// ceil(total / TargetPerReplica).
func (c *Controller) desiredReplicas(total int) int32 {
	replicas := int32((total + c.cfg.TargetPerReplica - 1) / c.cfg.TargetPerReplica)
	if replicas < c.cfg.MinReplicas {
		replicas = c.cfg.MinReplicas
	}
	if replicas > c.cfg.MaxReplicas {
		replicas = c.cfg.MaxReplicas
	}
	return replicas
}

// scaleTo patches the Deployment's replica count if it differs from desired.
func (c *Controller) scaleTo(ctx context.Context, desired int32) error {
	deployments := c.clientset.AppsV1().Deployments(c.cfg.Namespace)

	dep, err := deployments.Get(ctx, c.cfg.Deployment, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return fmt.Errorf("deployment %s/%s not found", c.cfg.Namespace, c.cfg.Deployment)
		}
		return err
	}

	current := int32(1)
	if dep.Spec.Replicas != nil {
		current = *dep.Spec.Replicas
	}
	if current == desired {
		return nil
	}

	c.Info("scaling worker deployment", "from", current, "to", desired)

	scaled := dep.DeepCopy()
	scaled.Spec.Replicas = &desired
	_, err = deployments.Update(ctx, scaled, metav1.UpdateOptions{})
	return err
}

// LastSeen returns the most recently polled per-queue depths, for
// internal/statusapi to surface.
func (c *Controller) LastSeen() map[string]int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]int, len(c.lastSeen))
	for k, v := range c.lastSeen {
		out[k] = v
	}
	return out
}
