package cluster

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/swarm"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/pressfleet/pressfleet/internal/metrics"
)

var (
	// ErrClusterUnavailable means the backend could not be reached. Callers
	// must treat the observation as unknown, never as zero replicas.
	ErrClusterUnavailable = errors.New("cluster backend unavailable")
	ErrServiceNotFound    = errors.New("service not found")
	ErrNotStable          = errors.New("service did not stabilize in time")
)

const tenantLabel = "com.pressfleet.tenant"

// Observation is a best-effort snapshot of one tenant's service. It may lag
// the cluster by the backend's own propagation delay.
type Observation struct {
	RunningReplicas int       `json:"running_replicas"`
	DesiredReplicas int       `json:"desired_replicas"`
	CurrentImage    string    `json:"current_image"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// ServiceSpec describes the service created for a newly provisioned tenant.
type ServiceSpec struct {
	TenantID  string
	Subdomain string
	Image     string
	Replicas  int
	Env       []string
}

// dockerAPI is the slice of the docker client the adapter needs.
type dockerAPI interface {
	Ping(ctx context.Context) (types.Ping, error)
	ServiceList(ctx context.Context, options types.ServiceListOptions) ([]swarm.Service, error)
	ServiceCreate(ctx context.Context, service swarm.ServiceSpec, options types.ServiceCreateOptions) (swarm.ServiceCreateResponse, error)
	ServiceUpdate(ctx context.Context, serviceID string, version swarm.Version, service swarm.ServiceSpec, options types.ServiceUpdateOptions) (swarm.ServiceUpdateResponse, error)
	ServiceRemove(ctx context.Context, serviceID string) error
	TaskList(ctx context.Context, options types.TaskListOptions) ([]swarm.Task, error)
}

// Client talks to the swarm backend for every mutating and observing call the
// control plane makes. All calls share one rate limiter so reconciliation
// bursts cannot starve admin actions.
type Client struct {
	api     dockerAPI
	limiter *rate.Limiter
	metrics *metrics.Collector
	logger  *zap.Logger
}

func NewClient(host string, rps float64, burst int, m *metrics.Collector, logger *zap.Logger) (*Client, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}

	api, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return &Client{
		api:     api,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		metrics: m,
		logger:  logger,
	}, nil
}

func serviceName(subdomain string) string {
	return "wp-" + subdomain
}

func (c *Client) count(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.metrics.ClusterRequest(op, result)
}

func wrap(err error) error {
	if err == nil {
		return nil
	}
	if client.IsErrConnectionFailed(err) {
		return fmt.Errorf("%w: %v", ErrClusterUnavailable, err)
	}
	if errdefs.IsNotFound(err) {
		return fmt.Errorf("%w: %v", ErrServiceNotFound, err)
	}
	return err
}

func (c *Client) findService(ctx context.Context, tenantID string) (*swarm.Service, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	args := filters.NewArgs(filters.Arg("label", tenantLabel+"="+tenantID))
	services, err := c.api.ServiceList(ctx, types.ServiceListOptions{Filters: args})
	if err != nil {
		return nil, wrap(err)
	}
	if len(services) == 0 {
		return nil, fmt.Errorf("%w: tenant %s", ErrServiceNotFound, tenantID)
	}
	return &services[0], nil
}

func (c *Client) runningTasks(ctx context.Context, serviceID string) (int, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, err
	}

	args := filters.NewArgs(
		filters.Arg("service", serviceID),
		filters.Arg("desired-state", "running"),
	)
	tasks, err := c.api.TaskList(ctx, types.TaskListOptions{Filters: args})
	if err != nil {
		return 0, wrap(err)
	}

	running := 0
	for _, task := range tasks {
		if task.Status.State == swarm.TaskStateRunning {
			running++
		}
	}
	return running, nil
}

// Ping verifies the backend is reachable, for readiness checks.
func (c *Client) Ping(ctx context.Context) (err error) {
	defer func() { c.count("ping", err) }()

	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	if _, err := c.api.Ping(ctx); err != nil {
		return wrap(err)
	}
	return nil
}

// Observe reads the live state of one tenant's service.
func (c *Client) Observe(ctx context.Context, tenantID string) (obs *Observation, err error) {
	defer func() { c.count("observe", err) }()

	svc, err := c.findService(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	running, err := c.runningTasks(ctx, svc.ID)
	if err != nil {
		return nil, err
	}

	return observationFrom(svc, running), nil
}

// ObserveAll reads every tenant service in one backend round trip plus one
// task listing per service.
func (c *Client) ObserveAll(ctx context.Context) (map[string]*Observation, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	args := filters.NewArgs(filters.Arg("label", tenantLabel))
	services, err := c.api.ServiceList(ctx, types.ServiceListOptions{Filters: args})
	if err != nil {
		return nil, wrap(err)
	}

	out := make(map[string]*Observation, len(services))
	for i := range services {
		svc := &services[i]
		tenantID := svc.Spec.Labels[tenantLabel]
		if tenantID == "" {
			continue
		}
		running, err := c.runningTasks(ctx, svc.ID)
		if err != nil {
			c.logger.Warn("failed to list tasks for service",
				zap.String("service", svc.Spec.Name),
				zap.Error(err),
			)
			continue
		}
		out[tenantID] = observationFrom(svc, running)
	}
	return out, nil
}

func observationFrom(svc *swarm.Service, running int) *Observation {
	desired := 0
	if svc.Spec.Mode.Replicated != nil && svc.Spec.Mode.Replicated.Replicas != nil {
		desired = int(*svc.Spec.Mode.Replicated.Replicas)
	}
	image := ""
	if svc.Spec.TaskTemplate.ContainerSpec != nil {
		image = svc.Spec.TaskTemplate.ContainerSpec.Image
	}
	return &Observation{
		RunningReplicas: running,
		DesiredReplicas: desired,
		CurrentImage:    image,
		CreatedAt:       svc.CreatedAt,
		UpdatedAt:       svc.UpdatedAt,
	}
}

// Scale sets the service's replica count. Scaling an already converged
// service, including to zero, is an idempotent no-op on the backend side.
func (c *Client) Scale(ctx context.Context, tenantID string, replicas int) (err error) {
	defer func() { c.count("scale", err) }()

	svc, err := c.findService(ctx, tenantID)
	if err != nil {
		return err
	}

	n := uint64(replicas)
	spec := svc.Spec
	if spec.Mode.Replicated == nil {
		spec.Mode = swarm.ServiceMode{Replicated: &swarm.ReplicatedService{}}
	}
	spec.Mode.Replicated.Replicas = &n

	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	resp, err := c.api.ServiceUpdate(ctx, svc.ID, svc.Version, spec, types.ServiceUpdateOptions{})
	if err != nil {
		return wrap(err)
	}
	for _, warn := range resp.Warnings {
		c.logger.Warn("scale warning", zap.String("tenant_id", tenantID), zap.String("warning", warn))
	}
	return nil
}

// Update applies a new image to the tenant's service. With forcePull the task
// template's force counter is bumped and the registry re-queried, so a
// mutable tag like :latest is re-pulled even when the reference is unchanged.
func (c *Client) Update(ctx context.Context, tenantID, image string, forcePull bool) (err error) {
	defer func() { c.count("update", err) }()

	svc, err := c.findService(ctx, tenantID)
	if err != nil {
		return err
	}

	spec := svc.Spec
	if spec.TaskTemplate.ContainerSpec == nil {
		spec.TaskTemplate.ContainerSpec = &swarm.ContainerSpec{}
	}
	spec.TaskTemplate.ContainerSpec.Image = image
	if forcePull {
		spec.TaskTemplate.ForceUpdate++
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	resp, err := c.api.ServiceUpdate(ctx, svc.ID, svc.Version, spec, types.ServiceUpdateOptions{
		QueryRegistry: forcePull,
	})
	if err != nil {
		return wrap(err)
	}
	for _, warn := range resp.Warnings {
		c.logger.Warn("update warning", zap.String("tenant_id", tenantID), zap.String("warning", warn))
	}
	return nil
}

// WaitStable polls until the service runs the wanted image with all replicas
// up, or the timeout elapses.
func (c *Client) WaitStable(ctx context.Context, tenantID, image string, timeout, poll time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		obs, err := c.Observe(ctx, tenantID)
		if err == nil && obs.CurrentImage == image && obs.RunningReplicas == obs.DesiredReplicas {
			return nil
		}
		if err != nil {
			c.logger.Debug("observation failed while waiting for stability",
				zap.String("tenant_id", tenantID),
				zap.Error(err),
			)
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("%w: tenant %s after %s", ErrNotStable, tenantID, timeout)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Create provisions the swarm service for a new tenant.
func (c *Client) Create(ctx context.Context, spec ServiceSpec) (err error) {
	defer func() { c.count("create", err) }()
	replicas := uint64(spec.Replicas)
	serviceSpec := swarm.ServiceSpec{
		Annotations: swarm.Annotations{
			Name:   serviceName(spec.Subdomain),
			Labels: map[string]string{tenantLabel: spec.TenantID},
		},
		TaskTemplate: swarm.TaskSpec{
			ContainerSpec: &swarm.ContainerSpec{
				Image: spec.Image,
				Env:   spec.Env,
			},
			RestartPolicy: &swarm.RestartPolicy{
				Condition: swarm.RestartPolicyConditionAny,
			},
		},
		Mode: swarm.ServiceMode{
			Replicated: &swarm.ReplicatedService{Replicas: &replicas},
		},
		EndpointSpec: &swarm.EndpointSpec{Mode: swarm.ResolutionModeVIP},
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	resp, err := c.api.ServiceCreate(ctx, serviceSpec, types.ServiceCreateOptions{QueryRegistry: true})
	if err != nil {
		return wrap(err)
	}
	c.logger.Info("service created",
		zap.String("tenant_id", spec.TenantID),
		zap.String("service_id", resp.ID),
	)
	return nil
}

// Remove tears down the tenant's service. Missing services are fine, teardown
// is idempotent.
func (c *Client) Remove(ctx context.Context, tenantID string) (err error) {
	defer func() { c.count("remove", err) }()

	svc, err := c.findService(ctx, tenantID)
	if errors.Is(err, ErrServiceNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	if err := c.api.ServiceRemove(ctx, svc.ID); err != nil {
		return wrap(err)
	}
	return nil
}
