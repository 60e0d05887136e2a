package cluster

import (
	"context"
	"errors"
	"testing"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/swarm"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type fakeDockerAPI struct {
	services []swarm.Service
	tasks    []swarm.Task
	listErr  error
	pingErr  error

	updatedID   string
	updatedSpec swarm.ServiceSpec
	updatedOpts types.ServiceUpdateOptions
	removedID   string
}

func (f *fakeDockerAPI) Ping(context.Context) (types.Ping, error) {
	if f.pingErr != nil {
		return types.Ping{}, f.pingErr
	}
	return types.Ping{}, nil
}

func (f *fakeDockerAPI) ServiceList(context.Context, types.ServiceListOptions) ([]swarm.Service, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.services, nil
}

func (f *fakeDockerAPI) ServiceCreate(_ context.Context, spec swarm.ServiceSpec, _ types.ServiceCreateOptions) (swarm.ServiceCreateResponse, error) {
	return swarm.ServiceCreateResponse{ID: "new-" + spec.Name}, nil
}

func (f *fakeDockerAPI) ServiceUpdate(_ context.Context, id string, _ swarm.Version, spec swarm.ServiceSpec, opts types.ServiceUpdateOptions) (swarm.ServiceUpdateResponse, error) {
	f.updatedID = id
	f.updatedSpec = spec
	f.updatedOpts = opts
	return swarm.ServiceUpdateResponse{}, nil
}

func (f *fakeDockerAPI) ServiceRemove(_ context.Context, id string) error {
	f.removedID = id
	return nil
}

func (f *fakeDockerAPI) TaskList(context.Context, types.TaskListOptions) ([]swarm.Task, error) {
	return f.tasks, nil
}

func newTestClient(api dockerAPI) *Client {
	return &Client{
		api:     api,
		limiter: rate.NewLimiter(rate.Inf, 1),
		logger:  zap.NewNop(),
	}
}

func tenantService(tenantID, image string, replicas uint64, forceCounter uint64) swarm.Service {
	return swarm.Service{
		ID: "svc-" + tenantID,
		Spec: swarm.ServiceSpec{
			Annotations: swarm.Annotations{
				Name:   "wp-" + tenantID,
				Labels: map[string]string{tenantLabel: tenantID},
			},
			TaskTemplate: swarm.TaskSpec{
				ContainerSpec: &swarm.ContainerSpec{Image: image},
				ForceUpdate:   forceCounter,
			},
			Mode: swarm.ServiceMode{
				Replicated: &swarm.ReplicatedService{Replicas: &replicas},
			},
		},
	}
}

func runningTask(state swarm.TaskState) swarm.Task {
	return swarm.Task{Status: swarm.TaskStatus{State: state}}
}

func TestObserveCountsOnlyRunningTasks(t *testing.T) {
	api := &fakeDockerAPI{
		services: []swarm.Service{tenantService("t1", "img:v1", 3, 0)},
		tasks: []swarm.Task{
			runningTask(swarm.TaskStateRunning),
			runningTask(swarm.TaskStateRunning),
			runningTask(swarm.TaskStateStarting),
		},
	}
	c := newTestClient(api)

	obs, err := c.Observe(context.Background(), "t1")
	require.NoError(t, err)

	assert.Equal(t, 2, obs.RunningReplicas)
	assert.Equal(t, 3, obs.DesiredReplicas)
	assert.Equal(t, "img:v1", obs.CurrentImage)
}

func TestObserveAllKeysByTenantLabel(t *testing.T) {
	api := &fakeDockerAPI{
		services: []swarm.Service{
			tenantService("t1", "img:v1", 2, 0),
			tenantService("t2", "img:v2", 1, 0),
		},
		tasks: []swarm.Task{runningTask(swarm.TaskStateRunning)},
	}
	c := newTestClient(api)

	out, err := c.ObserveAll(context.Background())
	require.NoError(t, err)

	require.Len(t, out, 2)
	assert.Equal(t, "img:v1", out["t1"].CurrentImage)
	assert.Equal(t, "img:v2", out["t2"].CurrentImage)
}

func TestObserveMissingServiceReturnsNotFound(t *testing.T) {
	c := newTestClient(&fakeDockerAPI{})

	_, err := c.Observe(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrServiceNotFound)
}

func TestScaleSetsReplicaCount(t *testing.T) {
	api := &fakeDockerAPI{services: []swarm.Service{tenantService("t1", "img:v1", 1, 0)}}
	c := newTestClient(api)

	require.NoError(t, c.Scale(context.Background(), "t1", 0))

	assert.Equal(t, "svc-t1", api.updatedID)
	require.NotNil(t, api.updatedSpec.Mode.Replicated.Replicas)
	assert.Equal(t, uint64(0), *api.updatedSpec.Mode.Replicated.Replicas, "scale to zero is a valid request")
}

func TestUpdateSetsImage(t *testing.T) {
	api := &fakeDockerAPI{services: []swarm.Service{tenantService("t1", "img:v1", 2, 7)}}
	c := newTestClient(api)

	require.NoError(t, c.Update(context.Background(), "t1", "img:v2", false))

	assert.Equal(t, "img:v2", api.updatedSpec.TaskTemplate.ContainerSpec.Image)
	assert.Equal(t, uint64(7), api.updatedSpec.TaskTemplate.ForceUpdate, "no force bump without forcePull")
	assert.False(t, api.updatedOpts.QueryRegistry)
}

func TestUpdateForcePullBumpsForceCounter(t *testing.T) {
	api := &fakeDockerAPI{services: []swarm.Service{tenantService("t1", "img:latest", 2, 7)}}
	c := newTestClient(api)

	require.NoError(t, c.Update(context.Background(), "t1", "img:latest", true))

	// Same tag, but the bumped counter and registry query make the backend
	// re-pull and redeploy anyway.
	assert.Equal(t, uint64(8), api.updatedSpec.TaskTemplate.ForceUpdate)
	assert.True(t, api.updatedOpts.QueryRegistry)
}

func TestRemoveMissingServiceIsNoOp(t *testing.T) {
	api := &fakeDockerAPI{}
	c := newTestClient(api)

	require.NoError(t, c.Remove(context.Background(), "ghost"))
	assert.Empty(t, api.removedID)
}

func TestWrapMapsNotFound(t *testing.T) {
	err := wrap(errdefs.NotFound(errors.New("no such service")))
	assert.ErrorIs(t, err, ErrServiceNotFound)

	assert.NoError(t, wrap(nil))
}

func TestPingMapsConnectionFailure(t *testing.T) {
	api := &fakeDockerAPI{pingErr: client.ErrorConnectionFailed("tcp://127.0.0.1:2375")}
	c := newTestClient(api)

	err := c.Ping(context.Background())
	assert.ErrorIs(t, err, ErrClusterUnavailable)

	api.pingErr = nil
	assert.NoError(t, c.Ping(context.Background()))
}
