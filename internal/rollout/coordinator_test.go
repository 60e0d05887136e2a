package rollout

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pressfleet/pressfleet/internal/cluster"
	"github.com/pressfleet/pressfleet/internal/config"
	"github.com/pressfleet/pressfleet/internal/db"
)

type fakeRegistry struct {
	mu      sync.Mutex
	tenants []*db.Tenant
	images  map[string]string
	listErr error
}

func (f *fakeRegistry) ListActiveTenants() ([]*db.Tenant, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	active := []*db.Tenant{}
	for _, t := range f.tenants {
		if t.IsActive {
			active = append(active, t)
		}
	}
	return active, nil
}

func (f *fakeRegistry) SetImage(id, image string) (*db.Tenant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.images == nil {
		f.images = map[string]string{}
	}
	f.images[id] = image
	return &db.Tenant{ID: id, Image: image}, nil
}

type updateCall struct {
	tenantID string
	image    string
	force    bool
}

type fakeBackend struct {
	mu           sync.Mutex
	observations map[string]*cluster.Observation
	stableErrs   map[string]error
	updates      []updateCall

	// when set, Update signals started once and blocks until proceed closes
	started chan struct{}
	proceed chan struct{}
	once    sync.Once
}

func (f *fakeBackend) Observe(_ context.Context, tenantID string) (*cluster.Observation, error) {
	if obs, ok := f.observations[tenantID]; ok {
		return obs, nil
	}
	return nil, cluster.ErrServiceNotFound
}

func (f *fakeBackend) Update(ctx context.Context, tenantID, image string, force bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	f.updates = append(f.updates, updateCall{tenantID, image, force})
	f.mu.Unlock()
	if f.started != nil {
		f.once.Do(func() { close(f.started) })
		<-f.proceed
	}
	return nil
}

func (f *fakeBackend) WaitStable(_ context.Context, tenantID, _ string, _, _ time.Duration) error {
	if err, ok := f.stableErrs[tenantID]; ok {
		return err
	}
	return nil
}

type memLock struct {
	mu   sync.Mutex
	held bool
}

func (l *memLock) TryAcquire(context.Context) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return nil, false, nil
	}
	l.held = true
	return func() {
		l.mu.Lock()
		l.held = false
		l.mu.Unlock()
	}, true, nil
}

func testConfig() config.RolloutConfig {
	return config.RolloutConfig{
		StableTimeout: time.Second,
		PollInterval:  time.Millisecond,
		SkipIfCurrent: true,
	}
}

func tenant(id, image string) *db.Tenant {
	return &db.Tenant{ID: id, Subdomain: id, Image: image, IsActive: true, DesiredReplicas: 2}
}

func newTestCoordinator(reg *fakeRegistry, be *fakeBackend, cfg config.RolloutConfig) *Coordinator {
	return NewCoordinator(reg, be, &memLock{}, nil, zap.NewNop(), cfg)
}

func TestApplyUpdatesAllActiveTenantsInOrder(t *testing.T) {
	reg := &fakeRegistry{tenants: []*db.Tenant{tenant("a", "img:v1"), tenant("b", "img:v1"), tenant("c", "img:v1")}}
	be := &fakeBackend{observations: map[string]*cluster.Observation{
		"a": {CurrentImage: "img:v1"},
		"b": {CurrentImage: "img:v1"},
		"c": {CurrentImage: "img:v1"},
	}}
	coord := newTestCoordinator(reg, be, testConfig())

	result, err := coord.Apply(context.Background(), "img:v2", false)
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, []string{"a", "b", "c"}, result.ServicesUpdated)
	assert.Empty(t, result.Errors)

	require.Len(t, be.updates, 3)
	assert.Equal(t, "a", be.updates[0].tenantID)
	assert.Equal(t, "b", be.updates[1].tenantID)
	assert.Equal(t, "c", be.updates[2].tenantID)

	for _, id := range []string{"a", "b", "c"} {
		assert.Equal(t, "img:v2", reg.images[id])
	}
}

func TestApplyPartialFailureContinuesAndAdvancesOnlySucceeded(t *testing.T) {
	reg := &fakeRegistry{tenants: []*db.Tenant{tenant("a", "img:v1"), tenant("b", "img:v1"), tenant("c", "img:v1")}}
	be := &fakeBackend{
		observations: map[string]*cluster.Observation{
			"a": {CurrentImage: "img:v1"},
			"b": {CurrentImage: "img:v1"},
			"c": {CurrentImage: "img:v1"},
		},
		stableErrs: map[string]error{"b": fmt.Errorf("%w: tenant b after 1s", cluster.ErrNotStable)},
	}
	coord := newTestCoordinator(reg, be, testConfig())

	result, err := coord.Apply(context.Background(), "img:v2", false)
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, []string{"a", "c"}, result.ServicesUpdated)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "b:")

	assert.Equal(t, "img:v2", reg.images["a"])
	assert.Equal(t, "img:v2", reg.images["c"])
	_, advanced := reg.images["b"]
	assert.False(t, advanced, "failed tenant must keep its old registry image for precise retry")
}

func TestApplySkipsTenantsAlreadyOnTargetImage(t *testing.T) {
	reg := &fakeRegistry{tenants: []*db.Tenant{tenant("a", "img:v2"), tenant("b", "img:v1")}}
	be := &fakeBackend{observations: map[string]*cluster.Observation{
		"a": {CurrentImage: "img:v2"},
		"b": {CurrentImage: "img:v1"},
	}}
	coord := newTestCoordinator(reg, be, testConfig())

	result, err := coord.Apply(context.Background(), "img:v2", false)
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, []string{"b"}, result.ServicesUpdated)
	require.Len(t, be.updates, 1)
	assert.Equal(t, "b", be.updates[0].tenantID)
}

func TestApplyForceAlwaysReissuesUpdate(t *testing.T) {
	reg := &fakeRegistry{tenants: []*db.Tenant{tenant("a", "img:v2")}}
	be := &fakeBackend{observations: map[string]*cluster.Observation{
		"a": {CurrentImage: "img:v2"},
	}}
	coord := newTestCoordinator(reg, be, testConfig())

	result, err := coord.Apply(context.Background(), "img:v2", true)
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, []string{"a"}, result.ServicesUpdated)
	require.Len(t, be.updates, 1)
	assert.True(t, be.updates[0].force, "force must reach the backend for mutable tags")
}

func TestApplyFinishesAfterCallerContextCancelled(t *testing.T) {
	reg := &fakeRegistry{tenants: []*db.Tenant{tenant("a", "img:v1"), tenant("b", "img:v1")}}
	be := &fakeBackend{observations: map[string]*cluster.Observation{
		"a": {CurrentImage: "img:v1"},
		"b": {CurrentImage: "img:v1"},
	}}
	coord := newTestCoordinator(reg, be, testConfig())

	// An admin client that disconnects must not abort the remaining tenants.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := coord.Apply(ctx, "img:v2", false)
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, []string{"a", "b"}, result.ServicesUpdated)
	assert.Empty(t, result.Errors)
}

func TestApplyLockedRunsWhileCallerHoldsLock(t *testing.T) {
	reg := &fakeRegistry{tenants: []*db.Tenant{tenant("a", "img:v1")}}
	be := &fakeBackend{observations: map[string]*cluster.Observation{
		"a": {CurrentImage: "img:v1"},
	}}
	lock := &memLock{}
	coord := NewCoordinator(reg, be, lock, nil, zap.NewNop(), testConfig())

	release, ok, err := lock.TryAcquire(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	defer release()

	result, err := coord.ApplyLocked(context.Background(), "img:v2", false)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, []string{"a"}, result.ServicesUpdated)
}

func TestApplyConcurrentRunsExactlyOneWinsLock(t *testing.T) {
	reg := &fakeRegistry{tenants: []*db.Tenant{tenant("a", "img:v1")}}
	be := &fakeBackend{
		observations: map[string]*cluster.Observation{"a": {CurrentImage: "img:v1"}},
		started:      make(chan struct{}),
		proceed:      make(chan struct{}),
	}
	coord := newTestCoordinator(reg, be, testConfig())

	firstDone := make(chan error, 1)
	go func() {
		_, err := coord.Apply(context.Background(), "img:v2", false)
		firstDone <- err
	}()

	// Wait until the first run is inside the backend call, then race it.
	<-be.started
	_, err := coord.Apply(context.Background(), "img:v2", false)
	assert.ErrorIs(t, err, ErrUpdateInProgress)

	close(be.proceed)
	require.NoError(t, <-firstDone)
}

func TestUpdatingReportsInFlightTenantOnly(t *testing.T) {
	reg := &fakeRegistry{tenants: []*db.Tenant{}}
	be := &fakeBackend{}
	coord := newTestCoordinator(reg, be, testConfig())

	assert.False(t, coord.Updating("a"))
	coord.setCurrent("a")
	assert.True(t, coord.Updating("a"))
	assert.False(t, coord.Updating("b"))
	coord.setCurrent("")
	assert.False(t, coord.Updating("a"))
}
