// file: pkg/watch/watcher_test.go

package watch

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
	"k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime"

	ecsmv1 "github.com/fx147/ecsm-runtime/pkg/apis/ecsm/v1"
	metav1 "github.com/fx147/ecsm-runtime/pkg/apis/meta/v1"
	"github.com/fx147/ecsm-runtime/pkg/registry"
)

func newTestRegistry(t *testing.T, opts registry.Options) (*registry.Registry, *runtime.Scheme) {
	t.Helper()
	db, err := bolt.Open(filepath.Join(t.TempDir(), "registry.db"), 0600, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	scheme := runtime.NewScheme()
	require.NoError(t, ecsmv1.AddToScheme(scheme))
	reg, err := registry.NewRegistry(db, scheme, opts)
	require.NoError(t, err)
	return reg, scheme
}

func createService(t *testing.T, reg *registry.Registry, namespace, name string) *ecsmv1.ECSMService {
	t.Helper()
	svc := &ecsmv1.ECSMService{
		ObjectMeta: metav1.ObjectMeta{Namespace: namespace, Name: name},
		Spec: ecsmv1.ECSMServiceSpec{
			Template: ecsmv1.ContainerTemplateSpec{Image: name + "@1.0"},
		},
	}
	require.NoError(t, reg.Create(context.Background(), svc))
	return svc
}

func nextEvent(t *testing.T, ch <-chan registry.Event) registry.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
	}
	return registry.Event{}
}

func TestWatcherSeedsThenStreams(t *testing.T) {
	reg, scheme := newTestRegistry(t, registry.Options{})
	createService(t, reg, "default", "app-one")
	createService(t, reg, "default", "app-two")

	events := make(chan registry.Event, 64)
	w := New(reg, scheme, &ecsmv1.ECSMService{}, &ecsmv1.ECSMServiceList{},
		func(ev registry.Event) { events <- ev }, nil, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	// List 播种：已有对象以 Added 的形式交付
	seeded := map[string]bool{}
	for i := 0; i < 2; i++ {
		ev := nextEvent(t, events)
		assert.Equal(t, registry.Added, ev.Type)
		seeded[ev.Key] = true
	}
	assert.True(t, seeded["default/app-one"])
	assert.True(t, seeded["default/app-two"])

	// 播种之后的写入走流式交付，不重复不遗漏
	third := createService(t, reg, "default", "app-three")
	ev := nextEvent(t, events)
	assert.Equal(t, registry.Added, ev.Type)
	assert.Equal(t, "default/app-three", ev.Key)

	third.Spec.Template.Image = "app-three@2.0"
	require.NoError(t, reg.Update(ctx, third))
	ev = nextEvent(t, events)
	assert.Equal(t, registry.Modified, ev.Type)
	assert.Equal(t, "default/app-three", ev.Key)

	assert.False(t, w.LastActive().IsZero())
}

func TestWatcherNamespaceScoped(t *testing.T) {
	reg, scheme := newTestRegistry(t, registry.Options{})
	createService(t, reg, "default", "app-one")
	createService(t, reg, "production", "app-two")

	events := make(chan registry.Event, 64)
	w := New(reg, scheme, &ecsmv1.ECSMService{}, &ecsmv1.ECSMServiceList{},
		func(ev registry.Event) { events <- ev }, nil, Options{Namespace: "production"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rv, err := w.relist(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, rv)

	ev := nextEvent(t, events)
	assert.Equal(t, "production/app-two", ev.Key)
	assert.Empty(t, events, "out-of-namespace objects must not be seeded")
}

func TestWatcherSynthesizesTombstones(t *testing.T) {
	reg, scheme := newTestRegistry(t, registry.Options{})
	createService(t, reg, "default", "app-one")

	// 消费方以为还有一个 "default/gone"，但列表里已经没有它了
	knownKeys := func() []string { return []string{"default/app-one", "default/gone"} }

	events := make(chan registry.Event, 64)
	w := New(reg, scheme, &ecsmv1.ECSMService{}, &ecsmv1.ECSMServiceList{},
		func(ev registry.Event) { events <- ev }, knownKeys, Options{})

	rv, err := w.relist(context.Background())
	require.NoError(t, err)

	ev := nextEvent(t, events)
	require.Equal(t, registry.Added, ev.Type)
	require.Equal(t, "default/app-one", ev.Key)

	// 合成的 tombstone：Deleted 类型，骨架对象带上 key 和快照版本
	ev = nextEvent(t, events)
	assert.Equal(t, registry.Deleted, ev.Type)
	assert.Equal(t, "default/gone", ev.Key)
	assert.Equal(t, rv, ev.ResourceVersion)

	tombstone, ok := ev.Object.(*ecsmv1.ECSMService)
	require.True(t, ok)
	assert.Equal(t, "default", tombstone.Namespace)
	assert.Equal(t, "gone", tombstone.Name)
}

func TestWatcherStreamReportsExpiredResumePoint(t *testing.T) {
	// 窗口极小：老的恢复点很快就会被挤出
	reg, scheme := newTestRegistry(t, registry.Options{WatchWindowSize: 1})
	createService(t, reg, "default", "a")
	createService(t, reg, "default", "b")
	createService(t, reg, "default", "c")

	w := New(reg, scheme, &ecsmv1.ECSMService{}, &ecsmv1.ECSMServiceList{},
		func(ev registry.Event) {}, nil, Options{})

	err := w.stream(context.Background(), "0")
	require.Error(t, err)
	assert.True(t, errors.IsResourceExpired(err), "expected ResourceExpired, got %v", err)
}

func TestWatcherReconnectBackoffDoublesToCap(t *testing.T) {
	reg, scheme := newTestRegistry(t, registry.Options{})
	w := New(reg, scheme, &ecsmv1.ECSMService{}, &ecsmv1.ECSMServiceList{},
		func(ev registry.Event) {}, nil,
		Options{BackoffBase: time.Millisecond, BackoffCap: 4 * time.Millisecond})

	ctx := context.Background()
	backoff := w.opts.BackoffBase
	expected := []time.Duration{2 * time.Millisecond, 4 * time.Millisecond, 4 * time.Millisecond}
	for i, want := range expected {
		backoff = w.sleep(ctx, backoff)
		assert.Equal(t, want, backoff, "step %d", i+1)
	}
}

func TestWatcherPeriodicResync(t *testing.T) {
	reg, scheme := newTestRegistry(t, registry.Options{})
	createService(t, reg, "default", "app-one")

	events := make(chan registry.Event, 64)
	w := New(reg, scheme, &ecsmv1.ECSMService{}, &ecsmv1.ECSMServiceList{},
		func(ev registry.Event) { events <- ev }, nil,
		Options{ResyncInterval: 50 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	// 同一个对象被播种至少两次：第一次是启动 List，第二次来自周期性 resync
	deadline := time.After(3 * time.Second)
	seeds := 0
	for seeds < 2 {
		select {
		case ev := <-events:
			if ev.Type == registry.Added && ev.Key == "default/app-one" {
				seeds++
			}
		case <-deadline:
			t.Fatalf("periodic resync did not reseed (got %d seeds)", seeds)
		}
	}
}
