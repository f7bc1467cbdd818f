// file: pkg/controller/controller_test.go

package controller

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
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

func newTestRegistry(t *testing.T) (*registry.Registry, *runtime.Scheme) {
	t.Helper()
	db, err := bolt.Open(filepath.Join(t.TempDir(), "registry.db"), 0600, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	scheme := runtime.NewScheme()
	require.NoError(t, ecsmv1.AddToScheme(scheme))
	reg, err := registry.NewRegistry(db, scheme, registry.Options{})
	require.NoError(t, err)
	return reg, scheme
}

func newService(name, image string) *ecsmv1.ECSMService {
	return &ecsmv1.ECSMService{
		ObjectMeta: metav1.ObjectMeta{Namespace: "default", Name: name},
		Spec: ecsmv1.ECSMServiceSpec{
			Template: ecsmv1.ContainerTemplateSpec{Image: image},
		},
	}
}

// recorder 记录调谐回调收到的负载。
type recorder struct {
	mu     sync.Mutex
	images []string
}

func (r *recorder) record(obj runtime.Object) {
	svc := obj.(*ecsmv1.ECSMService)
	r.mu.Lock()
	r.images = append(r.images, svc.Spec.Template.Image)
	r.mu.Unlock()
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.images)
}

func (r *recorder) last() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.images) == 0 {
		return ""
	}
	return r.images[len(r.images)-1]
}

func startController(t *testing.T, c *Controller) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", timeout, msg)
}

func TestControllerReconcilesOnSemanticChange(t *testing.T) {
	reg, scheme := newTestRegistry(t)
	rec := &recorder{}

	ctrl := New(reg, scheme, &ecsmv1.ECSMService{}, &ecsmv1.ECSMServiceList{},
		func(ctx context.Context, obj runtime.Object) error {
			rec.record(obj)
			return nil
		}, nil,
		Options{Name: "test", Workers: 1, BackoffBase: 5 * time.Millisecond})
	startController(t, ctrl)

	ctx := context.Background()
	svc := newService("app-one", "app@1.0")
	require.NoError(t, reg.Create(ctx, svc))

	eventually(t, 3*time.Second, func() bool { return rec.count() == 1 }, "create should trigger one reconcile")
	assert.Equal(t, "app@1.0", rec.last())

	// 无语义变化的写入（回声）不触发调谐
	echo := &ecsmv1.ECSMService{}
	require.NoError(t, reg.Get(ctx, "default", "app-one", echo))
	echo.Status.Replicas = 7
	require.NoError(t, reg.UpdateStatus(ctx, echo))

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, rec.count(), "a no-op event must not trigger reconcile")

	// spec 变化触发调谐，负载是新状态
	require.NoError(t, reg.Get(ctx, "default", "app-one", echo))
	echo.Spec.Template.Image = "app@2.0"
	require.NoError(t, reg.Update(ctx, echo))

	eventually(t, 3*time.Second, func() bool { return rec.count() == 2 }, "spec change should trigger reconcile")
	assert.Equal(t, "app@2.0", rec.last())
}

func TestControllerRetriesThenSucceeds(t *testing.T) {
	reg, scheme := newTestRegistry(t)

	var mu sync.Mutex
	calls := 0
	ctrl := New(reg, scheme, &ecsmv1.ECSMService{}, &ecsmv1.ECSMServiceList{},
		func(ctx context.Context, obj runtime.Object) error {
			mu.Lock()
			calls++
			n := calls
			mu.Unlock()
			if n < 3 {
				return fmt.Errorf("transient failure %d", n)
			}
			return nil
		}, nil,
		Options{Name: "test", Workers: 1, BackoffBase: 2 * time.Millisecond, BackoffCap: 5 * time.Millisecond})
	startController(t, ctrl)

	require.NoError(t, reg.Create(context.Background(), newService("app-one", "app@1.0")))

	eventually(t, 3*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 3
	}, "reconcile should back off and retry until success")
}

func TestControllerDropsOnFatalError(t *testing.T) {
	reg, scheme := newTestRegistry(t)

	var mu sync.Mutex
	calls := 0
	ctrl := New(reg, scheme, &ecsmv1.ECSMService{}, &ecsmv1.ECSMServiceList{},
		func(ctx context.Context, obj runtime.Object) error {
			mu.Lock()
			calls++
			mu.Unlock()
			return NewFatalError(fmt.Errorf("broken beyond retry"))
		}, nil,
		Options{Name: "test", Workers: 1, BackoffBase: 2 * time.Millisecond})
	startController(t, ctrl)

	require.NoError(t, reg.Create(context.Background(), newService("app-one", "app@1.0")))

	eventually(t, 3*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 1
	}, "fatal reconcile should run once")
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls, "fatal errors must not be retried")
}

func TestControllerFinalizerLifecycle(t *testing.T) {
	reg, scheme := newTestRegistry(t)
	const mark = "ecsm.sh/test-cleanup"

	var mu sync.Mutex
	finalizeCalls := 0
	ctrl := New(reg, scheme, &ecsmv1.ECSMService{}, &ecsmv1.ECSMServiceList{},
		func(ctx context.Context, obj runtime.Object) error { return nil },
		func(ctx context.Context, obj runtime.Object) error {
			mu.Lock()
			finalizeCalls++
			n := finalizeCalls
			mu.Unlock()
			if n <= 3 {
				return fmt.Errorf("cleanup not done yet (call %d)", n)
			}
			return nil
		},
		Options{
			Name:          "test",
			FinalizerName: mark,
			Workers:       1,
			BackoffBase:   2 * time.Millisecond,
			BackoffCap:    5 * time.Millisecond,
			// 重试上限比清理需要的次数小：finalize 路径必须不受它约束
			MaxRetries: 2,
		})
	startController(t, ctrl)

	ctx := context.Background()
	require.NoError(t, reg.Create(ctx, newService("app-one", "app@1.0")))

	// 第一次调谐之前 finalizer 被打上
	eventually(t, 3*time.Second, func() bool {
		stored := &ecsmv1.ECSMService{}
		if err := reg.Get(ctx, "default", "app-one", stored); err != nil {
			return false
		}
		return stored.HasFinalizer(mark)
	}, "finalizer should be added before the first reconcile")

	require.NoError(t, reg.Delete(ctx, "default", "app-one", &ecsmv1.ECSMService{}))

	// 清理失败 3 次后成功，对象随之被物理删除
	eventually(t, 5*time.Second, func() bool {
		err := reg.Get(ctx, "default", "app-one", &ecsmv1.ECSMService{})
		return errors.IsNotFound(err)
	}, "object should be physically deleted once cleanup succeeds")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 4, finalizeCalls, "cleanup runs until it succeeds, unbounded by MaxRetries")
}

func TestControllerHealthy(t *testing.T) {
	reg, scheme := newTestRegistry(t)
	ctrl := New(reg, scheme, &ecsmv1.ECSMService{}, &ecsmv1.ECSMServiceList{},
		func(ctx context.Context, obj runtime.Object) error { return nil }, nil,
		Options{Name: "test"})

	// 不在任期内：没有需要健康的东西
	assert.True(t, ctrl.Healthy(time.Second))

	startController(t, ctrl)
	eventually(t, 3*time.Second, func() bool { return ctrl.Healthy(time.Hour) },
		"a freshly seeded watcher should report healthy")
}
