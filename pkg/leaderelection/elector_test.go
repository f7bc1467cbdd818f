// file: pkg/leaderelection/elector_test.go

package leaderelection

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
	"k8s.io/apimachinery/pkg/runtime"

	ecsmv1 "github.com/fx147/ecsm-runtime/pkg/apis/ecsm/v1"
	"github.com/fx147/ecsm-runtime/pkg/registry"
)

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	db, err := bolt.Open(filepath.Join(t.TempDir(), "registry.db"), 0600, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	scheme := runtime.NewScheme()
	require.NoError(t, ecsmv1.AddToScheme(scheme))
	reg, err := registry.NewRegistry(db, scheme, registry.Options{})
	require.NoError(t, err)
	return reg
}

// fastOptions 把选举时标压缩到测试友好的量级。
func fastOptions(identity string) Options {
	return Options{
		LeaseName:     "test-lease",
		Identity:      identity,
		LeaseDuration: time.Second,
		RenewInterval: 50 * time.Millisecond,
		RetryPeriod:   25 * time.Millisecond,
	}
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

func TestElectorAcquiresAndReleases(t *testing.T) {
	reg := newTestRegistry(t)

	started := make(chan struct{})
	stopped := make(chan struct{})
	elector, err := New(reg, Callbacks{
		OnStartedLeading: func(ctx context.Context) {
			close(started)
			<-ctx.Done()
		},
		OnStoppedLeading: func() { close(stopped) },
	}, fastOptions("node-a"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		elector.Run(ctx)
	}()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatalf("elector failed to acquire an uncontested lease")
	}
	assert.True(t, elector.IsLeader())

	lease, err := reg.GetLease(ctx, "test-lease")
	require.NoError(t, err)
	assert.Equal(t, "node-a", lease.HolderIdentity)

	cancel()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatalf("OnStoppedLeading was not called on shutdown")
	}
	<-done
	assert.Equal(t, Standby, elector.State())

	// 退出时尽力释放了 lease，后继者不必等过期
	lease, err = reg.GetLease(context.Background(), "test-lease")
	require.NoError(t, err)
	assert.Empty(t, lease.HolderIdentity)
}

func TestElectorMutualExclusion(t *testing.T) {
	reg := newTestRegistry(t)

	var (
		mu      sync.Mutex
		leaders int
		maxSeen int
		terms   int
	)
	makeCallbacks := func() Callbacks {
		return Callbacks{
			OnStartedLeading: func(ctx context.Context) {
				mu.Lock()
				leaders++
				terms++
				if leaders > maxSeen {
					maxSeen = leaders
				}
				mu.Unlock()
				<-ctx.Done()
				mu.Lock()
				leaders--
				mu.Unlock()
			},
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		elector, err := New(reg, makeCallbacks(), fastOptions(fmt.Sprintf("node-%d", i)))
		require.NoError(t, err)
		wg.Add(1)
		go func() {
			defer wg.Done()
			elector.Run(ctx)
		}()
	}

	eventually(t, 3*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return terms >= 1
	}, "someone should win the election")

	// 让三个实例再竞争一会儿
	time.Sleep(300 * time.Millisecond)
	cancel()
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, maxSeen, "at most one instance may lead at any moment")
}

// flakyLeaseClient 包装 LeaseInterface，可以按开关让续约写入失败。
type flakyLeaseClient struct {
	registry.LeaseInterface
	failWrites atomic.Bool
}

func (f *flakyLeaseClient) UpdateLease(ctx context.Context, lease *registry.LeaseRecord) (*registry.LeaseRecord, error) {
	if f.failWrites.Load() {
		return nil, fmt.Errorf("injected write failure")
	}
	return f.LeaseInterface.UpdateLease(ctx, lease)
}

func TestElectorRelinquishesOnRenewalFailure(t *testing.T) {
	reg := newTestRegistry(t)
	client := &flakyLeaseClient{LeaseInterface: reg}

	started := make(chan struct{}, 2)
	stopped := make(chan struct{}, 1)
	elector, err := New(client, Callbacks{
		OnStartedLeading: func(ctx context.Context) {
			select {
			case started <- struct{}{}:
			default:
			}
			<-ctx.Done()
		},
		OnStoppedLeading: func() {
			select {
			case stopped <- struct{}{}:
			default:
			}
		},
	}, fastOptions("node-a"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go elector.Run(ctx)

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatalf("elector failed to acquire leadership")
	}

	// 存储开始拒绝写入：下一次续约失败，必须在一个 LeaseDuration 内悲观退位
	client.failWrites.Store(true)
	select {
	case <-stopped:
	case <-time.After(time.Second + 500*time.Millisecond):
		t.Fatalf("elector kept leadership past a failed renewal")
	}
	assert.False(t, elector.IsLeader())

	// 写入恢复后重新竞争成功
	client.failWrites.Store(false)
	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatalf("elector failed to reacquire after the store recovered")
	}
}

func TestElectorTakesOverExpiredLease(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	// 一个早已死掉的持有者：renewTime 在一个 LeaseDuration 之前
	stale, err := reg.CreateLease(ctx, &registry.LeaseRecord{
		Name:                 "test-lease",
		HolderIdentity:       "dead-node",
		LeaseDurationSeconds: 1,
	})
	require.NoError(t, err)
	require.NotNil(t, stale)
	time.Sleep(1100 * time.Millisecond)

	started := make(chan struct{})
	elector, err := New(reg, Callbacks{
		OnStartedLeading: func(leadCtx context.Context) {
			close(started)
			<-leadCtx.Done()
		},
	}, fastOptions("node-a"))
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go elector.Run(runCtx)

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatalf("elector failed to take over an expired lease")
	}

	lease, err := reg.GetLease(ctx, "test-lease")
	require.NoError(t, err)
	assert.Equal(t, "node-a", lease.HolderIdentity)
}

func TestElectorRequiresLeaseName(t *testing.T) {
	_, err := New(newTestRegistry(t), Callbacks{}, Options{})
	assert.Error(t, err)
}
