// file: pkg/leaderelection/elector.go

package leaderelection

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	"github.com/fx147/ecsm-runtime/pkg/registry"
)

// State 是选举状态机的状态。
type State string

const (
	// Standby 表示本实例不是 leader，也没有在竞争。
	Standby State = "Standby"
	// Acquiring 表示本实例正在竞争 lease。
	Acquiring State = "Acquiring"
	// Leading 表示本实例持有 lease，调谐管线运行中。
	Leading State = "Leading"
	// Releasing 表示本实例正在交出 lease。
	Releasing State = "Releasing"
)

// Callbacks 是 leadership 转换的通知接口。
// 依赖方（Controller）订阅转换通知，而不是轮询一个共享布尔值。
type Callbacks struct {
	// OnStartedLeading 在取得 leadership 后于独立 goroutine 中被调用。
	// 传入的 ctx 在 leadership 丢失时被取消——这是管线拆除的信号。
	OnStartedLeading func(ctx context.Context)
	// OnStoppedLeading 在 leadership 确认交出之后被调用。
	OnStoppedLeading func()
}

// Options 是选举参数。
type Options struct {
	// LeaseName 是竞争的 lease 名字，同一个控制器的所有副本必须一致。
	LeaseName string
	// Identity 是本实例的持有者标识，默认 "<hostname>-<uuid前8位>"。
	Identity string
	// LeaseDuration 是 lease 的失效时长，默认 15s。
	LeaseDuration time.Duration
	// RenewInterval 是续约间隔，必须明显小于 LeaseDuration，
	// 默认取 LeaseDuration 的 2/3。
	RenewInterval time.Duration
	// RetryPeriod 是竞争失败后的重试间隔，默认 2s。
	RetryPeriod time.Duration
	// Clock 可注入假时钟用于测试。
	Clock clock.Clock
}

func (o *Options) applyDefaults() error {
	if o.LeaseName == "" {
		return fmt.Errorf("lease name is required")
	}
	if o.Identity == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "unknown"
		}
		o.Identity = hostname + "-" + uuid.NewString()[:8]
	}
	if o.LeaseDuration <= 0 {
		o.LeaseDuration = 15 * time.Second
	}
	if o.RenewInterval <= 0 {
		o.RenewInterval = o.LeaseDuration * 2 / 3
	}
	if o.RetryPeriod <= 0 {
		o.RetryPeriod = 2 * time.Second
	}
	if o.Clock == nil {
		o.Clock = clock.RealClock{}
	}
	return nil
}

// Elector 是 lease 驱动的选举状态机。
// 内存中的 leadership 认知永远从属于对 LeaseRecord 的成功读写：
// 任何一次续约失败都立即悲观地交出 leadership，绝不凭空认为自己还是 leader。
type Elector struct {
	client    registry.LeaseInterface
	callbacks Callbacks
	opts      Options

	mu       sync.Mutex
	state    State
	observed *registry.LeaseRecord // 最近一次成功写入的 lease，仅 Run goroutine 访问写
}

// New 创建一个 Elector。
func New(client registry.LeaseInterface, callbacks Callbacks, opts Options) (*Elector, error) {
	if err := opts.applyDefaults(); err != nil {
		return nil, err
	}
	return &Elector{
		client:    client,
		callbacks: callbacks,
		opts:      opts,
		state:     Standby,
	}, nil
}

// Identity 返回本实例的持有者标识。
func (e *Elector) Identity() string {
	return e.opts.Identity
}

// State 返回当前状态。
func (e *Elector) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// IsLeader 返回本实例当前是否处于 Leading。
func (e *Elector) IsLeader() bool {
	return e.State() == Leading
}

func (e *Elector) setState(s State) {
	e.mu.Lock()
	old := e.state
	e.state = s
	e.mu.Unlock()
	if old != s {
		klog.V(2).Infof("Leader election %q: %s -> %s", e.opts.Identity, old, s)
	}
}

// Run 驱动状态机直到 ctx 结束。每取得一次 leadership 就调用一次
// OnStartedLeading，丢失后调用 OnStoppedLeading，然后回到竞争。
func (e *Elector) Run(ctx context.Context) {
	defer e.setState(Standby)

	for {
		e.setState(Acquiring)
		if !e.acquire(ctx) {
			return // ctx 结束
		}

		klog.Infof("Instance %q acquired leadership of lease %q", e.opts.Identity, e.opts.LeaseName)
		e.setState(Leading)

		leadCtx, cancelLead := context.WithCancel(ctx)
		var wg sync.WaitGroup
		if e.callbacks.OnStartedLeading != nil {
			wg.Add(1)
			go func() {
				defer wg.Done()
				e.callbacks.OnStartedLeading(leadCtx)
			}()
		}

		e.renewLoop(leadCtx)

		// 不管丢失原因是什么，先拆管线再交 lease。
		e.setState(Releasing)
		cancelLead()
		wg.Wait()
		e.release(ctx)

		klog.Warningf("Instance %q lost leadership of lease %q", e.opts.Identity, e.opts.LeaseName)
		if e.callbacks.OnStoppedLeading != nil {
			e.callbacks.OnStoppedLeading()
		}
		e.setState(Standby)

		if ctx.Err() != nil {
			return
		}
	}
}

// acquire 每隔 RetryPeriod 尝试一次，直到成功取得 lease 或 ctx 结束。
// 返回 false 表示 ctx 结束。
func (e *Elector) acquire(ctx context.Context) bool {
	for {
		if e.tryAcquire(ctx) {
			return true
		}
		timer := e.opts.Clock.NewTimer(e.opts.RetryPeriod)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C():
		}
	}
}

// tryAcquire 做一轮竞争：lease 不存在则创建，已过期则接管。
// 任何冲突都意味着别的实例抢先了，下一轮再看。
func (e *Elector) tryAcquire(ctx context.Context) bool {
	now := metav1.Time{Time: e.opts.Clock.Now()}
	durationSeconds := int32(e.opts.LeaseDuration / time.Second)

	current, err := e.client.GetLease(ctx, e.opts.LeaseName)
	if errors.IsNotFound(err) {
		created, createErr := e.client.CreateLease(ctx, &registry.LeaseRecord{
			Name:                 e.opts.LeaseName,
			HolderIdentity:       e.opts.Identity,
			LeaseDurationSeconds: durationSeconds,
			AcquireTime:          now,
			RenewTime:            now,
		})
		if createErr != nil {
			klog.V(2).Infof("Failed to create lease %q: %v", e.opts.LeaseName, createErr)
			return false
		}
		e.observed = created
		return true
	}
	if err != nil {
		klog.V(2).Infof("Failed to read lease %q: %v", e.opts.LeaseName, err)
		return false
	}

	if current.HolderIdentity != "" && current.HolderIdentity != e.opts.Identity {
		expiry := current.RenewTime.Add(time.Duration(current.LeaseDurationSeconds) * time.Second)
		if e.opts.Clock.Now().Before(expiry) {
			// 持有者还活着。
			return false
		}
		klog.V(2).Infof("Lease %q held by %q has expired, attempting takeover", e.opts.LeaseName, current.HolderIdentity)
	}

	takeover := current.DeepCopy()
	takeover.HolderIdentity = e.opts.Identity
	takeover.LeaseDurationSeconds = durationSeconds
	takeover.AcquireTime = now
	takeover.RenewTime = now

	updated, err := e.client.UpdateLease(ctx, takeover)
	if err != nil {
		// Conflict：另一个实例在我们读写之间抢到了。
		klog.V(2).Infof("Failed to take over lease %q: %v", e.opts.LeaseName, err)
		return false
	}
	e.observed = updated
	return true
}

// renewLoop 周期性续约，返回即意味着 leadership 应当被交出：
// 要么 ctx 结束，要么一次续约失败（写失败、冲突、被别人接管都算）。
func (e *Elector) renewLoop(ctx context.Context) {
	for {
		timer := e.opts.Clock.NewTimer(e.opts.RenewInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C():
		}

		renewed := e.observed.DeepCopy()
		renewed.RenewTime = metav1.Time{Time: e.opts.Clock.Now()}

		updated, err := e.client.UpdateLease(ctx, renewed)
		if err != nil {
			// 失败的原因不重要：没有一次新鲜的成功写入，就不能继续自认 leader。
			klog.Warningf("Failed to renew lease %q: %v, relinquishing leadership", e.opts.LeaseName, err)
			return
		}
		e.observed = updated
		klog.V(4).Infof("Renewed lease %q", e.opts.LeaseName)
	}
}

// release 尽力而为地清空持有者，让其他候选者不必等到 lease 过期。
// 用的是外层 ctx：即便 leadership 已丢，进程没退出前还是值得试一次。
func (e *Elector) release(ctx context.Context) {
	if e.observed == nil {
		return
	}
	released := e.observed.DeepCopy()
	released.HolderIdentity = ""
	if _, err := e.client.UpdateLease(ctx, released); err != nil {
		klog.V(2).Infof("Failed to release lease %q (holder will expire naturally): %v", e.opts.LeaseName, err)
	}
	e.observed = nil
}
