// file: pkg/controller/controller.go

package controller

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	"github.com/fx147/ecsm-runtime/pkg/cache"
	"github.com/fx147/ecsm-runtime/pkg/finalizer"
	"github.com/fx147/ecsm-runtime/pkg/queue"
	"github.com/fx147/ecsm-runtime/pkg/registry"
	"github.com/fx147/ecsm-runtime/pkg/watch"
)

// Options 是单个资源类型控制器的配置面。
type Options struct {
	// Name 是控制器名字，用于日志。
	Name string
	// FinalizerName 非空时启用 finalizer 协议，必须同时提供 Finalize 回调。
	FinalizerName string
	// Namespace 限定监听的命名空间，空串表示全部。
	Namespace string
	// Workers 是调谐并发度（跨 identity），默认 2。
	Workers int
	// ResyncInterval 是周期性全量 List 的间隔。
	ResyncInterval time.Duration
	// BackoffBase / BackoffCap 控制重试和重连的指数退避。
	BackoffBase time.Duration
	BackoffCap  time.Duration
	// MaxRetries 是普通调谐失败的重试上限，0 表示不限制。
	// finalizer 清理失败永远不受此限制。
	MaxRetries int
	// Equality 覆盖缓存判定 NotModified 的比较规则，nil 使用默认规则。
	Equality cache.EqualityFunc
	// Clock 可注入假时钟用于测试。
	Clock clock.Clock
}

func (o *Options) applyDefaults() {
	if o.Name == "" {
		o.Name = "controller"
	}
	if o.Clock == nil {
		o.Clock = clock.RealClock{}
	}
}

// Controller 是某一资源类型的编排根：把 Watcher、Cache、Queue 和
// Finalizer Coordinator 接成一条管线，生命周期绑定在 leadership 上。
//
// 约定的接法：elector 的 OnStartedLeading 调用 Run(ctx)，
// leadership 丢失时 ctx 被取消，整条管线连同未完成的队列状态一起拆除。
// 每个任期的管线都是全新的：上个任期遗留的缓存和队列不会被复用。
type Controller struct {
	registry  registry.Interface
	scheme    *runtime.Scheme
	proto     runtime.Object
	listProto runtime.Object
	reconcile ReconcileFunc
	finalize  finalizer.CleanupFunc
	opts      Options

	// watcher 指向当前任期的 Watcher，不在任期内时为 nil。健康信号用。
	watcher atomic.Pointer[watch.Watcher]
}

// New 创建一个控制器。proto/listProto 是资源类型的单对象和列表原型，
// 例如 &ecsmv1.ECSMService{} 和 &ecsmv1.ECSMServiceList{}。
func New(reg registry.Interface, scheme *runtime.Scheme, proto, listProto runtime.Object,
	reconcile ReconcileFunc, finalize finalizer.CleanupFunc, opts Options) *Controller {
	opts.applyDefaults()
	return &Controller{
		registry:  reg,
		scheme:    scheme,
		proto:     proto,
		listProto: listProto,
		reconcile: reconcile,
		finalize:  finalize,
		opts:      opts,
	}
}

// Run 启动管线并阻塞到 ctx 结束。每次调用构建全新的 Cache 和 Queue。
func (c *Controller) Run(ctx context.Context) error {
	klog.Infof("Starting %s controller", c.opts.Name)
	defer klog.Infof("Shutting down %s controller", c.opts.Name)

	coord := finalizer.New(c.opts.FinalizerName, c.registry, c.finalize)

	mark := ""
	if coord.Enabled() {
		mark = c.opts.FinalizerName
	}
	store := cache.NewCache(mark, c.opts.Equality)

	q := queue.New(c.handler(store, coord), queue.Options{
		Workers:     c.opts.Workers,
		BackoffBase: c.opts.BackoffBase,
		BackoffCap:  c.opts.BackoffCap,
		MaxRetries:  c.opts.MaxRetries,
		Clock:       c.opts.Clock,
	})

	w := watch.New(c.registry, c.scheme, c.proto, c.listProto, func(event registry.Event) {
		classified := store.Classify(event)
		if classified.Comparison == cache.NotModified {
			return
		}
		q.Add(classified)
	}, store.Keys, watch.Options{
		Namespace:      c.opts.Namespace,
		BackoffBase:    c.opts.BackoffBase,
		BackoffCap:     c.opts.BackoffCap,
		ResyncInterval: c.opts.ResyncInterval,
		Clock:          c.opts.Clock,
	})

	c.watcher.Store(w)
	defer c.watcher.Store(nil)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.Run(gctx) })
	g.Go(func() error { return q.Run(gctx) })
	return g.Wait()
}

// handler 把分类事件分发到 finalize 或 reconcile 路径，并把回调结果
// 映射为队列动作。
func (c *Controller) handler(store *cache.Cache, coord *finalizer.Coordinator) queue.Handler {
	return func(ctx context.Context, event cache.ClassifiedEvent) queue.Outcome {
		switch event.Comparison {
		case cache.Finalizing:
			if err := coord.HandleFinalizing(ctx, event.Object); err != nil {
				klog.Warningf("%s: finalizing %s failed: %v", c.opts.Name, event.Key, err)
				return queue.RequeueNoLimit
			}
			return queue.Done

		case cache.Deleted:
			if coord.Enabled() {
				// 注册了 finalizer 的类型，清理在物理删除之前已经确认完成，
				// Deleted 只是终局通知。
				return queue.Done
			}
			if err := c.reconcile(ctx, event.Object); err != nil {
				klog.Warningf("%s: final observation of %s failed: %v", c.opts.Name, event.Key, err)
			}
			return queue.Done

		case cache.New, cache.Updated:
			obj, err := coord.Prepare(ctx, event.Object)
			if err != nil {
				klog.Warningf("%s: preparing %s failed: %v", c.opts.Name, event.Key, err)
				return queue.Requeue
			}

			err = c.reconcile(ctx, obj)
			switch {
			case err == nil:
				// 只有成功处理过的状态才能成为新的比较基线。
				store.Commit(event.Key, obj)
				return queue.Done
			case IsFatal(err):
				klog.Errorf("%s: reconciling %s failed fatally: %v", c.opts.Name, event.Key, err)
				return queue.Drop
			default:
				klog.V(2).Infof("%s: reconciling %s failed: %v, will retry", c.opts.Name, event.Key, err)
				return queue.Requeue
			}
		}
		return queue.Done
	}
}

// Healthy 报告管线的活性：Watcher 在 window 内产生过活动（收到事件或
// 成功重连/重列）。不在任期内时没有需要健康的东西，返回 true。
// window 应当不小于 ResyncInterval，否则长期空闲的流会被误判。
func (c *Controller) Healthy(window time.Duration) bool {
	w := c.watcher.Load()
	if w == nil {
		return true
	}
	last := w.LastActive()
	if last.IsZero() {
		return false
	}
	return c.opts.Clock.Now().Sub(last) <= window
}
