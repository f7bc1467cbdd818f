// file: pkg/watch/watcher.go

package watch

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	"github.com/fx147/ecsm-runtime/pkg/registry"
	"github.com/fx147/ecsm-runtime/pkg/util"
)

// Sink 消费 Watcher 产出的事件。调用是同步的：消费慢会自然地
// 对上游形成反压，事件不会被丢弃。
type Sink func(event registry.Event)

// KnownKeysFunc 返回消费方当前已知的所有 identity。
// 重新 List 之后，Watcher 用它合成断线期间错过的 Deleted 事件。
type KnownKeysFunc func() []string

// Options 是 Watcher 的配置。
type Options struct {
	// Namespace 限定监听的命名空间，空串表示全部。
	Namespace string
	// BackoffBase 是重连退避的起点，默认 1s。
	BackoffBase time.Duration
	// BackoffCap 是重连退避的上限，默认 30s。
	BackoffCap time.Duration
	// HealthyStreak 是"认定这条流已经恢复健康"所需的持续流式时长，
	// 达到之后退避回到起点。默认 60s。
	HealthyStreak time.Duration
	// ResyncInterval 是周期性重新 List 的间隔（安全网），默认 10min。
	ResyncInterval time.Duration
	// Clock 可注入假时钟用于测试。
	Clock clock.Clock
}

func (o *Options) applyDefaults() {
	if o.BackoffBase <= 0 {
		o.BackoffBase = time.Second
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = 30 * time.Second
	}
	if o.HealthyStreak <= 0 {
		o.HealthyStreak = time.Minute
	}
	if o.ResyncInterval <= 0 {
		o.ResyncInterval = 10 * time.Minute
	}
	if o.Clock == nil {
		o.Clock = clock.RealClock{}
	}
}

// Watcher 维护一条资源类型的变更流：List 播种、流式消费、
// 断线重连（指数退避加抖动）、过期版本触发的全量重放。
type Watcher struct {
	registry  registry.Interface
	scheme    *runtime.Scheme
	proto     runtime.Object // 单对象原型，例如 &ECSMService{}
	listProto runtime.Object // 列表原型，例如 &ECSMServiceList{}
	sink      Sink
	knownKeys KnownKeysFunc
	opts      Options

	mu         sync.Mutex
	lastActive time.Time
}

// New 创建一个 Watcher。
func New(reg registry.Interface, scheme *runtime.Scheme, proto, listProto runtime.Object, sink Sink, knownKeys KnownKeysFunc, opts Options) *Watcher {
	opts.applyDefaults()
	return &Watcher{
		registry:  reg,
		scheme:    scheme,
		proto:     proto,
		listProto: listProto,
		sink:      sink,
		knownKeys: knownKeys,
		opts:      opts,
	}
}

// LastActive 返回这条流最近一次产生活动（收到事件或成功重连）的时间。
// Controller 的健康信号基于它。
func (w *Watcher) LastActive() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastActive
}

func (w *Watcher) markActive() {
	w.mu.Lock()
	w.lastActive = w.opts.Clock.Now()
	w.mu.Unlock()
}

// Run 驱动 list+watch 循环直到 ctx 结束。
func (w *Watcher) Run(ctx context.Context) error {
	backoff := w.opts.BackoffBase

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		rv, err := w.relist(ctx)
		if err != nil {
			klog.Warningf("Watcher relist failed: %v (retry in ~%v)", err, backoff)
			backoff = w.sleep(ctx, backoff)
			continue
		}
		w.markActive()
		connectedAt := w.opts.Clock.Now()

		streamErr := w.stream(ctx, rv)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// 流稳定运行了足够久，说明之前的故障已经过去，退避从头开始。
		if w.opts.Clock.Now().Sub(connectedAt) >= w.opts.HealthyStreak {
			backoff = w.opts.BackoffBase
		}

		switch {
		case streamErr == nil:
			// 周期性 resync 到点，立即重新 List。
		case errors.IsResourceExpired(streamErr):
			klog.V(2).Infof("Watch resume point expired, relisting: %v", streamErr)
		default:
			klog.Warningf("Watch stream broken: %v (reconnect in ~%v)", streamErr, backoff)
			backoff = w.sleep(ctx, backoff)
		}
	}
}

// relist 执行一次全量 List，把每个对象作为 Added 事件交给 sink，
// 并为消费方已知、但列表中已不存在的对象合成 Deleted 事件。
// 返回本次快照的全局 resourceVersion，作为后续流式消费的起点。
func (w *Watcher) relist(ctx context.Context) (string, error) {
	list := w.listProto.DeepCopyObject()
	if err := w.registry.List(ctx, w.opts.Namespace, list); err != nil {
		return "", fmt.Errorf("failed to list: %w", err)
	}

	gvk, err := util.GetGVK(w.proto, w.scheme)
	if err != nil {
		return "", err
	}

	listValue := reflect.ValueOf(list).Elem()
	listRV := listValue.FieldByName("ListMeta").FieldByName("ResourceVersion").String()
	items := listValue.FieldByName("Items")

	seen := make(map[string]struct{}, items.Len())
	for i := 0; i < items.Len(); i++ {
		obj := items.Index(i).Addr().Interface().(runtime.Object)
		meta, err := util.GetObjectMeta(obj)
		if err != nil {
			return "", err
		}
		key := meta.Namespace + "/" + meta.Name
		seen[key] = struct{}{}

		w.sink(registry.Event{
			Type:            registry.Added,
			Key:             key,
			GVK:             gvk,
			Object:          obj.DeepCopyObject(),
			ResourceVersion: meta.ResourceVersion,
		})
	}

	// 断线期间被删除的对象在列表里已经找不到了，合成 tombstone 事件补上。
	if w.knownKeys != nil {
		for _, key := range w.knownKeys() {
			if _, ok := seen[key]; ok {
				continue
			}
			tombstone, err := w.scheme.New(gvk)
			if err != nil {
				return "", err
			}
			meta, err := util.GetObjectMeta(tombstone)
			if err != nil {
				return "", err
			}
			namespace, name := splitKey(key)
			meta.Namespace = namespace
			meta.Name = name
			meta.ResourceVersion = listRV

			w.sink(registry.Event{
				Type:            registry.Deleted,
				Key:             key,
				GVK:             gvk,
				Object:          tombstone,
				ResourceVersion: listRV,
			})
		}
	}

	klog.V(2).Infof("Watcher reseeded %s: %d objects at resourceVersion %s", gvk.Kind, items.Len(), listRV)
	return listRV, nil
}

// stream 从 fromRV 开始消费变更流。
// 返回 nil 表示 resync 周期到点（调用方应重新 List）；
// 其他返回值是流中断的原因。ctx 结束时也返回，由调用方检查 ctx。
func (w *Watcher) stream(ctx context.Context, fromRV string) error {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch, err := w.registry.Watch(streamCtx, w.proto, fromRV)
	if err != nil {
		return err
	}

	resync := w.opts.Clock.NewTimer(w.opts.ResyncInterval)
	defer resync.Stop()

	for {
		select {
		case event, ok := <-ch:
			if !ok {
				return fmt.Errorf("watch channel closed")
			}
			w.markActive()
			w.sink(event)
		case <-resync.C():
			klog.V(4).Infof("Periodic resync triggered")
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

// sleep 按当前退避值（加抖动）休眠，返回下一次的退避值。
func (w *Watcher) sleep(ctx context.Context, backoff time.Duration) time.Duration {
	timer := w.opts.Clock.NewTimer(wait.Jitter(backoff, 0.5))
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C():
	}

	next := backoff * 2
	if next > w.opts.BackoffCap {
		next = w.opts.BackoffCap
	}
	return next
}

func splitKey(key string) (namespace, name string) {
	for i := 0; i < len(key); i++ {
		if key[i] == '/' {
			return key[:i], key[i+1:]
		}
	}
	return "", key
}
