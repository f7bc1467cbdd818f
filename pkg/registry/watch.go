// file: pkg/registry/watch.go

package registry

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/klog/v2"

	"github.com/fx147/ecsm-runtime/pkg/util"
)

// subscriber 是一个 watch 订阅者。
// 事件先进入 pending 队列，再由独立的 goroutine 搬运到交付 channel。
// 慢消费者只会让 pending 变长（反压由上层的有界处理能力兜底），
// 事件永远不会被丢弃——这是和旧版 informer 订阅模型的关键区别。
type subscriber struct {
	gvk schema.GroupVersionKind
	ch  chan Event

	mu      sync.Mutex
	pending []Event
	notify  chan struct{}
}

func newSubscriber(gvk schema.GroupVersionKind, replay []Event) *subscriber {
	return &subscriber{
		gvk:     gvk,
		ch:      make(chan Event),
		pending: replay,
		notify:  make(chan struct{}, 1),
	}
}

// enqueue 在 registry 锁内被调用，保证事件顺序与写入顺序一致。
func (s *subscriber) enqueue(e Event) {
	s.mu.Lock()
	s.pending = append(s.pending, e)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// run 把 pending 中的事件按序搬运到交付 channel，直到 ctx 结束。
func (s *subscriber) run(ctx context.Context, unregister func()) {
	defer unregister()
	defer close(s.ch)

	for {
		s.mu.Lock()
		batch := s.pending
		s.pending = nil
		s.mu.Unlock()

		for _, e := range batch {
			select {
			case s.ch <- e:
			case <-ctx.Done():
				return
			}
		}

		select {
		case <-s.notify:
		case <-ctx.Done():
			return
		}
	}
}

// Watch 从 fromRV 之后开始订阅 proto 类型的变更事件。
// 返回的 channel 在 ctx 结束时关闭。
func (r *Registry) Watch(ctx context.Context, proto runtime.Object, fromRV string) (<-chan Event, error) {
	gvk, err := util.GetGVK(proto, r.scheme)
	if err != nil {
		return nil, err
	}
	gr := groupResourceFor(gvk)

	r.mu.Lock()
	defer r.mu.Unlock()

	// 需要重放的历史事件。注册订阅者和挑选重放事件在同一个锁内完成，
	// 所以不存在既不在重放集合里、又没被投递的"缝隙"事件。
	var replay []Event
	if fromRV != "" {
		from, err := strconv.ParseUint(fromRV, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid resourceVersion %q: %w", fromRV, err)
		}
		if from < r.lastCompactedRV {
			return nil, errors.NewResourceExpired(fmt.Sprintf(
				"resourceVersion %s is too old (oldest replayable: %d)", fromRV, r.lastCompactedRV))
		}
		for _, e := range r.window {
			rv, _ := strconv.ParseUint(e.ResourceVersion, 10, 64)
			if e.GVK == gvk && rv > from {
				replay = append(replay, e)
			}
		}
	}

	id := r.nextSubID
	r.nextSubID++

	sub := newSubscriber(gvk, replay)
	r.subs[id] = sub

	unregister := func() {
		r.mu.Lock()
		delete(r.subs, id)
		r.mu.Unlock()
	}
	go sub.run(ctx, unregister)

	klog.V(4).Infof("New watch on %s from resourceVersion %q (%d replayed)", gr.String(), fromRV, len(replay))
	return sub.ch, nil
}

// publishLocked 把事件追加到可重放窗口并广播给所有匹配的订阅者。
// 调用者必须持有 r.mu。
func (r *Registry) publishLocked(event Event) {
	r.window = append(r.window, event)
	if len(r.window) > r.windowCap {
		dropped := r.window[0]
		r.lastCompactedRV, _ = strconv.ParseUint(dropped.ResourceVersion, 10, 64)
		r.window = r.window[1:]
	}

	for _, sub := range r.subs {
		if sub.gvk == event.GVK {
			sub.enqueue(event)
		}
	}
}
