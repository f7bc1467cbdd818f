// file: pkg/queue/queue.go

package queue

import (
	"context"
	"sync"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	"github.com/fx147/ecsm-runtime/pkg/cache"
)

// Outcome 是一次处理的结果，决定了条目接下来的命运。
type Outcome int

const (
	// Done 表示处理成功，清零重试计数。
	Done Outcome = iota
	// Requeue 表示可重试失败，按指数退避重新入队，受 MaxRetries 限制。
	Requeue
	// RequeueNoLimit 和 Requeue 一样退避重试，但不受 MaxRetries 限制。
	// finalizer 清理失败走这条路：清理没确认完成之前对象不允许消失。
	RequeueNoLimit
	// Drop 表示致命失败，丢弃条目。对象保持原状，直到新的外部事件再次触发。
	Drop
)

// Handler 是队列驱动的处理回调。
type Handler func(ctx context.Context, event cache.ClassifiedEvent) Outcome

// Options 是队列的配置。
type Options struct {
	// Workers 是并发处理的 worker 数，默认 2。
	// 并发只发生在不同 identity 之间，同一个 identity 永远串行。
	Workers int
	// BackoffBase 是第一次重试的延迟，默认 1s。
	BackoffBase time.Duration
	// BackoffCap 是重试延迟的上限，默认 30s。
	BackoffCap time.Duration
	// JitterFactor 是退避抖动系数，默认 0.1。
	JitterFactor float64
	// MaxRetries 是 Requeue 结果的最大重试次数，0 表示不限制。
	MaxRetries int
	// Clock 可注入假时钟用于测试。
	Clock clock.Clock
}

func (o *Options) applyDefaults() {
	if o.Workers <= 0 {
		o.Workers = 2
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = time.Second
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = 30 * time.Second
	}
	if o.JitterFactor <= 0 {
		o.JitterFactor = 0.1
	}
	if o.Clock == nil {
		o.Clock = clock.RealClock{}
	}
}

// item 是一个排队条目：最新的事件负载加上重试状态。
// 退避状态就是这两个小字段，而不是回调链。
type item struct {
	event    cache.ClassifiedEvent
	attempts int
	readyAt  time.Time
}

// Queue 按 identity 去重的重试队列。
//
// 不变式：
//   - 每个 identity 至多有一个条目在 dirty 中，至多有一次调用在 inflight 中；
//   - identity 在 inflight 期间收到的新事件合并进 dirty（最新负载胜出），
//     不会产生第二个并发调用；
//   - 同一个 identity 的处理严格串行，不同 identity 之间没有顺序保证。
type Queue struct {
	opts    Options
	handler Handler

	mu       sync.Mutex
	dirty    map[string]*item
	inflight map[string]struct{}

	// stir 在有新条目或条目状态变化时被敲一下，唤醒等待的 worker。
	stir chan struct{}
}

// New 创建一个队列。
func New(handler Handler, opts Options) *Queue {
	opts.applyDefaults()
	return &Queue{
		opts:     opts,
		handler:  handler,
		dirty:    make(map[string]*item),
		inflight: make(map[string]struct{}),
		stir:     make(chan struct{}, 1),
	}
}

// Add 把一个分类事件入队。
// 同一个 identity 已有待处理条目时合并：保留重试状态，负载取最新。
func (q *Queue) Add(event cache.ClassifiedEvent) {
	q.mu.Lock()
	if existing, ok := q.dirty[event.Key]; ok {
		existing.event = event
	} else {
		q.dirty[event.Key] = &item{
			event:   event,
			readyAt: q.opts.Clock.Now(),
		}
	}
	q.mu.Unlock()
	q.kick()
}

func (q *Queue) kick() {
	select {
	case q.stir <- struct{}{}:
	default:
	}
}

// Len 返回待处理条目数（不含 inflight）。
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.dirty)
}

// Run 启动 worker 并阻塞到 ctx 结束。正在执行的回调会被协作式取消。
func (q *Queue) Run(ctx context.Context) error {
	klog.V(2).Infof("Starting event queue with %d workers", q.opts.Workers)
	defer klog.V(2).Infof("Event queue shut down")

	var wg sync.WaitGroup
	for i := 0; i < q.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.worker(ctx)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (q *Queue) worker(ctx context.Context) {
	for {
		it := q.next(ctx)
		if it == nil {
			return
		}
		q.process(ctx, it)
	}
}

// next 取出一个就绪的条目并标记为 inflight；没有就绪条目时休眠，
// 直到最早的 readyAt 到点或被 kick 唤醒。ctx 结束时返回 nil。
func (q *Queue) next(ctx context.Context) *item {
	for {
		q.mu.Lock()
		now := q.opts.Clock.Now()

		var (
			picked   *item
			earliest time.Time
		)
		for key, it := range q.dirty {
			if _, busy := q.inflight[key]; busy {
				continue
			}
			if !it.readyAt.After(now) {
				picked = it
				break
			}
			if earliest.IsZero() || it.readyAt.Before(earliest) {
				earliest = it.readyAt
			}
		}

		if picked != nil {
			delete(q.dirty, picked.event.Key)
			q.inflight[picked.event.Key] = struct{}{}
			q.mu.Unlock()
			// stir 的容量是 1，多个事件可能只留下一次唤醒。
			// 接力踢一脚，让其余 worker 有机会消费剩下的就绪条目。
			q.kick()
			return picked
		}
		q.mu.Unlock()

		waitFor := time.Minute
		if !earliest.IsZero() {
			if d := earliest.Sub(now); d < waitFor {
				waitFor = d
			}
		}

		timer := q.opts.Clock.NewTimer(waitFor)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-q.stir:
			timer.Stop()
		case <-timer.C():
		}
	}
}

// process 调用 handler 并根据结果更新条目状态。
func (q *Queue) process(ctx context.Context, it *item) {
	outcome := q.handler(ctx, it.event)

	q.mu.Lock()
	defer func() {
		q.mu.Unlock()
		q.kick()
	}()

	delete(q.inflight, it.event.Key)

	// inflight 期间到达的新事件已经在 dirty 中，它代表更新的状态，
	// 旧条目的重试状态对它没有意义，让它照常被调度即可。
	_, superseded := q.dirty[it.event.Key]

	switch outcome {
	case Done:
		// 成功即遗忘重试状态。

	case Requeue, RequeueNoLimit:
		if superseded {
			return
		}
		it.attempts++
		if outcome == Requeue && q.opts.MaxRetries > 0 && it.attempts > q.opts.MaxRetries {
			klog.Warningf("Dropping %s out of the queue after %d attempts", it.event.Key, it.attempts)
			return
		}
		delay := q.delayFor(it.attempts)
		it.readyAt = q.opts.Clock.Now().Add(delay)
		q.dirty[it.event.Key] = it
		klog.V(2).Infof("Requeueing %s (attempt %d, retry in %v)", it.event.Key, it.attempts, delay)

	case Drop:
		klog.Warningf("Dropping %s out of the queue after fatal failure", it.event.Key)
	}
}

// delayFor 计算第 attempts 次重试的退避延迟：min(base×2^(n-1), cap) 加抖动。
func (q *Queue) delayFor(attempts int) time.Duration {
	delay := q.opts.BackoffBase
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= q.opts.BackoffCap {
			delay = q.opts.BackoffCap
			break
		}
	}
	if delay > q.opts.BackoffCap {
		delay = q.opts.BackoffCap
	}
	return wait.Jitter(delay, q.opts.JitterFactor)
}
