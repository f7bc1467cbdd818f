// file: pkg/cache/cache.go

package cache

import (
	"hash/fnv"
	"reflect"
	"sync"

	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/klog/v2"

	"github.com/fx147/ecsm-runtime/pkg/registry"
	"github.com/fx147/ecsm-runtime/pkg/util"
)

// Comparison 是事件和缓存基线比较之后的分类结果。
type Comparison string

const (
	// New 表示缓存中没有这个对象，第一次见到。
	New Comparison = "New"
	// Updated 表示对象相对基线发生了语义变化。
	Updated Comparison = "Updated"
	// NotModified 表示对象和基线在语义上相同，事件是噪音（典型来源：
	// 控制器自己写 status 触发的 watch 通知），不应该进入队列。
	NotModified Comparison = "NotModified"
	// Finalizing 表示对象带着 deletionTimestamp 和本控制器的 finalizer，
	// 必须走清理路径而不是普通调谐路径。
	Finalizing Comparison = "Finalizing"
	// Deleted 表示对象已经被物理删除。
	Deleted Comparison = "Deleted"
)

// ClassifiedEvent 是经过缓存分类的事件，队列的输入。
type ClassifiedEvent struct {
	// Key 是对象的唯一标识，例如 "default/my-app"
	Key        string
	Comparison Comparison
	// Object 是事件携带的对象
	Object runtime.Object
	// ResourceVersion 是事件对应的 resourceVersion
	ResourceVersion string
}

// EqualityFunc 判断两个对象在语义上是否相同。
// 哪些字段参与比较是策略问题，按资源类型可配置。
type EqualityFunc func(old, new runtime.Object) bool

// DefaultEquality 比较 spec、labels、annotations、finalizers 和删除状态，
// 忽略 resourceVersion、generation 和 status——status 由控制器自己写入，
// 参与比较会让每次调谐都触发下一次调谐。
func DefaultEquality(old, new runtime.Object) bool {
	oldMeta, err1 := util.GetObjectMeta(old)
	newMeta, err2 := util.GetObjectMeta(new)
	if err1 != nil || err2 != nil {
		return false
	}

	if !reflect.DeepEqual(oldMeta.Labels, newMeta.Labels) ||
		!reflect.DeepEqual(oldMeta.Annotations, newMeta.Annotations) ||
		!reflect.DeepEqual(oldMeta.Finalizers, newMeta.Finalizers) {
		return false
	}
	if (oldMeta.DeletionTimestamp == nil) != (newMeta.DeletionTimestamp == nil) {
		return false
	}

	oldSpec, err1 := util.GetSpec(old)
	newSpec, err2 := util.GetSpec(new)
	if err1 != nil || err2 != nil {
		// 没有 Spec 字段的类型退化为整体比较（去掉元数据的影响没有意义了）
		return reflect.DeepEqual(old, new)
	}
	return reflect.DeepEqual(oldSpec.Interface(), newSpec.Interface())
}

// entry 是某个 identity 的缓存基线。
// 只有对应版本被成功处理之后才会通过 Commit 推进——失败的调谐
// 不推进基线，下一次重试仍然和失败前的状态做比较。
type entry struct {
	resourceVersion string
	object          runtime.Object
}

const shardCount = 16

// shard 持有一部分 identity 的缓存，锁粒度是 shard 级而不是全局，
// 避免不相关对象之间的队头阻塞。
type shard struct {
	mu      sync.Mutex
	entries map[string]entry
}

// Cache 是资源缓存：保存每个 identity 最近一次被成功处理的状态，
// 并把原始 watch 事件分类为 ClassifiedEvent。
type Cache struct {
	// finalizerMark 是本控制器的 finalizer 名字，为空表示没有注册清理逻辑。
	finalizerMark string
	equals        EqualityFunc
	shards        [shardCount]*shard
}

// NewCache 创建一个空缓存。equals 为 nil 时使用 DefaultEquality。
func NewCache(finalizerMark string, equals EqualityFunc) *Cache {
	if equals == nil {
		equals = DefaultEquality
	}
	c := &Cache{
		finalizerMark: finalizerMark,
		equals:        equals,
	}
	for i := range c.shards {
		c.shards[i] = &shard{entries: make(map[string]entry)}
	}
	return c
}

func (c *Cache) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%shardCount]
}

// Classify 把一个原始事件和缓存基线比较，得到分类结果。
// Classify 本身不推进基线。
func (c *Cache) Classify(event registry.Event) ClassifiedEvent {
	ce := ClassifiedEvent{
		Key:             event.Key,
		Object:          event.Object,
		ResourceVersion: event.ResourceVersion,
	}

	switch event.Type {
	case registry.Bookmark:
		// Bookmark 不携带变更，直接归类为噪音。
		ce.Comparison = NotModified
		return ce

	case registry.Deleted:
		ce.Comparison = Deleted
		c.Evict(event.Key)
		return ce
	}

	// Added / Modified
	if c.isFinalizing(event.Object) {
		ce.Comparison = Finalizing
		return ce
	}

	s := c.shardFor(event.Key)
	s.mu.Lock()
	old, exists := s.entries[event.Key]
	s.mu.Unlock()

	switch {
	case !exists:
		ce.Comparison = New
	case c.equals(old.object, event.Object):
		ce.Comparison = NotModified
		klog.V(4).Infof("Suppressing no-op event for %s (rv %s, baseline rv %s)",
			event.Key, event.ResourceVersion, old.resourceVersion)
	default:
		ce.Comparison = Updated
	}
	return ce
}

// isFinalizing 判断对象是否处于"等待本控制器清理"的状态。
func (c *Cache) isFinalizing(obj runtime.Object) bool {
	if c.finalizerMark == "" {
		return false
	}
	meta, err := util.GetObjectMeta(obj)
	if err != nil {
		return false
	}
	return meta.DeletionTimestamp != nil && meta.HasFinalizer(c.finalizerMark)
}

// Commit 把 identity 的基线推进到 obj 所代表的状态。
// 只能在对应版本被成功处理之后调用。
func (c *Cache) Commit(key string, obj runtime.Object) {
	meta, err := util.GetObjectMeta(obj)
	if err != nil {
		klog.Errorf("Cannot commit cache baseline for %s: %v", key, err)
		return
	}

	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = entry{
		resourceVersion: meta.ResourceVersion,
		object:          obj.DeepCopyObject(),
	}
}

// Evict 移除 identity 的基线。
func (c *Cache) Evict(key string) {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
}

// Keys 返回所有有基线的 identity。Watcher 重新 List 之后用它找出
// 断线期间被删除的对象。
func (c *Cache) Keys() []string {
	var keys []string
	for _, s := range c.shards {
		s.mu.Lock()
		for k := range s.entries {
			keys = append(keys, k)
		}
		s.mu.Unlock()
	}
	return keys
}
