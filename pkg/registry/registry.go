// file: pkg/registry/registry.go

package registry

import (
	"context"
	"encoding/binary"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
	"k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	"github.com/fx147/ecsm-runtime/pkg/util"
)

var (
	// _metadataBucketKey 是一个特殊的 bucket，用于存放 registry 的元数据。
	_metadataBucketKey = []byte("_metadata")
	// _globalResourceVersionKey 是存储全局版本号的 key。
	_globalResourceVersionKey = []byte("globalResourceVersion")
)

const (
	// defaultWatchWindowSize 是事件窗口的默认容量。
	// 窗口内的事件可以被断线重连的 watch 重放；掉出窗口的 watch 会收到
	// ResourceExpired，必须重新 List。
	defaultWatchWindowSize = 1024

	// defaultNamespace 是未指定 namespace 时的默认值。
	defaultNamespace = "default"
)

// 编译时检查
var _ Interface = &Registry{}

// Interface 是 Registry 业务逻辑层的接口。
// 它定义了所有上层组件（Watcher, Controller, Elector）可以调用的方法。
// 方法对任何注册进 scheme 的 runtime.Object 类型通用。
type Interface interface {
	// Create 存入一个新对象，并为其分配 UID、creationTimestamp 和 resourceVersion。
	Create(ctx context.Context, obj runtime.Object) error
	// Update 以乐观并发的方式覆盖对象的 spec 和元数据（不含 status）。
	// 传入对象的 resourceVersion 必须与存储中的一致，否则返回 Conflict。
	Update(ctx context.Context, obj runtime.Object) error
	// UpdateStatus 只覆盖对象的 status 子资源，同样受 resourceVersion 保护。
	UpdateStatus(ctx context.Context, obj runtime.Object) error
	// Get 读取指定对象到 into 中。
	Get(ctx context.Context, namespace, name string, into runtime.Object) error
	// List 列出指定命名空间（空串表示全部）下的对象，并在 ListMeta 中
	// 填充可用于发起 watch 的全局 resourceVersion。
	List(ctx context.Context, namespace string, listInto runtime.Object) error
	// Delete 删除对象。如果对象还有 finalizer，只会设置 deletionTimestamp；
	// 物理删除发生在最后一个 finalizer 被移除之后。
	Delete(ctx context.Context, namespace, name string, proto runtime.Object) error
	// Watch 从 fromRV 之后开始订阅某一类型的变更事件。
	// fromRV 为空表示只要未来的事件。fromRV 已掉出事件窗口时返回 ResourceExpired。
	Watch(ctx context.Context, proto runtime.Object, fromRV string) (<-chan Event, error)

	LeaseInterface
}

// Options 是 Registry 的可选配置。
type Options struct {
	// WatchWindowSize 是可重放事件窗口的容量，0 表示使用默认值。
	WatchWindowSize int
	// Clock 用于打时间戳，测试中可以注入假时钟。
	Clock clock.PassiveClock
}

// Registry 是业务逻辑层，它在 bbolt 之上实现带乐观并发控制的对象存储，
// 并向订阅者广播变更事件。
type Registry struct {
	db     *bolt.DB
	scheme *runtime.Scheme
	clock  clock.PassiveClock

	// mu 串行化所有写入，并保证事件窗口、订阅者注册与事件发布之间的顺序一致性。
	// 读（Get/List）只依赖 bbolt 自身的事务隔离。
	mu sync.Mutex

	// --- 事件窗口 ---
	window          []Event
	windowCap       int
	lastCompactedRV uint64 // 已被窗口淘汰的最新事件版本，0 表示尚未淘汰过

	// --- 订阅者 ---
	subs      map[int]*subscriber
	nextSubID int
}

// NewRegistry 创建一个新的 Registry 实例。
// 它接收一个已经打开的 bbolt 数据库实例和注册了所有已知类型的 scheme。
func NewRegistry(db *bolt.DB, scheme *runtime.Scheme, opts Options) (*Registry, error) {
	if opts.WatchWindowSize <= 0 {
		opts.WatchWindowSize = defaultWatchWindowSize
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}

	// 初始化元数据 bucket
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(_metadataBucketKey)
		return err
	})
	if err != nil {
		return nil, err
	}

	return &Registry{
		db:        db,
		scheme:    scheme,
		clock:     opts.Clock,
		windowCap: opts.WatchWindowSize,
		subs:      make(map[int]*subscriber),
	}, nil
}

// getAndIncrementGlobalRV 在写事务内部原子性地获取并递增全局 resourceVersion。
func getAndIncrementGlobalRV(tx *bolt.Tx) (uint64, error) {
	metaBucket := tx.Bucket(_metadataBucketKey)

	currentRVBytes := metaBucket.Get(_globalResourceVersionKey)
	var currentRV uint64 = 0
	if currentRVBytes != nil {
		currentRV = binary.BigEndian.Uint64(currentRVBytes)
	}

	newRV := currentRV + 1

	newRVBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(newRVBytes, newRV)

	if err := metaBucket.Put(_globalResourceVersionKey, newRVBytes); err != nil {
		return 0, err
	}

	return newRV, nil
}

// currentGlobalRV 在读事务中读取当前的全局 resourceVersion。
func currentGlobalRV(tx *bolt.Tx) uint64 {
	metaBucket := tx.Bucket(_metadataBucketKey)
	if metaBucket == nil {
		return 0
	}
	rvBytes := metaBucket.Get(_globalResourceVersionKey)
	if rvBytes == nil {
		return 0
	}
	return binary.BigEndian.Uint64(rvBytes)
}

// groupResourceFor 构造用于 apimachinery 状态错误的 GroupResource。
func groupResourceFor(gvk schema.GroupVersionKind) schema.GroupResource {
	itemKind := strings.TrimSuffix(gvk.Kind, "List")
	return schema.GroupResource{Group: gvk.Group, Resource: strings.ToLower(itemKind) + "s"}
}

func formatRV(rv uint64) string {
	return strconv.FormatUint(rv, 10)
}

// Create 存入一个新对象。
func (r *Registry) Create(ctx context.Context, obj runtime.Object) error {
	gvk, err := util.GetGVK(obj, r.scheme)
	if err != nil {
		return err
	}
	meta, err := util.GetObjectMeta(obj)
	if err != nil {
		return err
	}
	if meta.Name == "" {
		return fmt.Errorf("object name may not be empty")
	}
	if meta.Namespace == "" {
		meta.Namespace = defaultNamespace
	}
	gr := groupResourceFor(gvk)

	r.mu.Lock()
	defer r.mu.Unlock()

	var newRV uint64
	err = r.db.Update(func(tx *bolt.Tx) error {
		bucket, err := ensureTypeBucket(tx, gvk)
		if err != nil {
			return err
		}
		key := objectKey(meta.Namespace, meta.Name)
		if bucket.Get(key) != nil {
			return errors.NewAlreadyExists(gr, meta.Name)
		}

		newRV, err = getAndIncrementGlobalRV(tx)
		if err != nil {
			return err
		}

		meta.UID = uuid.NewString()
		meta.CreationTimestamp = metav1.Time{Time: r.clock.Now()}
		meta.DeletionTimestamp = nil
		meta.Generation = 1
		meta.ResourceVersion = formatRV(newRV)

		data, err := encode(obj)
		if err != nil {
			return err
		}
		return bucket.Put(key, data)
	})
	if err != nil {
		return err
	}

	r.publishLocked(Event{
		Type:            Added,
		Key:             meta.Namespace + "/" + meta.Name,
		GVK:             gvk,
		Object:          obj.DeepCopyObject(),
		ResourceVersion: formatRV(newRV),
	})
	return nil
}

// Update 覆盖对象的 spec 和可写元数据。status 保持存储中的旧值不变，
// 调用方需要通过 UpdateStatus 写状态。
func (r *Registry) Update(ctx context.Context, obj runtime.Object) error {
	gvk, err := util.GetGVK(obj, r.scheme)
	if err != nil {
		return err
	}
	meta, err := util.GetObjectMeta(obj)
	if err != nil {
		return err
	}
	if meta.Namespace == "" {
		meta.Namespace = defaultNamespace
	}
	gr := groupResourceFor(gvk)

	r.mu.Lock()
	defer r.mu.Unlock()

	var (
		newRV     uint64
		deleted   bool
		eventType EventType = Modified
	)
	err = r.db.Update(func(tx *bolt.Tx) error {
		bucket, err := ensureTypeBucket(tx, gvk)
		if err != nil {
			return err
		}
		key := objectKey(meta.Namespace, meta.Name)
		data := bucket.Get(key)
		if data == nil {
			return errors.NewNotFound(gr, meta.Name)
		}

		current, err := r.scheme.New(gvk)
		if err != nil {
			return err
		}
		if err := decodeInto(data, current); err != nil {
			return err
		}
		currentMeta, err := util.GetObjectMeta(current)
		if err != nil {
			return err
		}

		if meta.ResourceVersion != currentMeta.ResourceVersion {
			return errors.NewConflict(gr, meta.Name, fmt.Errorf(
				"resourceVersion mismatch: have %q, stored %q",
				meta.ResourceVersion, currentMeta.ResourceVersion))
		}

		// 只读字段以存储中的值为准，调用方不能通过 Update 篡改它们。
		meta.UID = currentMeta.UID
		meta.CreationTimestamp = currentMeta.CreationTimestamp
		meta.DeletionTimestamp = currentMeta.DeletionTimestamp
		meta.Generation = currentMeta.Generation

		// status 是独立的子资源，普通 Update 不会碰它。
		if newStatus, err := util.GetStatus(obj); err == nil {
			if curStatus, err := util.GetStatus(current); err == nil {
				newStatus.Set(curStatus)
			}
		}

		// spec 变化时递增 generation。
		if newSpec, err := util.GetSpec(obj); err == nil {
			if curSpec, err := util.GetSpec(current); err == nil {
				if !reflect.DeepEqual(newSpec.Interface(), curSpec.Interface()) {
					meta.Generation = currentMeta.Generation + 1
				}
			}
		}

		newRV, err = getAndIncrementGlobalRV(tx)
		if err != nil {
			return err
		}
		meta.ResourceVersion = formatRV(newRV)

		// 正在删除的对象被清空 finalizer 后，物理删除就可以完成了。
		if currentMeta.DeletionTimestamp != nil && len(meta.Finalizers) == 0 {
			deleted = true
			eventType = Deleted
			return bucket.Delete(key)
		}

		encoded, err := encode(obj)
		if err != nil {
			return err
		}
		return bucket.Put(key, encoded)
	})
	if err != nil {
		return err
	}

	if deleted {
		klog.V(4).Infof("Object %s/%s (%s) physically removed after finalizers cleared", meta.Namespace, meta.Name, gvk.Kind)
	}
	r.publishLocked(Event{
		Type:            eventType,
		Key:             meta.Namespace + "/" + meta.Name,
		GVK:             gvk,
		Object:          obj.DeepCopyObject(),
		ResourceVersion: formatRV(newRV),
	})
	return nil
}

// UpdateStatus 只覆盖对象的 status 子资源。
func (r *Registry) UpdateStatus(ctx context.Context, obj runtime.Object) error {
	gvk, err := util.GetGVK(obj, r.scheme)
	if err != nil {
		return err
	}
	meta, err := util.GetObjectMeta(obj)
	if err != nil {
		return err
	}
	if meta.Namespace == "" {
		meta.Namespace = defaultNamespace
	}
	gr := groupResourceFor(gvk)

	r.mu.Lock()
	defer r.mu.Unlock()

	var (
		newRV  uint64
		stored runtime.Object
	)
	err = r.db.Update(func(tx *bolt.Tx) error {
		bucket, err := ensureTypeBucket(tx, gvk)
		if err != nil {
			return err
		}
		key := objectKey(meta.Namespace, meta.Name)
		data := bucket.Get(key)
		if data == nil {
			return errors.NewNotFound(gr, meta.Name)
		}

		current, err := r.scheme.New(gvk)
		if err != nil {
			return err
		}
		if err := decodeInto(data, current); err != nil {
			return err
		}
		currentMeta, err := util.GetObjectMeta(current)
		if err != nil {
			return err
		}

		if meta.ResourceVersion != currentMeta.ResourceVersion {
			return errors.NewConflict(gr, meta.Name, fmt.Errorf(
				"resourceVersion mismatch: have %q, stored %q",
				meta.ResourceVersion, currentMeta.ResourceVersion))
		}

		// 除 status 外，其余部分保持存储中的旧值。
		curStatus, err := util.GetStatus(current)
		if err != nil {
			return err
		}
		newStatus, err := util.GetStatus(obj)
		if err != nil {
			return err
		}
		curStatus.Set(newStatus)

		newRV, err = getAndIncrementGlobalRV(tx)
		if err != nil {
			return err
		}
		currentMeta.ResourceVersion = formatRV(newRV)
		meta.ResourceVersion = currentMeta.ResourceVersion

		encoded, err := encode(current)
		if err != nil {
			return err
		}
		stored = current
		return bucket.Put(key, encoded)
	})
	if err != nil {
		return err
	}

	r.publishLocked(Event{
		Type:            Modified,
		Key:             meta.Namespace + "/" + meta.Name,
		GVK:             gvk,
		Object:          stored.DeepCopyObject(),
		ResourceVersion: formatRV(newRV),
	})
	return nil
}

// Get 读取指定对象到 into 中。
func (r *Registry) Get(ctx context.Context, namespace, name string, into runtime.Object) error {
	gvk, err := util.GetGVK(into, r.scheme)
	if err != nil {
		return err
	}
	if namespace == "" {
		namespace = defaultNamespace
	}
	gr := groupResourceFor(gvk)

	return r.db.View(func(tx *bolt.Tx) error {
		bucket := getTypeBucket(tx, gvk)
		if bucket == nil {
			return errors.NewNotFound(gr, name)
		}
		data := bucket.Get(objectKey(namespace, name))
		if data == nil {
			return errors.NewNotFound(gr, name)
		}
		return decodeInto(data, into)
	})
}

// List 列出对象，namespace 为空表示所有命名空间。
func (r *Registry) List(ctx context.Context, namespace string, listInto runtime.Object) error {
	gvk, err := itemGVK(listInto, r.scheme)
	if err != nil {
		return err
	}

	return r.db.View(func(tx *bolt.Tx) error {
		bucket := getTypeBucket(tx, gvk)
		if err := fillList(bucket, namespace, listInto); err != nil {
			return err
		}

		// 把列表快照对应的全局版本写进 ListMeta，客户端可以由此发起 watch。
		listValue := reflect.ValueOf(listInto).Elem()
		listMeta := listValue.FieldByName("ListMeta")
		if listMeta.IsValid() {
			rvField := listMeta.FieldByName("ResourceVersion")
			if rvField.IsValid() && rvField.CanSet() {
				rvField.SetString(formatRV(currentGlobalRV(tx)))
			}
		}
		return nil
	})
}

// Delete 删除对象。带 finalizer 的对象只会被打上 deletionTimestamp，
// 等 finalizer 清空后物理删除才会发生。重复 Delete 一个正在删除的对象是 no-op。
func (r *Registry) Delete(ctx context.Context, namespace, name string, proto runtime.Object) error {
	gvk, err := util.GetGVK(proto, r.scheme)
	if err != nil {
		return err
	}
	if namespace == "" {
		namespace = defaultNamespace
	}
	gr := groupResourceFor(gvk)

	r.mu.Lock()
	defer r.mu.Unlock()

	var (
		newRV     uint64
		stored    runtime.Object
		eventType EventType
	)
	err = r.db.Update(func(tx *bolt.Tx) error {
		bucket := getTypeBucket(tx, gvk)
		if bucket == nil {
			return errors.NewNotFound(gr, name)
		}
		key := objectKey(namespace, name)
		data := bucket.Get(key)
		if data == nil {
			return errors.NewNotFound(gr, name)
		}

		current, err := r.scheme.New(gvk)
		if err != nil {
			return err
		}
		if err := decodeInto(data, current); err != nil {
			return err
		}
		currentMeta, err := util.GetObjectMeta(current)
		if err != nil {
			return err
		}

		if len(currentMeta.Finalizers) > 0 {
			if currentMeta.DeletionTimestamp != nil {
				// 已经处于删除中，本次调用什么也不做。
				eventType = ""
				return nil
			}
			now := metav1.Time{Time: r.clock.Now()}
			currentMeta.DeletionTimestamp = &now

			newRV, err = getAndIncrementGlobalRV(tx)
			if err != nil {
				return err
			}
			currentMeta.ResourceVersion = formatRV(newRV)

			encoded, err := encode(current)
			if err != nil {
				return err
			}
			stored = current
			eventType = Modified
			return bucket.Put(key, encoded)
		}

		newRV, err = getAndIncrementGlobalRV(tx)
		if err != nil {
			return err
		}
		currentMeta.ResourceVersion = formatRV(newRV)
		stored = current
		eventType = Deleted
		return bucket.Delete(key)
	})
	if err != nil {
		return err
	}
	if eventType == "" {
		return nil
	}

	r.publishLocked(Event{
		Type:            eventType,
		Key:             namespace + "/" + name,
		GVK:             gvk,
		Object:          stored.DeepCopyObject(),
		ResourceVersion: formatRV(newRV),
	})
	return nil
}
