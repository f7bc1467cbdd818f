// file: pkg/registry/lease.go

package registry

import (
	"context"
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"
	"k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

var _leasesBucketKey = []byte("_leases")

// leasesGR 用于构造 lease 相关的状态错误。
var leasesGR = schema.GroupResource{Group: "coordination.ecsm.sh", Resource: "leases"}

// LeaseRecord 是集群级互斥的唯一事实来源。
// 每个控制器进程用一个众所周知的名字竞争同一条记录；
// 对它的所有写入都受 ResourceVersion 保护，两个实例不可能同时写成功。
type LeaseRecord struct {
	// Name 是 lease 的名字，按控制器约定，例如 "ecsm-operator"。
	Name string `json:"name"`
	// HolderIdentity 是当前持有者的标识。
	HolderIdentity string `json:"holderIdentity"`
	// LeaseDurationSeconds 是候选者需要等待的失效时长。
	LeaseDurationSeconds int32 `json:"leaseDurationSeconds"`
	// AcquireTime 是当前持有者取得 lease 的时间。
	AcquireTime metav1.Time `json:"acquireTime"`
	// RenewTime 是持有者最近一次续约的时间。
	RenewTime metav1.Time `json:"renewTime"`
	// ResourceVersion 用于 CAS 写入。
	// +readonly
	ResourceVersion string `json:"resourceVersion,omitempty"`
}

// DeepCopy 返回 LeaseRecord 的副本。
func (l *LeaseRecord) DeepCopy() *LeaseRecord {
	if l == nil {
		return nil
	}
	out := *l
	l.AcquireTime.DeepCopyInto(&out.AcquireTime)
	l.RenewTime.DeepCopyInto(&out.RenewTime)
	return &out
}

// LeaseInterface 是协调存储的接口，供 leader election 使用。
type LeaseInterface interface {
	// GetLease 读取指定名字的 lease，不存在时返回 NotFound。
	GetLease(ctx context.Context, name string) (*LeaseRecord, error)
	// CreateLease 创建 lease，已存在时返回 AlreadyExists。
	CreateLease(ctx context.Context, lease *LeaseRecord) (*LeaseRecord, error)
	// UpdateLease 以 CAS 方式覆盖 lease，版本不匹配时返回 Conflict。
	UpdateLease(ctx context.Context, lease *LeaseRecord) (*LeaseRecord, error)
}

// GetLease 读取指定名字的 lease。
func (r *Registry) GetLease(ctx context.Context, name string) (*LeaseRecord, error) {
	var lease LeaseRecord
	err := r.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(_leasesBucketKey)
		if bucket == nil {
			return errors.NewNotFound(leasesGR, name)
		}
		data := bucket.Get([]byte(name))
		if data == nil {
			return errors.NewNotFound(leasesGR, name)
		}
		return json.Unmarshal(data, &lease)
	})
	if err != nil {
		return nil, err
	}
	return &lease, nil
}

// CreateLease 创建一条新的 lease 记录。
func (r *Registry) CreateLease(ctx context.Context, lease *LeaseRecord) (*LeaseRecord, error) {
	if lease.Name == "" {
		return nil, fmt.Errorf("lease name may not be empty")
	}

	out := lease.DeepCopy()

	r.mu.Lock()
	defer r.mu.Unlock()

	err := r.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(_leasesBucketKey)
		if err != nil {
			return err
		}
		if bucket.Get([]byte(lease.Name)) != nil {
			return errors.NewAlreadyExists(leasesGR, lease.Name)
		}

		rv, err := getAndIncrementGlobalRV(tx)
		if err != nil {
			return err
		}
		out.ResourceVersion = formatRV(rv)

		data, err := json.Marshal(out)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(lease.Name), data)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateLease 以 CAS 方式覆盖 lease 记录。
// 这里的 Conflict 就是"另一个实例抢先写入了"的信号，调用方应当重新 Get 再决策。
func (r *Registry) UpdateLease(ctx context.Context, lease *LeaseRecord) (*LeaseRecord, error) {
	if lease.Name == "" {
		return nil, fmt.Errorf("lease name may not be empty")
	}

	out := lease.DeepCopy()

	r.mu.Lock()
	defer r.mu.Unlock()

	err := r.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(_leasesBucketKey)
		if err != nil {
			return err
		}
		data := bucket.Get([]byte(lease.Name))
		if data == nil {
			return errors.NewNotFound(leasesGR, lease.Name)
		}

		var current LeaseRecord
		if err := json.Unmarshal(data, &current); err != nil {
			return err
		}
		if current.ResourceVersion != lease.ResourceVersion {
			return errors.NewConflict(leasesGR, lease.Name, fmt.Errorf(
				"resourceVersion mismatch: have %q, stored %q",
				lease.ResourceVersion, current.ResourceVersion))
		}

		rv, err := getAndIncrementGlobalRV(tx)
		if err != nil {
			return err
		}
		out.ResourceVersion = formatRV(rv)

		encoded, err := json.Marshal(out)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(lease.Name), encoded)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
