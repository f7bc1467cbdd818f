// file: pkg/finalizer/coordinator.go

package finalizer

import (
	"context"
	"fmt"

	"k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/util/retry"
	"k8s.io/klog/v2"

	"github.com/fx147/ecsm-runtime/pkg/registry"
	"github.com/fx147/ecsm-runtime/pkg/util"
)

// CleanupFunc 是用户注册的清理回调。
// 返回 nil 表示清理完成，可以放行删除；返回错误表示稍后重试——
// 清理失败时对象必须停在 terminating 状态，这是有意为之。
type CleanupFunc func(ctx context.Context, obj runtime.Object) error

// Coordinator 负责 finalizer 协议的两端：
// 在对象进入正常调谐之前确保 finalizer 已经打上；
// 在对象进入删除流程之后，先跑清理，成功了才摘掉 finalizer 放行删除。
type Coordinator struct {
	// mark 是本控制器的 finalizer 名字，例如 "ecsm.sh/service-cleanup"。
	mark     string
	registry registry.Interface
	cleanup  CleanupFunc
}

// New 创建一个 Coordinator。mark 为空或 cleanup 为 nil 表示该类型
// 没有注册清理逻辑，此时 Prepare 和 HandleFinalizing 都是 no-op。
func New(mark string, reg registry.Interface, cleanup CleanupFunc) *Coordinator {
	return &Coordinator{
		mark:     mark,
		registry: reg,
		cleanup:  cleanup,
	}
}

// Enabled 返回该类型是否注册了清理逻辑。
func (c *Coordinator) Enabled() bool {
	return c.mark != "" && c.cleanup != nil
}

// Prepare 确保对象带上 finalizer，发生在第一次正常调谐之前。
// 返回打上标记之后的对象（finalizer 已存在时原样返回）。
// 版本冲突说明对象刚被别人改过，重新读取再试。
func (c *Coordinator) Prepare(ctx context.Context, obj runtime.Object) (runtime.Object, error) {
	if !c.Enabled() {
		return obj, nil
	}
	meta, err := util.GetObjectMeta(obj)
	if err != nil {
		return nil, err
	}
	if meta.HasFinalizer(c.mark) || meta.DeletionTimestamp != nil {
		return obj, nil
	}

	updated := obj.DeepCopyObject()
	err = retry.RetryOnConflict(retry.DefaultRetry, func() error {
		m, err := util.GetObjectMeta(updated)
		if err != nil {
			return err
		}
		if !m.AddFinalizer(c.mark) {
			return nil
		}
		updateErr := c.registry.Update(ctx, updated)
		if errors.IsConflict(updateErr) {
			// 拿最新版本重试。
			if getErr := c.registry.Get(ctx, m.Namespace, m.Name, updated); getErr != nil {
				return getErr
			}
		}
		return updateErr
	})
	if err != nil {
		return nil, fmt.Errorf("failed to add finalizer %q: %w", c.mark, err)
	}

	klog.V(2).Infof("Added finalizer %q to %s/%s", c.mark, meta.Namespace, meta.Name)
	return updated, nil
}

// HandleFinalizing 处理一个处于删除流程中的对象：执行清理，
// 成功后摘掉 finalizer（恰好一次）。摘掉之后 Registry 才会完成物理删除。
// 清理失败返回错误，调用方按常规退避重试——没有放弃路径。
func (c *Coordinator) HandleFinalizing(ctx context.Context, obj runtime.Object) error {
	if !c.Enabled() {
		return nil
	}
	meta, err := util.GetObjectMeta(obj)
	if err != nil {
		return err
	}

	// 事件携带的负载可能已经过期，以 Registry 里的当前状态为准。
	current := obj.DeepCopyObject()
	if err := c.registry.Get(ctx, meta.Namespace, meta.Name, current); err != nil {
		if errors.IsNotFound(err) {
			// 对象已经被物理删除，说明清理早已确认完成。
			return nil
		}
		return err
	}
	curMeta, err := util.GetObjectMeta(current)
	if err != nil {
		return err
	}
	if !curMeta.HasFinalizer(c.mark) {
		// 标记已经被摘掉（例如重复投递的 Finalizing 事件），无事可做。
		return nil
	}

	if err := c.cleanup(ctx, current); err != nil {
		return fmt.Errorf("cleanup for %s/%s failed: %w", meta.Namespace, meta.Name, err)
	}

	updated := current.DeepCopyObject()
	err = retry.RetryOnConflict(retry.DefaultRetry, func() error {
		m, err := util.GetObjectMeta(updated)
		if err != nil {
			return err
		}
		if !m.RemoveFinalizer(c.mark) {
			return nil
		}
		updateErr := c.registry.Update(ctx, updated)
		if errors.IsConflict(updateErr) {
			if getErr := c.registry.Get(ctx, m.Namespace, m.Name, updated); getErr != nil {
				if errors.IsNotFound(getErr) {
					// 对象已经没了，说明标记已被摘掉。
					return nil
				}
				return getErr
			}
		}
		return updateErr
	})
	if err != nil {
		return fmt.Errorf("failed to remove finalizer %q: %w", c.mark, err)
	}

	klog.V(2).Infof("Removed finalizer %q from %s/%s, deletion may proceed", c.mark, meta.Namespace, meta.Name)
	return nil
}
