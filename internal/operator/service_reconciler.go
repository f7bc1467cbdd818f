// file: internal/operator/service_reconciler.go

package operator

import (
	"context"
	"fmt"
	"reflect"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/klog/v2"

	ecsmv1 "github.com/fx147/ecsm-runtime/pkg/apis/ecsm/v1"
	ecsmmetav1 "github.com/fx147/ecsm-runtime/pkg/apis/meta/v1"
	"github.com/fx147/ecsm-runtime/pkg/controller"
	"github.com/fx147/ecsm-runtime/pkg/registry"
)

// FinalizerName 是 ECSMService 控制器使用的 finalizer 标记。
const FinalizerName = "ecsm.sh/service-cleanup"

// ServiceReconciler 负责把 ECSMService 的 spec 变成 ECSM 平台上的真实状态，
// 并把观察到的现实写回 status。
type ServiceReconciler struct {
	registry registry.Interface
}

// NewServiceReconciler 创建一个 ServiceReconciler。
func NewServiceReconciler(reg registry.Interface) *ServiceReconciler {
	return &ServiceReconciler{registry: reg}
}

// Reconcile 是注册给控制器的调谐回调。
func (r *ServiceReconciler) Reconcile(ctx context.Context, obj runtime.Object) error {
	service, ok := obj.(*ecsmv1.ECSMService)
	if !ok {
		// 队列里出现了别的类型，说明接线有编程错误，重试没有意义。
		return controller.NewFatalError(fmt.Errorf("expected *ECSMService, got %T", obj))
	}
	key := service.Namespace + "/" + service.Name
	klog.V(2).Infof("Reconciling ECSMService %s", key)

	// --- 1. 计算期望副本数 ---
	desiredReplicas := int32(0)
	switch service.Spec.DeploymentStrategy.Type {
	case ecsmv1.DeploymentStrategyTypeStatic:
		desiredReplicas = int32(len(service.Spec.DeploymentStrategy.Nodes))
	case ecsmv1.DeploymentStrategyTypeDynamic:
		if service.Spec.DeploymentStrategy.Replicas != nil {
			desiredReplicas = *service.Spec.DeploymentStrategy.Replicas
		}
	}

	// --- 2. 调谐容器实例 ---
	// TODO: 接入 ECSM 平台客户端之后，在这里对比真实容器列表并创建/删除实例。

	// --- 3. 更新 status ---
	newStatus := service.Status
	newStatus.Replicas = desiredReplicas
	newStatus.ReadyReplicas = desiredReplicas
	newStatus.ObservedGeneration = service.Generation

	if reflect.DeepEqual(service.Status, newStatus) {
		return nil
	}

	updated := service.DeepCopy()
	updated.Status = newStatus
	setCondition(&updated.Status, "Available", ecsmmetav1.ConditionStatusTrue, "ReplicasReady")
	if err := r.registry.UpdateStatus(ctx, updated); err != nil {
		// 包括版本冲突在内的所有错误都走重试：下一次会基于新版本重新计算。
		return fmt.Errorf("failed to update status for %s: %w", key, err)
	}
	return nil
}

// Finalize 是注册给控制器的清理回调，在对象被允许物理删除之前运行。
func (r *ServiceReconciler) Finalize(ctx context.Context, obj runtime.Object) error {
	service, ok := obj.(*ecsmv1.ECSMService)
	if !ok {
		return fmt.Errorf("expected *ECSMService, got %T", obj)
	}
	klog.Infof("Cleaning up ECSMService %s/%s before deletion", service.Namespace, service.Name)

	// TODO: 接入 ECSM 平台客户端之后，在这里删除服务的全部容器实例。
	return nil
}

// setCondition 覆盖同类型的 condition，不存在时追加。
func setCondition(status *ecsmv1.ECSMServiceStatus, condType string, condStatus ecsmmetav1.ConditionStatus, reason string) {
	for i := range status.Conditions {
		if status.Conditions[i].Type == condType {
			if status.Conditions[i].Status != condStatus {
				status.Conditions[i].Status = condStatus
				status.Conditions[i].Reason = reason
				status.Conditions[i].LastTransitionTime = metav1.Now()
			}
			return
		}
	}
	status.Conditions = append(status.Conditions, ecsmmetav1.Condition{
		Type:               condType,
		Status:             condStatus,
		Reason:             reason,
		LastTransitionTime: metav1.Now(),
	})
}
