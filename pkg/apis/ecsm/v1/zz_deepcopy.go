// file: pkg/apis/ecsm/v1/zz_deepcopy.go

// 手写的 deepcopy 实现。对象类型不多，暂时不引入 deepcopy-gen。

package v1

import (
	"k8s.io/apimachinery/pkg/runtime"

	metav1 "github.com/fx147/ecsm-runtime/pkg/apis/meta/v1"
)

// DeepCopyInto 将 ECSMService 深拷贝到 out 中。
func (in *ECSMService) DeepCopyInto(out *ECSMService) {
	*out = *in
	out.TypeMeta = in.TypeMeta
	in.ObjectMeta.DeepCopyInto(&out.ObjectMeta)
	in.Spec.DeepCopyInto(&out.Spec)
	in.Status.DeepCopyInto(&out.Status)
}

// DeepCopy 返回 ECSMService 的一个深拷贝副本。
func (in *ECSMService) DeepCopy() *ECSMService {
	if in == nil {
		return nil
	}
	out := new(ECSMService)
	in.DeepCopyInto(out)
	return out
}

// DeepCopyObject 实现 runtime.Object 接口。
func (in *ECSMService) DeepCopyObject() runtime.Object {
	if c := in.DeepCopy(); c != nil {
		return c
	}
	return nil
}

// DeepCopyInto 将 ECSMServiceList 深拷贝到 out 中。
func (in *ECSMServiceList) DeepCopyInto(out *ECSMServiceList) {
	*out = *in
	out.TypeMeta = in.TypeMeta
	out.ListMeta = in.ListMeta
	if in.Items != nil {
		out.Items = make([]ECSMService, len(in.Items))
		for i := range in.Items {
			in.Items[i].DeepCopyInto(&out.Items[i])
		}
	}
}

// DeepCopy 返回 ECSMServiceList 的一个深拷贝副本。
func (in *ECSMServiceList) DeepCopy() *ECSMServiceList {
	if in == nil {
		return nil
	}
	out := new(ECSMServiceList)
	in.DeepCopyInto(out)
	return out
}

// DeepCopyObject 实现 runtime.Object 接口。
func (in *ECSMServiceList) DeepCopyObject() runtime.Object {
	if c := in.DeepCopy(); c != nil {
		return c
	}
	return nil
}

// DeepCopyInto 将 spec 深拷贝到 out 中。
func (in *ECSMServiceSpec) DeepCopyInto(out *ECSMServiceSpec) {
	*out = *in
	in.DeploymentStrategy.DeepCopyInto(&out.DeploymentStrategy)
	in.Template.DeepCopyInto(&out.Template)
}

// DeepCopyInto 将 status 深拷贝到 out 中。
func (in *ECSMServiceStatus) DeepCopyInto(out *ECSMServiceStatus) {
	*out = *in
	if in.Conditions != nil {
		out.Conditions = make([]metav1.Condition, len(in.Conditions))
		copy(out.Conditions, in.Conditions)
	}
}

// DeepCopyInto 将部署策略深拷贝到 out 中。
func (in *DeploymentStrategy) DeepCopyInto(out *DeploymentStrategy) {
	*out = *in
	if in.Replicas != nil {
		replicas := *in.Replicas
		out.Replicas = &replicas
	}
	if in.Nodes != nil {
		out.Nodes = append([]string(nil), in.Nodes...)
	}
	if in.NodePool != nil {
		out.NodePool = append([]string(nil), in.NodePool...)
	}
}

// DeepCopyInto 将容器模版深拷贝到 out 中。
func (in *ContainerTemplateSpec) DeepCopyInto(out *ContainerTemplateSpec) {
	*out = *in
	if in.Command != nil {
		out.Command = append([]string(nil), in.Command...)
	}
	if in.Env != nil {
		out.Env = append([]EnvVar(nil), in.Env...)
	}
}
