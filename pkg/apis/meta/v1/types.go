package v1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

// 描述了资源的类型
type TypeMeta struct {
	// 此对象所表示的REST资源
	// +required
	Kind string `json:"kind,omitempty"`

	// 定义了此对象表示的版本，例如"ecsm.sh/v1"
	// +required
	APIVersion string `json:"apiVersion,omitempty"`
}

// 描述一个资源实例所需要的元数据
type ObjectMeta struct {
	// 用户通过yaml文件创建资源实例时指定的名称
	// +required
	Name string `json:"name"`

	// 资源所属的命名空间，默认为default
	// +optional
	Namespace string `json:"namespace,omitempty"`

	// 资源实例的唯一标识符，由Registry在Create时自动生成
	// +readonly
	UID string `json:"uid,omitempty"`

	// 用于筛选和选择对象的标签键值对
	// +optional
	Labels map[string]string `json:"labels,omitempty"`

	// 用于附加任意非标识性元数据的键值对
	// +optional
	Annotations map[string]string `json:"annotations,omitempty"`

	// 内部版本号，用于实现乐观并发控制。每次写入都会递增。
	// 客户端必须在 Update 时原样带回此值，否则会收到 Conflict 错误
	// +readonly
	ResourceVersion string `json:"resourceVersion,omitempty"`

	// Generation 只在 spec 发生变化时递增，status 写入不会改变它
	// +readonly
	Generation int64 `json:"generation,omitempty"`

	// Finalizers 是删除前必须被逐一清空的标记列表。
	// 只要列表非空，Delete 只会设置 DeletionTimestamp 而不会物理删除对象
	// +optional
	Finalizers []string `json:"finalizers,omitempty"`

	// 创建时间
	// +readonly
	CreationTimestamp metav1.Time `json:"creationTimestamp,omitempty"`
	// 删除时间，如果不为nil，表示对象正在被删除
	// +readonly
	DeletionTimestamp *metav1.Time `json:"deletionTimestamp,omitempty"`
}

// HasFinalizer 判断指定的 finalizer 是否在列表中。
func (m *ObjectMeta) HasFinalizer(name string) bool {
	for _, f := range m.Finalizers {
		if f == name {
			return true
		}
	}
	return false
}

// AddFinalizer 将 finalizer 追加到列表（幂等）。返回值表示列表是否被修改。
func (m *ObjectMeta) AddFinalizer(name string) bool {
	if m.HasFinalizer(name) {
		return false
	}
	m.Finalizers = append(m.Finalizers, name)
	return true
}

// RemoveFinalizer 将 finalizer 从列表中移除（幂等）。返回值表示列表是否被修改。
func (m *ObjectMeta) RemoveFinalizer(name string) bool {
	for i, f := range m.Finalizers {
		if f == name {
			m.Finalizers = append(m.Finalizers[:i], m.Finalizers[i+1:]...)
			return true
		}
	}
	return false
}

// DeepCopyInto 将 ObjectMeta 深拷贝到 out 中。
// map、slice 和时间指针都必须复制，否则副本会和原对象共享底层存储。
func (m *ObjectMeta) DeepCopyInto(out *ObjectMeta) {
	*out = *m
	if m.Labels != nil {
		out.Labels = make(map[string]string, len(m.Labels))
		for k, v := range m.Labels {
			out.Labels[k] = v
		}
	}
	if m.Annotations != nil {
		out.Annotations = make(map[string]string, len(m.Annotations))
		for k, v := range m.Annotations {
			out.Annotations[k] = v
		}
	}
	if m.Finalizers != nil {
		out.Finalizers = make([]string, len(m.Finalizers))
		copy(out.Finalizers, m.Finalizers)
	}
	m.CreationTimestamp.DeepCopyInto(&out.CreationTimestamp)
	if m.DeletionTimestamp != nil {
		out.DeletionTimestamp = m.DeletionTimestamp.DeepCopy()
	}
}

// ListMeta 包含了列表（集合）资源所需的元数据。
type ListMeta struct {
	// ResourceVersion 是此列表快照对应的全局版本。
	// 客户端可以用它来发起 watch 请求
	// +optional
	ResourceVersion string `json:"resourceVersion,omitempty"`

	// Continue 是一个不透明的令牌，用于从服务器获取下一页的结果
	// +optional
	Continue string `json:"continue,omitempty"`
}

// ConditionStatus 是 Condition 的状态
type ConditionStatus string

const (
	ConditionStatusTrue    ConditionStatus = "True"
	ConditionStatusFalse   ConditionStatus = "False"
	ConditionStatusUnknown ConditionStatus = "Unknown"
)

type Condition struct {
	// Type 是condition的类型，例如Ready
	// +required
	Type string `json:"type,omitempty"`
	// Status 是condition的状态
	// +required
	Status ConditionStatus `json:"status,omitempty"`
	// LastTransitionTime 是condition最后一次转换的时间
	// +optional
	LastTransitionTime metav1.Time `json:"lastTransitionTime,omitempty"`
	// Reason 是condition转换的原因
	// +optional
	Reason string `json:"reason,omitempty"`
	// Message 是人类可读的详细信息
	// +optional
	Message string `json:"message,omitempty"`
}

// GetObjectKind 返回一个指向该对象类型信息的指针。
// 因为 *TypeMeta 实现了 schema.ObjectKind 接口，所以可以直接返回自身。
func (t *TypeMeta) GetObjectKind() schema.ObjectKind {
	return t
}

// SetGroupVersionKind 为对象设置 GroupVersionKind 信息。
func (t *TypeMeta) SetGroupVersionKind(gvk schema.GroupVersionKind) {
	t.APIVersion, t.Kind = gvk.ToAPIVersionAndKind()
}

// GroupVersionKind 返回对象的 GroupVersionKind。
func (t *TypeMeta) GroupVersionKind() schema.GroupVersionKind {
	return schema.FromAPIVersionAndKind(t.APIVersion, t.Kind)
}
