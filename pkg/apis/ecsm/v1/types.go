package v1

import metav1 "github.com/fx147/ecsm-runtime/pkg/apis/meta/v1"

// +genclient
// +k8s:deepcopy-gen:interfaces=k8s.io/apimachinery/pkg/runtime.Object

// ECSMService 代表一个ECSM服务实例，是ECSM平台上一个无状态应用的核心抽象
type ECSMService struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   ECSMServiceSpec   `json:"spec,omitempty"`
	Status ECSMServiceStatus `json:"status,omitempty"`
}

// +k8s:deepcopy-gen:interfaces=k8s.io/apimachinery/pkg/runtime.Object

// ECSMServiceList 包含 ECSMService 的列表
type ECSMServiceList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []ECSMService `json:"items"`
}

// ECSMServiceSpec 定义了ECSM服务的期望状态
type ECSMServiceSpec struct {
	// 定义了服务的部署策略，决定了容器实例如何分布在节点上
	// +required
	DeploymentStrategy DeploymentStrategy `json:"deploymentStrategy"`

	// Template 是创建新容器实例的关键模版
	// +required
	Template ContainerTemplateSpec `json:"template"`
}

// ECSMServiceStatus 定义了 ECSMService 的状态
type ECSMServiceStatus struct {
	// Replicas 是在 ECSM 平台上实际找到的、属于此服务的容器实例总数
	Replicas int32 `json:"replicas"`

	// ReadyReplicas 是当前处于在线且运行中的容器实例数量
	ReadyReplicas int32 `json:"readyReplicas"`

	// ObservedGeneration 是控制器最近一次处理的 metadata.generation。
	// 用于区分 spec 变更前后的状态
	// +optional
	ObservedGeneration int64 `json:"observedGeneration,omitempty"`

	// Conditions 提供了标准的机制来报告服务的当前状态
	// +optional
	Conditions []metav1.Condition `json:"conditions,omitempty"`
}

type DeploymentStrategyType string

const (
	DeploymentStrategyTypeStatic  DeploymentStrategyType = "Static"
	DeploymentStrategyTypeDynamic DeploymentStrategyType = "Dynamic"
)

// DeploymentStrategy 定义了服务的部署策略，即节点选择策略
type DeploymentStrategy struct {
	// Type 表示部署类型
	// Static：在 `nodes` 字段中指定的每个节点上都部署一个实例。
	// Dynamic：在 `nodePool` 提供的节点池中，部署 `replicas` 个实例。
	// +kubebuilder:validation:Enum=Static;Dynamic
	// +required
	Type DeploymentStrategyType `json:"type"`

	// Replicas 表示动态选择时的指定副本数量
	// 在 Static 策略下此字段被忽略
	// +optional
	Replicas *int32 `json:"replicas,omitempty"`

	// Nodes 是在静态策略下指定的节点列表
	// +optional
	Nodes []string `json:"nodes,omitempty"`

	// NodePool 是在动态策略下指定的节点池
	// +optional
	NodePool []string `json:"nodePool,omitempty"`
}

// ContainerTemplateSpec 定义了容器模版
type ContainerTemplateSpec struct {
	// Image 是要运行的容器镜像引用，格式为 "name@tag"。
	// 例如: "njust@1.1"。
	// +required
	Image string `json:"image"`

	// Hostname 定义了容器的主机名。如果为空，控制器将默认使用服务名称。
	// +optional
	Hostname string `json:"hostname,omitempty"`

	// Command 是容器的入口点。如果为空，则使用镜像默认的入口点。
	// +optional
	Command []string `json:"command,omitempty"`

	// Env 是要注入到容器中的环境变量列表。
	// +optional
	Env []EnvVar `json:"env,omitempty"`
}

// EnvVar 代表一个环境变量
type EnvVar struct {
	// Name 是环境变量的名称。
	Name string `json:"name"`
	// Value 是环境变量的值。
	Value string `json:"value"`
}
