// file: pkg/registry/event.go

package registry

import (
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

// EventType 定义了事件的类型
type EventType string

const (
	Added    EventType = "ADDED"
	Modified EventType = "MODIFIED"
	Deleted  EventType = "DELETED"
	// Bookmark 不携带对象变更，只用于向订阅者通告当前的全局版本，
	// 让长期空闲的 watch 也能推进自己的恢复点。
	Bookmark EventType = "BOOKMARK"
)

// Event 是一个描述 API 对象变更的事件。
type Event struct {
	Type EventType
	// Key 是对象的唯一标识，例如 "default/my-app"
	Key string
	// GVK 是对象的类型，订阅者按它过滤
	GVK schema.GroupVersionKind
	// Object 是事件关联的对象
	Object runtime.Object
	// ResourceVersion 是变更后对象的 resourceVersion
	ResourceVersion string
}
