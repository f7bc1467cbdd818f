package util

import (
	"fmt"
	"reflect"

	metav1 "github.com/fx147/ecsm-runtime/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

// GetObjectMeta 使用反射从 runtime.Object 中安全地取出 ObjectMeta 字段的指针。
// 这是实现通用存储和控制器的关键。
func GetObjectMeta(obj runtime.Object) (*metav1.ObjectMeta, error) {
	val := reflect.ValueOf(obj)
	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}
	if val.Kind() != reflect.Struct {
		return nil, fmt.Errorf("object is not a struct")
	}

	metaField := val.FieldByName("ObjectMeta")
	if !metaField.IsValid() {
		return nil, fmt.Errorf("object does not have ObjectMeta field")
	}

	meta, ok := metaField.Addr().Interface().(*metav1.ObjectMeta)
	if !ok {
		return nil, fmt.Errorf("field ObjectMeta is not of type *metav1.ObjectMeta")
	}

	return meta, nil
}

// GetGVK 返回对象的 GroupVersionKind。
// 优先使用对象自带的 TypeMeta；如果为空（常见于 Go 代码直接构造的对象），
// 则退回到 scheme 查询。
func GetGVK(obj runtime.Object, scheme *runtime.Scheme) (schema.GroupVersionKind, error) {
	gvk := obj.GetObjectKind().GroupVersionKind()
	if !gvk.Empty() {
		return gvk, nil
	}

	gvks, _, err := scheme.ObjectKinds(obj)
	if err != nil {
		return schema.GroupVersionKind{}, fmt.Errorf("failed to look up object kind in scheme: %w", err)
	}
	if len(gvks) == 0 {
		return schema.GroupVersionKind{}, fmt.Errorf("no kind registered for %T", obj)
	}
	return gvks[0], nil
}

// GetStatus 取出对象的 Status 字段（如果有）。用于实现 status 子资源的独立写入。
func GetStatus(obj runtime.Object) (reflect.Value, error) {
	val := reflect.ValueOf(obj)
	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}
	statusField := val.FieldByName("Status")
	if !statusField.IsValid() {
		return reflect.Value{}, fmt.Errorf("object does not have Status field")
	}
	return statusField, nil
}

// GetSpec 取出对象的 Spec 字段（如果有）。用于判断一次 Update 是否修改了期望状态。
func GetSpec(obj runtime.Object) (reflect.Value, error) {
	val := reflect.ValueOf(obj)
	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}
	specField := val.FieldByName("Spec")
	if !specField.IsValid() {
		return reflect.Value{}, fmt.Errorf("object does not have Spec field")
	}
	return specField, nil
}
