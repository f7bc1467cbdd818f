// file: pkg/registry/store.go

package registry

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/fx147/ecsm-runtime/pkg/util"
	bolt "go.etcd.io/bbolt"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

var (
	_objectsBucketKey = []byte("objects")
)

// bucketPathFor 返回对象类型在 objects bucket 下的子 bucket 名，
// 例如 "ecsm.sh/v1/ecsmservices"。
func bucketPathFor(gvk schema.GroupVersionKind) []byte {
	itemKind := strings.TrimSuffix(gvk.Kind, "List")
	kindPlural := strings.ToLower(itemKind) + "s"
	return []byte(gvk.Group + "/" + gvk.Version + "/" + kindPlural)
}

// objectKey 是对象在类型 bucket 内的 key。
func objectKey(namespace, name string) []byte {
	return []byte(namespace + "/" + name)
}

// getTypeBucket 在读事务中取出类型 bucket，可能为 nil（还没有任何对象写入过）。
func getTypeBucket(tx *bolt.Tx, gvk schema.GroupVersionKind) *bolt.Bucket {
	objects := tx.Bucket(_objectsBucketKey)
	if objects == nil {
		return nil
	}
	return objects.Bucket(bucketPathFor(gvk))
}

// ensureTypeBucket 在写事务中取出（必要时创建）类型 bucket。
func ensureTypeBucket(tx *bolt.Tx, gvk schema.GroupVersionKind) (*bolt.Bucket, error) {
	objects, err := tx.CreateBucketIfNotExists(_objectsBucketKey)
	if err != nil {
		return nil, err
	}
	return objects.CreateBucketIfNotExists(bucketPathFor(gvk))
}

// decodeInto 将存储的 JSON 反序列化到 into 中。
// json.Unmarshal 只覆盖数据里出现的字段，目标必须先清零，
// 否则 omitempty 字段（finalizers、labels 等）的旧内存值会在复用的
// 对象里幸存下来。
func decodeInto(data []byte, into runtime.Object) error {
	v := reflect.ValueOf(into).Elem()
	v.Set(reflect.Zero(v.Type()))
	if err := json.Unmarshal(data, into); err != nil {
		return fmt.Errorf("failed to unmarshal stored object: %w", err)
	}
	return nil
}

// encode 将对象序列化为存储格式。
func encode(obj runtime.Object) ([]byte, error) {
	data, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal object to json: %w", err)
	}
	return data, nil
}

// fillList 遍历类型 bucket，把匹配 namespace 的对象追加到 listInto.Items。
// namespace 为空表示所有命名空间。
// 和 FileStore 时期一样，Items 的元素类型通过反射得到。
func fillList(bucket *bolt.Bucket, namespace string, listInto runtime.Object) error {
	listValue := reflect.ValueOf(listInto).Elem()
	itemsField := listValue.FieldByName("Items")
	if !itemsField.IsValid() {
		return fmt.Errorf("list object %T does not have Items field", listInto)
	}
	itemType := itemsField.Type().Elem()

	if bucket == nil {
		return nil
	}

	prefix := []byte(nil)
	if namespace != "" {
		prefix = []byte(namespace + "/")
	}

	return bucket.ForEach(func(k, v []byte) error {
		if prefix != nil && !strings.HasPrefix(string(k), string(prefix)) {
			return nil
		}
		newItem := reflect.New(itemType).Interface().(runtime.Object)
		if err := decodeInto(v, newItem); err != nil {
			return err
		}
		itemsField.Set(reflect.Append(itemsField, reflect.ValueOf(newItem).Elem()))
		return nil
	})
}

// itemPrototype 根据 List 类型构造一个单对象原型，用于推导 GVK。
// 例如 *ECSMServiceList -> kind "ECSMServiceList" -> "ECSMService"。
func itemGVK(listObj runtime.Object, scheme *runtime.Scheme) (schema.GroupVersionKind, error) {
	gvk, err := util.GetGVK(listObj, scheme)
	if err != nil {
		return schema.GroupVersionKind{}, err
	}
	gvk.Kind = strings.TrimSuffix(gvk.Kind, "List")
	return gvk, nil
}
