package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/runtime"

	ecsmv1 "github.com/fx147/ecsm-runtime/pkg/apis/ecsm/v1"
	metav1 "github.com/fx147/ecsm-runtime/pkg/apis/meta/v1"
)

func TestGetObjectMeta(t *testing.T) {
	svc := &ecsmv1.ECSMService{
		ObjectMeta: metav1.ObjectMeta{Namespace: "default", Name: "app-one"},
	}

	meta, err := GetObjectMeta(svc)
	require.NoError(t, err)
	assert.Equal(t, "app-one", meta.Name)

	// 返回的是指针，通过它的修改落在原对象上
	meta.ResourceVersion = "42"
	assert.Equal(t, "42", svc.ResourceVersion)
}

func TestGetGVKFallsBackToScheme(t *testing.T) {
	scheme := runtime.NewScheme()
	require.NoError(t, ecsmv1.AddToScheme(scheme))

	// Go 代码直接构造的对象 TypeMeta 是空的，走 scheme 查询
	gvk, err := GetGVK(&ecsmv1.ECSMService{}, scheme)
	require.NoError(t, err)
	assert.Equal(t, "ECSMService", gvk.Kind)
	assert.Equal(t, ecsmv1.GroupName, gvk.Group)

	// 自带 TypeMeta 的对象优先用自己的
	typed := &ecsmv1.ECSMService{
		TypeMeta: metav1.TypeMeta{APIVersion: "ecsm.sh/v1", Kind: "ECSMService"},
	}
	gvk, err = GetGVK(typed, scheme)
	require.NoError(t, err)
	assert.Equal(t, "v1", gvk.Version)
}

func TestGetSpecAndStatus(t *testing.T) {
	svc := &ecsmv1.ECSMService{
		Spec: ecsmv1.ECSMServiceSpec{
			Template: ecsmv1.ContainerTemplateSpec{Image: "app@1.0"},
		},
	}

	spec, err := GetSpec(svc)
	require.NoError(t, err)
	assert.Equal(t, "app@1.0", spec.Interface().(ecsmv1.ECSMServiceSpec).Template.Image)

	status, err := GetStatus(svc)
	require.NoError(t, err)
	// 取到的是可写的字段
	status.FieldByName("Replicas").SetInt(3)
	assert.Equal(t, int32(3), svc.Status.Replicas)
}
