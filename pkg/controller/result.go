// file: pkg/controller/result.go

package controller

import (
	"context"
	stderrors "errors"

	"k8s.io/apimachinery/pkg/runtime"
)

// ReconcileFunc 是用户提供的调谐回调。
// 返回 nil 表示成功；返回普通错误表示可重试失败，按退避重新入队；
// 返回 NewFatalError 包装的错误表示致命失败，条目被丢弃，
// 对象保持原状直到新的外部变更再次触发。
type ReconcileFunc func(ctx context.Context, obj runtime.Object) error

// fatalError 标记一个不值得重试的调谐失败。
type fatalError struct {
	err error
}

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// NewFatalError 把 err 包装为致命失败。
func NewFatalError(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

// IsFatal 判断错误是否被标记为致命失败。
func IsFatal(err error) bool {
	var fe *fatalError
	return stderrors.As(err, &fe)
}
