// file: cmd/ecsm-operator/main.go

package main

import (
	"flag"

	"github.com/fx147/ecsm-runtime/cmd/ecsm-operator/app"
	"k8s.io/klog/v2"
)

func main() {
	// 1. 初始化一个空的 FlagSet，承接 klog 的标志
	fs := flag.NewFlagSet("klog", flag.ContinueOnError)
	klog.InitFlags(fs)

	// 2. 将 klog 的标志添加到 cobra 的根命令上
	//    这样 cobra 就能解析 -v, --logtostderr 等 klog 参数了
	app.GetRootCmd().PersistentFlags().AddGoFlagSet(fs)

	// 3. 正常执行 cobra
	app.Execute()
}
