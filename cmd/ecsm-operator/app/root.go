// file: cmd/ecsm-operator/app/root.go

package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	bolt "go.etcd.io/bbolt"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/klog/v2"

	"github.com/fx147/ecsm-runtime/internal/operator"
	ecsmv1 "github.com/fx147/ecsm-runtime/pkg/apis/ecsm/v1"
	"github.com/fx147/ecsm-runtime/pkg/controller"
	"github.com/fx147/ecsm-runtime/pkg/leaderelection"
	"github.com/fx147/ecsm-runtime/pkg/registry"
)

var (
	// cfgFile 用于存储配置文件的路径
	cfgFile string

	// rootCmd 代表没有调用子命令时的基础命令
	rootCmd = &cobra.Command{
		Use:   "ecsm-operator",
		Short: "The reconciliation engine for ECSM resources",
		Long: `ecsm-operator watches ECSM resources in the registry and drives them
toward their desired state. Multiple replicas may run at the same time;
lease-based leader election guarantees that only one of them reconciles.`,
		RunE: run,
	}
)

// GetRootCmd 返回根命令，供 main 挂载 klog 标志。
func GetRootCmd() *cobra.Command {
	return rootCmd
}

// Execute 是 main.go 调用的主入口。
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.ecsm-operator.yaml)")

	// --- 运行时配置面 ---
	rootCmd.Flags().String("store-path", "ecsm-registry.db", "Path of the bbolt database backing the registry")
	rootCmd.Flags().String("namespace", "", "Namespace to watch (empty for all)")
	rootCmd.Flags().Int("workers", 2, "Number of concurrent reconcile workers")
	rootCmd.Flags().Duration("lease-duration", 15*time.Second, "Leader election lease duration")
	rootCmd.Flags().Duration("renew-interval", 10*time.Second, "Leader election renew interval")
	rootCmd.Flags().Duration("retry-period", 2*time.Second, "Leader election acquire retry period")
	rootCmd.Flags().Duration("backoff-base", time.Second, "Base delay for retry/reconnect backoff")
	rootCmd.Flags().Duration("backoff-cap", 30*time.Second, "Maximum delay for retry/reconnect backoff")
	rootCmd.Flags().Int("max-retries", 15, "Maximum retries for a failing reconcile (0 for unlimited)")
	rootCmd.Flags().Duration("resync-interval", 10*time.Minute, "Periodic full relist interval")
	rootCmd.Flags().Duration("health-window", 15*time.Minute, "Max watcher inactivity before the pipeline is reported unhealthy (should be >= resync-interval)")

	cobra.CheckErr(viper.BindPFlags(rootCmd.Flags()))
}

// initConfig 读取配置文件和环境变量（如果设置了的话）。
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(".")
		viper.AddConfigPath(home)
		viper.SetConfigName(".ecsm-operator")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("ECSM_OPERATOR")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			klog.Warningf("Error reading config file: %v", err)
		}
	}
}

func run(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- 1. 打开存储，构建 Registry ---
	db, err := bolt.Open(viper.GetString("store-path"), 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer db.Close()

	scheme := runtime.NewScheme()
	if err := ecsmv1.AddToScheme(scheme); err != nil {
		return err
	}

	reg, err := registry.NewRegistry(db, scheme, registry.Options{})
	if err != nil {
		return fmt.Errorf("failed to create registry: %w", err)
	}

	// --- 2. 构建 ECSMService 控制器 ---
	reconciler := operator.NewServiceReconciler(reg)
	ctrl := controller.New(reg, scheme,
		&ecsmv1.ECSMService{}, &ecsmv1.ECSMServiceList{},
		reconciler.Reconcile, reconciler.Finalize,
		controller.Options{
			Name:           "ecsmservice",
			FinalizerName:  operator.FinalizerName,
			Namespace:      viper.GetString("namespace"),
			Workers:        viper.GetInt("workers"),
			ResyncInterval: viper.GetDuration("resync-interval"),
			BackoffBase:    viper.GetDuration("backoff-base"),
			BackoffCap:     viper.GetDuration("backoff-cap"),
			MaxRetries:     viper.GetInt("max-retries"),
		})

	// --- 3. 管线的生命周期绑定在 leadership 上 ---
	elector, err := leaderelection.New(reg, leaderelection.Callbacks{
		OnStartedLeading: func(leadCtx context.Context) {
			if err := ctrl.Run(leadCtx); err != nil && leadCtx.Err() == nil {
				klog.Errorf("Controller pipeline exited unexpectedly: %v", err)
			}
		},
		OnStoppedLeading: func() {
			klog.Warningf("Leadership lost, reconciliation suspended")
		},
	}, leaderelection.Options{
		LeaseName:     "ecsm-operator",
		LeaseDuration: viper.GetDuration("lease-duration"),
		RenewInterval: viper.GetDuration("renew-interval"),
		RetryPeriod:   viper.GetDuration("retry-period"),
	})
	if err != nil {
		return err
	}

	// --- 4. 活性信号：周期性检查 watcher 是否还有活动 ---
	healthWindow := viper.GetDuration("health-window")
	if healthWindow <= 0 {
		healthWindow = 15 * time.Minute
	}
	go func() {
		ticker := time.NewTicker(healthWindow / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !ctrl.Healthy(healthWindow) {
					klog.Warningf("Controller pipeline unhealthy: no watcher activity in the last %v", healthWindow)
				}
			}
		}
	}()

	klog.Infof("Starting ecsm-operator (identity %q)", elector.Identity())
	elector.Run(ctx)
	return nil
}
