package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"lan-integrity-tester/internal/common"
	"lan-integrity-tester/internal/control"
	"lan-integrity-tester/internal/server"
)

var (
	version         = "1.0.0"
	port            int
	address         string
	transport       string
	enableDiscovery bool
	discoveryPort   int
	metricsAddr     string
	listenerTimeout time.Duration
	svcAction       string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "lit-server",
		Short: "局域网链路质量测试响应端",
		Long: `局域网链路质量测试响应端

接受测试端的控制连接，在每一轮中统计收到和损坏的 UDP 数据包，
测试结束时返回各轮结果。

示例:
  # 在默认端口上运行并启用发现服务
  lit-server --discovery

  # 使用 QUIC 作为控制通道并导出 Prometheus 指标
  lit-server --transport quic --metrics :2112

  # 安装为系统服务
  lit-server --svc install`,
		Args: cobra.NoArgs,
		RunE: runServer,
	}
	rootCmd.Flags().IntVarP(&port, "port", "p", common.DefaultControlPort, "控制通道端口")
	rootCmd.Flags().StringVar(&address, "address", "", "监听地址，空表示所有地址")
	rootCmd.Flags().StringVar(&transport, "transport", control.TransportTCP, "控制通道传输协议: tcp | quic")
	rootCmd.Flags().BoolVar(&enableDiscovery, "discovery", false, "启用广播发现服务")
	rootCmd.Flags().IntVar(&discoveryPort, "discovery-port", common.DefaultDiscoveryPort, "发现服务端口")
	rootCmd.Flags().StringVar(&metricsAddr, "metrics", "", "Prometheus /metrics 的 HTTP 地址，空表示不启用")
	rootCmd.Flags().DurationVar(&listenerTimeout, "listener-timeout", common.DefaultListenTimeout, "测量监听器接收超时")
	rootCmd.Flags().StringVar(&svcAction, "svc", "", "服务操作: install | uninstall | start | stop | run")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "打印版本",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("lit-server v%s\n", version)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("端口超出范围: %d", port)
	}
	if transport != control.TransportTCP && transport != control.TransportQUIC {
		return fmt.Errorf("未知传输协议: %s", transport)
	}
	warnPort(port)

	config := server.Config{
		Address:         address,
		Port:            port,
		Transport:       transport,
		ListenerTimeout: listenerTimeout,
		Discovery: common.DiscoveryConfig{
			Enabled: enableDiscovery,
			Port:    discoveryPort,
		},
	}

	if svcAction != "" {
		return controlService(svcAction, config, metricsAddr)
	}

	// 处理信号以优雅退出
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, config, metricsAddr); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("服务器运行失败: %v", err)
	}
	return nil
}

// run 启动指标服务和响应端，阻塞到 ctx 取消
func run(ctx context.Context, config server.Config, metricsAddr string) error {
	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		httpSrv := &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("指标服务错误: %v", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = httpSrv.Shutdown(shutdownCtx)
		}()
		log.Printf("指标服务监听 %s/metrics", metricsAddr)
	}

	srv := server.NewServer(config)
	log.Printf("启动链路质量测试响应端，端口: %d", config.Port)
	err := srv.Start(ctx)
	log.Println("服务器已关闭")
	return err
}

func warnPort(port int) {
	switch {
	case port < 1024:
		log.Printf("警告: 端口 %d 是知名端口，可能需要特权", port)
	case port < 49151:
		log.Printf("警告: 端口 %d 是注册端口，可能与其他服务冲突", port)
	}
}
