package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"lan-integrity-tester/internal/client"
	"lan-integrity-tester/internal/common"
	"lan-integrity-tester/internal/control"
)

var (
	version       = "1.0.0"
	serverAddr    string
	serverPort    int
	loss          float64
	packetSize    int
	duration      time.Duration
	burst         bool
	roundTrip     bool
	transport     string
	discover      bool
	discoveryPort int
	tos           int
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "lit-client [rounds] [rate]",
		Short: "局域网链路质量测试端",
		Long: `局域网链路质量测试端

以逐轮递增的速率向响应端发送 UDP 数据包，第 i 轮的速率为 i × rate / rounds，
每轮结束后由响应端统计丢包率和损坏率。

示例:
  # 10 轮，最高 100 Mbit/s
  lit-client 10 100000000 -a 192.168.1.20

  # 通过广播发现响应端，并模拟 5% 丢包
  lit-client 5 50000000 --discover -l 0.05

  # 往返模式，响应端回显数据包
  lit-client 10 1000000000 -a 192.168.1.20 --round-trip`,
		Args: cobra.MaximumNArgs(2),
		RunE: runClient,
	}
	rootCmd.Flags().StringVarP(&serverAddr, "address", "a", "", "响应端地址，空表示使用发现服务或本机")
	rootCmd.Flags().IntVarP(&serverPort, "port", "p", common.DefaultControlPort, "响应端控制通道端口")
	rootCmd.Flags().Float64VarP(&loss, "loss", "l", 0, "响应端人为丢包概率 (0..1)")
	rootCmd.Flags().IntVar(&packetSize, "size", common.DefaultPacketSize, "数据包大小(字节)")
	rootCmd.Flags().DurationVar(&duration, "duration", common.DefaultRoundDuration, "每轮持续时间")
	rootCmd.Flags().BoolVar(&burst, "burst", false, "不做速率控制，尽力发送")
	rootCmd.Flags().BoolVar(&roundTrip, "round-trip", false, "往返模式，响应端回显数据包")
	rootCmd.Flags().StringVar(&transport, "transport", control.TransportTCP, "控制通道传输协议: tcp | quic")
	rootCmd.Flags().BoolVar(&discover, "discover", false, "通过广播发现响应端")
	rootCmd.Flags().IntVar(&discoveryPort, "discovery-port", common.DefaultDiscoveryPort, "发现服务端口")
	rootCmd.Flags().IntVar(&tos, "tos", 0, "数据通道 IP TOS")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "打印版本",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("lit-client v%s\n", version)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runClient(cmd *cobra.Command, args []string) error {
	config := common.DefaultTestConfig()
	if len(args) > 0 {
		rounds, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("无效的轮数 %q: %w", args[0], err)
		}
		config.Rounds = rounds
	}
	if len(args) > 1 {
		rate, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return fmt.Errorf("无效的速率 %q: %w", args[1], err)
		}
		config.MaxRate = rate
	}
	config.Loss = loss
	config.PacketSize = packetSize
	config.RoundDuration = duration
	config.Burst = burst
	config.RoundTrip = roundTrip
	config.ServerAddress = serverAddr
	config.ServerPort = serverPort
	config.Transport = transport
	config.TOS = tos
	config.Discovery.Enabled = discover && serverAddr == ""
	config.Discovery.Port = discoveryPort

	if err := validate(config); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cli := client.NewClient(config)
	log.Printf("开始链路质量测试，%d 轮，最大速率 %.0f bit/s，包大小 %d 字节，每轮 %s",
		config.Rounds, config.MaxRate, config.PacketSize, config.RoundDuration)

	if err := cli.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			log.Fatalf("测试被中断")
		}
		log.Fatalf("测试失败: %v", err)
	}
	cli.PrintResults()
	return nil
}

func validate(config common.TestConfig) error {
	switch {
	case config.Rounds < 1 || config.Rounds > common.MaxRounds:
		return fmt.Errorf("轮数必须在 1 到 %d 之间: %d", common.MaxRounds, config.Rounds)
	case config.MaxRate <= 0 || config.MaxRate > common.MaxRate:
		return fmt.Errorf("速率必须在 1 到 %d bit/s 之间: %.0f", common.MaxRate, config.MaxRate)
	case config.Loss < 0 || config.Loss > 1:
		return fmt.Errorf("%w: %v", common.ErrInvalidLoss, config.Loss)
	case config.PacketSize < 1 || config.PacketSize > common.MaxPacketSize:
		return fmt.Errorf("数据包大小必须在 1 到 %d 之间: %d", common.MaxPacketSize, config.PacketSize)
	case config.RoundDuration <= 0:
		return fmt.Errorf("每轮持续时间必须为正: %s", config.RoundDuration)
	case config.Transport != control.TransportTCP && config.Transport != control.TransportQUIC:
		return fmt.Errorf("未知传输协议: %s", config.Transport)
	case config.ServerPort <= 0 || config.ServerPort > 65535:
		return fmt.Errorf("端口超出范围: %d", config.ServerPort)
	}
	return nil
}
