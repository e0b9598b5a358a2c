package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/kardianos/service"

	"lan-integrity-tester/internal/server"
)

// program 让响应端可以由系统服务管理器启动和停止
type program struct {
	config      server.Config
	metricsAddr string

	cancel context.CancelFunc
	done   sync.WaitGroup
}

func (p *program) Start(s service.Service) error {
	// Start 不能阻塞
	var ctx context.Context
	ctx, p.cancel = context.WithCancel(context.Background())
	p.done.Add(1)
	go func() {
		defer p.done.Done()
		if err := run(ctx, p.config, p.metricsAddr); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("服务运行错误: %v", err)
		}
	}()
	return nil
}

func (p *program) Stop(s service.Service) error {
	if p.cancel != nil {
		p.cancel()
	}
	p.done.Wait()
	return nil
}

func controlService(action string, config server.Config, metricsAddr string) error {
	svcConfig := &service.Config{
		Name:        "lit-server",
		DisplayName: "LAN Integrity Tester Responder",
		Description: "局域网链路质量测试响应端",
		Arguments:   serviceArguments(config, metricsAddr),
	}
	svc, err := service.New(&program{config: config, metricsAddr: metricsAddr}, svcConfig)
	if err != nil {
		return fmt.Errorf("创建服务失败: %w", err)
	}

	switch action {
	case "install":
		err = svc.Install()
	case "uninstall":
		err = svc.Uninstall()
	case "start":
		err = svc.Start()
	case "stop":
		err = svc.Stop()
	case "run":
		err = svc.Run()
	default:
		return fmt.Errorf("未知服务操作: %s", action)
	}
	if err != nil {
		return fmt.Errorf("服务操作 %s 失败: %w", action, err)
	}
	log.Printf("服务操作 %s 完成", action)
	return nil
}

// serviceArguments 让已安装的服务以相同配置运行
func serviceArguments(config server.Config, metricsAddr string) []string {
	args := []string{
		"--svc", "run",
		"--port", fmt.Sprint(config.Port),
		"--transport", config.Transport,
		"--listener-timeout", config.ListenerTimeout.String(),
	}
	if config.Address != "" {
		args = append(args, "--address", config.Address)
	}
	if config.Discovery.Enabled {
		args = append(args, "--discovery", "--discovery-port", fmt.Sprint(config.Discovery.Port))
	}
	if metricsAddr != "" {
		args = append(args, "--metrics", metricsAddr)
	}
	return args
}
