package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"lan-integrity-tester/internal/common"
	"lan-integrity-tester/internal/control"
	"lan-integrity-tester/internal/discovery"
)

// Config 包含响应端的配置参数
type Config struct {
	Address         string // 监听地址，空表示所有地址
	Port            int    // 控制通道端口
	Transport       string // tcp|quic
	ListenerTimeout time.Duration
	Discovery       common.DiscoveryConfig
}

// Server 表示链路质量测试的响应端
type Server struct {
	config    Config
	listener  control.Listener
	discovery *discovery.Responder
	sessions  sync.WaitGroup
	nextID    atomic.Int64
}

// NewServer 创建一个新的服务器实例
func NewServer(config Config) *Server {
	if config.ListenerTimeout <= 0 {
		config.ListenerTimeout = common.DefaultListenTimeout
	}
	if config.Transport == "" {
		config.Transport = control.TransportTCP
	}
	return &Server{config: config}
}

// Listen 绑定控制通道端口，启用发现时同时绑定发现端口
func (s *Server) Listen() error {
	addr := net.JoinHostPort(s.config.Address, strconv.Itoa(s.config.Port))
	ln, err := control.Listen(s.config.Transport, addr)
	if err != nil {
		return err
	}
	s.listener = ln

	if s.config.Discovery.Enabled {
		discoveryAddr := net.JoinHostPort(s.config.Address, strconv.Itoa(s.config.Discovery.Port))
		r, err := discovery.NewResponder(discoveryAddr, portOf(ln.Addr()))
		if err != nil {
			ln.Close()
			return err
		}
		s.discovery = r
	}

	log.Printf("服务器已启动，控制通道 %s://%s", s.config.Transport, ln.Addr())
	return nil
}

// Addr 返回控制通道的监听地址
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// DiscoveryAddr 返回发现服务的地址，未启用时返回 nil
func (s *Server) DiscoveryAddr() net.Addr {
	if s.discovery == nil {
		return nil
	}
	return s.discovery.Addr()
}

// Start 启动服务器并阻塞到 ctx 取消
func (s *Server) Start(ctx context.Context) error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	return s.Serve(ctx)
}

// Serve 接受控制连接，每个连接一个会话。发现服务与接受循环一同运行
func (s *Server) Serve(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer s.listener.Close()
		for {
			conn, err := s.listener.Accept(ctx)
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
					return nil
				}
				return fmt.Errorf("接受连接错误: %w", err)
			}

			log.Printf("接受来自 %s 的新连接", conn.RemoteAddr())
			s.sessions.Add(1)
			go func() {
				defer s.sessions.Done()
				s.handleConnection(ctx, conn)
			}()
		}
	})

	if s.discovery != nil {
		g.Go(func() error {
			return s.discovery.Serve(ctx)
		})
	}

	err := g.Wait()
	s.sessions.Wait()
	return err
}

// Stop 停止服务器
func (s *Server) Stop() {
	if s.listener != nil {
		s.listener.Close()
	}
	if s.discovery != nil {
		s.discovery.Close()
	}
}

// handleConnection 处理单个控制连接
func (s *Server) handleConnection(ctx context.Context, conn *control.Conn) {
	id := s.nextID.Inc()
	activeSessionsGauge.Inc()
	defer activeSessionsGauge.Dec()

	session := newSession(id, conn, s.config.ListenerTimeout)
	if err := session.Run(ctx); err != nil {
		sessionsCounter.WithLabelValues("aborted").Inc()
		log.Printf("会话 #%d 中止: %v", id, err)
		return
	}
	sessionsCounter.WithLabelValues("complete").Inc()
	log.Printf("会话 #%d 完成，共 %d 轮", id, len(session.Results()))
}

func portOf(addr net.Addr) int {
	_, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return 0
	}
	p, _ := strconv.Atoi(port)
	return p
}
