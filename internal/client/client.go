package client

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"time"

	"github.com/rcrowley/go-metrics"
	"go.uber.org/atomic"
	"golang.org/x/net/ipv4"
	"golang.org/x/sync/errgroup"

	"lan-integrity-tester/internal/common"
	"lan-integrity-tester/internal/control"
	"lan-integrity-tester/internal/discovery"
	"lan-integrity-tester/internal/listener"
	"lan-integrity-tester/internal/pacer"
)

// Client 表示链路质量测试的测试端
type Client struct {
	config common.TestConfig
	state  atomic.Int32
	report common.Report

	conn       *control.Conn
	data       net.PacketConn
	dataAddr   net.Addr
	roundTimer metrics.Timer
	startTime  time.Time
	endTime    time.Time
}

// NewClient 创建一个新的客户端实例
func NewClient(config common.TestConfig) *Client {
	defaults := common.DefaultTestConfig()
	if config.PacketSize <= 0 {
		config.PacketSize = defaults.PacketSize
	}
	if config.RoundDuration <= 0 {
		config.RoundDuration = defaults.RoundDuration
	}
	if config.ListenerTimeout <= 0 {
		config.ListenerTimeout = defaults.ListenerTimeout
	}
	if config.Transport == "" {
		config.Transport = defaults.Transport
	}
	return &Client{
		config:     config,
		roundTimer: metrics.NewTimer(),
	}
}

// State 返回测试端当前状态
func (c *Client) State() common.State {
	return common.State(c.state.Load())
}

// Report 返回最近一次 Run 的结果
func (c *Client) Report() common.Report {
	return c.report
}

func (c *Client) transition(to common.State) error {
	from := c.State()
	if !common.CanTransition(from, to) {
		return fmt.Errorf("%w: 状态 %s 不能转换到 %s", common.ErrProtocolViolation, from, to)
	}
	c.state.Store(int32(to))
	return nil
}

// Run 执行全部轮次。任何错误都会中止测试并关闭两个通道，已完成轮次的结果被丢弃
func (c *Client) Run(ctx context.Context) error {
	rounds, err := schedule(c.config)
	if err != nil {
		return err
	}
	c.report = common.Report{}
	c.state.Store(int32(common.StateIdle))

	addr, err := c.resolveAddress(ctx)
	if err != nil {
		return err
	}

	conn, err := control.Dial(ctx, c.config.Transport, addr)
	if err != nil {
		return err
	}
	c.conn = conn
	defer c.close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	log.Printf("已连接到 %s://%s，共 %d 轮，最大速率 %.0f bit/s", c.config.Transport, addr, len(rounds), c.config.MaxRate)

	if err := c.handshake(); err != nil {
		return c.abort(ctx, err)
	}

	c.startTime = time.Now()
	for _, r := range rounds {
		if err := c.runRound(ctx, r); err != nil {
			return c.abort(ctx, err)
		}
	}

	results, err := c.finish(len(rounds))
	if err != nil {
		return c.abort(ctx, err)
	}
	c.endTime = time.Now()
	c.report.Results = results
	return nil
}

// abort 在 ctx 已取消时优先返回取消原因，并丢弃部分结果
func (c *Client) abort(ctx context.Context, err error) error {
	c.report = common.Report{}
	if ctx.Err() != nil && errors.Is(err, common.ErrChannelClosed) {
		return ctx.Err()
	}
	return err
}

func (c *Client) resolveAddress(ctx context.Context) (string, error) {
	port := c.config.ServerPort
	if port <= 0 {
		port = common.DefaultControlPort
	}
	if c.config.ServerAddress != "" {
		return net.JoinHostPort(c.config.ServerAddress, strconv.Itoa(port)), nil
	}
	if c.config.Discovery.Enabled {
		reply, err := discovery.Discover(ctx, c.config.Discovery)
		if err != nil {
			return "", err
		}
		log.Printf("发现响应端 %s", reply.Address())
		return reply.Address(), nil
	}
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), nil
}

func (c *Client) handshake() error {
	if err := c.conn.Send(control.Synchronize()); err != nil {
		return fmt.Errorf("%w: %w", common.ErrHandshakeFailed, err)
	}
	if err := c.transition(common.StateAwaitingSyncAck); err != nil {
		return err
	}

	m, err := c.conn.Receive()
	if err != nil {
		return fmt.Errorf("%w: %w", common.ErrHandshakeFailed, err)
	}
	if err := control.Expect(m, control.StatusSynchronizeAck); err != nil {
		return fmt.Errorf("%w: %w", common.ErrHandshakeFailed, err)
	}

	host, _, err := net.SplitHostPort(c.conn.RemoteAddr().String())
	if err != nil {
		return fmt.Errorf("%w: %w", common.ErrHandshakeFailed, err)
	}
	dataAddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, strconv.Itoa(*m.UDPPort)))
	if err != nil {
		return fmt.Errorf("%w: %w", common.ErrHandshakeFailed, err)
	}
	data, err := net.ListenPacket("udp", ":0")
	if err != nil {
		return fmt.Errorf("%w: 无法打开数据通道: %w", common.ErrHandshakeFailed, err)
	}
	c.data = data
	c.dataAddr = dataAddr

	if c.config.TOS > 0 {
		if err := ipv4.NewPacketConn(data).SetTOS(c.config.TOS); err != nil {
			log.Printf("设置数据通道 TOS=%d 失败: %v", c.config.TOS, err)
		}
	}

	log.Printf("握手完成，数据通道 %s -> %s", data.LocalAddr(), dataAddr)
	return c.transition(common.StateRoundReady)
}

func (c *Client) runRound(ctx context.Context, r round) error {
	rc := r.config
	if c.State() == common.StateRoundReceived {
		if err := c.transition(common.StateRoundReady); err != nil {
			return err
		}
	}

	if err := c.conn.Send(control.RoundConfigMessage(rc)); err != nil {
		return err
	}
	m, err := c.conn.Receive()
	if err != nil {
		return err
	}
	if err := control.Expect(m, control.StatusReady); err != nil {
		return err
	}
	if err := c.transition(common.StateRoundInFlight); err != nil {
		return err
	}

	log.Printf("第 %d 轮开始: rate=%.0f bit/s, %d 个 %d 字节数据包", rc.Round, rc.Rate, rc.PacketCount, rc.PacketSize)
	start := time.Now()
	meter := metrics.NewMeter()
	defer meter.Stop()

	var echoed *listener.Listener
	if rc.Echo {
		echoed = listener.Start(ctx, c.data, listener.Config{
			PacketSize:      rc.PacketSize,
			ExpectedPayload: rc.ExpectedPayload,
			Timeout:         c.config.ListenerTimeout,
		})
	}

	var sent int
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if echoed != nil {
			defer echoed.Stop()
		}
		n, err := pacer.New(c.data, c.dataAddr, meter).Run(gctx, r.plan, rc.ExpectedPayload)
		sent = n
		return err
	})
	var local common.RoundStatistics
	if echoed != nil {
		g.Go(func() error {
			stats, err := echoed.Wait()
			local = stats
			return err
		})
	}
	if err := g.Wait(); err != nil {
		if echoed != nil {
			echoed.Abort()
		}
		return fmt.Errorf("第 %d 轮发送失败: %w", rc.Round, err)
	}

	elapsed := time.Since(start)
	c.roundTimer.UpdateSince(start)
	c.report.Sent = append(c.report.Sent, common.SendStats{
		Round:       rc.Round,
		PacketsSent: sent,
		Elapsed:     elapsed,
		RateMean:    meter.RateMean(),
	})
	if echoed != nil {
		result := common.NewRoundResult(rc, local)
		c.report.RoundTrip = append(c.report.RoundTrip, result)
		log.Printf("第 %d 轮往返: 收到回显 %d/%d, 丢包率 %.2f%%", rc.Round, result.Received, result.PacketCount, result.LossPercent)
	}

	if err := c.conn.Send(control.RoundComplete()); err != nil {
		return err
	}
	m, err = c.conn.Receive()
	if err != nil {
		return err
	}
	if err := control.Expect(m, control.StatusReady); err != nil {
		return err
	}
	log.Printf("第 %d 轮结束: 已发送 %d 个数据包, 用时 %.2f 秒", rc.Round, sent, elapsed.Seconds())
	return c.transition(common.StateRoundReceived)
}

// finish 发送 test_complete 并检查返回的结果序列
func (c *Client) finish(rounds int) ([]common.RoundResult, error) {
	if err := c.conn.Send(control.TestComplete()); err != nil {
		return nil, err
	}
	if err := c.transition(common.StateComplete); err != nil {
		return nil, err
	}
	m, err := c.conn.Receive()
	if err != nil {
		return nil, err
	}
	if err := control.Expect(m, control.StatusResults); err != nil {
		return nil, err
	}
	if len(m.Results) != rounds {
		return nil, fmt.Errorf("%w: 期望 %d 轮结果, 收到 %d 轮", common.ErrProtocolViolation, rounds, len(m.Results))
	}
	for i, r := range m.Results {
		if r.Round != i+1 {
			return nil, fmt.Errorf("%w: 第 %d 个结果的轮序号为 %d", common.ErrProtocolViolation, i+1, r.Round)
		}
	}
	return m.Results, nil
}

func (c *Client) close() {
	if c.data != nil {
		c.data.Close()
		c.data = nil
	}
	if c.conn != nil {
		c.conn.Close()
	}
	c.state.Store(int32(common.StateClosed))
}

// PrintResults 打印测试结果
func (c *Client) PrintResults() {
	fmt.Println("\n========== 测试端结果 ==========")
	fmt.Printf("%-6s %14s %10s %10s %10s %9s %9s %-10s\n",
		"轮次", "速率(bit/s)", "包数", "收到", "损坏", "丢包%", "损坏%", "评级")
	for _, r := range c.report.Results {
		fmt.Printf("%-6d %14.0f %10d %10d %10d %9.2f %9.2f %-10s\n",
			r.Round, r.Rate, r.PacketCount, r.Received, r.Corrupted, r.LossPercent, r.Mangled, r.Rating)
	}

	if len(c.report.RoundTrip) > 0 {
		fmt.Println("\n---------- 往返结果 ----------")
		for _, r := range c.report.RoundTrip {
			fmt.Printf("%-6d %14.0f %10d %10d %10d %9.2f %9.2f %-10s\n",
				r.Round, r.Rate, r.PacketCount, r.Received, r.Corrupted, r.LossPercent, r.Mangled, r.Rating)
		}
	}

	fmt.Println("\n---------- 发送统计 ----------")
	for _, s := range c.report.Sent {
		fmt.Printf("第 %d 轮: 发送 %d 包, 用时 %.2f 秒, 平均 %.0f 包/秒\n",
			s.Round, s.PacketsSent, s.Elapsed.Seconds(), s.RateMean)
	}
	if c.roundTimer.Count() > 0 {
		fmt.Printf("平均每轮用时: %.2f 秒\n", time.Duration(c.roundTimer.Mean()).Seconds())
	}
	if !c.endTime.IsZero() {
		fmt.Printf("测试持续时间: %.2f 秒\n", c.endTime.Sub(c.startTime).Seconds())
	}
	fmt.Println("=====================================")
}
