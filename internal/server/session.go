package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"net"
	"time"

	"go.uber.org/atomic"

	"lan-integrity-tester/internal/common"
	"lan-integrity-tester/internal/control"
	"lan-integrity-tester/internal/listener"
)

const dataReadBuffer = 4 * 1024 * 1024

// Session 独占一个控制连接和一个数据通道，结果序列只属于本会话
type Session struct {
	id      int64
	conn    *control.Conn
	data    net.PacketConn
	timeout time.Duration
	state   atomic.Int32
	results []common.RoundResult
	active  *listener.Listener
	cancel  context.CancelFunc
}

func newSession(id int64, conn *control.Conn, timeout time.Duration) *Session {
	return &Session{id: id, conn: conn, timeout: timeout}
}

// State 返回会话当前状态
func (s *Session) State() common.State {
	return common.State(s.state.Load())
}

// Results 返回已完成各轮结果的副本
func (s *Session) Results() []common.RoundResult {
	return append([]common.RoundResult(nil), s.results...)
}

func (s *Session) transition(to common.State) error {
	from := s.State()
	if !common.CanTransition(from, to) {
		return fmt.Errorf("%w: 状态 %s 不能转换到 %s", common.ErrProtocolViolation, from, to)
	}
	s.state.Store(int32(to))
	return nil
}

// Run 执行握手和轮循环，直到收到 test_complete 或出错。所有退出路径都会关闭两个通道
func (s *Session) Run(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)
	defer s.close()
	stop := context.AfterFunc(ctx, func() { s.conn.Close() })
	defer stop()

	if err := s.handshake(); err != nil {
		s.reject(err)
		return err
	}

	for {
		done, err := s.serveRound(ctx)
		if err != nil {
			s.reject(err)
			return err
		}
		if done {
			return nil
		}
	}
}

func (s *Session) handshake() error {
	m, err := s.conn.Receive()
	if err != nil {
		return fmt.Errorf("%w: %w", common.ErrHandshakeFailed, err)
	}
	if err := control.Expect(m, control.StatusSynchronize); err != nil {
		return fmt.Errorf("%w: %w", common.ErrHandshakeFailed, err)
	}
	if err := s.transition(common.StateAwaitingSyncAck); err != nil {
		return err
	}

	data, err := bindData(s.conn.LocalAddr())
	if err != nil {
		return fmt.Errorf("%w: %w", common.ErrHandshakeFailed, err)
	}
	s.data = data

	udpPort := portOf(data.LocalAddr())
	if err := s.conn.Send(control.SynchronizeAck(udpPort)); err != nil {
		return fmt.Errorf("%w: %w", common.ErrHandshakeFailed, err)
	}
	log.Printf("会话 #%d 握手完成，数据通道 %s", s.id, data.LocalAddr())
	return s.transition(common.StateRoundReady)
}

// bindData 在控制连接的本地地址上绑定数据通道，端口由系统分配
func bindData(local net.Addr) (net.PacketConn, error) {
	host, _, err := net.SplitHostPort(local.String())
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenPacket("udp", net.JoinHostPort(host, "0"))
	if err != nil {
		return nil, fmt.Errorf("绑定数据通道失败: %w", err)
	}
	if udpConn, ok := conn.(*net.UDPConn); ok {
		if err := udpConn.SetReadBuffer(dataReadBuffer); err != nil {
			log.Printf("设置数据通道接收缓冲区失败: %v", err)
		}
	}
	return conn, nil
}

// serveRound 处理一条轮配置或 test_complete。测试完成时返回 true
func (s *Session) serveRound(ctx context.Context) (bool, error) {
	m, err := s.conn.Receive()
	if err != nil {
		return false, err
	}

	switch m.Status {
	case control.StatusTestComplete:
		if err := s.transition(common.StateComplete); err != nil {
			return false, err
		}
		if err := s.conn.Send(control.Results(s.results)); err != nil {
			return false, err
		}
		log.Printf("会话 #%d 测试完成，已返回 %d 轮结果", s.id, len(s.results))
		return true, nil
	case control.StatusTestInProgress:
		return false, s.runRound(ctx, m)
	case control.StatusError:
		return false, &common.RemoteError{Reason: m.Reason}
	default:
		return false, fmt.Errorf("%w: 期望 %s 或 %s, 收到 %s", common.ErrProtocolViolation,
			control.StatusTestInProgress, control.StatusTestComplete, m.Status)
	}
}

func (s *Session) runRound(ctx context.Context, m *control.Message) error {
	rc, err := m.RoundConfig()
	if err != nil {
		return err
	}
	if want := len(s.results) + 1; rc.Round != want {
		return fmt.Errorf("%w: 期望第 %d 轮, 收到第 %d 轮", common.ErrProtocolViolation, want, rc.Round)
	}
	if rc.Round > common.MaxRounds {
		return fmt.Errorf("%w: 轮数超过上限 %d", common.ErrProtocolViolation, common.MaxRounds)
	}
	if math.IsNaN(rc.Loss) || rc.Loss < 0 || rc.Loss > 1 {
		return fmt.Errorf("%w: loss=%v", common.ErrInvalidLoss, rc.Loss)
	}
	if rc.PacketSize > common.MaxPacketSize {
		return fmt.Errorf("%w: packet_size 超出范围: %d", common.ErrProtocolViolation, rc.PacketSize)
	}

	if s.State() == common.StateRoundReceived {
		if err := s.transition(common.StateRoundReady); err != nil {
			return err
		}
	}
	if err := s.transition(common.StateRoundInFlight); err != nil {
		return err
	}

	s.active = listener.Start(ctx, s.data, listener.Config{
		PacketSize:      rc.PacketSize,
		ExpectedPayload: rc.ExpectedPayload,
		Loss:            rc.Loss,
		Echo:            rc.Echo,
		Timeout:         s.timeout,
	})
	if err := s.conn.Send(control.Ready()); err != nil {
		return err
	}
	log.Printf("会话 #%d 第 %d 轮开始: rate=%.0f bit/s, %d 个 %d 字节数据包", s.id, rc.Round, rc.Rate, rc.PacketCount, rc.PacketSize)

	done, err := s.conn.Receive()
	if err != nil {
		return err
	}
	if err := control.Expect(done, control.StatusRoundComplete); err != nil {
		return err
	}

	// 轮边界：必须等待监听器退出后才能开始下一轮
	s.active.Stop()
	stats, err := s.active.Wait()
	_, _, dropped := s.active.Snapshot()
	s.active = nil
	if err != nil {
		return fmt.Errorf("第 %d 轮测量失败: %w", rc.Round, err)
	}

	result := common.NewRoundResult(rc, stats)
	s.results = append(s.results, result)
	observeRound(result, dropped)
	log.Printf("会话 #%d 第 %d 轮结束: 收到 %d/%d, 丢包率 %.2f%%, 损坏率 %.2f%%, %s",
		s.id, result.Round, result.Received, result.PacketCount, result.LossPercent, result.Mangled, result.Rating)

	if err := s.transition(common.StateRoundReceived); err != nil {
		return err
	}
	return s.conn.Send(control.Ready())
}

func observeRound(r common.RoundResult, dropped int64) {
	roundsCounter.WithLabelValues(string(r.Rating)).Inc()
	packetsReceivedCounter.Add(float64(r.Received))
	packetsCorruptedCounter.Add(float64(r.Corrupted))
	packetsDroppedCounter.Add(float64(dropped))
	lastLossGauge.Set(r.LossPercent)
	roundDurationHistogram.Observe(r.Duration.Seconds())
}

// reject 在关闭前尽量把错误原因发给对端
func (s *Session) reject(err error) {
	if errors.Is(err, common.ErrChannelClosed) || errors.Is(err, common.ErrRemoteRejected) ||
		errors.Is(err, context.Canceled) {
		return
	}
	if sendErr := s.conn.Send(control.Error(err.Error())); sendErr != nil {
		log.Printf("会话 #%d 发送错误消息失败: %v", s.id, sendErr)
	}
}

// close 中止仍在运行的监听器并关闭两个通道
func (s *Session) close() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.data != nil {
		s.data.Close()
	}
	if s.active != nil {
		s.active.Abort()
		s.active = nil
	}
	s.conn.Close()
	s.state.Store(int32(common.StateClosed))
}
