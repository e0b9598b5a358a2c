// Package listener 实现每轮一个的测量监听器：在数据通道上统计收到和损坏的数据包
package listener

import (
	"bytes"
	"context"
	"errors"
	"math/rand/v2"
	"net"
	"sync"
	"time"

	"go.uber.org/atomic"

	"lan-integrity-tester/internal/common"
)

const readBufferSize = 64 * 1024

// Config 是一轮测量的参数
type Config struct {
	PacketSize      int
	ExpectedPayload byte
	Loss            float64       // 人为丢包概率
	Echo            bool          // 往返模式：把收到的数据包原样发回
	Timeout         time.Duration // 每次接收的超时，超时后检查停止信号
	Rand            func() float64
}

// Listener 是一轮测量的后台工作者
type Listener struct {
	conn     net.PacketConn
	cfg      Config
	expected []byte

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	received  atomic.Int64
	corrupted atomic.Int64
	dropped   atomic.Int64

	stats common.RoundStatistics
	err   error
}

// Start 在 conn 上启动测量监听器。同一个 conn 上前一个监听器必须已经 Wait 返回
func Start(ctx context.Context, conn net.PacketConn, cfg Config) *Listener {
	if cfg.Timeout <= 0 {
		cfg.Timeout = common.DefaultListenTimeout
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.Float64
	}
	l := &Listener{
		conn:     conn,
		cfg:      cfg,
		expected: bytes.Repeat([]byte{cfg.ExpectedPayload}, cfg.PacketSize),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go l.run(ctx)
	return l
}

// Stop 设置停止信号，可以重复调用
func (l *Listener) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// Wait 等待监听器退出并返回本轮统计
func (l *Listener) Wait() (common.RoundStatistics, error) {
	<-l.done
	return l.stats, l.err
}

// Abort 停止监听器并等待其退出，用于会话中止时的清理
func (l *Listener) Abort() {
	l.Stop()
	<-l.done
}

// Snapshot 返回当前计数，可以在监听器运行时调用
func (l *Listener) Snapshot() (received, corrupted, dropped int64) {
	return l.received.Load(), l.corrupted.Load(), l.dropped.Load()
}

func (l *Listener) stopped() bool {
	select {
	case <-l.stop:
		return true
	default:
		return false
	}
}

func (l *Listener) run(ctx context.Context) {
	defer close(l.done)
	defer l.conn.SetReadDeadline(time.Time{})

	buf := make([]byte, readBufferSize)
	var first, last time.Time

	finish := func(err error) {
		l.err = err
		l.stats = common.RoundStatistics{
			Received:  l.received.Load(),
			Corrupted: l.corrupted.Load(),
		}
		if !first.IsZero() {
			l.stats.Elapsed = last.Sub(first)
		}
	}

	for {
		_ = l.conn.SetReadDeadline(time.Now().Add(l.cfg.Timeout))
		n, addr, err := l.conn.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				if ctx.Err() != nil {
					finish(ctx.Err())
					return
				}
				if l.stopped() {
					finish(nil)
					return
				}
				continue
			}
			if errors.Is(err, net.ErrClosed) && ctx.Err() != nil {
				err = ctx.Err()
			}
			finish(err)
			return
		}

		now := time.Now()
		if first.IsZero() {
			first = now
		}
		last = now

		if l.cfg.Rand() < l.cfg.Loss {
			l.dropped.Inc()
			continue
		}
		l.received.Inc()
		if !bytes.Equal(buf[:n], l.expected) {
			l.corrupted.Inc()
		}

		if l.cfg.Echo {
			if _, err := l.conn.WriteTo(buf[:n], addr); err != nil {
				finish(err)
				return
			}
		}
	}
}
