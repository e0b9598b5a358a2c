// Package pacer 按目标速率发送一轮测试数据包
package pacer

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"net"
	"time"

	"github.com/rcrowley/go-metrics"
	"go.uber.org/ratelimit"

	"lan-integrity-tester/internal/common"
)

// Plan 是一轮的发送计划
type Plan struct {
	Rate        float64 // bit/s
	PacketSize  int
	Duration    time.Duration
	PacketCount int
	Interval    time.Duration // 0 表示尽力发送，不做间隔控制
}

// NewPlan 计算 packetCount = floor(R × duration / 8 / S) 以及包间隔
func NewPlan(rate float64, packetSize int, duration time.Duration, paced bool) (Plan, error) {
	if packetSize <= 0 || packetSize > common.MaxPacketSize {
		return Plan{}, fmt.Errorf("数据包大小超出范围: %d", packetSize)
	}
	if duration <= 0 {
		return Plan{}, fmt.Errorf("每轮持续时间必须为正: %s", duration)
	}

	count := math.Floor(rate * duration.Seconds() / 8 / float64(packetSize))
	if count < 1 || math.IsNaN(count) {
		return Plan{}, fmt.Errorf("%w: rate=%.2f bit/s, size=%d 字节, duration=%s", common.ErrRateTooLow, rate, packetSize, duration)
	}

	plan := Plan{
		Rate:        rate,
		PacketSize:  packetSize,
		Duration:    duration,
		PacketCount: int(count),
	}
	if paced {
		plan.Interval = duration / time.Duration(plan.PacketCount)
	}
	return plan, nil
}

// Payload 返回全部填充为 marker 的数据包负载
func Payload(size int, marker byte) []byte {
	return bytes.Repeat([]byte{marker}, size)
}

// Pacer 将数据包写入数据通道
type Pacer struct {
	conn  net.PacketConn
	addr  net.Addr
	meter metrics.Meter
}

// New 创建发送到 addr 的 Pacer，meter 为 nil 时不统计发送速率
func New(conn net.PacketConn, addr net.Addr, meter metrics.Meter) *Pacer {
	if meter == nil {
		meter = metrics.NilMeter{}
	}
	return &Pacer{conn: conn, addr: addr, meter: meter}
}

// Run 按计划发送 plan.PacketCount 个数据包，返回实际写出的包数。
// 发送失败不重试，直接返回错误
func (p *Pacer) Run(ctx context.Context, plan Plan, marker byte) (int, error) {
	limiter := ratelimit.NewUnlimited()
	if plan.Interval > 0 {
		limiter = ratelimit.New(plan.PacketCount, ratelimit.Per(plan.Duration), ratelimit.WithoutSlack)
	}

	payload := Payload(plan.PacketSize, marker)
	sent := 0
	for sent < plan.PacketCount {
		if err := ctx.Err(); err != nil {
			return sent, err
		}
		limiter.Take()

		if _, err := p.conn.WriteTo(payload, p.addr); err != nil {
			return sent, fmt.Errorf("发送第 %d 个数据包失败: %w", sent+1, err)
		}
		sent++
		p.meter.Mark(1)
	}
	return sent, nil
}
