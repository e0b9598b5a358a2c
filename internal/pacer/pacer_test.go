package pacer

import (
	"bytes"
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/rcrowley/go-metrics"

	"lan-integrity-tester/internal/common"
)

func TestNewPlan(t *testing.T) {
	tests := []struct {
		rate      float64
		size      int
		duration  time.Duration
		wantCount int
	}{
		{8.0 / 3, 1, 5 * time.Second, 1},
		{16.0 / 3, 1, 5 * time.Second, 3},
		{8, 1, 5 * time.Second, 5},
		{1e9, 9216, 5 * time.Second, 67816},
		{1e6, 1000, time.Second, 125},
	}
	for _, tt := range tests {
		plan, err := NewPlan(tt.rate, tt.size, tt.duration, true)
		if err != nil {
			t.Fatalf("NewPlan(%v, %d, %s): %v", tt.rate, tt.size, tt.duration, err)
		}
		if plan.PacketCount != tt.wantCount {
			t.Errorf("NewPlan(%v, %d, %s): expected %d packets, got %d", tt.rate, tt.size, tt.duration, tt.wantCount, plan.PacketCount)
		}
		if want := tt.duration / time.Duration(tt.wantCount); plan.Interval != want {
			t.Errorf("expected interval %s, got %s", want, plan.Interval)
		}
	}
}

func TestNewPlanBurst(t *testing.T) {
	plan, err := NewPlan(1e6, 1000, time.Second, false)
	if err != nil {
		t.Fatal(err)
	}
	if plan.Interval != 0 {
		t.Errorf("burst plan must not pace, got interval %s", plan.Interval)
	}
}

func TestNewPlanRateTooLow(t *testing.T) {
	// 8 bit/s 持续 5 秒只有 5 字节，不够一个 9216 字节的包
	if _, err := NewPlan(8, 9216, 5*time.Second, true); !errors.Is(err, common.ErrRateTooLow) {
		t.Fatalf("expected ErrRateTooLow, got %v", err)
	}
	if _, err := NewPlan(0, 1, 5*time.Second, true); !errors.Is(err, common.ErrRateTooLow) {
		t.Fatalf("expected ErrRateTooLow for zero rate, got %v", err)
	}
	if _, err := NewPlan(1e6, 0, time.Second, true); err == nil {
		t.Fatal("expected error for zero packet size")
	}
}

func TestPacerRun(t *testing.T) {
	recv, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer recv.Close()
	send, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer send.Close()

	plan, err := NewPlan(64*8*20*5, 64, 200*time.Millisecond, true)
	if err != nil {
		t.Fatal(err)
	}
	if plan.PacketCount != 20 {
		t.Fatalf("expected 20 packets, got %d", plan.PacketCount)
	}

	received := make(chan []byte, plan.PacketCount)
	go func() {
		buf := make([]byte, 1024)
		for {
			recv.SetReadDeadline(time.Now().Add(time.Second))
			n, _, err := recv.ReadFrom(buf)
			if err != nil {
				close(received)
				return
			}
			received <- append([]byte(nil), buf[:n]...)
		}
	}()

	meter := metrics.NewMeter()
	defer meter.Stop()

	start := time.Now()
	sent, err := New(send, recv.LocalAddr(), meter).Run(context.Background(), plan, 0x5A)
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sent != plan.PacketCount {
		t.Errorf("expected %d sent, got %d", plan.PacketCount, sent)
	}
	if meter.Count() != int64(sent) {
		t.Errorf("meter counted %d, expected %d", meter.Count(), sent)
	}
	// 20 个包间隔 10ms，至少需要 19 个间隔
	if elapsed < 150*time.Millisecond {
		t.Errorf("packets were not paced, round took %s", elapsed)
	}

	want := bytes.Repeat([]byte{0x5A}, 64)
	got := 0
	for p := range received {
		if !bytes.Equal(p, want) {
			t.Fatalf("unexpected payload %x", p)
		}
		got++
		if got == sent {
			break
		}
	}
	if got != sent {
		t.Errorf("expected %d datagrams on loopback, got %d", sent, got)
	}
}

func TestPacerRunCanceled(t *testing.T) {
	send, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer send.Close()

	plan, err := NewPlan(1e6, 100, time.Second, true)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sent, err := New(send, send.LocalAddr(), nil).Run(ctx, plan, 1)
	if !errors.Is(err, context.Canceled) || sent != 0 {
		t.Fatalf("expected immediate cancellation, got sent=%d err=%v", sent, err)
	}
}
