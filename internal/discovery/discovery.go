// Package discovery 通过 UDP 广播定位响应端的控制通道
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"time"

	jsoniter "github.com/json-iterator/go"

	"lan-integrity-tester/internal/common"
)

const (
	statusDiscover    = "discover"
	statusDiscoverAck = "discover-ack"

	pollInterval = 1 * time.Second
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type probe struct {
	Status string `json:"status"`
}

type replyMessage struct {
	Status string `json:"status"`
	Port   *int   `json:"port,omitempty"`
}

// Reply 是一个响应端的控制通道地址
type Reply struct {
	IP   net.IP
	Port int
}

// Address 返回 host:port 形式的控制通道地址
func (r Reply) Address() string {
	return net.JoinHostPort(r.IP.String(), strconv.Itoa(r.Port))
}

// Responder 在发现端口上回复探测报文
type Responder struct {
	conn        net.PacketConn
	controlPort int
}

// NewResponder 绑定发现端口，回复中宣告 controlPort
func NewResponder(addr string, controlPort int) (*Responder, error) {
	conn, err := net.ListenPacket("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("绑定发现端口 %s 失败: %w", addr, err)
	}
	return &Responder{conn: conn, controlPort: controlPort}, nil
}

func (r *Responder) Addr() net.Addr { return r.conn.LocalAddr() }

// Serve 回复每一个收到的数据报，直到 ctx 取消
func (r *Responder) Serve(ctx context.Context) error {
	defer r.conn.Close()
	log.Printf("发现服务已启动，监听 %s", r.conn.LocalAddr())

	reply, err := json.Marshal(replyMessage{Status: statusDiscoverAck, Port: &r.controlPort})
	if err != nil {
		return err
	}

	buf := make([]byte, 1500)
	for {
		_ = r.conn.SetReadDeadline(time.Now().Add(pollInterval))
		n, addr, err := r.conn.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				if ctx.Err() != nil {
					return nil
				}
				continue
			}
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("发现服务读取失败: %w", err)
		}
		if n == 0 {
			continue
		}
		if _, err := r.conn.WriteTo(reply, addr); err != nil {
			log.Printf("回复发现请求 %s 失败: %v", addr, err)
			continue
		}
		log.Printf("已回复来自 %s 的发现请求", addr)
	}
}

// Close 关闭发现端口
func (r *Responder) Close() error {
	return r.conn.Close()
}

// Discover 广播探测报文，返回第一个有效回复。每次探测后最多等待 cfg.Timeout
func Discover(ctx context.Context, cfg common.DiscoveryConfig) (Reply, error) {
	if cfg.Attempts <= 0 {
		cfg.Attempts = common.DefaultDiscoveryTries
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = common.DefaultDiscoveryWait
	}
	target := cfg.BroadcastAddress
	if target == "" {
		target = net.JoinHostPort(net.IPv4bcast.String(), strconv.Itoa(cfg.Port))
	}
	dst, err := net.ResolveUDPAddr("udp4", target)
	if err != nil {
		return Reply{}, fmt.Errorf("解析广播地址 %s 失败: %w", target, err)
	}

	conn, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		return Reply{}, err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	payload, err := json.Marshal(probe{Status: statusDiscover})
	if err != nil {
		return Reply{}, err
	}

	buf := make([]byte, 1500)
	for attempt := 1; attempt <= cfg.Attempts; attempt++ {
		if _, err := conn.WriteTo(payload, dst); err != nil {
			if ctx.Err() != nil {
				return Reply{}, ctx.Err()
			}
			return Reply{}, fmt.Errorf("发送发现请求失败: %w", err)
		}

		deadline := time.Now().Add(cfg.Timeout)
		for {
			_ = conn.SetReadDeadline(deadline)
			n, addr, err := conn.ReadFrom(buf)
			if err != nil {
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					break
				}
				if ctx.Err() != nil {
					return Reply{}, ctx.Err()
				}
				return Reply{}, fmt.Errorf("接收发现回复失败: %w", err)
			}

			reply, err := parseReply(buf[:n], addr)
			if err != nil {
				log.Printf("忽略来自 %s 的无效发现回复: %v", addr, err)
				continue
			}
			return reply, nil
		}
		log.Printf("第 %d/%d 次发现请求未收到回复", attempt, cfg.Attempts)
	}
	return Reply{}, fmt.Errorf("%w: %d 次探测均无回复", common.ErrDiscoveryTimeout, cfg.Attempts)
}

func parseReply(data []byte, addr net.Addr) (Reply, error) {
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		return Reply{}, fmt.Errorf("非 UDP 地址 %s", addr)
	}
	var m replyMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return Reply{}, err
	}
	if m.Port == nil {
		return Reply{}, errors.New("缺少 port 字段")
	}
	if *m.Port <= 0 || *m.Port > 65535 {
		return Reply{}, fmt.Errorf("port 超出范围: %d", *m.Port)
	}
	return Reply{IP: udpAddr.IP, Port: *m.Port}, nil
}
