package common

import (
	"time"
)

const (
	DefaultControlPort    = 62994           // 控制通道默认端口
	DefaultDiscoveryPort  = 4322            // 发现服务默认端口
	DefaultPacketSize     = 9216            // 数据包大小（字节）
	DefaultRoundDuration  = 5 * time.Second // 每轮持续时间
	DefaultListenTimeout  = 1 * time.Second // 测量监听器接收超时
	DefaultDiscoveryTries = 10
	DefaultDiscoveryWait  = 1 * time.Second

	MaxRounds     = 25
	MaxRate       = 1_000_000_000 // 1 Gbps
	MaxPacketSize = 65507         // UDP 最大负载
)

// DiscoveryConfig 包含发现服务的配置参数
type DiscoveryConfig struct {
	Enabled          bool
	Port             int
	Attempts         int
	Timeout          time.Duration
	BroadcastAddress string // 为空时使用 255.255.255.255
}

// TestConfig 包含测试的配置参数
type TestConfig struct {
	Rounds          int           // 测试轮数
	MaxRate         float64       // 最大速率 (bit/s)
	Loss            float64       // 人为丢包概率
	PacketSize      int           // 数据包大小（字节）
	RoundDuration   time.Duration // 每轮持续时间
	Burst           bool          // 不做速率控制，尽力发送
	RoundTrip       bool          // 往返模式，响应端回显数据包
	ServerAddress   string        // 服务器地址
	ServerPort      int           // 服务器端口
	Transport       string        // 控制通道传输协议 tcp|quic
	TOS             int           // 数据通道 IP TOS
	ListenerTimeout time.Duration // 往返模式下本地监听器的接收超时
	Discovery       DiscoveryConfig
}

// DefaultTestConfig 返回带默认值的测试配置
func DefaultTestConfig() TestConfig {
	return TestConfig{
		Rounds:          10,
		MaxRate:         MaxRate,
		PacketSize:      DefaultPacketSize,
		RoundDuration:   DefaultRoundDuration,
		ServerPort:      DefaultControlPort,
		Transport:       "tcp",
		ListenerTimeout: DefaultListenTimeout,
		Discovery: DiscoveryConfig{
			Port:     DefaultDiscoveryPort,
			Attempts: DefaultDiscoveryTries,
			Timeout:  DefaultDiscoveryWait,
		},
	}
}

// RoundConfig 描述一轮测试，发送后不再修改
type RoundConfig struct {
	Round           int
	Rate            float64 // 目标速率 (bit/s)
	PacketSize      int
	PacketCount     int
	ExpectedPayload byte // 每个数据包的填充字节
	Loss            float64
	Echo            bool
}

// ByteCount 返回本轮发送的总字节数
func (rc RoundConfig) ByteCount() int {
	return rc.PacketCount * rc.PacketSize
}

// RoundStatistics 是测量监听器在一轮结束时产生的原始计数
type RoundStatistics struct {
	Received  int64
	Corrupted int64
	Elapsed   time.Duration // 第一个到最后一个数据包之间的时间
}

// RoundResult 包含一轮测试结果
type RoundResult struct {
	Round       int           `json:"round"`
	Rate        float64       `json:"rate"`
	PacketSize  int           `json:"packet_size"`
	PacketCount int           `json:"packet_count"`
	ByteCount   int           `json:"byte_count"`
	Received    int64         `json:"received"`
	Corrupted   int64         `json:"corrupted"`
	LossPercent float64       `json:"lost"`
	Mangled     float64       `json:"mangled"`
	Rating      Rating        `json:"rating"`
	Duration    time.Duration `json:"duration"`
}

// SendStats 记录测试端每轮实际发送情况
type SendStats struct {
	Round       int
	PacketsSent int
	Elapsed     time.Duration
	RateMean    float64 // 平均发送速率 (包/秒)
}

// Report 是测试端最终得到的完整结果
type Report struct {
	Results   []RoundResult // 响应端返回的结果
	RoundTrip []RoundResult // 往返模式下测试端本地计算的结果
	Sent      []SendStats
}
