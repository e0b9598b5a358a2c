package control

import (
	"fmt"

	"lan-integrity-tester/internal/common"
)

// 控制消息的 status 取值
const (
	StatusSynchronize    = "synchronize"
	StatusSynchronizeAck = "synchronize-ack"
	StatusTestInProgress = "test_in_progress"
	StatusReady          = "ready"
	StatusRoundComplete  = "round_complete"
	StatusTestComplete   = "test_complete"
	StatusError          = "error"

	// StatusResults 不出现在线上，解码结果数组时使用
	StatusResults = "results"
)

// Message 表示一条控制消息
type Message struct {
	Status          string   `json:"status"`
	UDPPort         *int     `json:"udp_port,omitempty"`
	Round           int      `json:"round,omitempty"`
	Rate            float64  `json:"rate,omitempty"`
	PacketSize      int      `json:"packet_size,omitempty"`
	PacketCount     int      `json:"packet_count,omitempty"`
	ByteCount       int      `json:"byte_count,omitempty"`
	ExpectedPayload *int     `json:"expected_payload,omitempty"`
	Loss            *float64 `json:"loss,omitempty"`
	Echo            bool     `json:"echo,omitempty"`
	Reason          string   `json:"reason,omitempty"`

	Results []common.RoundResult `json:"-"`
}

func Synchronize() *Message { return &Message{Status: StatusSynchronize} }

func SynchronizeAck(udpPort int) *Message {
	return &Message{Status: StatusSynchronizeAck, UDPPort: &udpPort}
}

func Ready() *Message         { return &Message{Status: StatusReady} }
func RoundComplete() *Message { return &Message{Status: StatusRoundComplete} }
func TestComplete() *Message  { return &Message{Status: StatusTestComplete} }

func Error(reason string) *Message {
	return &Message{Status: StatusError, Reason: reason}
}

func Results(results []common.RoundResult) *Message {
	if results == nil {
		results = []common.RoundResult{}
	}
	return &Message{Status: StatusResults, Results: results}
}

// RoundConfigMessage 将轮配置编码为 test_in_progress 消息
func RoundConfigMessage(rc common.RoundConfig) *Message {
	payload := int(rc.ExpectedPayload)
	loss := rc.Loss
	return &Message{
		Status:          StatusTestInProgress,
		Round:           rc.Round,
		Rate:            rc.Rate,
		PacketSize:      rc.PacketSize,
		PacketCount:     rc.PacketCount,
		ByteCount:       rc.ByteCount(),
		ExpectedPayload: &payload,
		Loss:            &loss,
		Echo:            rc.Echo,
	}
}

// RoundConfig 从 test_in_progress 消息中取出轮配置，不检查丢包率范围
func (m *Message) RoundConfig() (common.RoundConfig, error) {
	if err := m.Validate(); err != nil {
		return common.RoundConfig{}, err
	}
	if m.Status != StatusTestInProgress {
		return common.RoundConfig{}, fmt.Errorf("%w: 期望 %s, 收到 %s", common.ErrProtocolViolation, StatusTestInProgress, m.Status)
	}
	return common.RoundConfig{
		Round:           m.Round,
		Rate:            m.Rate,
		PacketSize:      m.PacketSize,
		PacketCount:     m.PacketCount,
		ExpectedPayload: byte(*m.ExpectedPayload),
		Loss:            *m.Loss,
		Echo:            m.Echo,
	}, nil
}

// Validate 检查消息是否带有该类型要求的字段
func (m *Message) Validate() error {
	missing := func(field string) error {
		return fmt.Errorf("%w: %s 消息缺少字段 %s", common.ErrProtocolViolation, m.Status, field)
	}
	switch m.Status {
	case "":
		return fmt.Errorf("%w: 消息缺少字段 status", common.ErrProtocolViolation)
	case StatusSynchronize, StatusReady, StatusRoundComplete, StatusTestComplete, StatusError, StatusResults:
		return nil
	case StatusSynchronizeAck:
		if m.UDPPort == nil {
			return missing("udp_port")
		}
		if *m.UDPPort <= 0 || *m.UDPPort > 65535 {
			return fmt.Errorf("%w: udp_port 超出范围: %d", common.ErrProtocolViolation, *m.UDPPort)
		}
	case StatusTestInProgress:
		switch {
		case m.Round <= 0:
			return missing("round")
		case m.Rate <= 0:
			return missing("rate")
		case m.PacketCount <= 0 && m.ByteCount <= 0:
			return missing("packet_count")
		case m.ExpectedPayload == nil:
			return missing("expected_payload")
		case m.Loss == nil:
			return missing("loss")
		}
		if *m.ExpectedPayload < 0 || *m.ExpectedPayload > 255 {
			return fmt.Errorf("%w: expected_payload 超出范围: %d", common.ErrProtocolViolation, *m.ExpectedPayload)
		}
		// 只给出字节数时按 1 字节包处理
		if m.PacketSize <= 0 {
			m.PacketSize = 1
		}
		if m.PacketCount <= 0 {
			m.PacketCount = m.ByteCount / m.PacketSize
		}
	default:
		return fmt.Errorf("%w: 未知消息类型 %q", common.ErrProtocolViolation, m.Status)
	}
	return nil
}

// Expect 检查消息类型，对端的 error 消息转换为 RemoteError
func Expect(m *Message, status string) error {
	if m.Status == StatusError {
		return &common.RemoteError{Reason: m.Reason}
	}
	if m.Status != status {
		return fmt.Errorf("%w: 期望 %s, 收到 %s", common.ErrProtocolViolation, status, m.Status)
	}
	return m.Validate()
}
