package control

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"

	jsoniter "github.com/json-iterator/go"

	"lan-integrity-tester/internal/common"
)

// MaxMessageSize 是单条控制消息（不含换行符）的最大长度
const MaxMessageSize = 64 * 1024

const delimiter = '\n'

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Stream 是承载控制通道的可靠字节流，net.Conn 和 QUIC 流都满足
type Stream interface {
	io.ReadWriteCloser
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}

// Conn 表示按行分帧的控制通道
type Conn struct {
	stream Stream
	reader *bufio.Reader
}

// NewConn 在字节流上创建控制通道
func NewConn(stream Stream) *Conn {
	return &Conn{
		stream: stream,
		reader: bufio.NewReaderSize(stream, MaxMessageSize+1),
	}
}

func (c *Conn) LocalAddr() net.Addr  { return c.stream.LocalAddr() }
func (c *Conn) RemoteAddr() net.Addr { return c.stream.RemoteAddr() }
func (c *Conn) Close() error         { return c.stream.Close() }

// Send 编码消息并在末尾写入一个换行符
func (c *Conn) Send(m *Message) error {
	data, err := Encode(m)
	if err != nil {
		return err
	}
	if _, err := c.stream.Write(data); err != nil {
		return fmt.Errorf("%w: 发送 %s 消息失败: %v", common.ErrChannelClosed, m.Status, err)
	}
	return nil
}

// Receive 阻塞读取到下一个换行符，并解码其前面的字节
func (c *Conn) Receive() (*Message, error) {
	line, err := c.reader.ReadSlice(delimiter)
	if err != nil {
		switch {
		case errors.Is(err, bufio.ErrBufferFull):
			return nil, common.ErrMessageTooLarge
		case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
			return nil, common.ErrChannelClosed
		default:
			return nil, fmt.Errorf("%w: %v", common.ErrChannelClosed, err)
		}
	}
	return Decode(line[:len(line)-1])
}

// Encode 将消息序列化为一行
func Encode(m *Message) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	switch m.Status {
	case StatusResults:
		results := m.Results
		if results == nil {
			results = []common.RoundResult{}
		}
		data, err = json.Marshal(results)
	default:
		data, err = json.Marshal(m)
	}
	if err != nil {
		return nil, fmt.Errorf("编码 %s 消息失败: %w", m.Status, err)
	}
	if len(data) > MaxMessageSize {
		return nil, common.ErrMessageTooLarge
	}
	return append(data, delimiter), nil
}

// Decode 解析一行（不含换行符）。数组解码为结果序列，字符串解码为 error 消息
func Decode(line []byte) (*Message, error) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: 空消息", common.ErrMalformedMessage)
	}

	switch trimmed[0] {
	case '{':
		m := new(Message)
		if err := json.Unmarshal(trimmed, m); err != nil {
			return nil, fmt.Errorf("%w: %v", common.ErrMalformedMessage, err)
		}
		return m, nil
	case '[':
		var results []common.RoundResult
		if err := json.Unmarshal(trimmed, &results); err != nil {
			return nil, fmt.Errorf("%w: %v", common.ErrMalformedMessage, err)
		}
		return Results(results), nil
	case '"':
		var reason string
		if err := json.Unmarshal(trimmed, &reason); err != nil {
			return nil, fmt.Errorf("%w: %v", common.ErrMalformedMessage, err)
		}
		return Error(reason), nil
	default:
		return nil, fmt.Errorf("%w: 无法识别的消息 %q", common.ErrMalformedMessage, truncate(trimmed, 32))
	}
}

func truncate(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}
