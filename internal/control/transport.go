package control

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

const (
	TransportTCP  = "tcp"
	TransportQUIC = "quic"

	acceptPoll         = 1 * time.Second
	streamAcceptWait   = 10 * time.Second
	quicCloseGrace     = 2 * time.Second
	quicKeepAlive      = 5 * time.Second
	quicMaxIdleTimeout = 60 * time.Second
)

// Listener 接受控制通道连接
type Listener interface {
	Accept(ctx context.Context) (*Conn, error)
	Addr() net.Addr
	Close() error
}

// Listen 在 addr 上监听控制通道
func Listen(transport, addr string) (Listener, error) {
	switch transport {
	case TransportTCP, "":
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("监听 %s 失败: %w", addr, err)
		}
		return &tcpListener{ln: ln.(*net.TCPListener)}, nil
	case TransportQUIC:
		tlsConf, err := generateTLSConfig()
		if err != nil {
			return nil, err
		}
		ln, err := quic.ListenAddr(addr, tlsConf, quicConfig())
		if err != nil {
			return nil, fmt.Errorf("无法启动QUIC监听器: %w", err)
		}
		return &quicListener{ln: ln}, nil
	default:
		return nil, fmt.Errorf("未知传输协议: %s", transport)
	}
}

// Dial 连接到 addr 上的控制通道
func Dial(ctx context.Context, transport, addr string) (*Conn, error) {
	switch transport {
	case TransportTCP, "":
		d := &net.Dialer{Timeout: 3 * time.Second, KeepAlive: 30 * time.Second}
		c, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("无法连接到服务器 %s: %w", addr, err)
		}
		if tcpConn, ok := c.(*net.TCPConn); ok {
			_ = tcpConn.SetNoDelay(true)
		}
		return NewConn(c), nil
	case TransportQUIC:
		tlsConf := &tls.Config{
			InsecureSkipVerify: true,
			NextProtos:         []string{alpn},
		}
		conn, err := quic.DialAddr(ctx, addr, tlsConf, quicConfig())
		if err != nil {
			return nil, fmt.Errorf("无法连接到服务器 %s: %w", addr, err)
		}
		stream, err := conn.OpenStreamSync(ctx)
		if err != nil {
			conn.CloseWithError(0, "")
			return nil, fmt.Errorf("无法打开QUIC流: %w", err)
		}
		return NewConn(&quicStream{Stream: stream, conn: conn}), nil
	default:
		return nil, fmt.Errorf("未知传输协议: %s", transport)
	}
}

func quicConfig() *quic.Config {
	return &quic.Config{
		KeepAlivePeriod: quicKeepAlive,
		MaxIdleTimeout:  quicMaxIdleTimeout,
	}
}

type tcpListener struct {
	ln *net.TCPListener
}

// Accept 定期超时以便检查 ctx 是否已取消
func (l *tcpListener) Accept(ctx context.Context) (*Conn, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		_ = l.ln.SetDeadline(time.Now().Add(acceptPoll))
		c, err := l.ln.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return nil, err
		}
		_ = c.(*net.TCPConn).SetNoDelay(true)
		return NewConn(c), nil
	}
}

func (l *tcpListener) Addr() net.Addr { return l.ln.Addr() }
func (l *tcpListener) Close() error   { return l.ln.Close() }

type quicListener struct {
	ln *quic.Listener
}

func (l *quicListener) Accept(ctx context.Context) (*Conn, error) {
	for {
		conn, err := l.ln.Accept(ctx)
		if err != nil {
			return nil, err
		}

		// 客户端写入第一条消息后流才会被接受
		streamCtx, cancel := context.WithTimeout(ctx, streamAcceptWait)
		stream, err := conn.AcceptStream(streamCtx)
		cancel()
		if err != nil {
			conn.CloseWithError(0, "")
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		return NewConn(&quicStream{Stream: stream, conn: conn, waitPeer: true}), nil
	}
}

func (l *quicListener) Addr() net.Addr { return l.ln.Addr() }
func (l *quicListener) Close() error   { return l.ln.Close() }

// quicStream 让 QUIC 流满足 Stream 接口
type quicStream struct {
	quic.Stream
	conn      quic.Connection
	waitPeer  bool
	closeOnce sync.Once
	closeErr  error
}

func (s *quicStream) LocalAddr() net.Addr  { return s.conn.LocalAddr() }
func (s *quicStream) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

// Close 关闭流和连接。服务端先等待对端关闭连接，否则 CONNECTION_CLOSE 可能丢弃尚未送达的最后一条消息
func (s *quicStream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.Stream.Close()
		if s.waitPeer {
			select {
			case <-s.conn.Context().Done():
			case <-time.After(quicCloseGrace):
			}
		}
		s.conn.CloseWithError(0, "")
	})
	return s.closeErr
}
