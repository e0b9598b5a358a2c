package common

import (
	"errors"
	"fmt"
)

var (
	ErrChannelClosed     = errors.New("控制通道已关闭")
	ErrMalformedMessage  = errors.New("控制消息格式错误")
	ErrMessageTooLarge   = fmt.Errorf("%w: 消息超过最大长度", ErrMalformedMessage)
	ErrProtocolViolation = errors.New("协议违规")
	ErrInvalidLoss       = errors.New("丢包率必须在 [0,1] 范围内")
	ErrRateTooLow        = errors.New("速率过低，本轮不会产生数据包")
	ErrHandshakeFailed   = errors.New("握手失败")
	ErrDiscoveryTimeout  = errors.New("未发现响应端")
	ErrRemoteRejected    = errors.New("对端返回错误")
)

// RemoteError 是对端通过 error 消息报告的错误
type RemoteError struct {
	Reason string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%v: %s", ErrRemoteRejected, e.Reason)
}

func (e *RemoteError) Is(target error) bool {
	return target == ErrRemoteRejected
}
