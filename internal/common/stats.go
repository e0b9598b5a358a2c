package common

// Rating 是根据丢包率得出的等级
type Rating string

const (
	RatingPass       Rating = "pass"
	RatingAcceptable Rating = "acceptable"
	RatingFail       Rating = "fail"
)

const (
	passThreshold       = 1.0
	acceptableThreshold = 7.0
)

// LossPercent 计算丢包率，packetCount 为 0 时返回 0
func LossPercent(packetCount, received int64) float64 {
	if packetCount == 0 {
		return 0
	}
	return float64(packetCount-received) / float64(packetCount) * 100
}

// MangledPercent 计算损坏包比例，received 为 0 时返回 0
func MangledPercent(received, corrupted int64) float64 {
	if received == 0 {
		return 0
	}
	return float64(corrupted) / float64(received) * 100
}

// RateLoss 只根据丢包率评级，损坏率不参与
func RateLoss(lossPercent float64) Rating {
	switch {
	case lossPercent <= passThreshold:
		return RatingPass
	case lossPercent <= acceptableThreshold:
		return RatingAcceptable
	default:
		return RatingFail
	}
}

// NewRoundResult 将一轮的原始计数转换为结果
func NewRoundResult(rc RoundConfig, stats RoundStatistics) RoundResult {
	loss := LossPercent(int64(rc.PacketCount), stats.Received)
	return RoundResult{
		Round:       rc.Round,
		Rate:        rc.Rate,
		PacketSize:  rc.PacketSize,
		PacketCount: rc.PacketCount,
		ByteCount:   rc.ByteCount(),
		Received:    stats.Received,
		Corrupted:   stats.Corrupted,
		LossPercent: loss,
		Mangled:     MangledPercent(stats.Received, stats.Corrupted),
		Rating:      RateLoss(loss),
		Duration:    stats.Elapsed,
	}
}
