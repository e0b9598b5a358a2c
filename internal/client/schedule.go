package client

import (
	"fmt"
	"math/rand/v2"

	"lan-integrity-tester/internal/common"
	"lan-integrity-tester/internal/pacer"
)

// round 是一轮的配置和对应的发送计划
type round struct {
	config common.RoundConfig
	plan   pacer.Plan
}

// Schedule 计算全部轮次，第 i 轮的速率为 i × maxRate / rounds。
// 任何一轮算出 0 个数据包时返回 ErrRateTooLow
func Schedule(cfg common.TestConfig) ([]common.RoundConfig, error) {
	rounds, err := schedule(cfg)
	if err != nil {
		return nil, err
	}
	configs := make([]common.RoundConfig, len(rounds))
	for i, r := range rounds {
		configs[i] = r.config
	}
	return configs, nil
}

func schedule(cfg common.TestConfig) ([]round, error) {
	if cfg.Rounds <= 0 {
		return nil, fmt.Errorf("轮数必须为正: %d", cfg.Rounds)
	}
	if cfg.MaxRate <= 0 {
		return nil, fmt.Errorf("%w: 最大速率必须为正: %.2f", common.ErrRateTooLow, cfg.MaxRate)
	}

	increment := cfg.MaxRate / float64(cfg.Rounds)
	rounds := make([]round, 0, cfg.Rounds)
	for i := 1; i <= cfg.Rounds; i++ {
		rate := float64(i) * increment
		plan, err := pacer.NewPlan(rate, cfg.PacketSize, cfg.RoundDuration, !cfg.Burst)
		if err != nil {
			return nil, fmt.Errorf("第 %d 轮: %w", i, err)
		}
		rounds = append(rounds, round{
			config: common.RoundConfig{
				Round:           i,
				Rate:            rate,
				PacketSize:      plan.PacketSize,
				PacketCount:     plan.PacketCount,
				ExpectedPayload: byte(rand.IntN(256)),
				Loss:            cfg.Loss,
				Echo:            cfg.RoundTrip,
			},
			plan: plan,
		})
	}
	return rounds, nil
}
