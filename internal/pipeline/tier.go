package pipeline

import "github.com/yourusername/asset-forge/internal/queue"

// TierPolicy はサービスティアから投入先レーンを決めます。
type TierPolicy func(tier int) queue.Lane

// ThresholdPolicy は tier が minHighTier 以上なら high、それ以外は normal を返します。
func ThresholdPolicy(minHighTier int) TierPolicy {
	return func(tier int) queue.Lane {
		if tier >= minHighTier {
			return queue.LaneHigh
		}
		return queue.LaneNormal
	}
}
