package protocol

type PriorityLevel string

const (
	PriorityLow     PriorityLevel = "low"
	PriorityMedium  PriorityLevel = "medium"
	PriorityHigh    PriorityLevel = "high"
	PriorityExtreme PriorityLevel = "extreme"
)

type PriorityConfig struct {
	Level        PriorityLevel
	ComputeUnits uint32 // compute unit limit
	PriorityFee  uint64 // micro-lamports per compute unit
}

var priorityLadder = []PriorityConfig{
	{Level: PriorityLow, ComputeUnits: 200_000, PriorityFee: 1_000},
	{Level: PriorityMedium, ComputeUnits: 400_000, PriorityFee: 5_000},
	{Level: PriorityHigh, ComputeUnits: 800_000, PriorityFee: 10_000},
	{Level: PriorityExtreme, ComputeUnits: 1_000_000, PriorityFee: 50_000},
}

// PriorityForAttempt returns the priority profile for a 1-based attempt
// number. Fees strictly increase with the attempt; past the extreme profile
// the fee keeps doubling.
func PriorityForAttempt(attempt int) PriorityConfig {
	if attempt < 1 {
		attempt = 1
	}
	if attempt <= len(priorityLadder) {
		return priorityLadder[attempt-1]
	}
	p := priorityLadder[len(priorityLadder)-1]
	for i := len(priorityLadder); i < attempt; i++ {
		p.PriorityFee *= 2
	}
	return p
}

// ExtremePriority is the profile used for force-sells.
func ExtremePriority() PriorityConfig {
	return priorityLadder[len(priorityLadder)-1]
}

// FeeSOL is the total priority fee in SOL if every compute unit is used.
func (p PriorityConfig) FeeSOL() float64 {
	return float64(p.PriorityFee) * float64(p.ComputeUnits) / 1e6 / 1e9
}
