package chain

// CalculateUtility is the contract's cheap, side-effect-free utility
// estimator: a coarse prefilter workers blend into their own scoring. It
// combines raw capability coverage, reputation and spare capacity into a
// value in [0, 100]. The off-chain selection policy remains the canonical
// ranking.
func (c *Chain) CalculateUtility(addr Address, requiredCaps []string, reward int64, workload int) uint8 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	agent, ok := c.agents[addr]
	if !ok || !agent.Active || len(requiredCaps) == 0 {
		return 0
	}

	matchSum := 0
	matched := 0
	for _, tag := range requiredCaps {
		if w := agent.CapabilityWeight(tag); w >= 0 {
			matchSum += w
			matched++
		}
	}
	if matched == 0 {
		return 0
	}
	match := matchSum / len(requiredCaps)

	spare := 0
	if workload < 10 {
		spare = 10 - workload
	}

	util := int(float64(match)*0.6 + float64(agent.Reputation)*0.3 + float64(spare)*1.0)
	return uint8(clampInt(util, 0, 100))
}
