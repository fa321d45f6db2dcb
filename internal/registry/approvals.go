package registry

import "strings"

// Tokens whose approve reverts when changing a non-zero allowance to another
// non-zero value. They must be reset to zero first.
var twoStepApproveTokens = map[int64][]string{
	1: {
		"0xdac17f958d2ee523a2206206994597c13d831ec7", // USDT
		"0xdd974d5c2e2928dea5f71b9825b8b646686bd200", // KNC (legacy)
	},
}

func IsTwoStepApproveToken(chainID int64, token string) bool {
	token = strings.ToLower(strings.TrimSpace(token))
	for _, addr := range twoStepApproveTokens[chainID] {
		if addr == token {
			return true
		}
	}
	return false
}
