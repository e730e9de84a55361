package domain

// Processing outcomes. Every consumed transfer event ends in exactly one of them.
const (
	OutcomeApplied           = "APPLIED"
	OutcomeDuplicate         = "DUPLICATE"
	OutcomeMalformed         = "MALFORMED"
	OutcomeAccountNotFound   = "ACCOUNT_NOT_FOUND"
	OutcomeInsufficientFunds = "INSUFFICIENT_FUNDS"
	OutcomeFailed            = "FAILED"
)

// Incentive lookup results, used as metric labels.
const (
	IncentiveResultQuoted    = "quoted"
	IncentiveResultNegative  = "negative"
	IncentiveResultMalformed = "malformed"
	IncentiveResultDegraded  = "degraded"
)

// Ledger anomaly kinds reported by reconciliation.
const (
	AnomalyNegativeBalance = "negative_balance"
	AnomalyInvalidTransfer = "invalid_transfer"
)

// IsSkip reports whether an outcome drops the event without touching balances.
func IsSkip(outcome string) bool {
	switch outcome {
	case OutcomeMalformed, OutcomeAccountNotFound, OutcomeInsufficientFunds:
		return true
	default:
		return false
	}
}
