package bank

import (
	"crypto/subtle"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/saturnpay/saturn/protocol"
)

// RBAPolicy is the risk-based authentication rule: at or above the
// threshold the payer must answer a challenge before the request
// proceeds. The demo policy asks one fixed question; a production
// deployment would plug in its own.
type RBAPolicy struct {
	Threshold      decimal.Decimal
	ChallengeID    string
	ExpectedAnswer string
	Prompt         string
}

func DefaultRBAPolicy() RBAPolicy {
	return RBAPolicy{
		Threshold:      decimal.RequireFromString("1000.00"),
		ChallengeID:    "mother",
		ExpectedAnswer: "smith",
		Prompt:         "Due to the size of this payment, please enter your mother's maiden name.",
	}
}

// Required reports whether amount triggers step-up.
func (p RBAPolicy) Required(amount decimal.Decimal) bool {
	return amount.GreaterThanOrEqual(p.Threshold)
}

// Satisfied reports whether the submitted challenge results contain a
// correct answer.
func (p RBAPolicy) Satisfied(results []protocol.UserResponseItem) bool {
	for _, r := range results {
		if r.Name != p.ChallengeID {
			continue
		}
		answer := strings.ToLower(strings.TrimSpace(r.Value))
		if subtle.ConstantTimeCompare([]byte(answer), []byte(p.ExpectedAnswer)) == 1 {
			return true
		}
	}
	return false
}

// Challenge is the prompt sent back to the payer.
func (p RBAPolicy) Challenge() protocol.UserChallengeItem {
	return protocol.UserChallengeItem{
		Name:   p.ChallengeID,
		Type:   protocol.ChallengeAlphanumericSecret,
		Length: 20,
	}
}
