package x402

import (
	"fmt"
	"math/big"
	"strings"
)

// Selector picks one requirement from a 402 accepts array.
//
// Empty Networks or Schemes match anything. A nil MaxAmount means no
// ceiling. Custom, when set, chooses among the requirements that survived
// filtering; its choice is still held to the ceiling.
type Selector struct {
	Networks  []string
	Schemes   []string
	MaxAmount *big.Int
	Custom    func(candidates []PaymentRequirements) (*PaymentRequirements, error)
}

// Select returns the first acceptable requirement in server order.
func (s *Selector) Select(accepts []PaymentRequirements) (*PaymentRequirements, error) {
	var (
		candidates  []PaymentRequirements
		overCeiling int
	)
	for _, req := range accepts {
		if !matches(s.Networks, req.Network) || !matches(s.Schemes, req.Scheme) {
			continue
		}
		amount, err := req.Amount()
		if err != nil {
			continue
		}
		if !s.withinCeiling(amount) {
			overCeiling++
			continue
		}
		candidates = append(candidates, req)
	}

	if len(candidates) == 0 {
		return nil, s.noneError(len(accepts), overCeiling)
	}

	if s.Custom == nil {
		chosen := candidates[0]
		return &chosen, nil
	}

	chosen, err := s.Custom(candidates)
	if err != nil {
		return nil, err
	}
	if chosen == nil {
		return nil, ErrNoAcceptableRequirement
	}
	amount, err := chosen.Amount()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoAcceptableRequirement, err)
	}
	if !s.withinCeiling(amount) {
		return nil, s.noneError(1, 1)
	}
	return chosen, nil
}

func (s *Selector) withinCeiling(amount *big.Int) bool {
	return s.MaxAmount == nil || amount.Cmp(s.MaxAmount) <= 0
}

func (s *Selector) noneError(offered, overCeiling int) error {
	if overCeiling > 0 {
		return &selectionError{
			msg: fmt.Sprintf("x402: %d of %d offers exceed maximum amount %s",
				overCeiling, offered, s.MaxAmount),
			causes: []error{ErrNoAcceptableRequirement, ErrPaymentLimitExceeded},
		}
	}
	return &selectionError{
		msg:    fmt.Sprintf("x402: none of %d offers match networks %v schemes %v", offered, s.Networks, s.Schemes),
		causes: []error{ErrNoAcceptableRequirement},
	}
}

func matches(allowed []string, v string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if strings.EqualFold(a, v) {
			return true
		}
	}
	return false
}
