package chain

import "fmt"

// Policy is the static network -> required-confirmations lookup. A payment
// counts as confirmed once its transaction reaches the network's threshold.
type Policy struct {
	thresholds map[string]int
}

func NewPolicy() *Policy {
	return &Policy{thresholds: make(map[string]int)}
}

func (p *Policy) Set(network string, confirmations int) error {
	if confirmations < 1 {
		return fmt.Errorf("confirmation threshold for %q must be at least 1, got %d", network, confirmations)
	}
	p.thresholds[network] = confirmations
	return nil
}

// Require returns the threshold for a network. Unknown networks fall back
// to 1 so a misconfigured entry errs on the side of confirming; networks
// are validated against the registry at startup anyway.
func (p *Policy) Require(network string) int {
	if n, ok := p.thresholds[network]; ok {
		return n
	}
	return 1
}
