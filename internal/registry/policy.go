package registry

import (
	"fmt"
	"math"
)

// AvailabilityPolicy maps a reported feed availability to the quantity
// written into the registry. The two deployed integrations contradict each
// other on this, so there is no default: the caller must pick one.
type AvailabilityPolicy string

const (
	// PolicyPassthrough writes the reported quantity as-is.
	PolicyPassthrough AvailabilityPolicy = "passthrough"
	// PolicyInvertedFlag writes 1 when the feed reports zero and 0
	// otherwise, for portals where the number is an order-backlog flag
	// rather than units on hand.
	PolicyInvertedFlag AvailabilityPolicy = "inverted_flag"
)

func ParseAvailabilityPolicy(s string) (AvailabilityPolicy, error) {
	switch AvailabilityPolicy(s) {
	case PolicyPassthrough:
		return PolicyPassthrough, nil
	case PolicyInvertedFlag:
		return PolicyInvertedFlag, nil
	}
	if s == "" {
		return "", fmt.Errorf("availability policy not configured, set %q or %q", PolicyPassthrough, PolicyInvertedFlag)
	}
	return "", fmt.Errorf("unknown availability policy %q, want %q or %q", s, PolicyPassthrough, PolicyInvertedFlag)
}

// Apply coerces the reported value to a non-negative integer quantity and
// runs the policy over it. Invalid values count as zero.
func (p AvailabilityPolicy) Apply(reported float64) float64 {
	if math.IsNaN(reported) || reported < 0 {
		reported = 0
	}
	reported = math.Trunc(reported)
	if p == PolicyInvertedFlag {
		if reported == 0 {
			return 1
		}
		return 0
	}
	return reported
}
