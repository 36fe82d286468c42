// Package consensus implements QR-Avalanche: repeated-sampling voting,
// confidence accumulation, conflict resolution, and finalization over the
// vertices held in a dag.Store, per spec.md §4.3.
package consensus

import (
	"fmt"
	"time"
)

// Parameters configures a QR-Avalanche engine. Field names follow
// spec.md §4.3's vocabulary directly.
type Parameters struct {
	K     int     // sample size per query
	Alpha float64 // accept/reject threshold, a fraction of K

	Beta1 int // consecutive successful rounds required for acceptance
	Beta2 int // consecutive successful rounds required for finalization

	QueryTimeout         time.Duration
	FinalityTimeout      time.Duration // liveness bound before a vertex is marked stalled
	MaxConcurrentQueries int
}

// Mainnet returns the spec's default parameters.
func Mainnet() Parameters {
	return Parameters{
		K:                    10,
		Alpha:                0.8,
		Beta1:                15,
		Beta2:                30,
		QueryTimeout:         200 * time.Millisecond,
		FinalityTimeout:      10 * time.Second,
		MaxConcurrentQueries: 64,
	}
}

// Testnet relaxes confidence depth for faster finalization in test
// networks, mirroring the teacher's smaller-network preset pattern.
func Testnet() Parameters {
	p := Mainnet()
	p.Beta1 = 8
	p.Beta2 = 15
	return p
}

// Local is tuned for single-process simulation and unit tests: small
// samples, short timeouts, shallow confidence depth.
func Local() Parameters {
	return Parameters{
		K:                    5,
		Alpha:                0.8,
		Beta1:                4,
		Beta2:                8,
		QueryTimeout:         20 * time.Millisecond,
		FinalityTimeout:      time.Second,
		MaxConcurrentQueries: 8,
	}
}

// AlphaCount returns the minimum number of explicit accept (or reject)
// responses out of K needed to cross Alpha, rounding up so that e.g.
// K=10, Alpha=0.8 requires 8 responses, never 7.
func (p Parameters) AlphaCount() int {
	need := int(p.Alpha * float64(p.K))
	if float64(need) < p.Alpha*float64(p.K) {
		need++
	}
	return need
}

// Validate checks the parameters are internally consistent. A
// misconfigured node is a ConfigInvalid startup error, per spec §7.
func (p Parameters) Validate() error {
	if p.K <= 0 {
		return fmt.Errorf("%w: K must be positive", ErrConfigInvalid)
	}
	if p.Alpha <= 0.5 || p.Alpha > 1.0 {
		return fmt.Errorf("%w: alpha must be in (0.5, 1.0] for safety", ErrConfigInvalid)
	}
	if p.Beta1 <= 0 || p.Beta2 < p.Beta1 {
		return fmt.Errorf("%w: beta2 must be >= beta1 > 0", ErrConfigInvalid)
	}
	if p.QueryTimeout <= 0 || p.FinalityTimeout <= 0 {
		return fmt.Errorf("%w: timeouts must be positive", ErrConfigInvalid)
	}
	if p.MaxConcurrentQueries <= 0 {
		return fmt.Errorf("%w: max concurrent queries must be positive", ErrConfigInvalid)
	}
	return nil
}
