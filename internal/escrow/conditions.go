package escrow

import (
	"strings"
	"time"
)

// SignatureAssertion is the verified result of one signature
// submission: who signed, over what, and whether verification passed.
// Only assertions with Valid=true ever count toward a threshold.
type SignatureAssertion struct {
	Signer     string
	PayloadRef string
	Valid      bool
}

// Satisfied reports whether the configured release conditions all hold
// at the given instant. Pure: no side effects, same inputs always give
// the same answer.
//
// An empty condition set is unsatisfied by default: an escrow with no
// conditions requires the explicit manual release path, never an
// automatic one.
func Satisfied(rc ReleaseConditions, now time.Time, assertions []SignatureAssertion) bool {
	if rc.IsEmpty() {
		return false
	}

	if tl := rc.Timelock; tl != nil {
		if tl.ReleaseAfter != nil && now.Before(*tl.ReleaseAfter) {
			return false
		}
		// At or past the expiry bound the escrow is eligible for
		// expiration, never for release.
		if tl.ExpireAfter != nil && !now.Before(*tl.ExpireAfter) {
			return false
		}
	}

	if ms := rc.MultiSig; ms != nil {
		if countValidSigners(ms, assertions) < ms.RequiredSignatures {
			return false
		}
	}

	for _, c := range rc.Named {
		if !c.Fulfilled {
			return false
		}
	}

	return true
}

// TimedOut reports whether the escrow's time bounds have passed: the
// timelock expiry or the record's hard expiration date, whichever comes
// first. Expiration takes precedence over satisfaction at the same
// instant.
func TimedOut(rc ReleaseConditions, expirationDate *time.Time, now time.Time) bool {
	if rc.Timelock != nil && rc.Timelock.ExpireAfter != nil && !now.Before(*rc.Timelock.ExpireAfter) {
		return true
	}
	if expirationDate != nil && !now.Before(*expirationDate) {
		return true
	}
	return false
}

// countValidSigners counts distinct valid signers that are members of
// the configured signer set.
func countValidSigners(ms *MultiSig, assertions []SignatureAssertion) int {
	members := make(map[string]bool, len(ms.Signers))
	for _, s := range ms.Signers {
		members[strings.ToLower(s)] = true
	}

	seen := make(map[string]bool, len(assertions))
	count := 0
	for _, a := range assertions {
		if !a.Valid {
			continue
		}
		signer := strings.ToLower(a.Signer)
		if !members[signer] || seen[signer] {
			continue
		}
		seen[signer] = true
		count++
	}
	return count
}

// recordedAssertions converts an escrow's stored signer set into
// assertions for evaluation. Stored signers were verified at
// submission time.
func recordedAssertions(e *Escrow) []SignatureAssertion {
	if len(e.Signatures) == 0 {
		return nil
	}
	out := make([]SignatureAssertion, 0, len(e.Signatures))
	for _, s := range e.Signatures {
		out = append(out, SignatureAssertion{Signer: s, Valid: true})
	}
	return out
}
