// Release-trigger conditions are modeled as small composable predicates
// (AND/OR/NOT over time and confirmation facts) rather than one hardcoded
// comparison, so a future condition can be added without touching the
// state machine.
package switchstate

import "time"

// PredicateKind enumerates the condition types a release predicate can
// express.
type PredicateKind uint8

const (
	PredicateUnconditional PredicateKind = iota
	PredicateAfterTime
	PredicateBitcoinConfirmed
	PredicateAnd
	PredicateOr
	PredicateNot
)

// Predicate is a composable release-trigger condition, evaluated against
// a Fact snapshot of the switch's current observable state.
type Predicate struct {
	Kind     PredicateKind
	At       time.Time
	Children []Predicate
}

// Fact is the state a Predicate is evaluated against.
type Fact struct {
	Now               time.Time
	BitcoinEnabled    bool
	BitcoinConfirmed  bool
}

func Unconditional() Predicate { return Predicate{Kind: PredicateUnconditional} }

func AfterTime(at time.Time) Predicate { return Predicate{Kind: PredicateAfterTime, At: at} }

func BitcoinConfirmed() Predicate { return Predicate{Kind: PredicateBitcoinConfirmed} }

func And(children ...Predicate) Predicate { return Predicate{Kind: PredicateAnd, Children: children} }

func Or(children ...Predicate) Predicate { return Predicate{Kind: PredicateOr, Children: children} }

func Not(child Predicate) Predicate { return Predicate{Kind: PredicateNot, Children: []Predicate{child}} }

// Evaluate reports whether p is satisfied under f.
func Evaluate(p Predicate, f Fact) bool {
	switch p.Kind {
	case PredicateUnconditional:
		return true
	case PredicateAfterTime:
		return !f.Now.Before(p.At)
	case PredicateBitcoinConfirmed:
		return !f.BitcoinEnabled || f.BitcoinConfirmed
	case PredicateAnd:
		for _, c := range p.Children {
			if !Evaluate(c, f) {
				return false
			}
		}
		return true
	case PredicateOr:
		for _, c := range p.Children {
			if Evaluate(c, f) {
				return true
			}
		}
		return false
	case PredicateNot:
		if len(p.Children) != 1 {
			return false
		}
		return !Evaluate(p.Children[0], f)
	default:
		return false
	}
}

// DefaultReleasePredicate is the standard trigger: now >= expires_at,
// and, when the switch has Bitcoin enabled, the recorded commitment must
// also have confirmed.
func DefaultReleasePredicate(expiresAt time.Time) Predicate {
	return And(AfterTime(expiresAt), BitcoinConfirmed())
}
