package decision

import (
	"errors"
	"strings"
)

// Decision is the closed set of answers for a cross-domain redirect
// request. NoDecision is an explicit member: "nothing stored yet" and
// "ask the user" are different states and both must be representable.
type Decision string

const (
	Pass       Decision = "PASS"
	Redirect   Decision = "REDIRECT"
	Ask        Decision = "ASK"
	NoDecision Decision = "NO_DECISION"
)

var (
	ErrInvalidDecision   = errors.New("invalid decision keyword")
	ErrInvalidTransition = errors.New("invalid decision transition")
)

// Parse validates a decision keyword from the wire.
func Parse(raw string) (Decision, error) {
	switch Decision(strings.ToUpper(strings.TrimSpace(raw))) {
	case Pass:
		return Pass, nil
	case Redirect:
		return Redirect, nil
	case Ask:
		return Ask, nil
	case NoDecision:
		return NoDecision, nil
	default:
		return NoDecision, ErrInvalidDecision
	}
}

func (d Decision) Valid() bool {
	switch d {
	case Pass, Redirect, Ask, NoDecision:
		return true
	default:
		return false
	}
}

// CanTransition reports whether a stored per-(session,domain) decision
// may move from one state to another. The only paths are
// NO_DECISION -> ASK -> {PASS, REDIRECT} and the explicit reset
// {PASS, REDIRECT} -> ASK.
func CanTransition(from, to Decision) bool {
	switch from {
	case NoDecision:
		return to == Ask
	case Ask:
		return to == Pass || to == Redirect
	case Pass, Redirect:
		return to == Ask
	default:
		return false
	}
}

func Transition(from, to Decision) (Decision, error) {
	if !to.Valid() {
		return from, ErrInvalidDecision
	}
	if !CanTransition(from, to) {
		return from, ErrInvalidTransition
	}
	return to, nil
}

// Settled reports whether a decision no longer requires the user.
func Settled(d Decision) bool {
	return d == Pass || d == Redirect
}
