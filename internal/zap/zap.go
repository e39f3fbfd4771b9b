// Package zap runs the NIP-57 zap pipeline: resolve the recipient's LNURL-pay
// endpoint, check the amount, sign a zap request, fetch an invoice and settle it
// through Nostr Wallet Connect. Progress is reported stage by stage and every run
// ends in exactly one terminal state.
package zap

// Type selects how the zap request is signed
type Type int

const (
	// Public zaps are signed by the user's identity
	Public Type = iota
	// Private zaps are signed by the user and carry an empty anon tag
	Private
	// Anonymous zaps are signed by a throwaway key
	Anonymous
	// NonZap pays the invoice without any zap request
	NonZap
)

func (t Type) String() string {
	switch t {
	case Public:
		return "public"
	case Private:
		return "private"
	case Anonymous:
		return "anonymous"
	case NonZap:
		return "nonzap"
	default:
		return "unknown"
	}
}

// ParseType accepts the names returned by String
func ParseType(s string) (Type, bool) {
	for _, t := range []Type{Public, Private, Anonymous, NonZap} {
		if t.String() == s {
			return t, true
		}
	}
	return Public, false
}

// Stage is a step of the pipeline
type Stage int

const (
	LookingUp Stage = iota
	Signing
	FetchingInvoice
	Paying
)

func (s Stage) String() string {
	switch s {
	case LookingUp:
		return "looking_up"
	case Signing:
		return "signing"
	case FetchingInvoice:
		return "fetching_invoice"
	case Paying:
		return "paying"
	default:
		return "unknown"
	}
}

// Progress is one notification to an Observer.
// Exactly one notification per run has Done set or Failed non-nil, and it is the last.
type Progress struct {
	Stage    Stage
	Done     bool
	Invoice  string
	Preimage string
	Failed   *Error
}

// Terminal reports whether this is the final notification
func (p Progress) Terminal() bool { return p.Done || p.Failed != nil }

// Observer receives progress synchronously on the calling goroutine
type Observer func(Progress)

// Request describes one zap
type Request struct {
	Lud16           string
	AmountSats      int64
	Comment         string
	EventID         string // optional zapped event
	EventKind       int    // kind of EventID, sent as the k tag
	RecipientPubKey string
	Type            Type
	Relays          []string // where the receipt should be published
}

// Result is the outcome of a successful run
type Result struct {
	Invoice     string
	Preimage    string
	AmountMsats int64
	ZapRequest  string // signed kind 9734 JSON, empty for NonZap
}
