package types

import "time"

// RelayStatus is the connection state of a single relay
type RelayStatus int

const (
	RelayDisconnected RelayStatus = iota
	RelayConnecting
	RelayConnected
	RelayError
)

func (s RelayStatus) String() string {
	switch s {
	case RelayConnecting:
		return "CONNECTING"
	case RelayConnected:
		return "CONNECTED"
	case RelayError:
		return "ERROR"
	default:
		return "DISCONNECTED"
	}
}

// RelayList represents a user's NIP-65 relay list
type RelayList struct {
	Read  []string
	Write []string
}

// RelayInformation is a NIP-11 relay information document.
// Relays may omit or misreport any field.
type RelayInformation struct {
	URL           string       `json:"-"`
	Name          string       `json:"name,omitempty"`
	Description   string       `json:"description,omitempty"`
	PubKey        string       `json:"pubkey,omitempty"`
	Contact       string       `json:"contact,omitempty"`
	SupportedNIPs []int        `json:"supported_nips,omitempty"`
	Software      string       `json:"software,omitempty"`
	Version       string       `json:"version,omitempty"`
	Limitation    *RelayLimits `json:"limitation,omitempty"`
	Fees          *RelayFees   `json:"fees,omitempty"`
	PaymentsURL   string       `json:"payments_url,omitempty"`
	Icon          string       `json:"icon,omitempty"`
	Image         string       `json:"image,omitempty"`
}

// SupportsNIP reports whether the document lists the given NIP number
func (r *RelayInformation) SupportsNIP(nip int) bool {
	for _, n := range r.SupportedNIPs {
		if n == nip {
			return true
		}
	}
	return false
}

// RelayLimits specifies restrictions that apply to interactions with a relay
type RelayLimits struct {
	MaxMessageLength int  `json:"max_message_length,omitempty"`
	MaxSubscriptions int  `json:"max_subscriptions,omitempty"`
	MaxFilters       int  `json:"max_filters,omitempty"`
	MaxLimit         int  `json:"max_limit,omitempty"`
	MaxSubidLength   int  `json:"max_subid_length,omitempty"`
	MaxEventTags     int  `json:"max_event_tags,omitempty"`
	MaxContentLength int  `json:"max_content_length,omitempty"`
	MinPowDifficulty int  `json:"min_pow_difficulty,omitempty"`
	AuthRequired     bool `json:"auth_required,omitempty"`
	PaymentRequired  bool `json:"payment_required,omitempty"`
	RestrictedWrites bool `json:"restricted_writes,omitempty"`
}

// RelayFee is a single fee schedule entry
type RelayFee struct {
	Amount int    `json:"amount"`
	Unit   string `json:"unit"`
	Period int    `json:"period,omitempty"`
	Kinds  []int  `json:"kinds,omitempty"`
}

// RelayFees defines the fee structure of a paid relay
type RelayFees struct {
	Admission    []RelayFee `json:"admission,omitempty"`
	Subscription []RelayFee `json:"subscription,omitempty"`
	Publication  []RelayFee `json:"publication,omitempty"`
}

// RelayStatusChange is emitted on every relay state transition
type RelayStatusChange struct {
	URL    string
	Status RelayStatus
	Err    error
	At     time.Time
}
