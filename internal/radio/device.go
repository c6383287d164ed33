// Package radio models the communication devices players carry and decides
// which transmissions a receiver is able to pick up.
package radio

import "fmt"

// Kind identifies a device model. The set is closed: the compatibility
// matrix and the progression chain are both keyed on it.
type Kind string

const (
	// KindReceiver is the broadcast radio every player starts with. It can
	// pick up any transmission at any distance but cannot transmit.
	KindReceiver Kind = "receiver"
	// KindHandheld is the short-range walkie-talkie.
	KindHandheld Kind = "handheld"
	// KindBase is the medium-range base station.
	KindBase Kind = "base"
	// KindRelay is the long-range relay tower.
	KindRelay Kind = "relay"
)

// Nominal transmit/receive ranges in kilometers.
const (
	handheldRangeKm = 3.0
	baseRangeKm     = 30.0
	relayRangeKm    = 150.0
)

// ResourceCost is a named resource amount required to unlock a device.
type ResourceCost struct {
	Resource string `json:"resource"`
	Amount   int    `json:"amount"`
}

// Spec describes a device kind: its range, whether it can transmit, and what
// it takes to unlock it. RangeKm is nil for the receiver, whose receive range
// is unlimited.
type Spec struct {
	Kind           Kind           `json:"kind"`
	Name           string         `json:"name"`
	RangeKm        *float64       `json:"range_km,omitempty"`
	CanSend        bool           `json:"can_send"`
	Requires       *Kind          `json:"requires,omitempty"`
	MinTerritories int            `json:"min_territories"`
	Costs          []ResourceCost `json:"costs,omitempty"`
}

func kmPtr(v float64) *float64 { return &v }
func kindPtr(k Kind) *Kind     { return &k }

// specs is ordered by progression tier. The receiver is the default kind:
// unlocked and current for every new account.
var specs = []Spec{
	{
		Kind:    KindReceiver,
		Name:    "Broadcast Receiver",
		CanSend: false,
	},
	{
		Kind:           KindHandheld,
		Name:           "Handheld Radio",
		RangeKm:        kmPtr(handheldRangeKm),
		CanSend:        true,
		Requires:       kindPtr(KindReceiver),
		MinTerritories: 1,
		Costs: []ResourceCost{
			{Resource: "scrap", Amount: 10},
		},
	},
	{
		Kind:           KindBase,
		Name:           "Base Station",
		RangeKm:        kmPtr(baseRangeKm),
		CanSend:        true,
		Requires:       kindPtr(KindHandheld),
		MinTerritories: 2,
		Costs: []ResourceCost{
			{Resource: "scrap", Amount: 25},
			{Resource: "wire", Amount: 10},
		},
	},
	{
		Kind:           KindRelay,
		Name:           "Relay Tower",
		RangeKm:        kmPtr(relayRangeKm),
		CanSend:        true,
		Requires:       kindPtr(KindBase),
		MinTerritories: 4,
		Costs: []ResourceCost{
			{Resource: "scrap", Amount: 50},
			{Resource: "wire", Amount: 25},
			{Resource: "circuit", Amount: 5},
		},
	},
}

// DefaultKind is the device every new account starts on.
const DefaultKind = KindReceiver

// Specs returns all device specs in progression order.
func Specs() []Spec {
	out := make([]Spec, len(specs))
	copy(out, specs)
	return out
}

// SpecFor returns the spec for a kind.
func SpecFor(k Kind) (Spec, bool) {
	for _, s := range specs {
		if s.Kind == k {
			return s, true
		}
	}
	return Spec{}, false
}

// ParseKind validates a wire-level device kind string.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if _, ok := SpecFor(k); !ok {
		return "", fmt.Errorf("unknown device kind %q", s)
	}
	return k, nil
}

// compatMatrix maps (sender, receiver) to the effective maximum range in
// kilometers for pairs where both ends can be range-checked. The value is the
// larger of the two nominal ranges: coverage is dominated by the
// better-equipped party. The receiver kind does not appear here because both
// of its boundaries are asymmetric exceptions, handled in MaxRangeKm.
var compatMatrix = map[Kind]map[Kind]float64{
	KindHandheld: {
		KindHandheld: handheldRangeKm,
		KindBase:     baseRangeKm,
		KindRelay:    relayRangeKm,
	},
	KindBase: {
		KindHandheld: baseRangeKm,
		KindBase:     baseRangeKm,
		KindRelay:    relayRangeKm,
	},
	KindRelay: {
		KindHandheld: relayRangeKm,
		KindBase:     relayRangeKm,
		KindRelay:    relayRangeKm,
	},
}

// MaxRangeKm returns the effective maximum range for a sender/receiver pair.
// unlimited is true when the receiving end hears everything regardless of
// distance. ok is false when the pair is incompatible: the receiver kind can
// never originate a transmission.
func MaxRangeKm(sender, receiver Kind) (km float64, unlimited, ok bool) {
	if receiver == KindReceiver {
		return 0, true, true
	}
	if sender == KindReceiver {
		return 0, false, false
	}

	row, ok := compatMatrix[sender]
	if !ok {
		return 0, false, false
	}
	km, ok = row[receiver]
	return km, false, ok
}
