package radio

import "github.com/camplink/camplink/internal/geo"

// Transmission is the subset of a message the propagation check needs.
// SenderKind and SenderLocation are optional: older messages predate the
// device tag, and location may have been unavailable at send time.
type Transmission struct {
	SenderKind     *Kind
	SenderLocation *geo.Coordinate
}

// ShouldAdmit decides whether a transmission is audible to a receiver on
// myKind at myLoc. Missing information always resolves to admit: hiding a
// message that should have been shown is worse than showing one that should
// not. The only hard denies are a sender kind that cannot transmit and a
// distance beyond the matrix range.
func ShouldAdmit(t Transmission, myKind *Kind, myLoc *geo.Coordinate) bool {
	// Receiver kind unknown: cannot evaluate, show the message.
	if myKind == nil {
		return true
	}

	// The broadcast receiver hears everything.
	if *myKind == KindReceiver {
		return true
	}

	// Legacy message without a device tag.
	if t.SenderKind == nil {
		return true
	}

	// A receiver can never legitimately transmit. This is the only deny
	// not driven by distance.
	if *t.SenderKind == KindReceiver {
		return false
	}

	// Sender location unavailable at send time.
	if t.SenderLocation == nil {
		return true
	}

	// Own location unavailable: cannot evaluate distance.
	if myLoc == nil {
		return true
	}

	r, unlimited, ok := MaxRangeKm(*t.SenderKind, *myKind)
	if !ok {
		// The receiver-as-sender case was denied above, so a failed lookup
		// means a kind this build doesn't know. Treat like missing data.
		return true
	}
	if unlimited {
		return true
	}

	return geo.DistanceKm(*myLoc, *t.SenderLocation) <= r
}
