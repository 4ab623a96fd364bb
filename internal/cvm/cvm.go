package cvm

// Method is the cardholder verification method resolved from the kernel's
// CVM result code.
type Method string

const (
	NoCvm      Method = "no_cvm"
	OnlinePin  Method = "online_pin"
	OfflinePin Method = "offline_pin"
	Cdcvm      Method = "cdcvm"
	Unknown    Method = "unknown"
)

// Decision carries the resolved method plus what the terminal must do about
// PIN collection. ForwardPin means the encrypted PIN block is sent to the
// backend; OfflinePin is verified by the card and never forwarded.
type Decision struct {
	Method     Method
	CollectPin bool
	ForwardPin bool
}

// Fallback hints used when the kernel did not supply a CVM code.
const (
	FallbackOnlinePin  = 0
	FallbackOfflinePin = 1
)

// Resolve maps a two-character CVM result code to a Decision. When code is
// empty the fallback hint decides between online and offline PIN. Unrecognized
// codes resolve to Unknown with no PIN forwarding.
func Resolve(code string, fallbackHint int) Decision {
	if code == "" {
		if fallbackHint == FallbackOnlinePin {
			return Decision{Method: OnlinePin, CollectPin: true, ForwardPin: true}
		}
		return Decision{Method: OfflinePin, CollectPin: true, ForwardPin: false}
	}

	switch code {
	case "00":
		return Decision{Method: NoCvm}
	case "01", "02":
		return Decision{Method: OnlinePin, CollectPin: true, ForwardPin: true}
	case "42":
		return Decision{Method: OfflinePin, CollectPin: true, ForwardPin: false}
	case "03", "5E":
		return Decision{Method: Cdcvm}
	default:
		return Decision{Method: Unknown}
	}
}
