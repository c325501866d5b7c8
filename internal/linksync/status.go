package linksync

// LinkStatus is the local projection of the remote platform's link state.
type LinkStatus string

const (
	StatusNotLinked     LinkStatus = "NOT_LINKED"
	StatusLinkPending   LinkStatus = "LINK_PENDING"
	StatusLinked        LinkStatus = "LINKED"
	StatusLinkRefused   LinkStatus = "LINK_REFUSED"
	StatusUnlinkPending LinkStatus = "UNLINK_PENDING_CONFIRMATION"
)

// Display labels shown by the dashboard for each mapped state.
const (
	DisplayConnected     = "Connected"
	DisplayPending       = "Pending"
	DisplayInactive      = "Connected (Inactive)"
	DisplayLink          = "Link"
	DisplayDisconnecting = "Disconnecting"
)

// StatusMapping is the outcome of folding a raw remote status through the
// status table. All three writers (poll, batch, push) map through this one
// function before touching the store; the table must never be duplicated
// per call site.
type StatusMapping struct {
	Raw      string
	Status   LinkStatus
	Display  string
	Linked   bool
	Disabled bool
}

func MapRemoteStatus(raw string) StatusMapping {
	normalized := NormalizeStatus(raw)
	switch normalized {
	case "ACTIVE", "ENABLED", "CONNECTED", "LINKED":
		return StatusMapping{Raw: normalized, Status: StatusLinked, Display: DisplayConnected, Linked: true}
	case "PENDING":
		return StatusMapping{Raw: normalized, Status: StatusLinkPending, Display: DisplayPending, Linked: false}
	case "SUSPENDED", "DISABLED", "CUSTOMER_NOT_ENABLED":
		return StatusMapping{Raw: normalized, Status: StatusLinked, Display: DisplayInactive, Linked: true, Disabled: true}
	case "REJECTED", "REFUSED", "CANCELLED":
		return StatusMapping{Raw: normalized, Status: StatusLinkRefused, Display: DisplayLink, Linked: false}
	case "NOT_LINKED":
		return StatusMapping{Raw: normalized, Status: StatusNotLinked, Display: DisplayLink, Linked: false}
	default:
		return StatusMapping{Raw: normalized, Status: StatusNotLinked, Display: DisplayLink, Linked: false}
	}
}

// refusedFamily reports whether a normalized remote status is a definitive
// refusal of an outstanding link invitation.
func refusedFamily(normalized string) bool {
	switch normalized {
	case "REJECTED", "REFUSED", "CANCELLED":
		return true
	}
	return false
}
