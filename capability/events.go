package capability

// ChangeEventKind tags which facet of the LocalProfile changed.
type ChangeEventKind uint8

const (
	ChannelSupportChanged ChangeEventKind = iota
	BatteryStateChanged
	NetworkKindChanged
	ProfileUpdated
)

func (k ChangeEventKind) String() string {
	switch k {
	case ChannelSupportChanged:
		return "ChannelSupportChanged"
	case BatteryStateChanged:
		return "BatteryStateChanged"
	case NetworkKindChanged:
		return "NetworkKindChanged"
	case ProfileUpdated:
		return "ProfileUpdated"
	default:
		return "Unknown"
	}
}

// ChangeEvent is delivered to every watcher on update_local.
type ChangeEvent struct {
	Kind    ChangeEventKind
	Profile LocalProfile
}

// Handler receives change events. Handlers must not block the store; a
// panicking handler is recovered and logged, never allowed to abort
// delivery to other handlers (spec section 4.1 failure semantics).
type Handler func(ChangeEvent)
