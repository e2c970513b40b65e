package reconciler

import (
	"github.com/manchtools/power-manage/ucs-apps/internal/catalog"
	"github.com/manchtools/power-manage/ucs-apps/internal/univention"
)

// State is the desired installation state of an app.
type State string

const (
	StatePresent State = "present"
	StateAbsent  State = "absent"
)

// Stall is the desired stall setting of an installed app. StallUnset leaves
// it alone.
type Stall string

const (
	StallUnset Stall = ""
	StallYes   Stall = "yes"
	StallNo    Stall = "no"
)

// noAction is returned by Decide when the app already matches the desired state.
const noAction univention.ActionKind = ""

// Decide maps the classified status and the desired state to at most one
// action. The upgrade check takes precedence over the already-present no-op;
// a stall change is only considered when nothing else is to be done.
func Decide(status catalog.Status, state State, upgrade bool, stall Stall) (univention.ActionKind, error) {
	switch {
	case status == catalog.StatusNotFound:
		return noAction, &Error{Kind: KindUnknownApp, Msg: "app does not exist"}

	case state == StatePresent && status == catalog.StatusPresentUpgradable && upgrade:
		return univention.ActionUpgrade, nil

	case state == StatePresent && status.Installed():
		switch stall {
		case StallYes:
			return univention.ActionStall, nil
		case StallNo:
			return univention.ActionUndoStall, nil
		}
		return noAction, nil

	case state == StatePresent && status == catalog.StatusAbsent:
		return univention.ActionInstall, nil

	case state == StateAbsent && status.Installed():
		return univention.ActionRemove, nil

	case state == StateAbsent && status == catalog.StatusAbsent:
		return noAction, nil
	}

	return noAction, newError(KindInternal, nil, "no decision for status %s and state %q", status, state)
}
