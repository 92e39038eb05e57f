package deals

// Actor is the identity behind a request, with its roles resolved.
type Actor struct {
	ID            int64
	Handle        string
	Superuser     bool
	RosterArbiter bool // on the active roster
}

// IsArbiter reports whether the actor holds either arbiter tier.
func (a Actor) IsArbiter() bool {
	return a.Superuser || a.RosterArbiter
}

// Action is a guarded operation.
type Action string

const (
	ActionView          Action = "view"
	ActionBind          Action = "fund"
	ActionCancel        Action = "cancel"
	ActionRelease       Action = "release"
	ActionDispute       Action = "dispute"
	ActionCancelDispute Action = "cancel dispute"
	ActionEvidence      Action = "submit evidence"
	ActionViewEvidence  Action = "view evidence"
	ActionResolve       Action = "resolve"
	ActionAssign        Action = "assign"
	ActionMessage       Action = "message"
	ActionBroadcast     Action = "broadcast"
	ActionReview        Action = "review"

	// Actions not tied to a deal.
	ActionManageRoster Action = "manage arbiters"
	ActionQueryAudit   Action = "query audit log"
	ActionListDisputes Action = "list disputes"
)

// Required role descriptions carried by AuthError.
const (
	RequireParty          = "seller or buyer"
	RequireBuyer          = "buyer"
	RequireSuperuser      = "superuser"
	RequireArbiter        = "arbiter"
	RequireAssigned       = "superuser or the assigned arbiter"
	RequirePartyOrArbiter = "seller, buyer or arbiter"
	RequireDisputant      = "the disputing party or the assigned arbiter"
)

// Guard decides whether an actor may perform an action. It has no state;
// roles are resolved into Actor before the check.
type Guard struct{}

// Authorize checks a deal-scoped action.
func (Guard) Authorize(a Actor, d *Deal, action Action) error {
	party := d.IsSeller(a.ID) || d.IsBuyer(a.ID, a.Handle)
	assigned := arbiterFor(a, d)

	var ok bool
	var required string
	switch action {
	case ActionView, ActionViewEvidence:
		ok, required = party || a.IsArbiter(), RequirePartyOrArbiter
	case ActionCancel, ActionDispute, ActionReview:
		ok, required = party, RequireParty
	case ActionRelease, ActionBind:
		ok, required = d.IsBuyer(a.ID, a.Handle), RequireBuyer
	case ActionCancelDispute:
		ok, required = isDisputant(a, d) || assigned, RequireDisputant
	case ActionEvidence:
		ok, required = party || assigned, RequirePartyOrArbiter
	case ActionResolve, ActionMessage:
		ok, required = assigned, RequireAssigned
	case ActionAssign, ActionBroadcast:
		ok, required = a.Superuser, RequireSuperuser
	default:
		required = RequireSuperuser
	}
	if !ok {
		return &AuthError{Action: action, Required: required}
	}
	return nil
}

// AuthorizeGlobal checks an action that is not tied to a deal.
func (Guard) AuthorizeGlobal(a Actor, action Action) error {
	switch action {
	case ActionManageRoster, ActionQueryAudit:
		if a.Superuser {
			return nil
		}
		return &AuthError{Action: action, Required: RequireSuperuser}
	case ActionListDisputes:
		if a.IsArbiter() {
			return nil
		}
		return &AuthError{Action: action, Required: RequireArbiter}
	}
	return &AuthError{Action: action, Required: RequireSuperuser}
}

// arbiterFor reports whether a may act as arbiter on d: superusers always,
// roster members only on disputes assigned to them.
func arbiterFor(a Actor, d *Deal) bool {
	if a.Superuser {
		return true
	}
	return a.RosterArbiter && d.AssignedTo != 0 && d.AssignedTo == a.ID
}

func isDisputant(a Actor, d *Deal) bool {
	if d.DisputedBy != 0 {
		return a.ID == d.DisputedBy
	}
	return d.DisputedByHandle != "" && SameHandle(a.Handle, d.DisputedByHandle)
}
