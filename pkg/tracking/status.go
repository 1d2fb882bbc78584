package tracking

// Status is the moderation state of a record.
type Status int

const (
	StatusLive     Status = 1
	StatusHidden   Status = 2
	StatusPending  Status = 3
	StatusRejected Status = 4
	StatusRemoved  Status = 6
)

// AllStatuses lists every status in code order.
var AllStatuses = []Status{StatusLive, StatusHidden, StatusPending, StatusRejected, StatusRemoved}

// String returns the display name of the status.
func (s Status) String() string {
	switch s {
	case StatusLive:
		return "Live"
	case StatusHidden:
		return "Hidden"
	case StatusPending:
		return "Pending"
	case StatusRejected:
		return "Rejected"
	case StatusRemoved:
		return "Removed"
	default:
		return ""
	}
}

// ParseStatus maps a lower-case status name to its code.
func ParseStatus(name string) (Status, bool) {
	switch name {
	case "live":
		return StatusLive, true
	case "hidden":
		return StatusHidden, true
	case "pending":
		return StatusPending, true
	case "rejected":
		return StatusRejected, true
	case "removed":
		return StatusRemoved, true
	}
	return 0, false
}

// Action records what happened to produce a row.
type Action int

const (
	ActionCreated  Action = 1
	ActionEdited   Action = 2
	ActionMerged   Action = 3
	ActionRejected Action = 4
	ActionRemoved  Action = 6
	ActionUnmerged Action = 7
	ActionApproved Action = 8
)

func (a Action) String() string {
	switch a {
	case ActionCreated:
		return "Created"
	case ActionEdited:
		return "Edited"
	case ActionMerged:
		return "Merged"
	case ActionRejected:
		return "Rejected"
	case ActionRemoved:
		return "Removed"
	case ActionUnmerged:
		return "Unmerged"
	case ActionApproved:
		return "Approved"
	default:
		return ""
	}
}

// StatusFilter selects records by status. The zero value selects everything.
type StatusFilter struct {
	Live     bool
	Hidden   bool
	Pending  bool
	Rejected bool
	Removed  bool
	All      bool
}

// IsZero reports whether no status was requested.
func (f StatusFilter) IsZero() bool {
	return f == StatusFilter{}
}

// Statuses returns the status codes the filter accepts, in code order.
func (f StatusFilter) Statuses() []Status {
	var out []Status
	if f.Live || f.All {
		out = append(out, StatusLive)
	}
	if f.Hidden || f.All {
		out = append(out, StatusHidden)
	}
	if f.Pending || f.All {
		out = append(out, StatusPending)
	}
	if f.Rejected || f.All {
		out = append(out, StatusRejected)
	}
	if f.Removed || f.All {
		out = append(out, StatusRemoved)
	}
	return out
}

// FilterFor is the inverse of Statuses.
func FilterFor(statuses ...Status) StatusFilter {
	var f StatusFilter
	for _, s := range statuses {
		switch s {
		case StatusLive:
			f.Live = true
		case StatusHidden:
			f.Hidden = true
		case StatusPending:
			f.Pending = true
		case StatusRejected:
			f.Rejected = true
		case StatusRemoved:
			f.Removed = true
		}
	}
	return f
}

func containsStatus(list []Status, s Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
