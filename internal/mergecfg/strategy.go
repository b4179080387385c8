package mergecfg

import (
	"fmt"
	"time"
)

// Strategy selects how conflicting changes are resolved when both the
// local and remote copy of a document changed since the last sync.
type Strategy int

const (
	// StrategyMerge combines both documents structurally; entries that
	// conflict within the merge keep the local value.
	StrategyMerge Strategy = iota

	// StrategyNewest keeps the more recently modified value.
	StrategyNewest

	// StrategyOldest keeps the less recently modified value.
	StrategyOldest

	// StrategyLocal keeps the local value.
	StrategyLocal

	// StrategyCloud keeps the remote value.
	StrategyCloud

	// StrategyManual suspends resolution and reports a pending decision
	// with a rendered diff. No writes happen until a side is chosen.
	StrategyManual
)

// ParseStrategy converts a configuration string into a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch s {
	case "merge":
		return StrategyMerge, nil
	case "newest":
		return StrategyNewest, nil
	case "oldest":
		return StrategyOldest, nil
	case "local":
		return StrategyLocal, nil
	case "cloud":
		return StrategyCloud, nil
	case "manual":
		return StrategyManual, nil
	default:
		return StrategyMerge, fmt.Errorf("unknown conflict strategy %q", s)
	}
}

func (s Strategy) String() string {
	switch s {
	case StrategyMerge:
		return "merge"
	case StrategyNewest:
		return "newest"
	case StrategyOldest:
		return "oldest"
	case StrategyLocal:
		return "local"
	case StrategyCloud:
		return "cloud"
	case StrategyManual:
		return "manual"
	default:
		return "unknown"
	}
}

// PreferLocal decides which side a conflicting entry keeps. Ties on
// timestamps keep local, since that is the copy edited in place on this
// machine. Also used by the sync engine for conflicted items that have
// no document structure to merge.
func (s Strategy) PreferLocal(localTime, remoteTime time.Time) bool {
	switch s {
	case StrategyCloud:
		return false
	case StrategyNewest:
		return !remoteTime.After(localTime)
	case StrategyOldest:
		return !localTime.After(remoteTime)
	default:
		// merge and local both keep the local entry on conflict.
		return true
	}
}
