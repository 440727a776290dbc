// Package conflict provides the decision engine that reconciles concurrent
// local and remote edits to the same record.
package conflict

import (
	"encoding/json"
	"fmt"

	apperrors "github.com/tmhsiao/ledgersync/internal/errors"
)

// Strategy defines how conflicts for an entity type are resolved.
type Strategy string

const (
	// StrategyLocalPriority always keeps the local version for the cycle; the
	// server re-offers its version next pull if still divergent.
	StrategyLocalPriority Strategy = "local_priority"
	// StrategyServerPriority always overwrites local with the server version.
	StrategyServerPriority Strategy = "server_priority"
	// StrategyLastWriteWins picks the side with the later timestamp wholesale.
	// Equal timestamps resolve to the server.
	StrategyLastWriteWins Strategy = "last_write_wins"
	// StrategyMerge combines the two versions field by field per the entity
	// type's merge rule table.
	StrategyMerge Strategy = "merge"
	// StrategyManual defers to a caller: the conflict is parked in the
	// pending registry and both versions stay untouched until resolved.
	StrategyManual Strategy = "manual"
)

// DefaultStrategy applies to entity types with no configured strategy.
const DefaultStrategy = StrategyLastWriteWins

// Action is the decision a resolution carries.
type Action string

const (
	ActionUseLocal  Action = "use_local"
	ActionUseServer Action = "use_server"
	ActionUseMerged Action = "use_merged"
	ActionManual    Action = "manual"
)

// FieldRule decides which side supplies one field during a merge.
type FieldRule string

const (
	// RuleLocal always takes the local value.
	RuleLocal FieldRule = "local"
	// RuleServer always takes the server value.
	RuleServer FieldRule = "server"
	// RuleNewer takes the value from the side whose record is more recent.
	RuleNewer FieldRule = "newer"
)

// MergeRules maps payload field names to their merge rule. Fields without a
// rule follow last-write-wins.
type MergeRules map[string]FieldRule

// Snapshot is one side of a conflict: the payload and the timestamp of its
// last write.
type Snapshot struct {
	Data       json.RawMessage
	ModifiedAt int64
}

// Resolution is the outcome of resolving one conflict.
type Resolution struct {
	Action   Action
	Strategy Strategy
	// Merged holds the combined payload when Action is ActionUseMerged.
	Merged json.RawMessage
}

// Resolve maps (strategy, merge rules, local snapshot, server snapshot) to a
// resolution. It is pure and deterministic: identical inputs always yield the
// identical resolution.
func Resolve(strategy Strategy, rules MergeRules, local, server Snapshot) (Resolution, error) {
	switch strategy {
	case StrategyLocalPriority:
		return Resolution{Action: ActionUseLocal, Strategy: strategy}, nil

	case StrategyServerPriority:
		return Resolution{Action: ActionUseServer, Strategy: strategy}, nil

	case StrategyLastWriteWins:
		return Resolution{Action: lastWriteWins(local, server), Strategy: strategy}, nil

	case StrategyMerge:
		merged, err := mergeFields(rules, local, server)
		if err != nil {
			return Resolution{}, err
		}
		return Resolution{Action: ActionUseMerged, Strategy: strategy, Merged: merged}, nil

	case StrategyManual:
		return Resolution{Action: ActionManual, Strategy: strategy}, nil

	default:
		return Resolution{}, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown conflict strategy %q", strategy))
	}
}

// lastWriteWins compares the two timestamps. The later write wins wholesale;
// an exact tie resolves to the server. The tie-break is arbitrary but
// deterministic, and callers depend on it staying this way.
func lastWriteWins(local, server Snapshot) Action {
	if local.ModifiedAt > server.ModifiedAt {
		return ActionUseLocal
	}
	return ActionUseServer
}

// mergeFields combines the two payloads per the rule table. The base record
// is the last-write-wins winner; ruled fields then overwrite their value from
// the side the rule names.
func mergeFields(rules MergeRules, local, server Snapshot) (json.RawMessage, error) {
	var localMap, serverMap map[string]interface{}
	if err := json.Unmarshal(local.Data, &localMap); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrValidation, "local payload is not a JSON object", err)
	}
	if err := json.Unmarshal(server.Data, &serverMap); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrValidation, "server payload is not a JSON object", err)
	}

	base := serverMap
	other := localMap
	if lastWriteWins(local, server) == ActionUseLocal {
		base = localMap
		other = serverMap
	}

	merged := make(map[string]interface{}, len(base))
	for k, v := range base {
		merged[k] = v
	}
	// Carry fields only the losing side has.
	for k, v := range other {
		if _, ok := merged[k]; !ok {
			merged[k] = v
		}
	}

	for field, rule := range rules {
		var side map[string]interface{}
		switch rule {
		case RuleLocal:
			side = localMap
		case RuleServer:
			side = serverMap
		case RuleNewer:
			side = serverMap
			if local.ModifiedAt > server.ModifiedAt {
				side = localMap
			}
		default:
			return nil, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown merge rule %q for field %q", rule, field))
		}

		if v, ok := side[field]; ok {
			merged[field] = v
		} else {
			delete(merged, field)
		}
	}

	return json.Marshal(merged)
}
