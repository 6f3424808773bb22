package schema

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
)

// The compatibility gate run by clients at session bootstrap. The server
// only advertises {version, hash} (see Snapshot); the client compares its
// recorded state against that and acts on the Decision. Transforms run
// against the client's local replica; the server never sees client schema
// state.

// ClientState is what a client has recorded from its last session.
// A zero Version means nothing was recorded yet.
type ClientState struct {
	Version int
	Hash    string
}

// ServerState is the advertised server schema identity.
type ServerState struct {
	Version int
	Hash    string
}

// Action is the gate's verdict.
type Action int

const (
	// ActionProceed: versions and hashes match; sync may start.
	ActionProceed Action = iota
	// ActionRecordBaseline: first contact; record the server identity and
	// proceed.
	ActionRecordBaseline
	// ActionMigrate: run Decision.Steps against the local replica, record
	// the new identity, then proceed.
	ActionMigrate
	// ActionRebuild: discard the local replica and resynchronize from seq 0.
	ActionRebuild
	// ActionReject: the client is newer than the server; refuse to sync.
	ActionReject
)

func (a Action) String() string {
	switch a {
	case ActionProceed:
		return "proceed"
	case ActionRecordBaseline:
		return "record_baseline"
	case ActionMigrate:
		return "migrate"
	case ActionRebuild:
		return "rebuild"
	case ActionReject:
		return "reject"
	}
	return "unknown"
}

// Decision is the gate output: the action plus, for ActionMigrate, the
// ordered migration steps to run.
type Decision struct {
	Action Action
	Steps  []Migration
}

// Transform mutates a client replica in place.
type Transform func(ctx context.Context, db *sql.DB) error

// Migration is one step of the client migration chain.
type Migration struct {
	From      int
	To        int
	Name      string
	Transform Transform
}

// Chain is the static registry of client migrations. Steps must advance the
// version by exactly one; Register rejects anything else.
type Chain struct {
	byFrom map[int]Migration
}

// NewChain builds an empty migration chain.
func NewChain() *Chain {
	return &Chain{byFrom: make(map[int]Migration)}
}

// Register adds a step to the chain.
func (c *Chain) Register(m Migration) error {
	if m.To != m.From+1 {
		return fmt.Errorf("migration %q must advance the version by one (from %d to %d)", m.Name, m.From, m.To)
	}
	if _, dup := c.byFrom[m.From]; dup {
		return fmt.Errorf("duplicate migration from version %d", m.From)
	}
	c.byFrom[m.From] = m
	return nil
}

// Path returns the ordered steps from one version to another, or false when
// the chain has a gap.
func (c *Chain) Path(from, to int) ([]Migration, bool) {
	if from >= to {
		return nil, false
	}
	steps := make([]Migration, 0, to-from)
	for v := from; v < to; v++ {
		m, ok := c.byFrom[v]
		if !ok {
			return nil, false
		}
		steps = append(steps, m)
	}
	return steps, true
}

// Registered returns the chain's steps in ascending order. Used for
// diagnostics.
func (c *Chain) Registered() []Migration {
	out := make([]Migration, 0, len(c.byFrom))
	for _, m := range c.byFrom {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].From < out[j].From })
	return out
}

// Decide implements the gate's decision table.
func Decide(client ClientState, server ServerState, chain *Chain) Decision {
	switch {
	case client.Version == 0:
		return Decision{Action: ActionRecordBaseline}
	case client.Version > server.Version:
		return Decision{Action: ActionReject}
	case client.Version < server.Version:
		if chain != nil {
			if steps, ok := chain.Path(client.Version, server.Version); ok {
				return Decision{Action: ActionMigrate, Steps: steps}
			}
		}
		return Decision{Action: ActionRebuild}
	case client.Hash != server.Hash:
		return Decision{Action: ActionRebuild}
	default:
		return Decision{Action: ActionProceed}
	}
}
