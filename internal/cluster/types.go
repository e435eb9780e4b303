// Package cluster holds the data model read out of the DCS on every tick: members,
// the current leader, the optional manual-failover request, and the initialize marker.
// Everything here is a value copy taken at one DCS revision — nothing in this package
// talks to the DCS directly (that's internal/dcs) and nothing here is ever mutated in
// place once constructed.
package cluster

import "time"

// Member is a participant in the cluster, identified by a unique Name.
type Member struct {
	Name       string    `json:"name"`
	ConnString string    `json:"conn_string"`
	APIBaseURL string    `json:"api_url"`
	Role       string    `json:"role"` // "master" or "replica"; the supervisor's heartbeat leaves it empty
	LastSeen   time.Time `json:"last_seen"`
}

// String returns the member's name, or a placeholder for the zero value, so a
// Member can be dropped straight into a log field or format string.
func (m Member) String() string {
	if m.Name == "" {
		return "<unknown>"
	}
	return m.Name
}

// Leader records who currently holds the `leader` DCS key.
type Leader struct {
	Name string
	TTL  time.Duration
	// Index is the DCS revision the leader key was last written at. The backends'
	// leader CAS operations compare the key's value, not this index.
	Index uint64
}

// Failover is the optional manual-failover request stored at the `failover` DCS key.
type Failover struct {
	Leader      string     `json:"leader"`
	Candidate   string     `json:"candidate,omitempty"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
}

// Empty reports whether this is the zero value, i.e. no failover has been requested.
func (f Failover) Empty() bool {
	return f.Leader == "" && f.Candidate == ""
}

// Snapshot is an atomic read of initialize/leader/members/failover at one DCS revision.
// Every HA decision is made against a single Snapshot — it is never mutated after
// construction and never mixed with a write derived from a different Snapshot.
type Snapshot struct {
	Initialize string // empty if the `initialize` marker has not been set
	Leader     *Leader
	Members    []Member
	Failover   *Failover
	Revision   uint64
}

// Initialized reports whether the cluster has been bootstrapped.
func (s Snapshot) Initialized() bool {
	return s.Initialize != ""
}
