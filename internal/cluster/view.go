package cluster

// View is the read-only, convenience-accessor wrapper the HA engine and the REST/CLI
// surfaces actually work with. It never reaches back into the DCS; it is handed a
// Snapshot once per tick by internal/dcs and derives everything else locally.
type View struct {
	snap Snapshot
	self string
}

// NewView wraps snap for the member named self.
func NewView(snap Snapshot, self string) *View {
	return &View{snap: snap, self: self}
}

// Snapshot returns the underlying Snapshot this View was built from.
func (v *View) Snapshot() Snapshot { return v.snap }

// Self is the name of the member this view was constructed for.
func (v *View) Self() string { return v.self }

// Initialized reports whether the `initialize` marker is set.
func (v *View) Initialized() bool { return v.snap.Initialized() }

// Leader returns the current leader record, or nil if none is held.
func (v *View) Leader() *Leader { return v.snap.Leader }

// HasLeader reports whether a leader key is currently held by anyone.
func (v *View) HasLeader() bool { return v.snap.Leader != nil }

// IAmLeader reports whether self currently holds the leader key.
func (v *View) IAmLeader() bool {
	return v.snap.Leader != nil && v.snap.Leader.Name == v.self
}

// LeaderMember resolves the current leader's Member record, if it is present in the
// member list. Returns false if there is no leader or the leader hasn't registered.
func (v *View) LeaderMember() (Member, bool) {
	if v.snap.Leader == nil {
		return Member{}, false
	}
	return v.Member(v.snap.Leader.Name)
}

// Member looks up a member by name.
func (v *View) Member(name string) (Member, bool) {
	for _, m := range v.snap.Members {
		if m.Name == name {
			return m, true
		}
	}
	return Member{}, false
}

// Members returns the full member list.
func (v *View) Members() []Member { return v.snap.Members }

// Replicas returns every member other than the current leader.
func (v *View) Replicas() []Member {
	out := make([]Member, 0, len(v.snap.Members))
	for _, m := range v.snap.Members {
		if v.snap.Leader != nil && m.Name == v.snap.Leader.Name {
			continue
		}
		out = append(out, m)
	}
	return out
}

// Failover returns the pending manual-failover request, if any.
func (v *View) Failover() *Failover { return v.snap.Failover }

// FailoverTargetsMe reports whether a pending failover names self as the leader to
// step down, with no candidate or a candidate that is not self.
func (v *View) FailoverTargetsMe() bool {
	f := v.snap.Failover
	if f == nil || f.Empty() {
		return false
	}
	return f.Leader == v.self && f.Candidate != v.self
}

// FailoverCandidateIsMe reports whether a pending failover names self as the
// candidate to be promoted.
func (v *View) FailoverCandidateIsMe() bool {
	f := v.snap.Failover
	if f == nil || f.Empty() {
		return false
	}
	return f.Candidate == v.self
}
