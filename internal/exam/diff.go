package exam

// Diff is the symmetric difference between a fresh snapshot and the persisted
// current state.
type Diff struct {
	Appeared []Event
	Vanished []Event
}

// Compare returns fresh − current as Appeared and current − fresh as Vanished,
// both sorted by (date, location). Appeared events carry fresh's FirstSeen;
// vanished events carry what was stored.
func Compare(fresh, current Set) Diff {
	var d Diff
	for k, e := range fresh {
		if !current.Has(k) {
			d.Appeared = append(d.Appeared, e)
		}
	}
	for k, e := range current {
		if !fresh.Has(k) {
			d.Vanished = append(d.Vanished, e)
		}
	}
	SortEvents(d.Appeared)
	SortEvents(d.Vanished)
	return d
}

func (d Diff) Empty() bool { return len(d.Appeared) == 0 && len(d.Vanished) == 0 }

// Apply returns current with the diff applied. It does not modify current.
func (d Diff) Apply(current Set) Set {
	out := make(Set, len(current)+len(d.Appeared))
	for k, e := range current {
		out[k] = e
	}
	for _, e := range d.Vanished {
		delete(out, e.Key())
	}
	for _, e := range d.Appeared {
		out.Add(e)
	}
	return out
}
