package tracks

import (
	"sort"
	"time"
)

// Snapshot is a read-only copy of a track handed to rule evaluators. Mutating
// it has no effect on the store.
type Snapshot struct {
	ID        string
	FirstSeen time.Time
	Samples   []Sample // oldest first, never empty

	// ZoneSince maps each zone the track is currently in to the time it
	// entered and stayed continuously.
	ZoneSince map[string]time.Time
	// Entered and Exited are the zone transitions caused by the latest sample.
	Entered []string
	Exited  []string
	// Confirmed lists rules that have already produced an event for the track.
	Confirmed []string
}

func (t *track) snapshot() Snapshot {
	s := Snapshot{
		ID:        t.id,
		FirstSeen: t.firstSeen,
		Samples:   make([]Sample, len(t.samples)),
		ZoneSince: make(map[string]time.Time, len(t.zoneSince)),
		Entered:   append([]string(nil), t.entered...),
		Exited:    append([]string(nil), t.exited...),
	}
	copy(s.Samples, t.samples)
	for z, ts := range t.zoneSince {
		s.ZoneSince[z] = ts
	}
	for r := range t.confirmed {
		s.Confirmed = append(s.Confirmed, r)
	}
	sort.Strings(s.Confirmed)
	return s
}

// Latest returns the newest sample.
func (s Snapshot) Latest() Sample {
	return s.Samples[len(s.Samples)-1]
}

// Previous returns the sample before the newest one.
func (s Snapshot) Previous() (Sample, bool) {
	if len(s.Samples) < 2 {
		return Sample{}, false
	}
	return s.Samples[len(s.Samples)-2], true
}

// LastSeen is the timestamp of the newest sample.
func (s Snapshot) LastSeen() time.Time {
	return s.Latest().Timestamp
}

// Class is the class label of the newest sample.
func (s Snapshot) Class() string {
	return s.Latest().Class
}

// InZone reports whether the track is currently inside zone.
func (s Snapshot) InZone(zone string) bool {
	_, ok := s.ZoneSince[zone]
	return ok
}

// JustEntered reports whether the latest sample moved the track into zone.
func (s Snapshot) JustEntered(zone string) bool {
	for _, z := range s.Entered {
		if z == zone {
			return true
		}
	}
	return false
}

// Dwell returns how long the track has been continuously inside zone at its
// latest sample, and false when it is not inside.
func (s Snapshot) Dwell(zone string) (time.Duration, bool) {
	since, ok := s.ZoneSince[zone]
	if !ok {
		return 0, false
	}
	return s.LastSeen().Sub(since), true
}

// IsConfirmed reports whether rule has already confirmed an event.
func (s Snapshot) IsConfirmed(rule string) bool {
	i := sort.SearchStrings(s.Confirmed, rule)
	return i < len(s.Confirmed) && s.Confirmed[i] == rule
}
