// Package report defines the flat violation record handed to every reporting
// sink: the event store, the live websocket feed, the webhook notifier and
// the CSV export.
package report

import (
	"sort"
	"strconv"
	"time"

	"github.com/banshee-data/violation.report/internal/dedup"
	"github.com/banshee-data/violation.report/internal/units"
)

// Record is one closed violation event.
type Record struct {
	SessionID      string             `json:"session_id"`
	EventID        string             `json:"event_id"`
	TrackID        string             `json:"track_id"`
	RuleID         string             `json:"rule_id"`
	Start          time.Time          `json:"start"`
	End            time.Time          `json:"end"`
	DurationS      float64            `json:"duration_s"`
	FirstFrame     int64              `json:"first_frame"`
	LastFrame      int64              `json:"last_frame"`
	Candidates     int                `json:"candidates"`
	Metadata       map[string]float64 `json:"metadata"`
	CloseReason    string             `json:"close_reason"`
	EvidenceRef    string             `json:"evidence_ref,omitempty"`
	EvidenceStatus string             `json:"evidence_status"`
}

// FromEvent flattens ev.
func FromEvent(sessionID string, ev *dedup.Event) Record {
	md := make(map[string]float64, len(ev.Metadata))
	for k, v := range ev.Metadata {
		md[k] = v
	}
	return Record{
		SessionID:      sessionID,
		EventID:        ev.ID,
		TrackID:        ev.TrackID,
		RuleID:         ev.RuleID,
		Start:          ev.FirstSeen,
		End:            ev.LastSeen,
		DurationS:      ev.Duration().Seconds(),
		FirstFrame:     ev.FirstFrame,
		LastFrame:      ev.LastFrame,
		Candidates:     ev.Count,
		Metadata:       md,
		CloseReason:    ev.CloseReason,
		EvidenceRef:    ev.EvidenceRef,
		EvidenceStatus: string(ev.EvidenceStatus),
	}
}

// speedKeys are the metadata keys holding speeds in the session's units.
var speedKeys = []string{"speed", "peak_speed", "threshold"}

// ConvertSpeeds returns a copy of r with its speed metadata converted from
// unit from to unit to. Other keys are untouched.
func (r Record) ConvertSpeeds(from, to string) Record {
	if from == to || !units.IsValid(from) || !units.IsValid(to) {
		return r
	}
	md := make(map[string]float64, len(r.Metadata))
	for k, v := range r.Metadata {
		md[k] = v
	}
	for _, k := range speedKeys {
		if v, ok := md[k]; ok {
			md[k] = units.ConvertSpeed(units.ToMPS(v, from), to)
		}
	}
	r.Metadata = md
	return r
}

// CSVHeader is the fixed column set written by CSVRow. Metadata is appended
// as key=value pairs in a single column.
var CSVHeader = []string{
	"session_id", "event_id", "track_id", "rule_id", "start", "end", "duration_s",
	"first_frame", "last_frame", "candidates", "close_reason", "evidence_status",
	"evidence_ref", "metadata",
}

// CSVRow renders r in CSVHeader order.
func (r Record) CSVRow() []string {
	keys := make([]string, 0, len(r.Metadata))
	for k := range r.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	md := ""
	for i, k := range keys {
		if i > 0 {
			md += ";"
		}
		md += k + "=" + strconv.FormatFloat(r.Metadata[k], 'f', -1, 64)
	}
	return []string{
		r.SessionID,
		r.EventID,
		r.TrackID,
		r.RuleID,
		r.Start.UTC().Format(time.RFC3339Nano),
		r.End.UTC().Format(time.RFC3339Nano),
		strconv.FormatFloat(r.DurationS, 'f', 3, 64),
		strconv.FormatInt(r.FirstFrame, 10),
		strconv.FormatInt(r.LastFrame, 10),
		strconv.Itoa(r.Candidates),
		r.CloseReason,
		r.EvidenceStatus,
		r.EvidenceRef,
		md,
	}
}
