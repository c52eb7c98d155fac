package event

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/emersion/go-ical"
)

// canonicalStamp keeps DTSTAMP constant so identical content always encodes identically.
var canonicalStamp = time.Unix(0, 0).UTC()

// Hasher computes canonical content hashes of events.
type Hasher struct {
	// IncludeAttendees controls whether attendee list changes count as a content change.
	IncludeAttendees bool
}

// NewHasher creates a hasher.
func NewHasher(includeAttendees bool) Hasher {
	return Hasher{IncludeAttendees: includeAttendees}
}

// Hash returns the hex SHA-256 of the canonical VEVENT encoding of ev.
// A nil event (deleted or missing) hashes to the empty string.
func (h Hasher) Hash(ev *Event) string {
	if ev == nil {
		return ""
	}

	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(h.canonicalCalendar(ev)); err != nil {
		// Encoding only fails on structurally invalid calendars, which canonicalCalendar never builds.
		return ""
	}

	sum := sha256.Sum256(buf.Bytes())
	return hex.EncodeToString(sum[:])
}

// Equal reports whether both events hash identically.
func (h Hasher) Equal(a, b *Event) bool {
	return h.Hash(a) == h.Hash(b)
}

// Fields returns the fields that contribute to the hash.
func (h Hasher) Fields() []string {
	if h.IncludeAttendees {
		return Fields
	}
	return Fields[:len(Fields)-1]
}

func (h Hasher) canonicalCalendar(ev *Event) *ical.Calendar {
	vevent := ical.NewComponent(ical.CompEvent)
	vevent.Props.SetText(ical.PropUID, "canonical")
	vevent.Props.SetDateTime(ical.PropDateTimeStamp, canonicalStamp)
	vevent.Props.SetDateTime(ical.PropDateTimeStart, ev.Start.UTC().Truncate(time.Second))
	vevent.Props.SetDateTime(ical.PropDateTimeEnd, ev.End.UTC().Truncate(time.Second))
	if title := strings.TrimSpace(ev.Title); title != "" {
		vevent.Props.SetText(ical.PropSummary, title)
	}
	if location := strings.TrimSpace(ev.Location); location != "" {
		vevent.Props.SetText(ical.PropLocation, location)
	}

	if h.IncludeAttendees {
		for _, email := range attendeeEmails(ev.Attendees) {
			p := ical.NewProp(ical.PropAttendee)
			p.SetText("mailto:" + email)
			vevent.Props.Add(p)
		}
	}

	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, "-//calendar-sync-engine//canonical//EN")
	cal.Children = append(cal.Children, vevent)
	return cal
}
