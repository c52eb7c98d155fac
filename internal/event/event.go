// Package event defines the canonical calendar event shared by both sides of a sync
// and the content hashing used to detect changes.
package event

import (
	"sort"
	"strings"
	"time"
)

// Event is a calendar event as seen by either the internal store or the external provider.
type Event struct {
	ID           string     `json:"id"`
	Title        string     `json:"title"`
	Start        time.Time  `json:"start"`
	End          time.Time  `json:"end"`
	Location     string     `json:"location,omitempty"`
	Description  string     `json:"description,omitempty"`
	Attendees    []Attendee `json:"attendees,omitempty"`
	LastModified time.Time  `json:"last_modified"`
}

// Attendee is a single invitee of an event.
type Attendee struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// Field names used for field-level comparison and merging.
const (
	FieldTitle     = "title"
	FieldStart     = "start"
	FieldEnd       = "end"
	FieldLocation  = "location"
	FieldAttendees = "attendees"
)

// Fields lists the fields that take part in change detection, in a stable order.
var Fields = []string{FieldTitle, FieldStart, FieldEnd, FieldLocation, FieldAttendees}

// Clone returns a deep copy of the event. A nil event clones to nil.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	c := *e
	if e.Attendees != nil {
		c.Attendees = append([]Attendee(nil), e.Attendees...)
	}
	return &c
}

// FieldEqual reports whether field has the same canonical value on a and b.
func FieldEqual(field string, a, b *Event) bool {
	switch field {
	case FieldTitle:
		return strings.TrimSpace(a.Title) == strings.TrimSpace(b.Title)
	case FieldStart:
		return a.Start.UTC().Truncate(time.Second).Equal(b.Start.UTC().Truncate(time.Second))
	case FieldEnd:
		return a.End.UTC().Truncate(time.Second).Equal(b.End.UTC().Truncate(time.Second))
	case FieldLocation:
		return strings.TrimSpace(a.Location) == strings.TrimSpace(b.Location)
	case FieldAttendees:
		ae, be := attendeeEmails(a.Attendees), attendeeEmails(b.Attendees)
		if len(ae) != len(be) {
			return false
		}
		for i := range ae {
			if ae[i] != be[i] {
				return false
			}
		}
		return true
	}
	return false
}

// CopyField copies a single field value from src into dst.
func CopyField(field string, dst, src *Event) {
	switch field {
	case FieldTitle:
		dst.Title = src.Title
	case FieldStart:
		dst.Start = src.Start
	case FieldEnd:
		dst.End = src.End
	case FieldLocation:
		dst.Location = src.Location
	case FieldAttendees:
		dst.Attendees = append([]Attendee(nil), src.Attendees...)
	}
}

// Overlaps reports whether the event intersects the window [from, to).
func (e *Event) Overlaps(from, to time.Time) bool {
	return e.Start.Before(to) && e.End.After(from)
}

// attendeeEmails returns the normalized, sorted attendee addresses.
func attendeeEmails(attendees []Attendee) []string {
	emails := make([]string, 0, len(attendees))
	for _, a := range attendees {
		email := strings.ToLower(strings.TrimSpace(a.Email))
		if email != "" {
			emails = append(emails, email)
		}
	}
	sort.Strings(emails)
	return emails
}
