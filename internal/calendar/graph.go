package calendar

import (
	"time"

	"github.com/calendar-sync-engine/backend/internal/event"
)

// graphTimeFormat is the provider's zone-less dateTime layout. Fractional seconds
// in responses are accepted by time.Parse without appearing in the layout.
const graphTimeFormat = "2006-01-02T15:04:05"

type graphDateTime struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

type graphEmail struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
}

type graphAttendee struct {
	EmailAddress graphEmail `json:"emailAddress"`
	Type         string     `json:"type,omitempty"`
}

type graphBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type graphLocation struct {
	DisplayName string `json:"displayName"`
}

type graphEvent struct {
	ID                   string          `json:"id,omitempty"`
	Subject              string          `json:"subject"`
	Body                 *graphBody      `json:"body,omitempty"`
	Start                graphDateTime   `json:"start"`
	End                  graphDateTime   `json:"end"`
	Location             graphLocation   `json:"location"`
	Attendees            []graphAttendee `json:"attendees"`
	LastModifiedDateTime string          `json:"lastModifiedDateTime,omitempty"`
}

type graphEventPage struct {
	Value    []graphEvent `json:"value"`
	NextLink string       `json:"@odata.nextLink"`
}

type graphSubscription struct {
	ID                 string `json:"id,omitempty"`
	ChangeType         string `json:"changeType,omitempty"`
	NotificationURL    string `json:"notificationUrl,omitempty"`
	Resource           string `json:"resource,omitempty"`
	ExpirationDateTime string `json:"expirationDateTime"`
	ClientState        string `json:"clientState,omitempty"`
}

type graphError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func toGraphEvent(ev *event.Event) graphEvent {
	g := graphEvent{
		Subject:   ev.Title,
		Start:     graphDateTime{DateTime: ev.Start.UTC().Format(graphTimeFormat), TimeZone: "UTC"},
		End:       graphDateTime{DateTime: ev.End.UTC().Format(graphTimeFormat), TimeZone: "UTC"},
		Location:  graphLocation{DisplayName: ev.Location},
		Attendees: make([]graphAttendee, 0, len(ev.Attendees)),
	}
	if ev.Description != "" {
		g.Body = &graphBody{ContentType: "text", Content: ev.Description}
	}
	for _, a := range ev.Attendees {
		g.Attendees = append(g.Attendees, graphAttendee{
			EmailAddress: graphEmail{Address: a.Email, Name: a.Name},
			Type:         "required",
		})
	}
	return g
}

func fromGraphEvent(g *graphEvent) *event.Event {
	ev := &event.Event{
		ID:       g.ID,
		Title:    g.Subject,
		Start:    parseGraphTime(g.Start),
		End:      parseGraphTime(g.End),
		Location: g.Location.DisplayName,
	}
	if g.Body != nil {
		ev.Description = g.Body.Content
	}
	for _, a := range g.Attendees {
		ev.Attendees = append(ev.Attendees, event.Attendee{Email: a.EmailAddress.Address, Name: a.EmailAddress.Name})
	}
	if g.LastModifiedDateTime != "" {
		if t, err := time.Parse(time.RFC3339Nano, g.LastModifiedDateTime); err == nil {
			ev.LastModified = t.UTC()
		}
	}
	return ev
}

func parseGraphTime(dt graphDateTime) time.Time {
	loc := time.UTC
	if dt.TimeZone != "" && dt.TimeZone != "UTC" {
		if l, err := time.LoadLocation(dt.TimeZone); err == nil {
			loc = l
		}
	}
	t, err := time.ParseInLocation(graphTimeFormat, dt.DateTime, loc)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
