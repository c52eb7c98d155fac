package event

import (
	"fmt"
	"io"
	"time"

	"github.com/emersion/go-ical"
)

const icsProductID = "-//calendar-sync-engine//export//EN"

// WriteICS encodes events as an iCalendar feed.
func WriteICS(w io.Writer, name string, events []Event) error {
	// The encoder refuses calendars without components.
	if len(events) == 0 {
		_, err := io.WriteString(w, "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:"+icsProductID+"\r\nEND:VCALENDAR\r\n")
		return err
	}

	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, icsProductID)
	if name != "" {
		cal.Props.SetText("X-WR-CALNAME", name)
	}

	now := time.Now().UTC()
	for _, ev := range events {
		vevent := ical.NewComponent(ical.CompEvent)
		vevent.Props.SetText(ical.PropUID, ev.ID)
		vevent.Props.SetDateTime(ical.PropDateTimeStamp, now)
		vevent.Props.SetText(ical.PropSummary, ev.Title)
		vevent.Props.SetDateTime(ical.PropDateTimeStart, ev.Start.UTC())
		vevent.Props.SetDateTime(ical.PropDateTimeEnd, ev.End.UTC())
		if ev.Location != "" {
			vevent.Props.SetText(ical.PropLocation, ev.Location)
		}
		if ev.Description != "" {
			vevent.Props.SetText(ical.PropDescription, ev.Description)
		}
		if !ev.LastModified.IsZero() {
			vevent.Props.SetDateTime(ical.PropLastModified, ev.LastModified.UTC())
		}
		for _, a := range ev.Attendees {
			p := ical.NewProp(ical.PropAttendee)
			p.SetText(fmt.Sprintf("mailto:%s", a.Email))
			if a.Name != "" {
				p.Params.Set(ical.ParamCommonName, a.Name)
			}
			vevent.Props.Add(p)
		}
		cal.Children = append(cal.Children, vevent)
	}

	if err := ical.NewEncoder(w).Encode(cal); err != nil {
		return fmt.Errorf("encoding calendar: %w", err)
	}
	return nil
}
