package synchron

import (
	"fmt"
	"time"
)

// dateTimeLayout matches the portal's "02.01.2006" dates with "15:04" times.
const dateTimeLayout = "2.1.2006 15:04"

// Appointment is one booking row from the portal, kept as displayed.
type Appointment struct {
	Date      string `json:"date"`
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
	Studio    string `json:"studio"`
	Address   string `json:"address"`
}

func (a Appointment) Start(loc *time.Location) (time.Time, error) {
	return parseWallClock(a.Date, a.StartTime, loc)
}

func (a Appointment) End(loc *time.Location) (time.Time, error) {
	return parseWallClock(a.Date, a.EndTime, loc)
}

func (a Appointment) String() string {
	return fmt.Sprintf("%s, %s - %s, %s, %s", a.Date, a.StartTime, a.EndTime, a.Studio, a.Address)
}

func parseWallClock(date, clock string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	t, err := time.ParseInLocation(dateTimeLayout, date+" "+clock, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse appointment time %q %q: %w", date, clock, err)
	}
	return t, nil
}
