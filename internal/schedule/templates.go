package schedule

import (
	"time"

	"github.com/Shivanand-hulikatti/halloween-slots/internal/model"
)

// NightTemplate is a regular event night: 12 rounds of three 10-minute team
// slots from 18:00, with breaks after rounds 4 and 8. 36 slots of 7 people.
func NightTemplate() Template {
	return Template{
		Opens:         18 * time.Hour,
		Rounds:        12,
		SlotsPerRound: 3,
		SlotDuration:  10 * time.Minute,
		Breaks: []Break{
			{AfterRound: 4, Duration: 10 * time.Minute},
			{AfterRound: 8, Duration: 10 * time.Minute},
		},
		MaxPeoplePerSlot: 7,
	}
}

// ClosingNightTemplate is NightTemplate with the closing ceremony taking the
// whole of round 10 (22:50 to 23:20), leaving 33 slots.
func ClosingNightTemplate() Template {
	t := NightTemplate()
	t.Ceremony = &Window{
		Start: 22*time.Hour + 50*time.Minute,
		End:   23*time.Hour + 20*time.Minute,
	}
	return t
}

// DefaultCalendar returns the three Halloween nights of year, the last one
// ending with the ceremony.
func DefaultCalendar(year int, loc *time.Location) Calendar {
	return Calendar{
		Location: loc,
		Templates: map[model.Date]Template{
			{Year: year, Month: time.October, Day: 29}: NightTemplate(),
			{Year: year, Month: time.October, Day: 30}: NightTemplate(),
			{Year: year, Month: time.October, Day: 31}: ClosingNightTemplate(),
		},
	}
}
