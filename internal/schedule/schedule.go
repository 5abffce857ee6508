// Package schedule generates the immutable slot layout and capacity ceiling
// of each event day from a day template.
package schedule

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/Shivanand-hulikatti/halloween-slots/internal/model"
)

// Window is a time range expressed as offsets from midnight.
type Window struct {
	Start time.Duration
	End   time.Duration
}

func (w Window) overlaps(start, end time.Duration) bool {
	return start < w.End && w.Start < end
}

// Break is a pause inserted after a round.
type Break struct {
	AfterRound int
	Duration   time.Duration
}

// Template describes one day's schedule. Slots are laid back to back starting
// at Opens; a round is SlotsPerRound consecutive group slots.
type Template struct {
	Opens            time.Duration
	Rounds           int
	SlotsPerRound    int
	SlotDuration     time.Duration
	Breaks           []Break
	Ceremony         *Window
	MaxPeoplePerSlot int
}

// Span returns the offset at which the last round ends.
func (t Template) Span() time.Duration {
	end := t.Opens + time.Duration(t.Rounds*t.SlotsPerRound)*t.SlotDuration
	for _, b := range t.Breaks {
		if b.AfterRound < t.Rounds {
			end += b.Duration
		}
	}
	return end
}

func (t Template) Validate() error {
	switch {
	case t.Rounds <= 0:
		return errors.New("rounds must be positive")
	case t.SlotsPerRound <= 0:
		return errors.New("slots per round must be positive")
	case t.SlotDuration <= 0:
		return errors.New("slot duration must be positive")
	case t.MaxPeoplePerSlot <= 0:
		return errors.New("max people per slot must be positive")
	case t.Opens < 0 || t.Span() > 24*time.Hour:
		return errors.New("schedule must end by midnight")
	}
	for _, b := range t.Breaks {
		if b.AfterRound < 1 || b.AfterRound > t.Rounds || b.Duration <= 0 {
			return fmt.Errorf("invalid break after round %d", b.AfterRound)
		}
	}
	if c := t.Ceremony; c != nil {
		if c.End <= c.Start {
			return errors.New("ceremony window ends before it starts")
		}
		if c.Start < t.Opens || c.End > t.Span() {
			return errors.New("ceremony window lies outside the schedule")
		}
	}
	return nil
}

// DefineDay lays out the slots of date according to tpl. It is pure: the same
// inputs always produce the same EventDay.
//
// A ceremony consumes every game slot it overlaps instead of shifting them, so
// round numbering stays contiguous and the affected rounds simply carry fewer
// game slots. The ceremony marker is placed in the round where it begins.
func DefineDay(date model.Date, tpl Template, loc *time.Location) (model.EventDay, error) {
	if err := tpl.Validate(); err != nil {
		return model.EventDay{}, fmt.Errorf("define %s: %w", date, err)
	}

	midnight := date.In(loc)
	at := func(offset time.Duration) time.Time { return midnight.Add(offset) }

	breaks := make(map[int]time.Duration, len(tpl.Breaks))
	for _, b := range tpl.Breaks {
		breaks[b.AfterRound] += b.Duration
	}

	var (
		slots    []model.TimeSlot
		cursor   = tpl.Opens
		ceremony = false
		games    = 0
	)
	for round := 1; round <= tpl.Rounds; round++ {
		for group := 1; group <= tpl.SlotsPerRound; group++ {
			start, end := cursor, cursor+tpl.SlotDuration
			cursor = end

			if tpl.Ceremony != nil && tpl.Ceremony.overlaps(start, end) {
				if !ceremony {
					slots = append(slots, model.TimeSlot{
						ID:          fmt.Sprintf("R%d-ceremony", round),
						StartTime:   at(tpl.Ceremony.Start),
						EndTime:     at(tpl.Ceremony.End),
						RoundNumber: round,
						Kind:        model.SlotKindCeremony,
					})
					ceremony = true
				}
				continue
			}

			slots = append(slots, model.TimeSlot{
				ID:          fmt.Sprintf("R%dG%d", round, group),
				StartTime:   at(start),
				EndTime:     at(end),
				RoundNumber: round,
				GroupNumber: group,
				Kind:        model.SlotKindGame,
				IsAvailable: true,
			})
			games++
		}

		if d, ok := breaks[round]; ok && round < tpl.Rounds {
			slots = append(slots, model.TimeSlot{
				ID:          fmt.Sprintf("R%d-break", round),
				StartTime:   at(cursor),
				EndTime:     at(cursor + d),
				RoundNumber: round,
				Kind:        model.SlotKindBreak,
			})
			cursor += d
		}
	}

	if tpl.Ceremony != nil && !ceremony {
		return model.EventDay{}, fmt.Errorf("define %s: ceremony window does not cover any game slot", date)
	}

	return model.EventDay{
		Date:        date,
		MaxCapacity: games * tpl.MaxPeoplePerSlot,
		Status:      model.DayStatusOpen,
		Slots:       slots,
	}, nil
}

// Calendar assigns a template to every event date.
type Calendar struct {
	Location  *time.Location
	Templates map[model.Date]Template
}

// Days defines every day of the calendar, ordered by date.
func (c Calendar) Days() ([]model.EventDay, error) {
	dates := make([]model.Date, 0, len(c.Templates))
	for d := range c.Templates {
		dates = append(dates, d)
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })

	days := make([]model.EventDay, 0, len(dates))
	for _, d := range dates {
		day, err := DefineDay(d, c.Templates[d], c.Location)
		if err != nil {
			return nil, err
		}
		days = append(days, day)
	}
	return days, nil
}
