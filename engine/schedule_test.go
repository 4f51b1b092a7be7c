package engine

import (
	"testing"
	"time"

	"tradeflow/models"
)

func at(day time.Weekday, hhmm string) time.Time {
	// 2026-01-05 is a Monday.
	base := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
	base = base.AddDate(0, 0, int(day-time.Monday))
	t, _ := time.Parse("15:04", hhmm)
	return base.Add(time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute)
}

func TestScheduleAllowsByDefault(t *testing.T) {
	bot := &models.Bot{}
	if !scheduleAllows(bot, at(time.Sunday, "03:00")) {
		t.Error("empty schedule must allow everything")
	}
}

func TestScheduleWeekdayGate(t *testing.T) {
	bot := &models.Bot{
		TradingDays: []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday},
	}
	if scheduleAllows(bot, at(time.Saturday, "12:00")) {
		t.Error("saturday allowed by a weekday-only schedule")
	}
	if !scheduleAllows(bot, at(time.Wednesday, "12:00")) {
		t.Error("wednesday denied by a weekday-only schedule")
	}
}

func TestScheduleTimeWindow(t *testing.T) {
	bot := &models.Bot{TradingStart: "09:00", TradingEnd: "17:00"}
	if !scheduleAllows(bot, at(time.Monday, "09:00")) {
		t.Error("window start excluded")
	}
	if !scheduleAllows(bot, at(time.Monday, "16:59")) {
		t.Error("minute before window end excluded")
	}
	if scheduleAllows(bot, at(time.Monday, "17:00")) {
		t.Error("window end included")
	}
	if scheduleAllows(bot, at(time.Monday, "03:00")) {
		t.Error("pre-window time included")
	}
}

func TestScheduleWindowWrapsMidnight(t *testing.T) {
	bot := &models.Bot{TradingStart: "22:00", TradingEnd: "02:00"}
	if !scheduleAllows(bot, at(time.Monday, "23:30")) {
		t.Error("late evening excluded from a wrapping window")
	}
	if !scheduleAllows(bot, at(time.Tuesday, "01:00")) {
		t.Error("early morning excluded from a wrapping window")
	}
	if scheduleAllows(bot, at(time.Monday, "12:00")) {
		t.Error("midday included in a wrapping window")
	}
}

func TestScheduleInvalidWindowAllows(t *testing.T) {
	bot := &models.Bot{TradingStart: "not a time", TradingEnd: "17:00"}
	if !scheduleAllows(bot, at(time.Monday, "03:00")) {
		t.Error("unparseable window must fail open")
	}
}

func TestScheduleHalfWindowAllows(t *testing.T) {
	bot := &models.Bot{TradingStart: "09:00"}
	if !scheduleAllows(bot, at(time.Monday, "03:00")) {
		t.Error("window with no end must not gate")
	}
}
