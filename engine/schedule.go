package engine

import (
	"time"

	"tradeflow/models"
)

// scheduleAllows reports whether the bot's schedule gate permits trading at
// the given instant. An empty day list means every day; a missing or
// unparseable window means round the clock. Times are UTC "15:04"; a window
// whose end precedes its start wraps past midnight.
func scheduleAllows(bot *models.Bot, now time.Time) bool {
	now = now.UTC()

	if len(bot.TradingDays) > 0 {
		allowed := false
		for _, d := range bot.TradingDays {
			if now.Weekday() == d {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}

	if bot.TradingStart == "" || bot.TradingEnd == "" {
		return true
	}
	start, err := minuteOfDay(bot.TradingStart)
	if err != nil {
		return true
	}
	end, err := minuteOfDay(bot.TradingEnd)
	if err != nil {
		return true
	}

	cur := now.Hour()*60 + now.Minute()
	if start <= end {
		return cur >= start && cur < end
	}
	return cur >= start || cur < end
}

func minuteOfDay(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}
