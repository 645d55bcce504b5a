package pipeline

import (
	"time"

	"github.com/robfig/cron/v3"

	"reportbi/i18n"
)

// cronParser accepts the standard 5-field form: minute hour dom month dow.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// cronStarBit mirrors the star marker robfig/cron sets on wildcard fields.
const cronStarBit = 1 << 63

// ResolveTimeWindow turns a cron expression and an execution timestamp into
// the prior reporting window plus a localized period label.
//
// An explicit granularity wins; otherwise it is inferred from the cron's
// day-of-month / day-of-week fields (dow fixed ⇒ weekly, dom fixed ⇒
// monthly, else daily). An unparsable expression fails soft to daily at the
// current time. Given a parsable expression or an explicit granularity the
// function is pure and deterministic.
func ResolveTimeWindow(cronExpr string, execTime time.Time, granularity Granularity) TimePeriod {
	g := granularity
	if g == "" {
		inferred, ok := inferGranularity(cronExpr)
		if !ok {
			return buildPeriod(GranDaily, time.Now())
		}
		g = inferred
	}
	return buildPeriod(g, execTime)
}

// inferGranularity derives the reporting granularity from the cron schedule.
func inferGranularity(cronExpr string) (Granularity, bool) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return "", false
	}
	spec, ok := sched.(*cron.SpecSchedule)
	if !ok {
		return "", false
	}

	dowWild := spec.Dow&cronStarBit != 0
	domWild := spec.Dom&cronStarBit != 0

	switch {
	case !dowWild:
		return GranWeekly, true
	case !domWild:
		return GranMonthly, true
	default:
		return GranDaily, true
	}
}

func buildPeriod(g Granularity, execTime time.Time) TimePeriod {
	w := computeWindow(g, execTime)
	return TimePeriod{Window: w, Label: periodLabel(w)}
}

// computeWindow returns the most recent fully-elapsed period before the
// execution date. The execution date's own in-progress period is never
// included.
func computeWindow(g Granularity, execTime time.Time) TimeWindow {
	loc := execTime.Location()
	y, m, d := execTime.Date()
	day := time.Date(y, m, d, 0, 0, 0, 0, loc)

	switch g {
	case GranWeekly:
		// Prior ISO week, Monday through Sunday.
		wd := int(day.Weekday())
		if wd == 0 {
			wd = 7
		}
		monday := day.AddDate(0, 0, -(wd - 1))
		return TimeWindow{
			StartDate:   monday.AddDate(0, 0, -7),
			EndDate:     monday.AddDate(0, 0, -1),
			Granularity: GranWeekly,
		}
	case GranMonthly:
		// Prior calendar month; January executions roll back to December.
		firstOfMonth := time.Date(y, m, 1, 0, 0, 0, 0, loc)
		end := firstOfMonth.AddDate(0, 0, -1)
		return TimeWindow{
			StartDate:   time.Date(end.Year(), end.Month(), 1, 0, 0, 0, 0, loc),
			EndDate:     end,
			Granularity: GranMonthly,
		}
	case GranYearly:
		return TimeWindow{
			StartDate:   time.Date(y-1, time.January, 1, 0, 0, 0, 0, loc),
			EndDate:     time.Date(y-1, time.December, 31, 0, 0, 0, 0, loc),
			Granularity: GranYearly,
		}
	default:
		// Daily: yesterday.
		yesterday := day.AddDate(0, 0, -1)
		return TimeWindow{
			StartDate:   yesterday,
			EndDate:     yesterday,
			Granularity: GranDaily,
		}
	}
}

const dateLayout = "2006-01-02"

// periodLabel renders the localized human-readable description,
// e.g. "每周周期：2024-09-16～2024-09-22".
func periodLabel(w TimeWindow) string {
	start := w.StartDate.Format(dateLayout)
	end := w.EndDate.Format(dateLayout)
	switch w.Granularity {
	case GranWeekly:
		return i18n.T("period.weekly", start, end)
	case GranMonthly:
		return i18n.T("period.monthly", start, end)
	case GranYearly:
		return i18n.T("period.yearly", start, end)
	default:
		return i18n.T("period.daily", start)
	}
}
