package trigger

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Cron helpers for the schedule provider. Expressions use the standard
// five-field form; timezone handling resolves a concrete local
// wall-clock minute/hour into UTC while wildcards pass through
// untouched.

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ValidateCron reports whether expr is a valid five-field expression.
func ValidateCron(expr string) error {
	_, err := cronParser.Parse(expr)
	return err
}

// ValidateTimezone reports whether name resolves in the tz database.
func ValidateTimezone(name string) error {
	_, err := time.LoadLocation(name)
	return err
}

// ConvertCronToUTC rewrites a concrete local-time expression into UTC.
// Expressions with wildcard or stepped minute/hour fields are returned
// unchanged; the wall-clock shift only makes sense when both components
// are concrete numbers.
func ConvertCronToUTC(expr, timezone string) string {
	return convertCron(expr, timezone, "UTC")
}

// ConvertCronFromUTC rewrites a concrete UTC expression back into the
// given timezone's wall clock.
func ConvertCronFromUTC(expr, timezone string) string {
	return convertCron(expr, "UTC", timezone)
}

func convertCron(expr, fromTZ, toTZ string) string {
	parts := strings.Fields(expr)
	if len(parts) != 5 {
		return expr
	}
	minute, hour, day, month, weekday := parts[0], parts[1], parts[2], parts[3], parts[4]

	minuteNum, minuteErr := strconv.Atoi(minute)
	hourNum, hourErr := strconv.Atoi(hour)
	if minuteErr != nil || hourErr != nil {
		return expr
	}

	from, err := time.LoadLocation(fromTZ)
	if err != nil {
		return expr
	}
	to, err := time.LoadLocation(toTZ)
	if err != nil {
		return expr
	}

	now := time.Now().In(from)
	local := time.Date(now.Year(), now.Month(), now.Day(), hourNum, minuteNum, 0, 0, from)
	converted := local.In(to)

	return fmt.Sprintf("%d %d %s %s %s", converted.Minute(), converted.Hour(), day, month, weekday)
}

// NextRunTime computes the next fire time of expr in the given
// timezone, expressed in UTC. Returns the zero time when the expression
// or timezone is invalid.
func NextRunTime(expr, timezone string) time.Time {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return time.Time{}
	}
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}
	}
	return schedule.Next(time.Now().In(loc)).UTC()
}

// HumanReadableSchedule describes a cron expression in plain language.
func HumanReadableSchedule(expr, timezone string) string {
	suffix := ""
	if timezone != "" && timezone != "UTC" {
		suffix = " (" + timezone + ")"
	}

	known := map[string]string{
		"*/5 * * * *":  "Every 5 minutes",
		"*/10 * * * *": "Every 10 minutes",
		"*/15 * * * *": "Every 15 minutes",
		"*/30 * * * *": "Every 30 minutes",
		"0 * * * *":    "Every hour",
		"0 0 * * *":    "Daily at midnight",
		"0 9 * * 1-5":  "Weekdays at 9:00 AM",
	}
	if desc, ok := known[expr]; ok {
		return desc + suffix
	}

	parts := strings.Fields(expr)
	if len(parts) != 5 {
		return "Custom schedule: " + expr
	}
	minute, hour, day, month, weekday := parts[0], parts[1], parts[2], parts[3], parts[4]

	minuteNum, minuteErr := strconv.Atoi(minute)
	hourNum, hourErr := strconv.Atoi(hour)

	switch {
	case minuteErr == nil && hour == "*" && day == "*" && month == "*" && weekday == "*":
		return fmt.Sprintf("Every hour at :%02d", minuteNum)
	case minuteErr == nil && hourErr == nil && day == "*" && month == "*" && weekday == "*":
		return fmt.Sprintf("Daily at %02d:%02d%s", hourNum, minuteNum, suffix)
	case minuteErr == nil && hourErr == nil && day == "*" && month == "*" && weekday == "1-5":
		return fmt.Sprintf("Weekdays at %02d:%02d%s", hourNum, minuteNum, suffix)
	}
	return "Custom schedule: " + expr
}
