package operations

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Date sources reported in DateInfo.
const (
	DateSourceExplicit = "explicit"
	DateSourceContent  = "content"
	DateSourceDefault  = "default"
)

var (
	explicitMonthDay = regexp.MustCompile(`^(\d{1,2})\s*月\s*(\d{1,2})\s*日?$`)
	explicitDotted   = regexp.MustCompile(`^(\d{1,2})\.(\d{1,2})$`)
	textMonthDay     = regexp.MustCompile(`(\d{1,2})\s*月\s*(\d{1,2})\s*日`)
	textDotted       = regexp.MustCompile(`(?:^|[^\d.])(\d{1,2})\.(\d{1,2})(?:[^\d.]|$)`)
)

// ExtractDate picks the date of a unit: the explicit value when it parses,
// else the first month/day fragment found in text, else now. Month/day forms
// take the year from now.
func ExtractDate(explicit, text string, now time.Time) DateInfo {
	if explicit = strings.TrimSpace(explicit); explicit != "" {
		if t, err := time.Parse("2006-01-02", explicit); err == nil {
			return DateInfo{Date: t.Format("2006-01-02"), Source: DateSourceExplicit}
		}
		for _, re := range []*regexp.Regexp{explicitMonthDay, explicitDotted} {
			if m := re.FindStringSubmatch(explicit); m != nil {
				if d, ok := monthDay(m[1], m[2], now); ok {
					return DateInfo{Date: d, Source: DateSourceExplicit}
				}
			}
		}
	}

	for _, re := range []*regexp.Regexp{textMonthDay, textDotted} {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			if d, ok := monthDay(m[1], m[2], now); ok {
				return DateInfo{Date: d, Source: DateSourceContent}
			}
		}
	}

	return DateInfo{Date: now.Format("2006-01-02"), Source: DateSourceDefault}
}

func monthDay(ms, ds string, now time.Time) (string, bool) {
	month, err := strconv.Atoi(ms)
	if err != nil || month < 1 || month > 12 {
		return "", false
	}
	day, err := strconv.Atoi(ds)
	if err != nil || day < 1 {
		return "", false
	}
	t := time.Date(now.Year(), time.Month(month), day, 0, 0, 0, 0, now.Location())
	// time.Date normalizes overflow, e.g. Feb 30 becomes Mar 2.
	if t.Month() != time.Month(month) || t.Day() != day {
		return "", false
	}
	return t.Format("2006-01-02"), true
}
