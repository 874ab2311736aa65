package fraud

import (
	"regexp"
	"strings"
	"time"
	"unicode"
)

type timeLayout struct {
	layout   string
	dateOnly bool
}

var transactionLayouts = []timeLayout{
	{"Jan 2 2006 3:04 PM", false},
	{"Jan 2 2006 3:04:05 PM", false},
	{"Jan 2 2006 15:04", false},
	{"Jan 2 2006 15:04:05", false},
	{"January 2 2006 3:04 PM", false},
	{"January 2 2006 3:04:05 PM", false},
	{"January 2 2006 15:04", false},
	{"January 2 2006 15:04:05", false},
	{"1/2/2006 3:04 PM", false},
	{"1/2/2006 3:04:05 PM", false},
	{"1/2/2006 15:04", false},
	{"1/2/2006 15:04:05", false},
	{"1/2/06 3:04 PM", false},
	{"1/2/06 15:04", false},
	{"2006-01-02 15:04:05", false},
	{"2006-01-02T15:04:05", false},
	{"2006-01-02 15:04", false},
	{"2006-01-02T15:04", false},
	{"Jan 2 2006", true},
	{"January 2 2006", true},
	{"1/2/2006", true},
	{"1/2/06", true},
	{"2006-01-02", true},
}

var meridiemRe = regexp.MustCompile(`(?i)(\d)\s*([ap])\.?m\.?\b`)

// ParseTransactionTime parses the transaction time printed on a receipt in loc.
// A date without a clock is taken as the last second of that day.
func ParseTransactionTime(text string, loc *time.Location) (time.Time, bool) {
	if loc == nil {
		loc = time.UTC
	}

	normalized := normalizeTimeText(text)
	if normalized == "" {
		return time.Time{}, false
	}

	for _, l := range transactionLayouts {
		t, err := time.ParseInLocation(l.layout, normalized, loc)
		if err != nil {
			continue
		}
		if l.dateOnly {
			t = time.Date(t.Year(), t.Month(), t.Day(), 23, 59, 59, 0, loc)
		}
		return t, true
	}
	return time.Time{}, false
}

func normalizeTimeText(text string) string {
	text = strings.ReplaceAll(text, ",", " ")
	text = meridiemRe.ReplaceAllStringFunc(text, func(m string) string {
		sub := meridiemRe.FindStringSubmatch(m)
		return sub[1] + " " + strings.ToUpper(sub[2]) + "M"
	})

	fields := strings.Fields(text)
	for i, f := range fields {
		if !isAlpha(f) {
			continue
		}
		f = strings.TrimSuffix(f, ".")
		if f == "AM" || f == "PM" {
			fields[i] = f
			continue
		}
		f = strings.ToUpper(f[:1]) + strings.ToLower(f[1:])
		if f == "Sept" {
			f = "Sep"
		}
		fields[i] = f
	}
	return strings.Join(fields, " ")
}

func isAlpha(s string) bool {
	s = strings.TrimSuffix(s, ".")
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsLetter(r) {
			return false
		}
	}
	return true
}
