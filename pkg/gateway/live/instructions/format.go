package instructions

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var (
	priceChars = regexp.MustCompile(`[^0-9kK.]+`)
	usd        = message.NewPrinter(language.AmericanEnglish)
)

var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"01/02/2006",
	"1/2/2006",
	"January 2, 2006",
	"Jan 2, 2006",
	"2 January 2006",
}

// FormatDateNatural renders a calendar date as "March 1st". The date is taken
// exactly as written; no time zone conversion is applied. Unparseable input is
// returned trimmed.
func FormatDateNatural(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	for _, layout := range dateLayouts {
		t, err := time.Parse(layout, raw)
		if err != nil {
			continue
		}
		return fmt.Sprintf("%s %d%s", t.Month(), t.Day(), ordinalSuffix(t.Day()))
	}
	return raw
}

func ordinalSuffix(day int) string {
	if day%100 >= 11 && day%100 <= 13 {
		return "th"
	}
	switch day % 10 {
	case 1:
		return "st"
	case 2:
		return "nd"
	case 3:
		return "rd"
	default:
		return "th"
	}
}

// FormatPrice normalizes loose price text ("40k", "$86,000", "86000") to
// whole US dollars ("$40,000"). It returns "" when no amount can be read.
func FormatPrice(raw string) string {
	clean := strings.ToLower(priceChars.ReplaceAllString(raw, ""))
	if clean == "" {
		return ""
	}
	multiplier := 1.0
	if strings.Contains(clean, "k") {
		multiplier = 1000
		clean = strings.ReplaceAll(clean, "k", "")
	}
	v, err := strconv.ParseFloat(clean, 64)
	if err != nil || v < 0 {
		return ""
	}
	return usd.Sprintf("$%d", int64(math.Round(v*multiplier)))
}

// ParseVehicle splits "name - price" into a display name and a normalized price.
// The last " - " wins so hyphenated model names survive; otherwise the first "-" splits.
func ParseVehicle(raw string) (name, price string) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ""
	}
	var pricePart string
	if i := strings.LastIndex(raw, " - "); i >= 0 {
		name, pricePart = raw[:i], raw[i+3:]
	} else if i := strings.Index(raw, "-"); i >= 0 {
		name, pricePart = raw[:i], raw[i+1:]
	} else {
		name = raw
	}
	name = strings.TrimSpace(name)
	if strings.TrimSpace(pricePart) != "" {
		price = FormatPrice(pricePart)
	}
	return name, price
}

// VehicleDescription is the vehicle line spoken to the representative.
func VehicleDescription(raw string) string {
	name, price := ParseVehicle(raw)
	if price == "" {
		return name
	}
	return name + " valued at " + price
}

// DaysNatural renders a rental duration: "1" → "one day", "3" → "3 days".
func DaysNatural(days string) string {
	days = strings.TrimSpace(days)
	switch days {
	case "":
		return ""
	case "1":
		return "one day"
	default:
		return days + " days"
	}
}
