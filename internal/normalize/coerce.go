package normalize

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/rpattn/catalogmerge/internal/domain"
)

var (
	timeLayouts = []string{
		time.RFC3339,
		time.RFC3339Nano,
		"2006-01-02",
		"2006-01-02 15:04:05",
		"2006-01-02 15:04",
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05.000",
		"2006/01/02",
		"02-01-2006",
		"02-01-2006 15:04",
		"2-1-2006",
		"02.01.2006",
		"02/01/2006",
		"02/01/2006 15:04",
		"2 January 2006",
		"January 2, 2006",
	}

	nullMarkers = map[string]struct{}{
		"":     {},
		"-":    {},
		"--":   {},
		"—":    {},
		"–":    {},
		"n/a":  {},
		"na":   {},
		"#n/a": {},
		"null": {},
		"nil":  {},
		"none": {},
	}

	// Excel stores dates as days since 1899-12-30.
	excelEpoch = time.Date(1899, 12, 30, 0, 0, 0, 0, time.UTC)
)

const (
	minExcelSerial = 1
	maxExcelSerial = 2958465 // 9999-12-31
)

// isNull reports whether a raw cell carries no value.
func isNull(raw string) bool {
	_, ok := nullMarkers[strings.ToLower(strings.TrimSpace(raw))]
	return ok
}

// coerceValue converts a raw cell into a typed value. Null markers become
// Absent; anything unparseable for the kind is an error.
func coerceValue(kind domain.ValueKind, raw string) (domain.Value, error) {
	if isNull(raw) {
		return domain.Absent(), nil
	}
	raw = strings.TrimSpace(raw)
	switch kind {
	case domain.KindText:
		return domain.Text(strings.Join(strings.Fields(raw), " ")), nil
	case domain.KindInt:
		cleaned := stripThousands(raw)
		if i, err := strconv.ParseInt(cleaned, 10, 64); err == nil {
			return domain.Int(i), nil
		}
		// Spreadsheets hand integers back as "12.0".
		if f, err := strconv.ParseFloat(cleaned, 64); err == nil && math.Mod(f, 1) == 0 {
			// float64(math.MaxInt64) rounds up to 2^63, which int64 cannot hold.
			if f >= math.MaxInt64 || f < math.MinInt64 {
				return domain.Absent(), fmt.Errorf("integer %q out of range", raw)
			}
			return domain.Int(int64(f)), nil
		}
		return domain.Absent(), fmt.Errorf("unable to coerce %q to integer", raw)
	case domain.KindFloat:
		if f, err := strconv.ParseFloat(stripThousands(raw), 64); err == nil {
			return domain.Float(f), nil
		}
		return domain.Absent(), fmt.Errorf("unable to coerce %q to float", raw)
	case domain.KindBool:
		value := strings.ToLower(raw)
		switch value {
		case "1", "yes", "y", "ja", "j":
			return domain.Bool(true), nil
		case "0", "no", "n", "nee":
			return domain.Bool(false), nil
		}
		boolVal, err := strconv.ParseBool(value)
		if err != nil {
			return domain.Absent(), fmt.Errorf("unable to coerce %q to boolean", raw)
		}
		return domain.Bool(boolVal), nil
	case domain.KindDate:
		ts, err := parseTimestamp(raw)
		if err != nil {
			return domain.Absent(), fmt.Errorf("unable to coerce %q to date: %w", raw, err)
		}
		return domain.Date(ts), nil
	default:
		return domain.Text(raw), nil
	}
}

func stripThousands(raw string) string {
	return strings.NewReplacer(",", "", "_", "", " ", "").Replace(raw)
}

func parseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts, nil
		}
	}
	if serial, err := strconv.ParseFloat(raw, 64); err == nil && serial >= minExcelSerial && serial <= maxExcelSerial {
		days := math.Floor(serial)
		frac := serial - days
		ts := excelEpoch.AddDate(0, 0, int(days)).Add(time.Duration(frac * float64(24*time.Hour)).Round(time.Second))
		return ts, nil
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp format")
}

// normalizeKey trims the external key and undoes spreadsheet float rendering
// of numeric ids ("1234.0" becomes "1234").
func normalizeKey(raw string) string {
	key := strings.Join(strings.Fields(raw), " ")
	if strings.HasSuffix(key, ".0") {
		if _, err := strconv.ParseInt(strings.TrimSuffix(key, ".0"), 10, 64); err == nil {
			return strings.TrimSuffix(key, ".0")
		}
	}
	return key
}
