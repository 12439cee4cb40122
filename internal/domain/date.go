package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"
)

const dateLayout = "2006-01-02"

// Date is a calendar day in YYYY-MM-DD form. The zero value means "no date".
// Values read back from storage that fail to parse are kept verbatim but
// never compare as set.
type Date string

// ParseDate accepts YYYY-MM-DD or an RFC3339 timestamp (truncated to its UTC day).
func ParseDate(s string) (Date, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", nil
	}
	if t, err := time.Parse(dateLayout, s); err == nil {
		return Date(t.Format(dateLayout)), nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return Date(t.UTC().Format(dateLayout)), nil
	}
	return "", fmt.Errorf("invalid date %q: want YYYY-MM-DD", s)
}

func DateOf(t time.Time) Date {
	return Date(t.Format(dateLayout))
}

func (d Date) IsZero() bool { return d == "" }

// Time returns the parsed day and whether the value is a valid date.
func (d Date) Time() (time.Time, bool) {
	if d == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(dateLayout, string(d))
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// OnOrBefore reports whether d is a valid date not after limit.
func (d Date) OnOrBefore(limit Date) bool {
	dt, ok := d.Time()
	if !ok {
		return false
	}
	lt, ok := limit.Time()
	if !ok {
		return false
	}
	return !dt.After(lt)
}

func (d Date) String() string { return string(d) }

func normalizeStoredDate(s string) Date {
	if d, err := ParseDate(s); err == nil {
		return d
	}
	return Date(s)
}

func (d *Date) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("date: %w", err)
	}
	*d = normalizeStoredDate(s)
	return nil
}

func (d Date) MarshalBSONValue() (bsontype.Type, []byte, error) {
	return bson.MarshalValue(string(d))
}

func (d *Date) UnmarshalBSONValue(t bsontype.Type, data []byte) error {
	if t == bsontype.Null || t == bsontype.Undefined {
		*d = ""
		return nil
	}
	s, ok := bson.RawValue{Type: t, Value: data}.StringValueOK()
	if !ok {
		return fmt.Errorf("date: expected string, got %s", t)
	}
	*d = normalizeStoredDate(s)
	return nil
}
