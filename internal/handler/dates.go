package handler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

const dateLayout = "2006-01-02"

// Date は "YYYY-MM-DD" 形式でJSONに出し入れする日付。
type Date struct {
	time.Time
}

type dateParseError struct {
	value string
}

func (e *dateParseError) Error() string {
	return fmt.Sprintf("%s is not a valid date (expected YYYY-MM-DD)", e.value)
}

// UnmarshalJSON は "YYYY-MM-DD" を読み込む。null はゼロ値のまま。
func (d *Date) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return &dateParseError{value: string(b)}
	}
	if s == "" {
		return nil
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return &dateParseError{value: s}
	}
	d.Time = t
	return nil
}

// MarshalJSON は "YYYY-MM-DD" を書き出す。
func (d Date) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Format(dateLayout))
}

func newDate(t time.Time) Date { return Date{Time: t} }

func newDatePtr(t *time.Time) *Date {
	if t == nil {
		return nil
	}
	d := newDate(*t)
	return &d
}

func (d *Date) timePtr() *time.Time {
	if d == nil || d.IsZero() {
		return nil
	}
	t := d.Time
	return &t
}
