package store

import (
	"database/sql/driver"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Placeholder is the bind parameter style a driver expects.
type Placeholder int

const (
	// PlaceholderQuestion binds with "?" (sqlite, mysql).
	PlaceholderQuestion Placeholder = iota
	// PlaceholderDollar binds with "$1, $2, ..." (postgres).
	PlaceholderDollar
)

// Dialect captures the differences between SQL backends that the shared
// TaskStore has to care about. Queries are written with "?" and rebound.
type Dialect struct {
	// Name is the goose dialect name ("postgres", "sqlite3").
	Name string

	Placeholder Placeholder

	// RowLock is appended to the status lookup of a transition, e.g.
	// " FOR UPDATE". Empty for engines that serialise writers.
	RowLock string

	// ClaimLock is appended to the claim subquery, e.g.
	// " FOR UPDATE SKIP LOCKED".
	ClaimLock string

	// EncodeTime converts a timestamp into the value bound for the
	// engine's time columns. Defaults to UTC time.Time.
	EncodeTime func(time.Time) any

	// MapError translates driver errors into store sentinels.
	MapError func(error) error
}

// Validate checks that the dialect is usable.
func (d Dialect) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("%w: dialect name is required", ErrInvalidEntity)
	}
	if d.Placeholder != PlaceholderQuestion && d.Placeholder != PlaceholderDollar {
		return fmt.Errorf("%w: unknown placeholder style %d", ErrInvalidEntity, d.Placeholder)
	}
	return nil
}

// Rebind rewrites "?" bind markers into the dialect's style.
func (d Dialect) Rebind(query string) string {
	if d.Placeholder != PlaceholderDollar {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] != '?' {
			b.WriteByte(query[i])
			continue
		}
		n++
		b.WriteByte('$')
		b.WriteString(strconv.Itoa(n))
	}
	return b.String()
}

func (d Dialect) encodeTime(t time.Time) any {
	if d.EncodeTime != nil {
		return d.EncodeTime(t)
	}
	return t.UTC()
}

func (d Dialect) mapError(err error) error {
	if err == nil || d.MapError == nil {
		return err
	}
	return d.MapError(err)
}

// UnixMillis encodes timestamps as integer milliseconds since the epoch.
// Engines without a native timestamp type use it.
func UnixMillis(t time.Time) any {
	return t.UTC().UnixMilli()
}

// dbTime scans the time representations the supported drivers return.
type dbTime struct {
	time.Time
}

var _ driver.Valuer = dbTime{}

// Scan implements sql.Scanner.
func (t *dbTime) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		t.Time = time.Time{}
	case time.Time:
		t.Time = v.UTC()
	case int64:
		t.Time = time.UnixMilli(v).UTC()
	case []byte:
		return t.parse(string(v))
	case string:
		return t.parse(v)
	default:
		return fmt.Errorf("unsupported time value %T", src)
	}
	return nil
}

// Value implements driver.Valuer.
func (t dbTime) Value() (driver.Value, error) {
	return t.Time.UTC(), nil
}

func (t *dbTime) parse(s string) error {
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		t.Time = time.UnixMilli(ms).UTC()
		return nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05"} {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}
	return fmt.Errorf("cannot parse %q as time", s)
}
