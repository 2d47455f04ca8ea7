// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// CronExpr is a parsed five field cron expression: minute, hour,
// day-of-month, month, day-of-week. Each field is a bitmask of allowed
// values.
type CronExpr struct {
	minute uint64
	hour   uint32
	dom    uint32
	month  uint16
	dow    uint8
}

var cronAliases = map[string]string{
	"@hourly":   "0 * * * *",
	"@daily":    "0 0 * * *",
	"@midnight": "0 0 * * *",
	"@weekly":   "0 0 * * 0",
	"@monthly":  "0 0 1 * *",
	"@yearly":   "0 0 1 1 *",
	"@annually": "0 0 1 1 *",
}

// ParseCron parses a cron expression. Fields accept wildcards, values,
// ranges, lists, and steps ("*/15", "1-5", "0,30", "10-50/10"). The common
// @hourly style aliases are accepted too.
func ParseCron(expr string) (*CronExpr, error) {
	if alias, ok := cronAliases[strings.ToLower(strings.TrimSpace(expr))]; ok {
		expr = alias
	}

	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("cron expression needs 5 fields, got %d", len(fields))
	}

	minute, err := parseCronField(fields[0], 0, 59)
	if err != nil {
		return nil, fmt.Errorf("minute field: %w", err)
	}
	hour, err := parseCronField(fields[1], 0, 23)
	if err != nil {
		return nil, fmt.Errorf("hour field: %w", err)
	}
	dom, err := parseCronField(fields[2], 1, 31)
	if err != nil {
		return nil, fmt.Errorf("day-of-month field: %w", err)
	}
	month, err := parseCronField(fields[3], 1, 12)
	if err != nil {
		return nil, fmt.Errorf("month field: %w", err)
	}
	dow, err := parseCronField(fields[4], 0, 6)
	if err != nil {
		return nil, fmt.Errorf("day-of-week field: %w", err)
	}

	return &CronExpr{
		minute: minute,
		hour:   uint32(hour),
		dom:    uint32(dom),
		month:  uint16(month),
		dow:    uint8(dow),
	}, nil
}

// parseCronField returns the bitmask of allowed values for one field.
func parseCronField(field string, min, max int) (uint64, error) {
	var mask uint64
	for _, part := range strings.Split(field, ",") {
		step := 1
		if idx := strings.Index(part, "/"); idx >= 0 {
			s, err := strconv.Atoi(part[idx+1:])
			if err != nil || s <= 0 {
				return 0, fmt.Errorf("invalid step %q", part[idx+1:])
			}
			step = s
			part = part[:idx]
		}

		start, end := min, max
		switch {
		case part == "*":
		case strings.Contains(part, "-"):
			bounds := strings.SplitN(part, "-", 2)
			var err error
			if start, err = strconv.Atoi(bounds[0]); err != nil {
				return 0, fmt.Errorf("invalid range start %q", bounds[0])
			}
			if end, err = strconv.Atoi(bounds[1]); err != nil {
				return 0, fmt.Errorf("invalid range end %q", bounds[1])
			}
		default:
			v, err := strconv.Atoi(part)
			if err != nil {
				return 0, fmt.Errorf("invalid value %q", part)
			}
			start, end = v, v
		}

		if start < min || end > max || start > end {
			return 0, fmt.Errorf("value out of range [%d-%d]: %q", min, max, part)
		}
		for v := start; v <= end; v += step {
			mask |= 1 << uint(v)
		}
	}
	if mask == 0 {
		return 0, fmt.Errorf("empty field")
	}
	return mask, nil
}

func bit(mask uint64, v int) bool { return mask&(1<<uint(v)) != 0 }

// Next returns the first matching time strictly after from, in from's
// location. The zero time is returned when nothing matches within four
// years, which only happens for impossible day combinations.
func (c *CronExpr) Next(from time.Time) time.Time {
	t := from.Truncate(time.Minute).Add(time.Minute)
	limit := from.AddDate(4, 0, 0)

	for t.Before(limit) {
		if !bit(uint64(c.month), int(t.Month())) {
			t = time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location()).AddDate(0, 1, 0)
			continue
		}
		if !bit(uint64(c.dom), t.Day()) || !bit(uint64(c.dow), int(t.Weekday())) {
			t = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location()).AddDate(0, 0, 1)
			continue
		}
		if !bit(uint64(c.hour), t.Hour()) {
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, t.Location()).Add(time.Hour)
			continue
		}
		if !bit(c.minute, t.Minute()) {
			t = t.Add(time.Minute)
			continue
		}
		return t
	}
	return time.Time{}
}
