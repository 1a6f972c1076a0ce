package providers

import (
	"fmt"
	"strings"
	"time"

	"famdigest/internal/domain"
)

// Разбор iCalendar (RFC 5545) в объёме, который отдают CalDAV-серверы:
// VEVENT с DTSTART/DTEND, включая формы VALUE=DATE и TZID.

var icalDateTimeLayouts = []string{
	"20060102T150405Z",
	"20060102T150405",
	"20060102",
	"2006-01-02T15:04:05Z",
	"2006-01-02T15:04:05",
}

// ParseICalEvents извлекает VEVENT-компоненты из iCalendar-текста.
// Компоненты без разбираемого DTSTART пропускаются.
func ParseICalEvents(data string) []domain.CalendarEvent {
	lines := unfoldICalLines(data)

	var events []domain.CalendarEvent
	var current map[string]icalProperty
	for _, line := range lines {
		switch {
		case line == "BEGIN:VEVENT":
			current = make(map[string]icalProperty)
		case line == "END:VEVENT":
			if current != nil {
				if ev, ok := buildICalEvent(current); ok {
					events = append(events, ev)
				}
			}
			current = nil
		case current != nil:
			name, prop, ok := parseICalProperty(line)
			if ok {
				current[name] = prop
			}
		}
	}
	return events
}

type icalProperty struct {
	params map[string]string
	value  string
}

func parseICalProperty(line string) (string, icalProperty, bool) {
	colon := strings.Index(line, ":")
	if colon < 0 {
		return "", icalProperty{}, false
	}
	head, value := line[:colon], line[colon+1:]

	parts := strings.Split(head, ";")
	name := strings.ToUpper(parts[0])
	params := make(map[string]string, len(parts)-1)
	for _, raw := range parts[1:] {
		if eq := strings.Index(raw, "="); eq > 0 {
			params[strings.ToUpper(raw[:eq])] = strings.Trim(raw[eq+1:], `"`)
		}
	}
	return name, icalProperty{params: params, value: value}, true
}

func buildICalEvent(props map[string]icalProperty) (domain.CalendarEvent, bool) {
	startProp, ok := props["DTSTART"]
	if !ok {
		return domain.CalendarEvent{}, false
	}
	allDay := startProp.params["VALUE"] == "DATE" || len(startProp.value) == 8
	start, err := parseICalDateTime(startProp.value, startProp.params["TZID"])
	if err != nil {
		return domain.CalendarEvent{}, false
	}

	end := start
	if allDay {
		end = start.Add(24 * time.Hour)
	}
	if endProp, ok := props["DTEND"]; ok {
		if parsed, err := parseICalDateTime(endProp.value, endProp.params["TZID"]); err == nil {
			end = parsed
		}
	}

	return domain.CalendarEvent{
		ID:          props["UID"].value,
		Title:       unescapeICalText(props["SUMMARY"].value),
		Description: unescapeICalText(props["DESCRIPTION"].value),
		Start:       start,
		End:         end,
		AllDay:      allDay,
	}, true
}

func parseICalDateTime(value, tzid string) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("пустое значение времени")
	}
	loc := time.UTC
	if tzid != "" && !strings.HasSuffix(value, "Z") {
		if parsed, err := time.LoadLocation(tzid); err == nil {
			loc = parsed
		}
	}
	for _, layout := range icalDateTimeLayouts {
		if parsed, err := time.ParseInLocation(layout, value, loc); err == nil {
			return parsed.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("нераспознанный формат времени %q", value)
}

// unfoldICalLines разворачивает перенесённые строки: продолжение
// начинается с пробела или табуляции.
func unfoldICalLines(data string) []string {
	raw := strings.Split(strings.ReplaceAll(data, "\r\n", "\n"), "\n")
	lines := make([]string, 0, len(raw))
	for _, line := range raw {
		if (strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t")) && len(lines) > 0 {
			lines[len(lines)-1] += strings.TrimLeft(line, " \t")
			continue
		}
		trimmed := strings.TrimRight(line, "\r")
		if trimmed != "" {
			lines = append(lines, trimmed)
		}
	}
	return lines
}

func unescapeICalText(s string) string {
	replacer := strings.NewReplacer(`\n`, "\n", `\N`, "\n", `\,`, ",", `\;`, ";", `\\`, `\`)
	return replacer.Replace(s)
}
