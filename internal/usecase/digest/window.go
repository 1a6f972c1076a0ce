package digest

import (
	"errors"
	"strings"
	"time"

	"famdigest/internal/domain"
)

// DefaultGranularity — шаг квантования расписания доставки.
const DefaultGranularity = 15 * time.Minute

// ErrInvalidTimezone возвращается, если указан некорректный часовой пояс.
var ErrInvalidTimezone = errors.New("invalid timezone")

// BucketTime приводит момент времени к нижней границе бакета в UTC.
func BucketTime(now time.Time, granularity time.Duration) time.Time {
	if granularity <= 0 {
		granularity = DefaultGranularity
	}
	return now.UTC().Truncate(granularity)
}

// BucketFor возвращает канонический бакет "HH:MM:SS" для момента времени.
// Бакет сравнивается строковым равенством с notify_on подписчика.
func BucketFor(now time.Time, granularity time.Duration) domain.TimeOfDay {
	return domain.TimeOfDay(BucketTime(now, granularity).Format("15:04:05"))
}

// DayWindow возвращает окно [start, end) выборки событий. Окно считается
// по границам календарного дня UTC, а не локального дня подписчика.
func DayWindow(now time.Time, window domain.EventWindow) (time.Time, time.Time) {
	day := now.UTC().Truncate(24 * time.Hour)
	if window == domain.WindowNextDay {
		day = day.Add(24 * time.Hour)
	}
	return day, day.Add(24 * time.Hour)
}

// NormalizeTimezone приводит свободный ввод к валидному имени IANA:
// пробелы в подчёркивания, регистр сегментов к каноническому.
func NormalizeTimezone(raw string) (string, error) {
	candidate := strings.TrimSpace(raw)
	if candidate == "" {
		return "", ErrInvalidTimezone
	}
	candidate = strings.ReplaceAll(candidate, " ", "_")
	if _, err := time.LoadLocation(candidate); err == nil {
		return candidate, nil
	}

	lower := strings.ToLower(candidate)
	parts := strings.Split(lower, "/")
	for i, part := range parts {
		segments := strings.Split(part, "_")
		for j, segment := range segments {
			pieces := strings.Split(segment, "-")
			for k, piece := range pieces {
				if piece == "" {
					continue
				}
				pieces[k] = strings.ToUpper(piece[:1]) + piece[1:]
			}
			segments[j] = strings.Join(pieces, "-")
		}
		parts[i] = strings.Join(segments, "_")
	}
	normalized := strings.Join(parts, "/")
	if _, err := time.LoadLocation(normalized); err == nil {
		return normalized, nil
	}
	return "", ErrInvalidTimezone
}

// locationOf возвращает *time.Location подписчика, UTC при ошибке.
func locationOf(tz string) *time.Location {
	normalized, err := NormalizeTimezone(tz)
	if err != nil {
		return time.UTC
	}
	loc, err := time.LoadLocation(normalized)
	if err != nil {
		return time.UTC
	}
	return loc
}
