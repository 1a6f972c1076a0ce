package digest

import (
	"fmt"
	"strings"
	"time"

	"famdigest/internal/domain"
)

const untitledEvent = "Busy"

// ComposeMessage формирует текст дайджеста для подписчика: приветствие по
// локальному времени суток, список событий в часовом поясе подписчика.
// Формат — видимый пользователю продуктовый вывод, фиксируется тестами.
func ComposeMessage(sub domain.Subscriber, events []domain.CalendarEvent, now time.Time) string {
	loc := locationOf(sub.Timezone)
	greeting := timeOfDayGreeting(now.In(loc).Hour())
	day := sub.EventWindow.DayLabel()

	if len(events) == 0 {
		return fmt.Sprintf("Good %s %s\n\nThere are no events %s.", greeting, sub.FullName, day)
	}

	noun := "events"
	if len(events) == 1 {
		noun = "event"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Good %s %s! You have %d %s %s.\n\n", greeting, sub.FullName, len(events), noun, day)
	fmt.Fprintf(&b, "Here is %s's schedule:\n\n", day)
	for _, ev := range events {
		b.WriteString(eventLine(ev, loc))
		b.WriteByte('\n')
	}
	b.WriteString("\nHave a great day!")
	return b.String()
}

func timeOfDayGreeting(localHour int) string {
	switch {
	case localHour < 12:
		return "morning"
	case localHour < 17:
		return "afternoon"
	default:
		return "evening"
	}
}

func eventLine(ev domain.CalendarEvent, loc *time.Location) string {
	title := strings.TrimSpace(ev.Title)
	if title == "" {
		title = untitledEvent
	}
	if ev.AllDay {
		return "All Day - " + title
	}
	return fmt.Sprintf("%s - %s %s", ev.Start.In(loc).Format("3:04 PM"), ev.End.In(loc).Format("3:04 PM"), title)
}
