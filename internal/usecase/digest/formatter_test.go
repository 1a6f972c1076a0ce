package digest

import (
	"strings"
	"testing"
	"time"

	"famdigest/internal/domain"
)

// 13:00 UTC — это 08:00 в Нью-Йорке зимой: утро по локальному времени.
var winterMorning = time.Date(2026, 1, 12, 13, 0, 0, 0, time.UTC)

func nySubscriber() domain.Subscriber {
	return domain.Subscriber{
		FullName:    "Jane Doe",
		Timezone:    "America/New_York",
		EventWindow: domain.WindowSameDay,
	}
}

func TestComposeEmptyState(t *testing.T) {
	got := ComposeMessage(nySubscriber(), nil, winterMorning)
	want := "Good morning Jane Doe\n\nThere are no events today."
	if got != want {
		t.Fatalf("ожидали %q, получили %q", want, got)
	}
}

func TestComposeEmptyStateNextDay(t *testing.T) {
	sub := nySubscriber()
	sub.EventWindow = domain.WindowNextDay
	got := ComposeMessage(sub, nil, winterMorning)
	if !strings.Contains(got, "There are no events tomorrow.") {
		t.Fatalf("ожидали упоминание tomorrow, получили %q", got)
	}
}

func TestComposeItemizedSchedule(t *testing.T) {
	events := []domain.CalendarEvent{
		{Title: "", AllDay: true, Start: time.Date(2026, 1, 12, 0, 0, 0, 0, time.UTC)},
		{
			Title: "Standup",
			Start: time.Date(2026, 1, 12, 14, 0, 0, 0, time.UTC),
			End:   time.Date(2026, 1, 12, 15, 0, 0, 0, time.UTC),
		},
	}
	got := ComposeMessage(nySubscriber(), events, winterMorning)
	want := "Good morning Jane Doe! You have 2 events today.\n\n" +
		"Here is today's schedule:\n\n" +
		"All Day - Busy\n" +
		"9:00 AM - 10:00 AM Standup\n" +
		"\nHave a great day!"
	if got != want {
		t.Fatalf("ожидали:\n%q\nполучили:\n%q", want, got)
	}
}

func TestComposeSingularEventCount(t *testing.T) {
	events := []domain.CalendarEvent{{Title: "Lunch", Start: winterMorning, End: winterMorning.Add(time.Hour)}}
	got := ComposeMessage(nySubscriber(), events, winterMorning)
	if !strings.Contains(got, "You have 1 event today.") {
		t.Fatalf("ожидали единственное число, получили %q", got)
	}
}

func TestComposeIsDeterministic(t *testing.T) {
	events := []domain.CalendarEvent{
		{Title: "A", Start: winterMorning, End: winterMorning.Add(time.Hour)},
		{Title: "B", AllDay: true, Start: winterMorning},
	}
	first := ComposeMessage(nySubscriber(), events, winterMorning)
	second := ComposeMessage(nySubscriber(), events, winterMorning)
	if first != second {
		t.Fatalf("повторная сборка дала другой текст")
	}
}

func TestGreetingBoundaries(t *testing.T) {
	cases := []struct {
		hour int
		want string
	}{
		{0, "morning"},
		{11, "morning"},
		{12, "afternoon"},
		{16, "afternoon"},
		{17, "evening"},
		{23, "evening"},
	}
	for _, tc := range cases {
		if got := timeOfDayGreeting(tc.hour); got != tc.want {
			t.Fatalf("час %d: ожидали %q, получили %q", tc.hour, tc.want, got)
		}
	}
}

func TestComposeGreetingUsesSubscriberZone(t *testing.T) {
	// 13:00 UTC — вечер в Токио.
	sub := nySubscriber()
	sub.Timezone = "Asia/Tokyo"
	got := ComposeMessage(sub, nil, winterMorning)
	if !strings.HasPrefix(got, "Good evening") {
		t.Fatalf("ожидали вечернее приветствие, получили %q", got)
	}
}

func TestComposeUnknownZoneFallsBackToUTC(t *testing.T) {
	sub := nySubscriber()
	sub.Timezone = "Nowhere/Void"
	got := ComposeMessage(sub, nil, winterMorning)
	// 13:00 UTC — день.
	if !strings.HasPrefix(got, "Good afternoon") {
		t.Fatalf("ожидали приветствие по UTC, получили %q", got)
	}
}
