package domain

import (
	"encoding/json"
	"time"
)

// Provider обозначает тип календарного провайдера подключения.
type Provider string

const (
	// ProviderGoogle — Google Calendar через OAuth.
	ProviderGoogle Provider = "google"
	// ProviderApple — Apple iCloud через CalDAV.
	ProviderApple Provider = "apple"
	// ProviderOffice365 — Microsoft 365 через Graph API.
	ProviderOffice365 Provider = "office365"
	// ProviderOutlook — устаревший тег, обслуживается адаптером Office365.
	ProviderOutlook Provider = "outlook"
)

// OAuthToken хранит пару токенов OAuth-подключения.
type OAuthToken struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	Expiry       time.Time `json:"expiry"`
}

// Credential — полезная нагрузка подключения. Форма определяется тегом
// провайдера: OAuth-пара для google/office365, запечатанный secretbox-блоб
// логина и пароля для CalDAV. Поля никогда не смешиваются.
type Credential struct {
	OAuth *OAuthToken `json:"oauth,omitempty"`
	Basic []byte      `json:"basic,omitempty"`
}

// Connection описывает привязку внешнего календарного аккаунта.
type Connection struct {
	ID            int64
	OwnerID       int64
	Provider      Provider
	Credential    Credential
	Enabled       bool
	InvalidReason *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Invalid сообщает, помечено ли подключение как невалидное.
func (c Connection) Invalid() bool {
	return c.InvalidReason != nil
}

// Calendar описывает один календарь внутри подключения.
type Calendar struct {
	ID         int64
	OwnerID    int64
	ExternalID string
	Name       string
	Enabled    bool
	Connection Connection
}

// Owner содержит профиль владельца рабочего пространства, которому
// адресуются сервисные уведомления.
type Owner struct {
	ID    int64
	Name  string
	Email string
}

// EventWindow задаёт, за какой день подписчик получает события.
type EventWindow string

const (
	// WindowSameDay — события текущего дня.
	WindowSameDay EventWindow = "same-day"
	// WindowNextDay — события следующего дня.
	WindowNextDay EventWindow = "next-day"
)

// DayLabel возвращает подпись окна для текста сообщения.
func (w EventWindow) DayLabel() string {
	if w == WindowNextDay {
		return "tomorrow"
	}
	return "today"
}

// TimeOfDay — время суток в UTC в форме "HH:MM:SS". Хранится и
// сравнивается как строка, без привязки к дате.
type TimeOfDay string

// Subscriber описывает получателя дайджеста.
type Subscriber struct {
	ID          int64
	OwnerID     int64
	WorkspaceID int64
	FullName    string
	Phone       string
	Timezone    string
	NotifyAt    TimeOfDay
	EventWindow EventWindow
	OptIn       bool
	Enabled     bool
	CreatedAt   time.Time
	UpdatedAt   time.Time

	Owner     Owner
	Calendars []Calendar
}

// CalendarEvent — событие, полученное от провайдера. Никогда не
// персистится, строится заново на каждом прогоне.
type CalendarEvent struct {
	ID          string
	Title       string
	Description string
	Start       time.Time
	End         time.Time
	AllDay      bool
}

// DeliveryResult — результат отправки сообщения через канал доставки.
type DeliveryResult struct {
	ExternalID string
	Segments   int
	Raw        json.RawMessage
}

// DeliveryLog — запись об отправленном сообщении. Только добавляется,
// никогда не изменяется.
type DeliveryLog struct {
	ID           int64
	OwnerID      int64
	WorkspaceID  int64
	SubscriberID int64
	ExternalID   string
	Body         string
	Segments     int
	Snapshot     []byte
	CreatedAt    time.Time
}

// PreviewMessage — результат dry-run для одного подписчика.
type PreviewMessage struct {
	Phone   string `json:"phone"`
	Message string `json:"message"`
}

// BatchReport — сводка одного прогона дайджеста.
type BatchReport struct {
	Bucket      TimeOfDay
	Subscribers int
	Sent        int
	TotalEvents int
}
