package domain

import (
	"context"
	"time"
)

// NotificationType различает сервисные уведомления.
type NotificationType string

const (
	// NotifyConnectionFailure — владельцу: календарь не удалось опросить.
	NotifyConnectionFailure NotificationType = "connection_failure"
	// NotifyBatchSummary — в операционный канал: сводка прогона.
	NotifyBatchSummary NotificationType = "batch_summary"
)

// Notification — сервисное уведомление. Адресуется владельцу рабочего
// пространства либо операционному каналу, никогда подписчику.
type Notification struct {
	Key          string           `json:"key"`
	Type         NotificationType `json:"type"`
	OwnerID      int64            `json:"owner_id,omitempty"`
	OwnerEmail   string           `json:"owner_email,omitempty"`
	SubscriberID int64            `json:"subscriber_id,omitempty"`
	CalendarID   int64            `json:"calendar_id,omitempty"`
	CalendarName string           `json:"calendar_name,omitempty"`
	Message      string           `json:"message"`
	CreatedAt    time.Time        `json:"created_at"`
}

// Notifier публикует сервисные уведомления.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}
