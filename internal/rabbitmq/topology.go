package rabbitmq

import "github.com/magabrotheeeer/entitlement-engine/internal/models"

// Обменники и очереди движка.
const (
	ExchangeNotifications = "notifications"
	ExchangeAlerts        = "alerts"
	ExchangeEvents        = "events"

	QueueNotifications = "notifications.email"
	QueueAlerts        = "alerts.operator"
	QueueEvents        = "events.subscription"
	QueueVideoJobs     = "jobs.video"

	RoutingAlert = "alert"
)

// QueueConfig описывает очередь и её привязку. Пустой Exchange означает
// обменник по умолчанию, куда публикуют прямо по имени очереди.
type QueueConfig struct {
	Exchange   string
	QueueName  string
	RoutingKey string
}

func exchangeKind(exchange string) string {
	if exchange == ExchangeEvents {
		return "topic"
	}
	return "direct"
}

// NotificationQueues — очередь писем со всеми типами уведомлений.
func NotificationQueues() []QueueConfig {
	kinds := []string{
		models.NotificationExportReady,
		models.NotificationDeletionGrace,
		models.NotificationDeletionCompleted,
		models.NotificationUsageWarning,
		models.NotificationUsageExceeded,
	}
	queues := make([]QueueConfig, 0, len(kinds))
	for _, k := range kinds {
		queues = append(queues, QueueConfig{Exchange: ExchangeNotifications, QueueName: QueueNotifications, RoutingKey: k})
	}
	return queues
}

// Topology возвращает все очереди движка.
func Topology() []QueueConfig {
	queues := NotificationQueues()
	return append(queues,
		QueueConfig{Exchange: ExchangeAlerts, QueueName: QueueAlerts, RoutingKey: RoutingAlert},
		QueueConfig{Exchange: ExchangeEvents, QueueName: QueueEvents, RoutingKey: "subscription.#"},
		QueueConfig{QueueName: QueueVideoJobs},
	)
}
