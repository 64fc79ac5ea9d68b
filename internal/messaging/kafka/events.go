package kafka

// Топики storefront.
const (
	TopicOrderEvents     = "storefront.order.events"
	TopicDeadLetterQueue = "storefront.dlq"
)

// Заголовки сообщений. x-event-id повторяет ID outbox-сообщения и позволяет
// потребителям отбрасывать повторы.
const (
	HeaderEventID     = "x-event-id"
	HeaderEventType   = "x-event-type"
	HeaderContentType = "content-type"
)
