package ports

// NotificationEnvironmentsUpdate is the payload-free signal telling watchers
// to re-fetch environment state.
const NotificationEnvironmentsUpdate = "environments_update"

// Notifier broadcasts tagged events to external watchers. Implementations
// must tolerate having no connected watchers.
type Notifier interface {
	Broadcast(eventType string)
}
