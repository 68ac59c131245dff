package schema

import "time"

// NotificationPriority orders notifications for display.
type NotificationPriority string

const (
	PriorityLow    NotificationPriority = "low"
	PriorityMedium NotificationPriority = "medium"
	PriorityHigh   NotificationPriority = "high"
)

// Notification is a user-facing notification record.
type Notification struct {
	ID        string               `json:"id"`
	Type      string               `json:"type"`
	Title     string               `json:"title"`
	Message   string               `json:"message"`
	Priority  NotificationPriority `json:"priority,omitempty"`
	Read      bool                 `json:"read"`
	CreatedAt time.Time            `json:"created_at"`
}

// NotificationStats aggregates counters pushed on stats_update frames.
type NotificationStats struct {
	Total      int            `json:"total"`
	Unread     int            `json:"unread"`
	ByType     map[string]int `json:"by_type,omitempty"`
	ByPriority map[string]int `json:"by_priority,omitempty"`
}

// MarkRead returns list with the entry id flagged read.
func MarkRead(list []Notification, id string) []Notification {
	out := make([]Notification, len(list))
	copy(out, list)
	for i := range out {
		if out[i].ID == id {
			out[i].Read = true
		}
	}
	return out
}

// MarkAllRead returns list with every entry flagged read.
func MarkAllRead(list []Notification) []Notification {
	out := make([]Notification, len(list))
	for i, n := range list {
		n.Read = true
		out[i] = n
	}
	return out
}

// RemoveNotification returns list without the entry id.
func RemoveNotification(list []Notification, id string) []Notification {
	out := make([]Notification, 0, len(list))
	for _, n := range list {
		if n.ID != id {
			out = append(out, n)
		}
	}
	return out
}

// UpsertNotification prepends n or replaces an existing entry with the same id.
func UpsertNotification(list []Notification, n Notification) []Notification {
	out := make([]Notification, 0, len(list)+1)
	out = append(out, n)
	for _, existing := range list {
		if existing.ID != n.ID {
			out = append(out, existing)
		}
	}
	return out
}

// CountUnread returns the number of unread entries.
func CountUnread(list []Notification) int {
	n := 0
	for _, item := range list {
		if !item.Read {
			n++
		}
	}
	return n
}
