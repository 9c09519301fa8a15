package alert

import "bouncelink/internal/wire"

// Category is the semantic kind of an alert.
type Category string

const (
	CategoryTaskNew       Category = "task-new"
	CategoryTaskAssigned  Category = "task-assigned"
	CategoryTaskCompleted Category = "task-completed"
	CategoryNotification  Category = "notification"
)

var soundBase = map[Category]string{
	CategoryTaskNew:       "new_task",
	CategoryTaskAssigned:  "task_assigned",
	CategoryTaskCompleted: "task_completed",
	CategoryNotification:  "notification",
}

type level struct {
	vibration []int
	volume    float64
	fadeIn    bool
	repeat    int
}

var levels = map[wire.Priority]level{
	wire.PriorityLow:    {vibration: []int{200}, volume: 0.4},
	wire.PriorityMedium: {vibration: []int{200, 100, 200}, volume: 0.6},
	wire.PriorityHigh:   {vibration: []int{300, 100, 300, 100, 300}, volume: 0.8},
	wire.PriorityUrgent: {vibration: []int{500, 200, 500, 200, 500, 200, 500}, volume: 1.0, fadeIn: true, repeat: 2},
}

// CategoryFor maps an event type to its alert category. Event types that
// never alert report false.
func CategoryFor(eventType string) (Category, bool) {
	switch eventType {
	case wire.TaskNew:
		return CategoryTaskNew, true
	case wire.TaskAssigned:
		return CategoryTaskAssigned, true
	case wire.TaskCompleted:
		return CategoryTaskCompleted, true
	case wire.NotificationNew, wire.NotificationSystem, wire.NotificationPersonal:
		return CategoryNotification, true
	}
	return "", false
}

// RequestFor builds the playback request for a category and priority.
// Unknown priorities are treated as medium.
func RequestFor(c Category, p wire.Priority) AlertRequest {
	p = wire.ParsePriority(string(p))
	base, ok := soundBase[c]
	if !ok {
		base = soundBase[CategoryNotification]
	}
	lv := levels[p]
	return AlertRequest{
		SoundType:        base + "_" + string(p),
		VibrationPattern: append([]int(nil), lv.vibration...),
		Volume:           lv.volume,
		FadeIn:           lv.fadeIn,
		Repeat:           lv.repeat,
		Priority:         p,
	}
}
