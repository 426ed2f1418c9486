package emit

import "github.com/rs/zerolog"

// LogEmitter implements Emitter by writing structured log lines.
//
// Example output:
//
//	{"level":"debug","instance":"wi-001","workflow":"order-flow",
//	 "position":"/do/0/validate","event":"task_started"}
//
// Events with an "error" meta key log at warn level, everything else
// at debug.
type LogEmitter struct {
	log zerolog.Logger
}

// NewLogEmitter creates an emitter writing through the given logger.
func NewLogEmitter(log zerolog.Logger) *LogEmitter {
	return &LogEmitter{log: log}
}

// Emit writes the event as one log line.
func (l *LogEmitter) Emit(event Event) {
	ev := l.log.Debug()
	if _, failed := event.Meta["error"]; failed {
		ev = l.log.Warn()
	}
	ev = ev.
		Str("instance", event.InstanceID).
		Str("workflow", event.Workflow).
		Str("position", event.Position).
		Str("event", event.Msg)
	for k, v := range event.Meta {
		ev = ev.Interface(k, v)
	}
	ev.Send()
}
