package metrics

import (
	"sync"
	"time"

	"tradeflow/logger"
)

// Metric represents a structured metric event emitted within the application.
type Metric struct {
	Timestamp time.Time
	Component string
	Name      string
	Value     interface{}
	Type      string
	Fields    logger.Fields
}

// Handler consumes structured metric events for downstream processing.
type Handler func(Metric)

// HandlerID uniquely identifies a registered metric handler.
type HandlerID uint64

var (
	handlersMu    sync.RWMutex
	handlers      = make(map[HandlerID]Handler)
	nextHandlerID HandlerID
)

// RegisterHandler registers a handler that will receive every emitted metric.
// A zero identifier is returned when the provided handler is nil.
func RegisterHandler(handler Handler) HandlerID {
	if handler == nil {
		return 0
	}

	handlersMu.Lock()
	defer handlersMu.Unlock()

	nextHandlerID++
	id := nextHandlerID
	handlers[id] = handler
	return id
}

// UnregisterHandler removes the handler associated with the given identifier.
func UnregisterHandler(id HandlerID) {
	if id == 0 {
		return
	}

	handlersMu.Lock()
	delete(handlers, id)
	handlersMu.Unlock()
}

func cloneFields(fields logger.Fields) logger.Fields {
	out := make(logger.Fields, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}

// Emit logs a metric at debug level and dispatches it to every registered
// handler. The caller's fields map is never mutated. Metrics with an empty
// name are ignored; an empty type defaults to "counter".
func Emit(log *logger.Log, component, name string, value interface{}, metricType string, fields logger.Fields) {
	if name == "" {
		return
	}
	if metricType == "" {
		metricType = "counter"
	}
	if log == nil {
		log = logger.GetLogger()
	}

	userFields := cloneFields(fields)

	logFields := make(logger.Fields, len(userFields)+3)
	for k, v := range userFields {
		logFields[k] = v
	}
	logFields["metric"] = name
	logFields["metric_type"] = metricType
	logFields["value"] = value
	log.WithComponent(component).WithFields(logFields).Debug("metric")

	metric := Metric{
		Timestamp: time.Now().UTC(),
		Component: component,
		Name:      name,
		Value:     value,
		Type:      metricType,
		Fields:    userFields,
	}

	handlersMu.RLock()
	snapshot := make([]Handler, 0, len(handlers))
	for _, h := range handlers {
		snapshot = append(snapshot, h)
	}
	handlersMu.RUnlock()

	for _, h := range snapshot {
		h(metric)
	}
}
