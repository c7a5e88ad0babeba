package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"indexflow/logger"
)

// Metric is one component measurement passed to EmitMetric.
type Metric struct {
	Timestamp time.Time
	Component string
	Name      string
	Value     interface{}
	Type      string
	Fields    logger.Fields
}

var (
	componentCounters *prometheus.CounterVec
	componentGauges   *prometheus.GaugeVec
)

func newComponentCollectors() []prometheus.Collector {
	componentCounters = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "indexflow_component_events_total",
			Help: "Counters reported by components through EmitMetric",
		},
		[]string{"component", "metric"},
	)
	componentGauges = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "indexflow_component_value",
			Help: "Latest gauge value reported by components through EmitMetric",
		},
		[]string{"component", "metric"},
	)
	return []prometheus.Collector{componentCounters, componentGauges}
}

// recordMetric logs the event at debug level and mirrors numeric values into
// the component collectors. Events without a name are ignored.
func recordMetric(log *logger.Log, component, name string, value interface{}, metricType string, fields logger.Fields) (Metric, bool) {
	if name == "" {
		return Metric{}, false
	}
	if metricType == "" {
		metricType = "counter"
	}
	if log == nil {
		log = logger.GetLogger()
	}

	metric := Metric{
		Timestamp: timeNow(),
		Component: component,
		Name:      name,
		Value:     value,
		Type:      metricType,
		Fields:    cloneFields(fields),
	}

	logFields := cloneFields(metric.Fields)
	logFields["metric"] = name
	logFields["metric_type"] = metricType
	logFields["value"] = value
	log.WithComponent(component).WithFields(logFields).Debug("metric")

	observe(metric)
	return metric, true
}

func observe(m Metric) {
	v, ok := toFloat64(m.Value)
	if !ok {
		return
	}
	Init()
	switch m.Type {
	case "gauge":
		componentGauges.WithLabelValues(m.Component, m.Name).Set(v)
	default:
		if v >= 0 {
			componentCounters.WithLabelValues(m.Component, m.Name).Add(v)
		}
	}
}

func cloneFields(fields logger.Fields) logger.Fields {
	copied := make(logger.Fields, len(fields)+3)
	for k, v := range fields {
		copied[k] = v
	}
	return copied
}
