package mqtt

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	mqttConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "edgeshadow_mqtt_up",
			Help: "Connection with MQTT broker",
		},
	)
	mqttMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgeshadow_mqtt_messages_total",
			Help: "MQTT messages by direction",
		},
		[]string{"direction"},
	)
	shadowStatuses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgeshadow_shadow_status_total",
			Help: "Shadow responses by operation, kind and code",
		},
		[]string{"operation", "kind", "code"},
	)
)

func countStatus(op, kind string, code int) {
	shadowStatuses.WithLabelValues(op, kind, strconv.Itoa(code)).Inc()
}
