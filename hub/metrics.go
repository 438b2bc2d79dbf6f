// Copyright 2022 The watchhub Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package hub

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "watchhub"

// hubMetrics Prometheus instruments of one hub
type hubMetrics struct {
	clients               prometheus.Gauge
	channels              prometheus.Gauge
	rejectedClients       prometheus.Counter
	eventsDelivered       prometheus.Counter
	slowConsumerEvictions prometheus.Counter
	upstreamConnects      prometheus.Counter
	fatalClosures         prometheus.Counter
}

// newHubMetrics define the hub instruments and register them
func newHubMetrics(registry prometheus.Registerer) (*hubMetrics, error) {
	m := &hubMetrics{
		clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "clients",
			Help:      "Number of registered client delivery streams",
		}),
		channels: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "channels",
			Help:      "Number of active channels, each with one upstream watch",
		}),
		rejectedClients: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "client_rejections_total",
			Help:      "Client registrations rejected by the connection caps",
		}),
		eventsDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "events_delivered_total",
			Help:      "Events queued for client delivery streams",
		}),
		slowConsumerEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "slow_consumer_evictions_total",
			Help:      "Clients removed because their delivery queue was full",
		}),
		upstreamConnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "upstream_connect_attempts_total",
			Help:      "Upstream watch connection attempts",
		}),
		fatalClosures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "upstream_fatal_closures_total",
			Help:      "Channels closed by a fatal upstream failure",
		}),
	}
	if registry == nil {
		return m, nil
	}
	for _, collector := range []prometheus.Collector{
		m.clients,
		m.channels,
		m.rejectedClients,
		m.eventsDelivered,
		m.slowConsumerEvictions,
		m.upstreamConnects,
		m.fatalClosures,
	} {
		if err := registry.Register(collector); err != nil {
			return nil, err
		}
	}
	return m, nil
}
