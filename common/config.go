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

package common

import (
	"time"

	"github.com/spf13/viper"
)

// ===============================================================================
// Upstream related configuration

// KubeAPIConfig connection parameters for a Kubernetes-style upstream watch API
type KubeAPIConfig struct {
	// BaseURL is the upstream API server URL
	BaseURL string `mapstructure:"base_url" json:"base_url" validate:"required,url"`
	// CAFile is an optional PEM bundle used to verify the upstream API server
	CAFile string `mapstructure:"ca_file" json:"ca_file,omitempty" validate:"omitempty,file"`
	// InsecureSkipVerify disables upstream server certificate verification
	InsecureSkipVerify bool `mapstructure:"insecure_skip_verify" json:"insecure_skip_verify"`
	// ConnectTimeout is the max duration for establishing the TCP / TLS connection
	// in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// ResponseTimeout is the max duration to wait for the upstream response headers
	// in seconds
	ResponseTimeout int `mapstructure:"response_timeout_sec" json:"response_timeout_sec" validate:"gte=1"`
	// WatchTimeout is the server side watch duration requested in seconds. The
	// upstream ends the watch after this period, and the hub resumes it. 0 means the
	// server default is used.
	WatchTimeout int `mapstructure:"watch_timeout_sec" json:"watch_timeout_sec" validate:"gte=0"`
}

// NATSReconnectConfig NATS reconnect parameters
type NATSReconnectConfig struct {
	// MaxAttempts sets the max number of reconnect attempts (-1 is unlimited)
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=-1"`
	// WaitInterval is the duration between reconnect attempts in seconds
	WaitInterval int `mapstructure:"wait_interval_sec" json:"wait_interval_sec" validate:"gte=1"`
}

// NATSConfig NATS connection parameters
type NATSConfig struct {
	// ServerURI is the NATS connection URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required,uri"`
	// ConnectTimeout is the max duration for connecting to NATS server in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// Reconnect defines reconnect parameters
	Reconnect NATSReconnectConfig `mapstructure:"reconnect" json:"reconnect" validate:"required,dive"`
}

// JetStreamSourceConfig parameters for sourcing resource change events from JetStream
type JetStreamSourceConfig struct {
	// NATS is the NATS connection parameters
	NATS NATSConfig `mapstructure:"nats" json:"nats" validate:"required,dive"`
	// SubjectPrefix is prepended to the subject derived from a resource descriptor
	SubjectPrefix string `mapstructure:"subject_prefix" json:"subject_prefix" validate:"required"`
	// StreamName is the JetStream stream capturing "<SubjectPrefix>.>"
	StreamName string `mapstructure:"stream_name" json:"stream_name" validate:"required"`
	// CreateStream whether to define the stream at start if it does not exist
	CreateStream bool `mapstructure:"create_stream" json:"create_stream"`
	// MaxAge is the retention period of a newly defined stream in seconds. This
	// bounds how far back a watch can resume.
	MaxAge int `mapstructure:"max_age_sec" json:"max_age_sec" validate:"gte=0"`
}

// UpstreamConfig upstream watch source parameters
type UpstreamConfig struct {
	// Driver selects the upstream watch source: [kube jetstream]
	Driver string `mapstructure:"driver" json:"driver" validate:"required,oneof=kube jetstream"`
	// Kube is the Kubernetes-style watch API parameters
	Kube *KubeAPIConfig `mapstructure:"kube,omitempty" json:"kube,omitempty" validate:"omitempty,dive"`
	// JetStream is the NATS JetStream source parameters
	JetStream *JetStreamSourceConfig `mapstructure:"jetstream,omitempty" json:"jetstream,omitempty" validate:"omitempty,dive"`
}

// ===============================================================================
// Hub related configuration

// ConnectionLimitConfig caps on the number of delivery streams
type ConnectionLimitConfig struct {
	// MaxClients is the process-wide max number of registered clients
	MaxClients int `mapstructure:"max_clients" json:"max_clients" validate:"gte=1"`
	// MaxClientsPerUser is the max number of registered clients one user can own
	MaxClientsPerUser int `mapstructure:"max_clients_per_user" json:"max_clients_per_user" validate:"gte=1"`
}

// DeliveryConfig per client delivery stream parameters
type DeliveryConfig struct {
	// QueueDepth is the number of events buffered per client before the client
	// is treated as hung
	QueueDepth int `mapstructure:"queue_depth" json:"queue_depth" validate:"gte=1"`
	// WriteTimeout is the max duration of writing one event to a stream in seconds
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=1"`
	// KeepAliveInterval is the interval between keep-alive comments in seconds
	KeepAliveInterval int `mapstructure:"keepalive_interval_sec" json:"keepalive_interval_sec" validate:"gte=1"`
}

// IdleReaperConfig idle client reaping parameters
type IdleReaperConfig struct {
	// IdleTimeout is the inactivity period after which a client is removed in
	// seconds. 0 disables the reaper.
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=0"`
	// CheckInterval is the interval between reaper sweeps in seconds
	CheckInterval int `mapstructure:"check_interval_sec" json:"check_interval_sec" validate:"gte=1"`
}

// BackoffConfig upstream reconnect backoff parameters
type BackoffConfig struct {
	// InitialInterval is the first reconnect delay in milliseconds
	InitialInterval int `mapstructure:"initial_interval_ms" json:"initial_interval_ms" validate:"gte=1"`
	// Multiplier is the growth factor applied to the delay after each failure
	Multiplier float64 `mapstructure:"multiplier" json:"multiplier" validate:"gte=1"`
	// MaxInterval is the reconnect delay cap in seconds
	MaxInterval int `mapstructure:"max_interval_sec" json:"max_interval_sec" validate:"gte=1"`
	// Jitter is the randomization factor applied to each delay [0, 1]
	Jitter float64 `mapstructure:"jitter" json:"jitter" validate:"gte=0,lte=1"`
	// MaxAttempts is the number of consecutive failed attempts before the channel
	// is closed. 0 means retry forever.
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=0"`
}

// InitialDelay return InitialInterval as a duration
func (c BackoffConfig) InitialDelay() time.Duration {
	return time.Millisecond * time.Duration(c.InitialInterval)
}

// MaxDelay return MaxInterval as a duration
func (c BackoffConfig) MaxDelay() time.Duration {
	return time.Second * time.Duration(c.MaxInterval)
}

// ResourceKindConfig a resource collection clients are permitted to watch
type ResourceKindConfig struct {
	// Group is the API group. Empty for the core group.
	Group string `mapstructure:"group" json:"group"`
	// Version is the API version
	Version string `mapstructure:"version" json:"version" validate:"required"`
	// Resource is the plural resource name
	Resource string `mapstructure:"resource" json:"resource" validate:"required"`
	// Namespaced is whether the resource lives within a namespace
	Namespaced bool `mapstructure:"namespaced" json:"namespaced"`
}

// HubConfig watch multiplexer parameters
type HubConfig struct {
	// Limits are the delivery stream caps
	Limits ConnectionLimitConfig `mapstructure:"limits" json:"limits" validate:"required,dive"`
	// Delivery are the per stream delivery parameters
	Delivery DeliveryConfig `mapstructure:"delivery" json:"delivery" validate:"required,dive"`
	// IdleReaper are the idle client reaping parameters
	IdleReaper IdleReaperConfig `mapstructure:"idle_reaper" json:"idle_reaper" validate:"required,dive"`
	// Backoff are the upstream reconnect parameters
	Backoff BackoffConfig `mapstructure:"backoff" json:"backoff" validate:"required,dive"`
	// Resources is the catalog of watchable resources. Empty means any
	// well-formed descriptor is accepted.
	Resources []ResourceKindConfig `mapstructure:"resources" json:"resources,omitempty" validate:"omitempty,dive"`
}

// ===============================================================================
// HTTP related configuration

// HTTPServerConfig defines the HTTP server parameters
type HTTPServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
	// ReadTimeout is the maximum duration for reading the entire
	// request, including the body in seconds. A zero or negative
	// value means there will be no timeout.
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled in seconds. If
	// IdleTimeout is zero, the value of ReadTimeout is used. If
	// both are zero, there is no timeout.
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=0"`
}

// HTTPRequestLogging defines HTTP request logging parameters
type HTTPRequestLogging struct {
	// RequestIDHeader is the HTTP header containing the API request ID
	RequestIDHeader string `mapstructure:"request_id_header" json:"request_id_header"`
	// DoNotLogHeaders is the list of headers to not include in logging metadata
	DoNotLogHeaders []string `mapstructure:"do_not_log_headers" json:"do_not_log_headers"`
}

// HTTPConfig defines HTTP API / server parameters
type HTTPConfig struct {
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required,dive"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required,dive"`
}

// SessionConfig defines how the authenticated session is read from a request
type SessionConfig struct {
	// UserIDHeader is the header an upstream auth proxy places the user ID in
	UserIDHeader string `mapstructure:"user_id_header" json:"user_id_header" validate:"required"`
	// TokenHeader is the header carrying the upstream bearer token. A "Bearer "
	// prefix is stripped.
	TokenHeader string `mapstructure:"token_header" json:"token_header" validate:"required"`
}

// CORSConfig browser cross-origin parameters
type CORSConfig struct {
	// AllowedOrigins is the list of origins allowed to call the hub
	AllowedOrigins []string `mapstructure:"allowed_origins" json:"allowed_origins"`
	// MaxAge is how long the preflight response can be cached in seconds
	MaxAge int `mapstructure:"max_age_sec" json:"max_age_sec" validate:"gte=0"`
}

// EnvironmentProduction the production deployment environment
const EnvironmentProduction = "production"

// APIServerConfig hub API server parameters
type APIServerConfig struct {
	// HTTPSetting is the HTTP API / server parameters
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required,dive"`
	// PathPrefix is the end-point path prefix for the hub APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
	// Environment is the deployment environment. The stats API is only served
	// outside of production.
	Environment string `mapstructure:"environment" json:"environment" validate:"required,oneof=development staging production"`
	// MetricsPath is where the Prometheus metrics are served. Empty disables it.
	MetricsPath string `mapstructure:"metrics_path" json:"metrics_path"`
	// Session defines how the session is read from a request
	Session SessionConfig `mapstructure:"session" json:"session" validate:"required,dive"`
	// CORS defines browser cross-origin parameters
	CORS CORSConfig `mapstructure:"cors" json:"cors" validate:"required,dive"`
}

// ===============================================================================
// Complete configuration

// SystemConfig defines hub config parameters
type SystemConfig struct {
	// Upstream are the upstream watch source parameters
	Upstream UpstreamConfig `mapstructure:"upstream" json:"upstream" validate:"required,dive"`
	// Hub are the watch multiplexer parameters
	Hub HubConfig `mapstructure:"hub" json:"hub" validate:"required,dive"`
	// API are the API server parameters
	API APIServerConfig `mapstructure:"api" json:"api" validate:"required,dive"`
}

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default upstream settings
	viper.SetDefault("upstream.driver", "kube")
	viper.SetDefault("upstream.kube.base_url", "https://127.0.0.1:6443")
	viper.SetDefault("upstream.kube.insecure_skip_verify", false)
	viper.SetDefault("upstream.kube.connect_timeout_sec", 10)
	viper.SetDefault("upstream.kube.response_timeout_sec", 30)
	viper.SetDefault("upstream.kube.watch_timeout_sec", 1800)
	viper.SetDefault("upstream.jetstream.subject_prefix", "resources")
	viper.SetDefault("upstream.jetstream.stream_name", "resource-events")
	viper.SetDefault("upstream.jetstream.create_stream", false)
	viper.SetDefault("upstream.jetstream.max_age_sec", 3600)
	viper.SetDefault("upstream.jetstream.nats.server_uri", "nats://127.0.0.1:4222")
	viper.SetDefault("upstream.jetstream.nats.connect_timeout_sec", 30)
	viper.SetDefault("upstream.jetstream.nats.reconnect.max_attempts", -1)
	viper.SetDefault("upstream.jetstream.nats.reconnect.wait_interval_sec", 15)

	// Default hub settings
	viper.SetDefault("hub.limits.max_clients", 4096)
	viper.SetDefault("hub.limits.max_clients_per_user", 32)
	viper.SetDefault("hub.delivery.queue_depth", 64)
	viper.SetDefault("hub.delivery.write_timeout_sec", 10)
	viper.SetDefault("hub.delivery.keepalive_interval_sec", 25)
	viper.SetDefault("hub.idle_reaper.idle_timeout_sec", 300)
	viper.SetDefault("hub.idle_reaper.check_interval_sec", 30)
	viper.SetDefault("hub.backoff.initial_interval_ms", 500)
	viper.SetDefault("hub.backoff.multiplier", 2.0)
	viper.SetDefault("hub.backoff.max_interval_sec", 30)
	viper.SetDefault("hub.backoff.jitter", 0.3)
	viper.SetDefault("hub.backoff.max_attempts", 0)

	// Default API server settings
	viper.SetDefault("api.path_prefix", "/")
	viper.SetDefault("api.environment", "production")
	viper.SetDefault("api.metrics_path", "/metrics")
	viper.SetDefault("api.session.user_id_header", "X-Forwarded-User")
	viper.SetDefault("api.session.token_header", "Authorization")
	viper.SetDefault("api.cors.allowed_origins", []string{})
	viper.SetDefault("api.cors.max_age_sec", 300)
	viper.SetDefault("api.api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("api.api_server.server_config.listen_port", 3000)
	viper.SetDefault("api.api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("api.api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault(
		"api.api_server.logging_config.request_id_header", "Watchhub-Request-ID",
	)
	viper.SetDefault(
		"api.api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)
}
