// Copyright 2025-2026 The biosync Authors
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

import "github.com/spf13/viper"

// ===============================================================================
// Attendance Terminal Related Config

// DeviceConfig defines parameters for reaching the attendance terminal
type DeviceConfig struct {
	// Address is the terminal's network address
	Address string `mapstructure:"address" json:"address" validate:"required"`
	// Port is the terminal's listening port
	Port uint16 `mapstructure:"port" json:"port" validate:"required,gt=0"`
	// SendTimeout is the max duration for one outbound operation in seconds
	SendTimeout int `mapstructure:"send_timeout_sec" json:"send_timeout_sec" validate:"gte=1"`
	// RecvTimeout is the max duration for one inbound operation in seconds
	RecvTimeout int `mapstructure:"recv_timeout_sec" json:"recv_timeout_sec" validate:"gte=1"`
}

// ReconcileConfig defines parameters for the device reconciliation loop
type ReconcileConfig struct {
	// PollInterval is the duration between reconciliation ticks in seconds
	PollInterval int `mapstructure:"poll_interval_sec" json:"poll_interval_sec" validate:"gte=1"`
	// FilterPolicy selects the attendance log windowing policy
	FilterPolicy string `mapstructure:"filter_policy" json:"filter_policy" validate:"required,oneof=calendar_year none"`
}

// ===============================================================================
// NATS Related Config

// NATSReconnectConfig defines reconnect parameters
type NATSReconnectConfig struct {
	// MaxAttempts sets the max number of reconnect attempts (-1 is unlimited)
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=-1"`
	// WaitInterval is the duration between reconnect attempts in seconds
	WaitInterval int `mapstructure:"wait_interval_sec" json:"wait_interval_sec" validate:"gte=1"`
}

// NATSConfig defines parameters for connecting to NATS server
type NATSConfig struct {
	// ServerURI is the NATS connection URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required,uri"`
	// Username is an optional NATS user name
	Username string `mapstructure:"username" json:"username"`
	// Password is an optional NATS password
	Password string `mapstructure:"password" json:"password"`
	// Channel is the subject attendance events are published on
	Channel string `mapstructure:"channel" json:"channel" validate:"required"`
	// ConnectTimeout is the max duration for connecting to NATS server in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// Reconnect defines reconnect parameters
	Reconnect NATSReconnectConfig `mapstructure:"reconnect" json:"reconnect" validate:"required,dive"`
}

// ===============================================================================
// HTTP Related Config

// HTTPServerConfig defines the HTTP server parameters
type HTTPServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0"`
	// ReadTimeout is the maximum duration for reading the entire
	// request, including the body in seconds. A zero or negative
	// value means there will be no timeout.
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	// WriteTimeout is the maximum duration before timing out
	// writes of the response in seconds. A zero or negative value
	// means there will be no timeout.
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
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

// ===============================================================================
// Bridge Server Related Config

// BridgeEndpointConfig defines bridge API endpoint config
type BridgeEndpointConfig struct {
	// PathPrefix is the end-point path prefix for the bridge APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
}

// BridgeServerConfig defines configuration for the bridge API server
type BridgeServerConfig struct {
	// HTTPSetting is the HTTP API / server parameters for the bridge API server
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required,dive"`
	// Endpoints is the API endpoint config parameters for the bridge API server
	Endpoints BridgeEndpointConfig `mapstructure:"endpoint_config" json:"endpoint_config" validate:"required,dive"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config for the bridge process
type SystemConfig struct {
	// Device are the attendance terminal connection parameters
	Device DeviceConfig `mapstructure:"device" json:"device" validate:"required,dive"`
	// Reconcile are the reconciliation loop parameters
	Reconcile ReconcileConfig `mapstructure:"reconcile" json:"reconcile" validate:"required,dive"`
	// NATS are the NATS related config parameters
	NATS NATSConfig `mapstructure:"nats" json:"nats" validate:"required,dive"`
	// Bridge are the bridge API server configs
	Bridge BridgeServerConfig `mapstructure:"bridge" json:"bridge" validate:"required,dive"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default terminal settings
	viper.SetDefault("device.address", "127.0.0.1")
	viper.SetDefault("device.port", 4370)
	viper.SetDefault("device.send_timeout_sec", 10)
	viper.SetDefault("device.recv_timeout_sec", 10)

	// Default reconciliation settings
	viper.SetDefault("reconcile.poll_interval_sec", 60)
	viper.SetDefault("reconcile.filter_policy", "calendar_year")

	// Default NATS settings
	viper.SetDefault("nats.server_uri", "nats://127.0.0.1:4222")
	viper.SetDefault("nats.channel", "attendance")
	viper.SetDefault("nats.connect_timeout_sec", 30)
	viper.SetDefault("nats.reconnect.max_attempts", -1)
	viper.SetDefault("nats.reconnect.wait_interval_sec", 15)

	// Default Bridge server settings
	viper.SetDefault("bridge.endpoint_config.path_prefix", "/")
	viper.SetDefault("bridge.api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("bridge.api_server.server_config.listen_port", 3000)
	viper.SetDefault("bridge.api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("bridge.api_server.server_config.write_timeout_sec", 60)
	viper.SetDefault("bridge.api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault(
		"bridge.api_server.logging_config.request_id_header", "Biosync-Request-ID",
	)
	viper.SetDefault(
		"bridge.api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)
}
