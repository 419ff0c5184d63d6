// Package config loads the controller configuration file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/visionpick/internal/conveyor"
	"github.com/banshee-data/visionpick/internal/geometry"
	"github.com/banshee-data/visionpick/internal/mqttctl"
	"github.com/banshee-data/visionpick/internal/occlusion"
	"github.com/banshee-data/visionpick/internal/roi"
	"github.com/banshee-data/visionpick/internal/scene"
	"github.com/banshee-data/visionpick/internal/serialmux"
	"github.com/banshee-data/visionpick/internal/target"
	"github.com/banshee-data/visionpick/internal/transport"
)

// DefaultConfigPath is the path to the canonical defaults file.
const DefaultConfigPath = "config/visionpick.defaults.json"

// RelayConfig selects the serial relay board driving the conveyor lines.
type RelayConfig struct {
	Enable bool   `json:"enable"`
	Port   string `json:"port"`
	serialmux.PortOptions
}

// MQTTConfig enables the MQTT command plane. Empty fields keep the mqttctl
// defaults.
type MQTTConfig struct {
	Enable        bool   `json:"enable"`
	Broker        string `json:"broker,omitempty"` // e.g. tcp://localhost:1883
	ClientID      string `json:"client_id,omitempty"`
	CommandTopic  string `json:"command_topic,omitempty"`
	ResponseTopic string `json:"response_topic,omitempty"`
	QoS           *int   `json:"qos,omitempty"`
}

// Config is the root controller configuration. Every scalar is optional;
// the Get* accessors supply the defaults.
type Config struct {
	// Listeners
	ListenAddress *string `json:"listen_address,omitempty"` // robot TCP, e.g. ":8888"
	HTTPAddress   *string `json:"http_address,omitempty"`
	HealthAddress *string `json:"health_address,omitempty"` // gRPC health

	DBPath          *string `json:"db_path,omitempty"`
	CalibrationPath *string `json:"calibration_path,omitempty"`
	LogLevel        *string `json:"log_level,omitempty"` // ops, diag or trace

	// Geometry and arbitration
	ZFloor         *float64 `json:"z_floor,omitempty"`
	DepthThreshold *float64 `json:"depth_threshold,omitempty"` // unset disables the depth bias
	DepthRadius    *int     `json:"depth_radius,omitempty"`
	PickClass      *int     `json:"pick_class,omitempty"`
	MinArea        *float64 `json:"min_area,omitempty"`
	ClipMaskToZone *bool    `json:"clip_mask_to_zone,omitempty"`

	// Catch requests
	DebounceInterval     *string `json:"debounce_interval,omitempty"` // duration string like "300ms"
	OcclusionTriggerGap  *string `json:"occlusion_trigger_gap,omitempty"`
	OcclusionIgnoreCount *int    `json:"occlusion_ignore_count,omitempty"`
	OcclusionMeasureGap  *bool   `json:"occlusion_measure_gap,omitempty"` // measure the gap when tcp_interval_ms is absent

	// Conveyor loop
	LoopInterval   *string `json:"loop_interval,omitempty"`
	StabilityWait  *string `json:"stability_wait,omitempty"`
	FailureBackoff *string `json:"failure_backoff,omitempty"`
	JoinTimeout    *string `json:"join_timeout,omitempty"`

	// Transport
	IdleTimeout *string `json:"idle_timeout,omitempty"`
	MaxClients  *int    `json:"max_clients,omitempty"`

	DefaultGPIOLine *int         `json:"default_gpio_line,omitempty"`
	Relay           *RelayConfig `json:"relay,omitempty"`
	MQTT            *MQTTConfig  `json:"mqtt,omitempty"`
	Zones           []roi.Zone   `json:"zones"`
}

// EmptyConfig returns a Config with every field unset.
func EmptyConfig() *Config {
	return &Config{}
}

// LoadConfig loads a Config from a JSON file. The file must have a .json
// extension and be under 1MB. Omitted fields keep their defaults.
func LoadConfig(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath from the current directory or
// one of its parents. Panics if the file cannot be loaded; intended for tests.
func MustLoadDefaultConfig() *Config {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath, // from internal/config/
		"../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are usable.
func (c *Config) Validate() error {
	durations := map[string]*string{
		"debounce_interval":     c.DebounceInterval,
		"occlusion_trigger_gap": c.OcclusionTriggerGap,
		"loop_interval":         c.LoopInterval,
		"stability_wait":        c.StabilityWait,
		"failure_backoff":       c.FailureBackoff,
		"join_timeout":          c.JoinTimeout,
		"idle_timeout":          c.IdleTimeout,
	}
	for name, v := range durations {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must be non-negative, got %s", name, *v)
		}
	}

	if c.OcclusionIgnoreCount != nil && *c.OcclusionIgnoreCount < 0 {
		return fmt.Errorf("occlusion_ignore_count must be non-negative, got %d", *c.OcclusionIgnoreCount)
	}
	if c.DepthRadius != nil && *c.DepthRadius < 0 {
		return fmt.Errorf("depth_radius must be non-negative, got %d", *c.DepthRadius)
	}
	if c.MinArea != nil && *c.MinArea < 0 {
		return fmt.Errorf("min_area must be non-negative, got %f", *c.MinArea)
	}
	if c.MaxClients != nil && *c.MaxClients < 1 {
		return fmt.Errorf("max_clients must be at least 1, got %d", *c.MaxClients)
	}
	if c.MQTT != nil && c.MQTT.QoS != nil && (*c.MQTT.QoS < 0 || *c.MQTT.QoS > 2) {
		return fmt.Errorf("mqtt qos must be 0, 1 or 2, got %d", *c.MQTT.QoS)
	}

	if len(c.Zones) == 0 {
		return fmt.Errorf("at least one zone is required")
	}
	seen := make(map[string]bool, len(c.Zones))
	for i := range c.Zones {
		if err := c.Zones[i].Validate(); err != nil {
			return err
		}
		if seen[c.Zones[i].ID] {
			return fmt.Errorf("duplicate zone id %q", c.Zones[i].ID)
		}
		seen[c.Zones[i].ID] = true
	}

	if c.Relay != nil && c.Relay.Enable {
		if c.Relay.Port == "" {
			return fmt.Errorf("relay.port is required when the relay board is enabled")
		}
		if _, err := c.Relay.PortOptions.Normalize(); err != nil {
			return fmt.Errorf("relay: %w", err)
		}
	}
	return nil
}

func durationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}

func stringOr(v *string, def string) string {
	if v == nil || *v == "" {
		return def
	}
	return *v
}

// GetListenAddress returns the robot TCP listen address.
func (c *Config) GetListenAddress() string { return stringOr(c.ListenAddress, ":8888") }

// GetHTTPAddress returns the admin HTTP listen address.
func (c *Config) GetHTTPAddress() string { return stringOr(c.HTTPAddress, ":8080") }

// GetHealthAddress returns the gRPC health listen address.
func (c *Config) GetHealthAddress() string { return stringOr(c.HealthAddress, ":50051") }

// GetDBPath returns the journal database path.
func (c *Config) GetDBPath() string { return stringOr(c.DBPath, "visionpick.db") }

// GetCalibrationPath returns the calibration file path, or "" if unset.
func (c *Config) GetCalibrationPath() string { return stringOr(c.CalibrationPath, "") }

// GetLogLevel returns the log level.
func (c *Config) GetLogLevel() string { return stringOr(c.LogLevel, "diag") }

// GetZFloor returns the robot z floor.
func (c *Config) GetZFloor() float64 {
	if c.ZFloor == nil {
		return geometry.DefaultZFloor
	}
	return *c.ZFloor
}

// GetDepthThreshold returns the depth bias threshold, or target.NoDepthBias
// when unset.
func (c *Config) GetDepthThreshold() float64 {
	if c.DepthThreshold == nil {
		return target.NoDepthBias
	}
	return *c.DepthThreshold
}

// GetDepthRadius returns the depth sampling radius.
func (c *Config) GetDepthRadius() int {
	if c.DepthRadius == nil {
		return geometry.DefaultDepthRadius
	}
	return *c.DepthRadius
}

// GetPickClass returns the detector class id of pickable parts.
func (c *Config) GetPickClass() int {
	if c.PickClass == nil {
		return 0
	}
	return *c.PickClass
}

// GetMinArea returns the global area floor in pixels.
func (c *Config) GetMinArea() float64 {
	if c.MinArea == nil {
		return 2500
	}
	return *c.MinArea
}

// GetClipMaskToZone returns the clip_mask_to_zone value or the default.
func (c *Config) GetClipMaskToZone() bool {
	if c.ClipMaskToZone == nil {
		return false
	}
	return *c.ClipMaskToZone
}

// GetDebounceInterval returns the per-channel debounce; 0 disables it.
func (c *Config) GetDebounceInterval() time.Duration { return durationOr(c.DebounceInterval, 0) }

// GetOcclusionTriggerGap returns the request gap that arms suppression.
func (c *Config) GetOcclusionTriggerGap() time.Duration {
	return durationOr(c.OcclusionTriggerGap, 700*time.Millisecond)
}

// GetOcclusionIgnoreCount returns the number of suppressed replies per
// trigger; 0 disables suppression.
func (c *Config) GetOcclusionIgnoreCount() int {
	if c.OcclusionIgnoreCount == nil {
		return 3
	}
	return *c.OcclusionIgnoreCount
}

// GetOcclusionMeasureGap reports whether a catch without tcp_interval_ms
// uses the measured gap. Off by default: such a request never arms
// suppression.
func (c *Config) GetOcclusionMeasureGap() bool {
	if c.OcclusionMeasureGap == nil {
		return false
	}
	return *c.OcclusionMeasureGap
}

// GetDefaultGPIOLine returns the line every zone binds to when none has a
// binding of its own.
func (c *Config) GetDefaultGPIOLine() (int, bool) {
	if c.DefaultGPIOLine == nil {
		return 0, false
	}
	return *c.DefaultGPIOLine, true
}

// ZoneList returns the configured zones with the default line applied.
func (c *Config) ZoneList() []roi.Zone {
	if line, ok := c.GetDefaultGPIOLine(); ok {
		return roi.BindDefaultLine(c.Zones, line)
	}
	out := make([]roi.Zone, len(c.Zones))
	copy(out, c.Zones)
	return out
}

// SceneOptions builds the analyzer options.
func (c *Config) SceneOptions() scene.Options {
	return scene.Options{
		Target: target.Options{
			PickClass:      c.GetPickClass(),
			MinArea:        c.GetMinArea(),
			ClipMaskToZone: c.GetClipMaskToZone(),
		},
		DepthThreshold: c.GetDepthThreshold(),
		DepthRadius:    c.GetDepthRadius(),
	}
}

// OcclusionConfig builds the catch guard thresholds.
func (c *Config) OcclusionConfig() occlusion.Config {
	return occlusion.Config{
		DebounceInterval: c.GetDebounceInterval(),
		TriggerGap:       c.GetOcclusionTriggerGap(),
		IgnoreCount:      c.GetOcclusionIgnoreCount(),
		MeasureGap:       c.GetOcclusionMeasureGap(),
	}
}

// ConveyorConfig builds the loop timings.
func (c *Config) ConveyorConfig() conveyor.Config {
	d := conveyor.DefaultConfig()
	return conveyor.Config{
		Interval:       durationOr(c.LoopInterval, d.Interval),
		StabilityWait:  durationOr(c.StabilityWait, d.StabilityWait),
		FailureBackoff: durationOr(c.FailureBackoff, d.FailureBackoff),
		JoinTimeout:    durationOr(c.JoinTimeout, d.JoinTimeout),
		QuietTicks:     d.QuietTicks,
	}
}

// MQTTCommandConfig builds the MQTT command plane settings. ok is false when
// the plane is disabled.
func (c *Config) MQTTCommandConfig() (cfg mqttctl.Config, ok bool) {
	if c.MQTT == nil || !c.MQTT.Enable {
		return mqttctl.Config{}, false
	}
	cfg = mqttctl.DefaultConfig()
	if c.MQTT.Broker != "" {
		cfg.Broker = c.MQTT.Broker
	}
	if c.MQTT.ClientID != "" {
		cfg.ClientID = c.MQTT.ClientID
	}
	if c.MQTT.CommandTopic != "" {
		cfg.CommandTopic = c.MQTT.CommandTopic
	}
	if c.MQTT.ResponseTopic != "" {
		cfg.ResponseTopic = c.MQTT.ResponseTopic
	}
	if c.MQTT.QoS != nil {
		cfg.QoS = byte(*c.MQTT.QoS)
	}
	return cfg, true
}

// TransportConfig builds the robot TCP server config.
func (c *Config) TransportConfig() transport.Config {
	cfg := transport.Config{
		Address:     c.GetListenAddress(),
		IdleTimeout: durationOr(c.IdleTimeout, 300*time.Second),
	}
	if c.MaxClients != nil {
		cfg.MaxClients = *c.MaxClients
	}
	return cfg
}
