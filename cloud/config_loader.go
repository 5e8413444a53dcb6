package cloud

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/kwv/cpdmesh/cpd"
)

// LoadConfig loads the tool configuration from a YAML file and validates it.
// Fields missing from the file keep their DefaultConfig values, and the
// MQTT_* environment variables override the mqtt block.
func LoadConfig(path string) (*Config, error) {
	config, err := ReadConfig(path)
	if err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// ReadConfig is LoadConfig without validation, for callers that still
// apply overrides before validating.
func ReadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	config.ApplyEnv()
	return config, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(path string, config *Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshaling config YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// ApplyEnv overrides MQTT settings from MQTT_BROKER, MQTT_CLIENT_ID,
// MQTT_USERNAME, MQTT_PASSWORD and MQTT_PUBLISH_PREFIX when they are set.
func (c *Config) ApplyEnv() {
	for env, field := range map[string]*string{
		"MQTT_BROKER":         &c.MQTT.Broker,
		"MQTT_CLIENT_ID":      &c.MQTT.ClientID,
		"MQTT_USERNAME":       &c.MQTT.Username,
		"MQTT_PASSWORD":       &c.MQTT.Password,
		"MQTT_PUBLISH_PREFIX": &c.MQTT.PublishPrefix,
	} {
		if v := os.Getenv(env); v != "" {
			*field = v
		}
	}
}

// Validate checks the registration block and the transform selection.
func (c *Config) Validate() error {
	if err := c.Registration.Validate(); err != nil {
		return fmt.Errorf("registration: %w", err)
	}
	if _, err := cpd.NewComparer(c.Registration.Comparer); err != nil {
		return fmt.Errorf("registration.comparer: %w", err)
	}
	if _, err := cpd.ParseKind(c.Transform.Kind); err != nil {
		return fmt.Errorf("transform.kind: %w", err)
	}
	if c.Transform.Beta < 0 || c.Transform.Lambda < 0 {
		return fmt.Errorf("transform: %w: beta and lambda must be positive", cpd.ErrInvalidConfig)
	}
	if c.Output.Resolution < 0 {
		return fmt.Errorf("output.resolution must be positive, got %g", c.Output.Resolution)
	}
	return nil
}
