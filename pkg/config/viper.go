// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at SkySAR Labs (https://www.skysar.io/).
// Copyright 2024-present SkySAR Labs.

package config

import (
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
)

// Config represents an object that can load and store configuration
// parameters coming from the yaml config file, the environment and
// runtime overrides.
type Config interface {
	Set(key string, value interface{})
	SetDefault(key string, value interface{})
	SetConfigFile(in string)
	SetConfigName(in string)
	AddConfigPath(in string)
	ConfigFileUsed() string
	ReadInConfig() error

	Get(key string) interface{}
	GetString(key string) string
	GetBool(key string) bool
	GetInt(key string) int
	GetInt64(key string) int64
	GetFloat64(key string) float64
	GetDuration(key string) time.Duration
	GetStringSlice(key string) []string
	GetStringMap(key string) map[string]interface{}
	IsSet(key string) bool
	AllSettings() map[string]interface{}
	UnmarshalKey(key string, rawVal interface{}) error

	BindEnv(key string)
	BindEnvAndSetDefault(key string, val interface{})
}

// safeConfig wraps viper with a safety lock.
type safeConfig struct {
	*viper.Viper
	sync.RWMutex
	envPrefix string
}

// Set wraps viper for concurrent access.
func (c *safeConfig) Set(key string, value interface{}) {
	c.Lock()
	defer c.Unlock()
	c.Viper.Set(key, value)
}

// SetDefault wraps viper for concurrent access.
func (c *safeConfig) SetDefault(key string, value interface{}) {
	c.Lock()
	defer c.Unlock()
	c.Viper.SetDefault(key, value)
}

// SetConfigFile wraps viper for concurrent access.
func (c *safeConfig) SetConfigFile(in string) {
	c.Lock()
	defer c.Unlock()
	c.Viper.SetConfigFile(in)
}

// SetConfigName wraps viper for concurrent access.
func (c *safeConfig) SetConfigName(in string) {
	c.Lock()
	defer c.Unlock()
	c.Viper.SetConfigName(in)
}

// AddConfigPath wraps viper for concurrent access.
func (c *safeConfig) AddConfigPath(in string) {
	c.Lock()
	defer c.Unlock()
	c.Viper.AddConfigPath(in)
}

// ConfigFileUsed wraps viper for concurrent access.
func (c *safeConfig) ConfigFileUsed() string {
	c.RLock()
	defer c.RUnlock()
	return c.Viper.ConfigFileUsed()
}

// ReadInConfig wraps viper for concurrent access.
func (c *safeConfig) ReadInConfig() error {
	c.Lock()
	defer c.Unlock()
	return c.Viper.ReadInConfig()
}

// Get wraps viper for concurrent access.
func (c *safeConfig) Get(key string) interface{} {
	c.RLock()
	defer c.RUnlock()
	return c.Viper.Get(key)
}

// GetString wraps viper for concurrent access.
func (c *safeConfig) GetString(key string) string {
	c.RLock()
	defer c.RUnlock()
	return c.Viper.GetString(key)
}

// GetBool wraps viper for concurrent access.
func (c *safeConfig) GetBool(key string) bool {
	c.RLock()
	defer c.RUnlock()
	return c.Viper.GetBool(key)
}

// GetInt wraps viper for concurrent access.
func (c *safeConfig) GetInt(key string) int {
	c.RLock()
	defer c.RUnlock()
	return c.Viper.GetInt(key)
}

// GetInt64 wraps viper for concurrent access.
func (c *safeConfig) GetInt64(key string) int64 {
	c.RLock()
	defer c.RUnlock()
	return c.Viper.GetInt64(key)
}

// GetFloat64 wraps viper for concurrent access.
func (c *safeConfig) GetFloat64(key string) float64 {
	c.RLock()
	defer c.RUnlock()
	return c.Viper.GetFloat64(key)
}

// GetDuration wraps viper for concurrent access.
func (c *safeConfig) GetDuration(key string) time.Duration {
	c.RLock()
	defer c.RUnlock()
	return c.Viper.GetDuration(key)
}

// GetStringSlice wraps viper for concurrent access.
func (c *safeConfig) GetStringSlice(key string) []string {
	c.RLock()
	defer c.RUnlock()
	return c.Viper.GetStringSlice(key)
}

// GetStringMap wraps viper for concurrent access.
func (c *safeConfig) GetStringMap(key string) map[string]interface{} {
	c.RLock()
	defer c.RUnlock()
	return c.Viper.GetStringMap(key)
}

// IsSet wraps viper for concurrent access.
func (c *safeConfig) IsSet(key string) bool {
	c.RLock()
	defer c.RUnlock()
	return c.Viper.IsSet(key)
}

// AllSettings wraps viper for concurrent access.
func (c *safeConfig) AllSettings() map[string]interface{} {
	c.RLock()
	defer c.RUnlock()
	return c.Viper.AllSettings()
}

// UnmarshalKey wraps viper for concurrent access.
func (c *safeConfig) UnmarshalKey(key string, rawVal interface{}) error {
	c.RLock()
	defer c.RUnlock()
	return c.Viper.UnmarshalKey(key, rawVal)
}

// BindEnv wraps viper for concurrent access.
func (c *safeConfig) BindEnv(key string) {
	c.Lock()
	defer c.Unlock()
	c.Viper.BindEnv(key) //nolint:errcheck
}

// BindEnvAndSetDefault sets a default value for a config parameter and
// adds an env binding in one call.
func (c *safeConfig) BindEnvAndSetDefault(key string, val interface{}) {
	c.Lock()
	defer c.Unlock()
	c.Viper.SetDefault(key, val)
	c.Viper.BindEnv(key) //nolint:errcheck
}

// NewConfig returns a new Config object.
func NewConfig(name string, envPrefix string, envKeyReplacer *strings.Replacer) Config {
	config := safeConfig{
		Viper:     viper.New(),
		envPrefix: envPrefix,
	}
	config.SetConfigName(name)
	config.SetEnvPrefix(envPrefix)
	config.SetEnvKeyReplacer(envKeyReplacer)
	config.SetTypeByDefaultValue(true)
	config.AutomaticEnv()
	return &config
}
