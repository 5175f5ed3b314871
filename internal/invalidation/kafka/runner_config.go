package kafka

import (
	"time"

	"github.com/mohammed-shakir/grid-content-cache/internal/core/config"
)

type Driver string

const (
	DriverNone  Driver = "none"
	DriverKafka Driver = "kafka"
)

type Config struct {
	Enabled bool
	Driver  Driver

	Brokers []string
	Topic   string
	GroupID string

	SessionTimeout   time.Duration
	Heartbeat        time.Duration
	RebalanceTimeout time.Duration
	InitialOldest    bool
}

// FromConfig fills consumer-group timings around the resolved process config.
func FromConfig(c config.InvalidationCfg) Config {
	d := Driver(c.Driver)
	if d == "" {
		d = DriverNone
	}
	return Config{
		Enabled:          c.Enabled,
		Driver:           d,
		Brokers:          c.Brokers,
		Topic:            c.Topic,
		GroupID:          c.GroupID,
		SessionTimeout:   30 * time.Second,
		Heartbeat:        3 * time.Second,
		RebalanceTimeout: 30 * time.Second,
		InitialOldest:    false,
	}
}

func (c Config) active() bool {
	return c.Enabled && c.Driver == DriverKafka
}
