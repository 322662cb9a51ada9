package main

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// settings are daemon tunables which don't belong in the shared config
// document.  They are read from VORTEXL2_* environment variables.
type settings struct {
	ProbeInterval    time.Duration `envconfig:"PROBE_INTERVAL" default:"5s"`
	ProbeTimeout     time.Duration `envconfig:"PROBE_TIMEOUT" default:"1s"`
	FailureThreshold int           `envconfig:"FAILURE_THRESHOLD" default:"3"`
	StartTimeout     time.Duration `envconfig:"START_TIMEOUT" default:"0s"`
	RuleAttempts     int           `envconfig:"RULE_ATTEMPTS" default:"3"`
	PidFile          string        `envconfig:"PID_FILE" default:"/run/vortexl2/vortexl2.pid"`
	StatusFile       string        `envconfig:"STATUS_FILE" default:"/run/vortexl2/status.yaml"`
}

const envPrefix = "VORTEXL2"

func loadSettings() (*settings, error) {
	var s settings
	if err := envconfig.Process(envPrefix, &s); err != nil {
		return nil, err
	}
	if s.ProbeInterval <= 0 {
		return nil, fmt.Errorf("probe interval must be positive, got %v", s.ProbeInterval)
	}
	if s.FailureThreshold <= 0 {
		return nil, fmt.Errorf("failure threshold must be positive, got %d", s.FailureThreshold)
	}
	return &s, nil
}
