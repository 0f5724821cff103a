package join

import (
	"time"
)

const (
	DefaultPort           = 5701
	DefaultMulticastGroup = "224.2.2.3"
	DefaultMulticastPort  = 54327
)

type MulticastConfig struct {
	Enabled bool
	Group   string
	Port    int
}

type TCPConfig struct {
	Enabled bool
	// RequiredMember, when set, is the only peer the node joins through.
	RequiredMember string
	// Members lists join candidates: host:port pairs, plain IPs, host names
	// and interface patterns.
	Members []string
	// ConnectionTimeoutSeconds bounds the time spent waiting for any of the
	// candidates to accept a connection.
	ConnectionTimeoutSeconds int
}

type InterfacesConfig struct {
	Enabled  bool
	Patterns []string
}

// Timing holds the intervals of the join loops. It is exposed mostly for
// tests, the defaults should be fine in practice.
type Timing struct {
	MulticastAttempts   int
	MulticastBackoff    time.Duration
	MasterRetryInterval time.Duration
	ConnectBackoff      time.Duration
	PollInterval        time.Duration
	RetryInterval       time.Duration
	MaxJoinRequests     int
	PortsPerHost        int
}

type Config struct {
	Multicast  MulticastConfig
	TCP        TCPConfig
	Interfaces InterfacesConfig

	// Port is the configured listening port, used to derive the port
	// candidates of hosts listed without one.
	Port int

	GroupName     string
	GroupPassword string

	Timing Timing
}

func DefaultTiming() Timing {
	return Timing{
		MulticastAttempts:   200,
		MulticastBackoff:    10 * time.Millisecond,
		MasterRetryInterval: 500 * time.Millisecond,
		ConnectBackoff:      time.Second,
		PollInterval:        time.Second,
		RetryInterval:       2 * time.Second,
		MaxJoinRequests:     5,
		PortsPerHost:        3,
	}
}

func DefaultConfig() Config {
	return Config{
		Multicast: MulticastConfig{
			Enabled: true,
			Group:   DefaultMulticastGroup,
			Port:    DefaultMulticastPort,
		},
		TCP: TCPConfig{
			ConnectionTimeoutSeconds: 5,
		},
		Port:          DefaultPort,
		GroupName:     "dev",
		GroupPassword: "dev-pass",
		Timing:        DefaultTiming(),
	}
}
