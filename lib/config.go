package lib

import "time"

// CoreConfig holds the settings shared by every connection of a Core.
type CoreConfig struct {
	PortLimit       int  `yaml:"port_limit" toml:"port_limit" json:"port_limit"`                      // ports are 0..PortLimit-1
	TickPeriod      int  `yaml:"tick_period_ms" toml:"tick_period_ms" json:"tick_period_ms"`          // watchdog timer resolution in milliseconds
	PayloadPoolSize int  `yaml:"payload_pool_size" toml:"payload_pool_size" json:"payload_pool_size"` // pooled segment buffers; 0 disables the pool
	PoolDebug       bool `yaml:"pool_debug" toml:"pool_debug" json:"pool_debug"`                      // ring pool debug setting
}

func DefaultCoreConfig() *CoreConfig {
	return &CoreConfig{
		PortLimit:       DefaultPortLimit,
		TickPeriod:      10,
		PayloadPoolSize: 2000,
		PoolDebug:       false,
	}
}

func (c *CoreConfig) tickPeriod() time.Duration {
	return msToDuration(c.TickPeriod)
}

// ConnectionConfig holds per-connection protocol parameters.
type ConnectionConfig struct {
	WindowSize        int `yaml:"window_size" toml:"window_size" json:"window_size"`                               // segments in flight
	RetransmitTimeout int `yaml:"retransmit_timeout_ms" toml:"retransmit_timeout_ms" json:"retransmit_timeout_ms"` // milliseconds
	ConnectRetries    int `yaml:"connect_retries" toml:"connect_retries" json:"connect_retries"`                   // SYN retransmissions; -1 retries forever
	CloseRetries      int `yaml:"close_retries" toml:"close_retries" json:"close_retries"`                         // STP/FIN retransmissions before force-close
	LingerTimeout     int `yaml:"linger_timeout_ms" toml:"linger_timeout_ms" json:"linger_timeout_ms"`             // how long a closed connection keeps its port
	RecvBufferSize    int `yaml:"recv_buffer_size" toml:"recv_buffer_size" json:"recv_buffer_size"`                // bytes of in-order data held for Read
}

func DefaultConnectionConfig() *ConnectionConfig {
	return &ConnectionConfig{
		WindowSize:        DefaultWindowSize,
		RetransmitTimeout: 100,
		ConnectRetries:    -1,
		CloseRetries:      3,
		LingerTimeout:     1000,
		RecvBufferSize:    4096,
	}
}

// normalize fills zero values with defaults.
func (c *ConnectionConfig) normalize(mss int) *ConnectionConfig {
	def := DefaultConnectionConfig()
	out := *c
	if out.WindowSize <= 0 {
		out.WindowSize = def.WindowSize
	}
	if out.RetransmitTimeout <= 0 {
		out.RetransmitTimeout = def.RetransmitTimeout
	}
	if out.CloseRetries <= 0 {
		out.CloseRetries = def.CloseRetries
	}
	if out.LingerTimeout <= 0 {
		out.LingerTimeout = def.LingerTimeout
	}
	if out.RecvBufferSize < mss {
		out.RecvBufferSize = max(def.RecvBufferSize, mss)
	}
	return &out
}
