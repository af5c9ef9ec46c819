// Package scheduler dispatches queued chains to a bounded worker pool.
package scheduler

// Config defines the scheduler configuration.
type Config struct {
	// GlobalMax is the maximum number of chains running at once.
	GlobalMax int `yaml:"global_max"`
	// QueueSize bounds chains waiting for a worker.
	QueueSize int `yaml:"queue_size"`
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() *Config {
	return &Config{
		GlobalMax: 4,
		QueueSize: 64,
	}
}

func (c *Config) normalize() {
	if c.GlobalMax < 1 {
		c.GlobalMax = 1
	}
	if c.QueueSize < 1 {
		c.QueueSize = 1
	}
}
