package pac

import (
	"context"
	"errors"
	"time"
)

var (
	ErrPoolClosed    = errors.New("pac pool is closed")
	ErrNoFindProxy   = errors.New("pac script does not define FindProxyForURL")
	ErrInvalidResult = errors.New("pac script returned no usable proxy")
	ErrTimeout       = errors.New("pac evaluation timeout")
)

// Resolver looks up host addresses for the DNS helper functions.
// *net.Resolver satisfies it.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// Config defines runtime configuration
type Config struct {
	Timeout  time.Duration    // Evaluation timeout
	PoolSize int              // Runtimes kept per script
	Resolver Resolver         // DNS for dnsResolve and friends
	Now      func() time.Time // Clock for the date and time helpers
	MyIP     func() string    // Address reported by myIpAddress
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		Timeout:  5 * time.Second,
		PoolSize: 2,
	}
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.PoolSize <= 0 {
		c.PoolSize = 2
	}
	if c.Resolver == nil {
		c.Resolver = defaultResolver
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.MyIP == nil {
		c.MyIP = localAddress
	}
	return c
}
