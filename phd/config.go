package phd

// DefaultName is the pump name used when none is configured.
const DefaultName = "phd2000"

type config struct {
	name    string
	address int
}

func newConfig(opts ...Option) *config {
	cfg := &config{name: DefaultName}
	for _, opt := range opts {
		opt.apply(cfg)
	}

	return cfg
}

// Option configures a Pump.
type Option interface {
	apply(cfg *config)
}

type optFunc func(cfg *config)

func (f optFunc) apply(cfg *config) { f(cfg) }

// WithName sets the human-readable pump name used in diagnostics.
func WithName(name string) Option {
	return optFunc(func(cfg *config) {
		cfg.name = name
	})
}

// WithAddress sets the device address. Single-unit installations normally
// leave this at the default of 0.
func WithAddress(address int) Option {
	return optFunc(func(cfg *config) {
		cfg.address = address
	})
}
