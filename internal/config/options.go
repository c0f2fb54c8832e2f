package config

// Option adjusts how Load finds its sources.
type Option func(*options) error

type options struct {
	configPath string
	envPrefix  string
}

// WithConfigFile specifies an explicit configuration file path. A missing
// explicit file is an error; a missing default file is not.
func WithConfigFile(path string) Option {
	return func(o *options) error {
		o.configPath = path
		return nil
	}
}

// WithEnvPrefix specifies a custom environment variable prefix.
// Default is "TAMER".
func WithEnvPrefix(prefix string) Option {
	return func(o *options) error {
		o.envPrefix = prefix
		return nil
	}
}
