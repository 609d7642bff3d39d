package plume

// Option customizes an Application at construction time.
type Option func(*Application)

// WithLogger injects the application logger. Nil keeps the default
// slog-backed logger.
func WithLogger(logger Logger) Option {
	return func(a *Application) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithName sets the application name used as the observer event source.
func WithName(name string) Option {
	return func(a *Application) {
		if name != "" {
			a.cfg.Name = name
		}
	}
}

// WithAppConfig replaces the application config section wholesale.
func WithAppConfig(cfg *AppConfig) Option {
	return func(a *Application) {
		if cfg != nil {
			a.cfg = cfg
			a.cfgSections[SectionApp] = NewStdConfigProvider(cfg)
		}
	}
}

// WithMiddleware installs application-wide dispatch middleware ahead of any
// added later with UseMiddleware.
func WithMiddleware(mw ...Middleware) Option {
	return func(a *Application) {
		a.globalMW = append(a.globalMW, mw...)
	}
}
