package config

func intPtr(v int) *int    { return &v }
func boolPtr(v bool) *bool { return &v }

// ApplyDefaults fills in absent fields with their default values.
func ApplyDefaults(cfg *Config) {
	if cfg.Steward.LogLevel == "" {
		cfg.Steward.LogLevel = "info"
	}
	if cfg.Steward.LogFormat == "" {
		cfg.Steward.LogFormat = "text"
	}
	if cfg.Steward.Minfds == 0 {
		cfg.Steward.Minfds = 1024
	}
	if cfg.Steward.ShutdownTimeout == 0 {
		cfg.Steward.ShutdownTimeout = 30
	}

	if cfg.Server.Unix.File == "" {
		cfg.Server.Unix.File = "/var/run/steward.sock"
	}
	if cfg.Server.Unix.Chmod == "" {
		cfg.Server.Unix.Chmod = "0700"
	}
	if cfg.Server.HTTP.Listen == "" {
		cfg.Server.HTTP.Listen = "127.0.0.1:9001"
	}

	for name, p := range cfg.Programs {
		applyProgramDefaults(&p)
		cfg.Programs[name] = p
	}
	for name, l := range cfg.Listeners {
		applyProgramDefaults(&l.ProgramConfig)
		if l.BufferSize == 0 {
			l.BufferSize = 10
		}
		cfg.Listeners[name] = l
	}
}

func applyProgramDefaults(p *ProgramConfig) {
	if p.Numprocs == 0 {
		p.Numprocs = 1
	}
	if p.Priority == nil {
		p.Priority = intPtr(999)
	}
	if p.Autostart == nil {
		p.Autostart = boolPtr(true)
	}
	if p.Startsecs == nil {
		p.Startsecs = intPtr(1)
	}
	if p.Startretries == nil {
		p.Startretries = intPtr(3)
	}
	if len(p.Exitcodes) == 0 {
		p.Exitcodes = []int{0}
	}
	if p.Stopsignal == "" {
		p.Stopsignal = "TERM"
	}
	if p.Stopwaitsecs == 0 {
		p.Stopwaitsecs = 10
	}
	if p.StdoutLogfileMaxbytes == "" {
		p.StdoutLogfileMaxbytes = "50MB"
	}
	if p.StdoutLogfileBackups == 0 {
		p.StdoutLogfileBackups = 10
	}
	if p.StderrLogfileMaxbytes == "" {
		p.StderrLogfileMaxbytes = "50MB"
	}
	if p.StderrLogfileBackups == 0 {
		p.StderrLogfileBackups = 10
	}
}
