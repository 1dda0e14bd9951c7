package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ExpandContext holds variables available for expansion.
type ExpandContext struct {
	Here        string // directory of the config file
	ProgramName string
	ProcessNum  int
	GroupName   string
	NumProcs    int
}

// ExpandVariables expands template variables and environment references
// in all string fields of a config, given the config file path.
func ExpandVariables(cfg *Config, configPath string) error {
	ctx := ExpandContext{
		Here: filepath.Dir(configPath),
	}

	// Expand daemon-level fields.
	var err error
	cfg.Steward.Logfile, err = expandString(cfg.Steward.Logfile, ctx)
	if err != nil {
		return fmt.Errorf("steward.logfile: %w", err)
	}
	cfg.Steward.Pidfile, err = expandString(cfg.Steward.Pidfile, ctx)
	if err != nil {
		return fmt.Errorf("steward.pidfile: %w", err)
	}
	cfg.Steward.Directory, err = expandString(cfg.Steward.Directory, ctx)
	if err != nil {
		return fmt.Errorf("steward.directory: %w", err)
	}

	// Expand server fields.
	cfg.Server.Unix.File, err = expandString(cfg.Server.Unix.File, ctx)
	if err != nil {
		return fmt.Errorf("server.unix.file: %w", err)
	}

	// Expand program fields.
	for name, p := range cfg.Programs {
		expanded, err := expandProgram(name, p, ctx)
		if err != nil {
			return err
		}
		cfg.Programs[name] = expanded
	}

	// Listener sections expand the same way.
	for name, l := range cfg.Listeners {
		expanded, err := expandProgram(name, l.ProgramConfig, ctx)
		if err != nil {
			return err
		}
		l.ProgramConfig = expanded
		cfg.Listeners[name] = l
	}

	return nil
}

// expandProgram expands every templated field of one program section.
func expandProgram(name string, p ProgramConfig, ctx ExpandContext) (ProgramConfig, error) {
	pCtx := ctx
	pCtx.ProgramName = name
	pCtx.GroupName = name
	pCtx.NumProcs = p.Numprocs

	var err error
	p.Command, err = expandString(p.Command, pCtx)
	if err != nil {
		return p, fmt.Errorf("programs.%s.command: %w", name, err)
	}
	p.Directory, err = expandString(p.Directory, pCtx)
	if err != nil {
		return p, fmt.Errorf("programs.%s.directory: %w", name, err)
	}
	p.StdoutLogfile, err = expandString(p.StdoutLogfile, pCtx)
	if err != nil {
		return p, fmt.Errorf("programs.%s.stdout_logfile: %w", name, err)
	}
	p.StderrLogfile, err = expandString(p.StderrLogfile, pCtx)
	if err != nil {
		return p, fmt.Errorf("programs.%s.stderr_logfile: %w", name, err)
	}
	// Skip ProcessName expansion when numprocs > 1: the %(process_num)d
	// template must be preserved for per-instance expansion.
	if p.Numprocs <= 1 {
		p.ProcessName, err = expandString(p.ProcessName, pCtx)
		if err != nil {
			return p, fmt.Errorf("programs.%s.process_name: %w", name, err)
		}
	}
	p.UID, err = expandString(p.UID, pCtx)
	if err != nil {
		return p, fmt.Errorf("programs.%s.uid: %w", name, err)
	}

	for k, v := range p.Environment {
		ev, err := expandString(v, pCtx)
		if err != nil {
			return p, fmt.Errorf("programs.%s.environment.%s: %w", name, k, err)
		}
		p.Environment[k] = ev
	}

	return p, nil
}

// expandString expands all template variables and env references in a single string.
func expandString(s string, ctx ExpandContext) (string, error) {
	if s == "" {
		return s, nil
	}

	// Phase 1: Expand %(variable)s and %(variable)d patterns.
	result, err := expandTemplateVars(s, ctx)
	if err != nil {
		return "", err
	}

	// Phase 2: Expand ${ENV_VAR} references.
	result, err = expandEnvVars(result)
	if err != nil {
		return "", err
	}

	// Phase 3: Unescape %% -> % and $$ -> $.
	result = strings.ReplaceAll(result, "%%", "%")
	result = strings.ReplaceAll(result, "$$", "$")

	return result, nil
}

func expandTemplateVars(s string, ctx ExpandContext) (string, error) {
	var result strings.Builder
	i := 0
	for i < len(s) {
		if i+1 < len(s) && s[i] == '%' && s[i+1] == '%' {
			// Escaped percent, preserve for later unescaping.
			result.WriteString("%%")
			i += 2
			continue
		}

		if i+1 < len(s) && s[i] == '%' && s[i+1] == '(' {
			// Find closing )s or )d.
			end := strings.Index(s[i:], ")s")
			endD := strings.Index(s[i:], ")d")
			if end < 0 && endD < 0 {
				return "", fmt.Errorf("unclosed template variable at position %d in %q", i, s)
			}

			var varName string
			var advance int
			if end >= 0 && (endD < 0 || end < endD) {
				varName = s[i+2 : i+end]
				advance = end + 2
			} else {
				varName = s[i+2 : i+endD]
				advance = endD + 2
			}

			val, err := resolveTemplateVar(varName, ctx)
			if err != nil {
				return "", err
			}
			result.WriteString(val)
			i += advance
			continue
		}

		result.WriteByte(s[i])
		i++
	}

	return result.String(), nil
}

func resolveTemplateVar(name string, ctx ExpandContext) (string, error) {
	switch name {
	case "here":
		return ctx.Here, nil
	case "program_name":
		return ctx.ProgramName, nil
	case "process_num":
		return fmt.Sprintf("%d", ctx.ProcessNum), nil
	case "group_name":
		return ctx.GroupName, nil
	case "numprocs":
		return fmt.Sprintf("%d", ctx.NumProcs), nil
	default:
		return "", fmt.Errorf("unknown template variable: %%(%.0s)s", name)
	}
}

func expandEnvVars(s string) (string, error) {
	var result strings.Builder
	i := 0
	for i < len(s) {
		if i+1 < len(s) && s[i] == '$' && s[i+1] == '$' {
			// Escaped dollar, preserve for later unescaping.
			result.WriteString("$$")
			i += 2
			continue
		}

		if i+1 < len(s) && s[i] == '$' && s[i+1] == '{' {
			end := strings.Index(s[i:], "}")
			if end < 0 {
				return "", fmt.Errorf("unclosed environment variable reference at position %d in %q", i, s)
			}

			varName := s[i+2 : i+end]
			val, ok := os.LookupEnv(varName)
			if !ok {
				return "", fmt.Errorf("undefined environment variable: ${%s}", varName)
			}
			result.WriteString(val)
			i += end + 1
			continue
		}

		result.WriteByte(s[i])
		i++
	}

	return result.String(), nil
}

// ExpandString is exported for use by other packages needing single-value expansion.
func ExpandString(s string, ctx ExpandContext) (string, error) {
	return expandString(s, ctx)
}
