package migrate

import (
	"fmt"
	"strconv"
	"strings"
)

// OptionMapping describes how to convert a supervisord option to steward TOML.
type OptionMapping struct {
	Key         string // target key in steward TOML (empty = same name)
	Type        string // "string", "int", "bool", "stringlist", "intlist", "bytes", ...
	Unsupported bool   // true if not supported in steward
	Renamed     string // original supervisord name if renamed
}

// programMappings maps supervisord [program:x] options to steward equivalents.
var programMappings = map[string]OptionMapping{
	"command":                 {Type: "string"},
	"process_name":            {Type: "string"},
	"numprocs":                {Type: "int"},
	"numprocs_start":          {Type: "int"},
	"priority":                {Type: "int"},
	"autostart":               {Type: "bool"},
	"autorestart":             {Type: "autorestart"},
	"startsecs":               {Type: "int"},
	"startretries":            {Type: "int"},
	"exitcodes":               {Type: "intlist"},
	"stopsignal":              {Type: "signal"},
	"stopwaitsecs":            {Type: "int"},
	"stopasgroup":             {Unsupported: true},
	"killasgroup":             {Unsupported: true},
	"user":                    {Key: "uid", Type: "string", Renamed: "user"},
	"directory":               {Type: "string"},
	"umask":                   {Type: "string"},
	"environment":             {Type: "env"},
	"redirect_stderr":         {Type: "bool"},
	"stdout_logfile":          {Type: "string"},
	"stdout_logfile_maxbytes": {Type: "bytes"},
	"stdout_logfile_backups":  {Type: "int"},
	"stdout_capture_maxbytes": {Key: "stdout_capture", Type: "capture", Renamed: "stdout_capture_maxbytes"},
	"stdout_syslog":           {Unsupported: true},
	"stderr_logfile":          {Type: "string"},
	"stderr_logfile_maxbytes": {Type: "bytes"},
	"stderr_logfile_backups":  {Type: "int"},
	"stderr_capture_maxbytes": {Key: "stderr_capture", Type: "capture", Renamed: "stderr_capture_maxbytes"},
	"stderr_syslog":           {Unsupported: true},
	"stdout_events_enabled":   {Unsupported: true},
	"stderr_events_enabled":   {Unsupported: true},
	"serverurl":               {Unsupported: true},
}

// listenerMappings maps [eventlistener:x] options. Listeners accept every
// program option plus a few of their own.
var listenerMappings = map[string]OptionMapping{
	"events":         {Type: "stringlist"},
	"buffer_size":    {Type: "int"},
	"result_handler": {Unsupported: true},
}

// supervisordMappings maps [supervisord] section options.
var supervisordMappings = map[string]OptionMapping{
	"logfile":          {Key: "logfile", Type: "string"},
	"logfile_maxbytes": {Unsupported: true},
	"logfile_backups":  {Unsupported: true},
	"loglevel":         {Key: "log_level", Type: "string", Renamed: "loglevel"},
	"pidfile":          {Key: "pidfile", Type: "string"},
	"nodaemon":         {Key: "daemonize", Type: "invbool", Renamed: "nodaemon"},
	"silent":           {Unsupported: true},
	"minfds":           {Type: "int"},
	"minprocs":         {Unsupported: true},
	"nocleanup":        {Unsupported: true},
	"childlogdir":      {Unsupported: true},
	"umask":            {Type: "string"},
	"user":             {Unsupported: true},
	"directory":        {Key: "directory", Type: "string"},
	"strip_ansi":       {Unsupported: true},
	"environment":      {Unsupported: true},
	"identifier":       {Type: "string"},
}

// MappedOption holds a converted key-value pair ready for TOML output.
type MappedOption struct {
	Key         string
	Value       string // TOML-formatted value
	Comment     string // optional inline comment
	Unsupported bool
}

// MapProgramOption converts a single supervisord program option to steward TOML.
func MapProgramOption(key, value string) MappedOption {
	return mapOption(key, value, programMappings)
}

// MapListenerOption converts a single supervisord eventlistener option.
// Listener sections share the program option vocabulary.
func MapListenerOption(key, value string) MappedOption {
	if _, ok := listenerMappings[key]; ok {
		return mapOption(key, value, listenerMappings)
	}
	return mapOption(key, value, programMappings)
}

// MapSupervisordOption converts a single supervisord daemon option to steward TOML.
func MapSupervisordOption(key, value string) MappedOption {
	return mapOption(key, value, supervisordMappings)
}

func mapOption(key, value string, mappings map[string]OptionMapping) MappedOption {
	mapping, ok := mappings[key]
	if !ok {
		return MappedOption{
			Key:         key,
			Value:       fmt.Sprintf("%q", value),
			Comment:     "UNSUPPORTED: unknown option",
			Unsupported: true,
		}
	}

	if mapping.Unsupported {
		return MappedOption{
			Key:         key,
			Value:       value,
			Comment:     fmt.Sprintf("UNSUPPORTED: %s = %s", key, value),
			Unsupported: true,
		}
	}

	targetKey := mapping.Key
	if targetKey == "" {
		targetKey = key
	}

	var comment string
	if mapping.Renamed != "" {
		comment = fmt.Sprintf("renamed from %q", mapping.Renamed)
	}

	tomlValue := convertValue(value, mapping.Type)

	return MappedOption{
		Key:     targetKey,
		Value:   tomlValue,
		Comment: comment,
	}
}

// convertValue converts a supervisord value to TOML syntax.
func convertValue(value, typ string) string {
	switch typ {
	case "int":
		if v, err := strconv.Atoi(value); err == nil {
			return strconv.Itoa(v)
		}
		return fmt.Sprintf("%q", value)

	case "bool":
		b, err := ParseBool(value)
		if err != nil {
			return fmt.Sprintf("%q", value)
		}
		return strconv.FormatBool(b)

	case "invbool":
		// supervisord nodaemon=true means steward daemonize=false.
		b, err := ParseBool(value)
		if err != nil {
			return fmt.Sprintf("%q", value)
		}
		return strconv.FormatBool(!b)

	case "autorestart":
		// supervisord allows true/false/unexpected; steward restarts on
		// unexpected exits only, so both true and unexpected map to true.
		switch strings.ToLower(strings.TrimSpace(value)) {
		case "false":
			return "false"
		default:
			return "true"
		}

	case "capture":
		// A nonzero capture_maxbytes enables capture mode.
		return strconv.FormatBool(strings.TrimSpace(value) != "0" && value != "")

	case "string":
		return fmt.Sprintf("%q", value)

	case "signal":
		return fmt.Sprintf("%q", NormalizeSignal(value))

	case "bytes":
		// Preserve human-readable format.
		return fmt.Sprintf("%q", value)

	case "intlist":
		// e.g. "0,2" -> [0, 2]
		parts := strings.Split(value, ",")
		var nums []string
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if v, err := strconv.Atoi(p); err == nil {
				nums = append(nums, strconv.Itoa(v))
			}
		}
		return "[" + strings.Join(nums, ", ") + "]"

	case "stringlist":
		// e.g. "web,api" -> ["web", "api"]
		parts := strings.Split(value, ",")
		var quoted []string
		for _, p := range parts {
			quoted = append(quoted, fmt.Sprintf("%q", strings.TrimSpace(p)))
		}
		return "[" + strings.Join(quoted, ", ") + "]"

	case "env":
		// supervisord format: KEY="val",KEY2="val2"
		return convertEnvironment(value)

	default:
		return fmt.Sprintf("%q", value)
	}
}

// NormalizeSignal normalizes a signal name to uppercase without SIG prefix.
func NormalizeSignal(sig string) string {
	sig = strings.TrimSpace(strings.ToUpper(sig))
	sig = strings.TrimPrefix(sig, "SIG")
	return sig
}

// convertEnvironment converts supervisord environment format to TOML table.
// Input: KEY="val",KEY2="val2"
// Output is handled specially by the caller.
func convertEnvironment(value string) string {
	return fmt.Sprintf("%q", value)
}
