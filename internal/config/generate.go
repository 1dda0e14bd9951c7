package config

// DefaultConfigTOML is a complete, commented sample steward.toml.
const DefaultConfigTOML = `# Steward configuration file

[steward]
# logfile = ""                  # daemon log file path (default: stderr)
# log_level = "info"            # debug, info, warn, error
# log_format = "text"           # text, json
# pidfile = ""                  # daemon pid file path
# directory = ""                # daemon working directory
# identifier = "steward"        # daemon identifier
# minfds = 1024                 # minimum file descriptors
# umask = ""                    # daemon file creation mask (octal)
# daemonize = false             # detach into the background
# shutdown_timeout = 30         # seconds to wait for graceful shutdown

[server.unix]
# file = "/var/run/steward.sock" # Unix socket path
# chmod = "0700"                 # socket file permissions

[server.http]
# enabled = false               # enable TCP HTTP server
# listen = "127.0.0.1:9001"     # TCP listen address
# username = ""                 # HTTP Basic Auth username
# password_hash = ""            # bcrypt hash from 'steward hash-password'

# Process definitions
# [programs.example]
# command = "/usr/bin/example"  # REQUIRED: command to run
# process_name = "example"      # name template (supports %(process_num)d)
# numprocs = 1                  # number of instances
# numprocs_start = 0            # starting instance number
# priority = 999                # start order (0=first, 999=last)
# autostart = true              # start on daemon startup
# autorestart = false           # respawn after a clean exit
# startsecs = 1                 # seconds of uptime before RUNNING
# startretries = 3              # failed starts before FATAL
# exitcodes = [0]               # expected exit codes
# stopsignal = "TERM"           # TERM, HUP, INT, QUIT, KILL, USR1, USR2
# stopwaitsecs = 10             # grace period before SIGKILL
# uid = ""                      # run as "uid" or "uid:gid"
# directory = ""                # working directory
# umask = ""                    # file creation mask (octal)
# redirect_stderr = false       # merge stderr into stdout
# strip_ansi = false            # remove ANSI escape sequences
# stdout_capture = false        # scan stdout for communication tokens
# stderr_capture = false        # scan stderr for communication tokens
# stdout_logfile = ""           # stdout log file
# stdout_logfile_maxbytes = "50MB"
# stdout_logfile_backups = 10
# stderr_logfile = ""           # stderr log file
# stderr_logfile_maxbytes = "50MB"
# stderr_logfile_backups = 10
# description = ""              # process description
# [programs.example.environment]
# KEY = "value"

# Event listener definitions: programs that consume events on stdin
# with the READY/OK/FAIL protocol. All program keys apply here too.
# [eventlisteners.crashmail]
# command = "/usr/local/bin/crashmail"
# events = ["ProcessStateChangeEvent"]   # subscribed event types
# buffer_size = 10                       # undelivered event buffer
`
