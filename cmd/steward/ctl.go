package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"
	"github.com/stewardteam/steward/internal/ctl"
)

var (
	ctlSocket string
	ctlAddr   string
	ctlUser   string
	ctlPass   string
	ctlJSON   bool
)

var ctlCmd = &cobra.Command{
	Use:   "ctl",
	Short: "Control a running Steward daemon",
	Long:  "Send commands to a running Steward daemon via its API.",
}

func newCtlClient() *ctl.Client {
	if ctlAddr != "" {
		return ctl.NewTCPClient(ctlAddr, ctlUser, ctlPass)
	}
	sock := ctlSocket
	if sock == "" {
		sock = "/var/run/steward.sock"
	}
	return ctl.NewUnixClient(sock)
}

var ctlStartCmd = &cobra.Command{
	Use:   "start [process...]",
	Short: "Start processes",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newCtlClient()
		for _, name := range args {
			if strings.HasSuffix(name, ":*") {
				group := strings.TrimSuffix(name, ":*")
				if err := c.StartGroup(group); err != nil {
					fmt.Fprintf(os.Stderr, "%s: %s\n", name, err)
					continue
				}
			} else {
				if err := c.Start(name); err != nil {
					fmt.Fprintf(os.Stderr, "%s: %s\n", name, err)
					continue
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: started\n", name)
		}
		return nil
	},
}

var ctlStopCmd = &cobra.Command{
	Use:   "stop [process...]",
	Short: "Stop processes",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newCtlClient()
		for _, name := range args {
			if strings.HasSuffix(name, ":*") {
				group := strings.TrimSuffix(name, ":*")
				if err := c.StopGroup(group); err != nil {
					fmt.Fprintf(os.Stderr, "%s: %s\n", name, err)
					continue
				}
			} else {
				if err := c.Stop(name); err != nil {
					fmt.Fprintf(os.Stderr, "%s: %s\n", name, err)
					continue
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: stopped\n", name)
		}
		return nil
	},
}

var ctlRestartCmd = &cobra.Command{
	Use:   "restart [process...]",
	Short: "Restart processes",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newCtlClient()
		for _, name := range args {
			if strings.HasSuffix(name, ":*") {
				group := strings.TrimSuffix(name, ":*")
				if err := c.RestartGroup(group); err != nil {
					fmt.Fprintf(os.Stderr, "%s: %s\n", name, err)
					continue
				}
			} else {
				if err := c.Restart(name); err != nil {
					fmt.Fprintf(os.Stderr, "%s: %s\n", name, err)
					continue
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: restarted\n", name)
		}
		return nil
	},
}

var ctlSignalCmd = &cobra.Command{
	Use:   "signal <signal> <process>",
	Short: "Send a signal to a process",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newCtlClient()
		sig, name := args[0], args[1]
		if err := c.Signal(name, sig); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: signaled %s\n", name, sig)
		return nil
	},
}

var ctlStatusCmd = &cobra.Command{
	Use:   "status [process...]",
	Short: "Show process status",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newCtlClient()
		return c.Status(args, ctlJSON, cmd.OutOrStdout())
	},
}

var ctlGroupsCmd = &cobra.Command{
	Use:   "groups",
	Short: "List process groups",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newCtlClient()
		groups, err := c.Groups()
		if err != nil {
			return err
		}
		for _, g := range groups {
			kind := "group"
			if g.Listener {
				kind = "listener"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%-20s %-10s priority=%d members=%s\n",
				g.Name, kind, g.Priority, strings.Join(g.Processes, ","))
		}
		return nil
	},
}

var tailBytes int

var ctlTailCmd = &cobra.Command{
	Use:   "tail <process> [stream]",
	Short: "Tail process log output",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newCtlClient()
		name := args[0]
		stream := "stdout"
		if len(args) > 1 {
			stream = args[1]
		}
		return c.Tail(name, stream, tailBytes, cmd.OutOrStdout())
	},
}

var ctlEventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Stream daemon events until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newCtlClient()
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
		defer cancel()
		return c.Events(ctx, cmd.OutOrStdout())
	},
}

var ctlShutdownCmd = &cobra.Command{
	Use:   "shutdown",
	Short: "Initiate daemon shutdown",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newCtlClient()
		if err := c.Shutdown(); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "shutdown initiated")
		return nil
	},
}

var ctlVersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show remote daemon version",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newCtlClient()
		result, err := c.Version()
		if err != nil {
			return err
		}
		for k, v := range result {
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %v\n", k, v)
		}
		return nil
	},
}

var ctlPIDCmd = &cobra.Command{
	Use:   "pid [process]",
	Short: "Show daemon or process PID",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newCtlClient()
		name := ""
		if len(args) > 0 {
			name = args[0]
		}
		pid, err := c.PID(name)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), pid)
		return nil
	},
}

var ctlHealthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check daemon liveness",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newCtlClient()
		state, err := c.Health()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Fprintln(cmd.OutOrStdout(), state)
		if state != "RUNNING" {
			os.Exit(1)
		}
		return nil
	},
}

var ctlReadyCmd = &cobra.Command{
	Use:   "ready",
	Short: "Check daemon readiness",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newCtlClient()
		ready, err := c.Ready()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		if !ready {
			fmt.Fprintln(cmd.OutOrStdout(), "NOT READY")
			os.Exit(1)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "READY")
		return nil
	},
}

var ctlSendCmd = &cobra.Command{
	Use:   "send <process> <data>",
	Short: "Write data to a process stdin",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newCtlClient()
		return c.WriteStdin(args[0], args[1])
	},
}

func init() {
	ctlCmd.PersistentFlags().StringVarP(&ctlSocket, "socket", "s", "", "Unix socket path")
	ctlCmd.PersistentFlags().StringVar(&ctlAddr, "addr", "", "TCP address (host:port)")
	ctlCmd.PersistentFlags().StringVarP(&ctlUser, "username", "u", "", "HTTP Basic Auth username")
	ctlCmd.PersistentFlags().StringVarP(&ctlPass, "password", "p", "", "HTTP Basic Auth password")

	ctlStatusCmd.Flags().BoolVar(&ctlJSON, "json", false, "Output JSON")

	ctlTailCmd.Flags().IntVar(&tailBytes, "bytes", 1600, "Number of bytes to tail")

	ctlCmd.AddCommand(
		ctlStartCmd, ctlStopCmd, ctlRestartCmd, ctlSignalCmd,
		ctlStatusCmd, ctlGroupsCmd, ctlTailCmd, ctlEventsCmd,
		ctlShutdownCmd, ctlVersionCmd, ctlPIDCmd,
		ctlHealthCmd, ctlReadyCmd, ctlSendCmd,
	)
	rootCmd.AddCommand(ctlCmd)
}
