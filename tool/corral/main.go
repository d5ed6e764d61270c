/*
 * Corral
 * Copyright (C) 2025  Josh Moyers
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Command corral runs the agent-session control-plane daemon and a few
// client conveniences for poking it.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"text/tabwriter"

	"github.com/alecthomas/kingpin/v2"
	"github.com/gravitational/trace"

	"github.com/jmoyers/corral"
	"github.com/jmoyers/corral/lib/client"
	"github.com/jmoyers/corral/lib/config"
	"github.com/jmoyers/corral/lib/srv"
	logutils "github.com/jmoyers/corral/lib/utils/log"
)

func main() {
	if err := Run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "ERROR:", trace.UserMessage(err))
		os.Exit(1)
	}
}

// Run parses the command line and executes the selected command.
func Run(args []string, out *os.File) error {
	var flags config.CLIFlags
	var clientAddr, clientToken string

	app := kingpin.New("corral", "corral: terminal agent session daemon")
	app.Flag("debug", "Verbose logging to stderr").Short('d').BoolVar(&flags.Debug)
	app.Flag("config", "corral.yaml path").Short('c').StringVar(&flags.ConfigPath)
	app.HelpFlag.Short('h')

	startCmd := app.Command("start", "Start the daemon.")
	startCmd.Flag("host", "Control endpoint bind host").StringVar(&flags.Host)
	startCmd.Flag("port", "Control endpoint bind port").IntVar(&flags.Port)
	startCmd.Flag("auth-token", "Token clients must present; required for non-loopback binds").
		Envar("CORRAL_AUTH_TOKEN").StringVar(&flags.AuthToken)
	startCmd.Flag("state-db-path", "sqlite state database path").StringVar(&flags.StateDBPath)

	lsCmd := app.Command("ls", "List sessions on a running daemon.")
	lsCmd.Flag("addr", "Daemon address").Default("127.0.0.1:7433").StringVar(&clientAddr)
	lsCmd.Flag("auth-token", "Daemon auth token").Envar("CORRAL_AUTH_TOKEN").StringVar(&clientToken)

	versionCmd := app.Command("version", "Print the version.")

	command, err := app.Parse(args)
	if err != nil {
		return trace.Wrap(err)
	}

	switch command {
	case startCmd.FullCommand():
		cfg, err := config.FromCLI(flags)
		if err != nil {
			return trace.Wrap(err)
		}
		return trace.Wrap(onStart(cfg))
	case lsCmd.FullCommand():
		return trace.Wrap(onList(clientAddr, clientToken, out))
	case versionCmd.FullCommand():
		fmt.Fprintf(out, "corral v%v\n", corral.Version)
		return nil
	}
	return trace.BadParameter("command %q not configured", command)
}

func onStart(cfg *config.Config) error {
	logger, err := logutils.Initialize(logutils.Config{Severity: cfg.Severity})
	if err != nil {
		return trace.Wrap(err)
	}
	logger = logger.With(corral.ComponentKey, corral.ComponentCorral)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	daemon, err := newDaemon(cfg)
	if err != nil {
		return trace.Wrap(err)
	}

	errC := make(chan error, 2)
	var wg sync.WaitGroup
	daemon.start(ctx, &wg, errC)

	recovered, err := daemon.server.RecoverSessions(ctx)
	if err != nil {
		logger.WarnContext(ctx, "Session recovery failed.", "error", err)
	} else if recovered > 0 {
		logger.InfoContext(ctx, "Recovered persisted sessions.", "count", recovered)
	}

	var fatal error
	select {
	case <-ctx.Done():
		logger.InfoContext(ctx, "Shutting down on signal.")
	case fatal = <-errC:
		logger.ErrorContext(ctx, "Fatal listener error.", "error", fatal)
	}
	stop()

	closeErr := daemon.close(&wg)
	if fatal != nil {
		return trace.Wrap(fatal)
	}
	return trace.Wrap(closeErr)
}

func onList(addr, token string, out *os.File) error {
	ctx := context.Background()
	clt, err := client.Dial(ctx, client.Config{Addr: addr, AuthToken: token})
	if err != nil {
		return trace.Wrap(err)
	}
	defer clt.Close()

	sessions, err := clt.ListSessions(ctx, srv.SessionFilter{}, "attention-first")
	if err != nil {
		return trace.Wrap(err)
	}
	w := tabwriter.NewWriter(out, 2, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tAGENT\tSTATUS\tLIVE\tLAST EVENT")
	for _, s := range sessions {
		last := ""
		if s.LastEventAt != nil {
			last = s.LastEventAt.Format("15:04:05")
		}
		fmt.Fprintf(w, "%v\t%v\t%v\t%v\t%v\n", s.SessionID, s.AgentType, s.Status, s.Live, last)
	}
	return trace.Wrap(w.Flush())
}
