// Command memva-mcpsidecar is the MCP server the agent subprocess launches
// as a child process to route permission-sensitive tool calls back through
// the Memva store. It is never run by a human directly: RealCommand
// configures the agent subprocess with an mcpServers entry that execs this
// binary with --session-id and --db pointing at the same database the
// workerd process is serving.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/mark3labs/mcp-go/server"
	"github.com/urfave/cli/v3"

	"github.com/mzxrai/memva/memvalog"
	"github.com/mzxrai/memva/permission"
	"github.com/mzxrai/memva/permission/mcpsidecar"
	"github.com/mzxrai/memva/queue"
	"github.com/mzxrai/memva/store"
)

func main() {
	cmd := newRootCommand()
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := cmd.Run(ctx, os.Args); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func newRootCommand() *cli.Command {
	return &cli.Command{
		Name:  "memva-mcpsidecar",
		Usage: "MCP permission-prompt server, launched as a child process of the agent subprocess",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "db", Value: "memva.db", Usage: "path to the SQLite database file the workerd process is serving"},
			&cli.StringFlag{Name: "session-id", Required: true, Usage: "the Memva session this sidecar requests permissions on behalf of"},
		},
		Action: runSidecar,
	}
}

func runSidecar(ctx context.Context, cmd *cli.Command) error {
	logger := memvalog.NewText(os.Stderr, slog.LevelInfo)

	s, err := store.Open(cmd.String("db"))
	if err != nil {
		return fmt.Errorf("memva-mcpsidecar: open store: %w", err)
	}
	defer s.Close()

	q := queue.New(s)
	broker := permission.New(s, q)

	sessionID := cmd.String("session-id")
	mcpServer := mcpsidecar.NewServer(broker, sessionID)

	logger.Info("mcp sidecar starting", "sessionId", sessionID)
	stdioSrv := server.NewStdioServer(mcpServer)
	if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil {
		return fmt.Errorf("memva-mcpsidecar: stdio server: %w", err)
	}
	return nil
}
