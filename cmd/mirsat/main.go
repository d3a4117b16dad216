package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/tfkr-ae/mirsat"
	"github.com/tfkr-ae/mirsat/db"
	"github.com/tfkr-ae/mirsat/mcpserver"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
)

// session is an agent opened on a config dir together with the database it owns.
type session struct {
	agent  *mirsat.Agent
	repo   *db.Repository
	logger *slog.Logger
}

func (s *session) close() {
	s.agent.Close()
	if err := s.repo.Close(); err != nil {
		s.logger.Error("closing database", slog.String("error", err.Error()))
	}
}

func defaultConfigDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".mirsat"
	}
	return filepath.Join(dir, "mirsat")
}

// open loads the config dir and builds an agent on its database. The logger level follows the
// configured log_level once the config is loaded.
func open(cmd *cli.Command, options ...func(*mirsat.Agent) error) (*session, error) {
	configDir := cmd.String("config-dir")
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return nil, fmt.Errorf("creating config dir %s : %w", configDir, err)
	}

	level := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	dbConn, err := db.New(filepath.Join(configDir, mirsat.DBFile))
	if err != nil {
		return nil, fmt.Errorf("opening database : %w", err)
	}
	repo := db.NewAgentRepo(dbConn)

	options = append([]func(*mirsat.Agent) error{
		mirsat.WithRepo(repo),
		mirsat.WithConfigDir(configDir),
		mirsat.WithLogger(logger),
	}, options...)

	agent, err := mirsat.New(options...)
	if err != nil {
		repo.Close()
		return nil, err
	}
	if err := level.UnmarshalText([]byte(agent.Config.LogLevel)); err != nil {
		logger.Warn("unknown log level, using info", slog.String("log_level", agent.Config.LogLevel))
	}

	return &session{agent: agent, repo: repo, logger: logger}, nil
}

func serve(ctx context.Context, cmd *cli.Command) error {
	s, err := open(cmd, mirsat.WithTLS(), mirsat.WithDefaultModifiers())
	if err != nil {
		return err
	}
	defer s.close()
	agent := s.agent
	cfg := agent.Config

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	ln, err := agent.Listen(cfg.ListenAddress, cfg.ListenPort)
	if err != nil {
		return err
	}
	s.logger.Info("proxy listening", slog.String("address", agent.Addr), slog.String("port", agent.Port))

	control := &http.Server{
		Addr:              cfg.ControlAddress,
		Handler:           agent.ControlHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := agent.Serve(ln)
		if gctx.Err() != nil {
			return nil
		}
		return err
	})
	g.Go(func() error {
		s.logger.Info("control plane listening", slog.String("address", cfg.ControlAddress))
		if err := control.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := agent.Start(gctx); err != nil {
			s.logger.Error("agent not active, serving passthrough", slog.String("error", err.Error()))
			return nil
		}
		if cmd.Bool("open") {
			if err := agent.OpenBrowser(gctx, cfg.AppOrigin); err != nil {
				s.logger.Warn("opening browser", slog.String("error", err.Error()))
			}
		}
		return nil
	})
	g.Go(func() error {
		return agent.Monitor.Run(gctx)
	})
	g.Go(func() error {
		return agent.WatchManifest(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		ln.Close()
		return control.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func serveMCP(ctx context.Context, cmd *cli.Command) error {
	s, err := open(cmd)
	if err != nil {
		return err
	}
	defer s.close()

	version := s.agent.Config.Version
	if active, err := s.repo.GetActiveVersion(); err == nil && active != "" {
		version = active
	}
	return mcpserver.New(s.agent.Store, s.repo, s.repo, s.repo, s.agent.Replay, version).ServeStdio()
}

func listCache(ctx context.Context, cmd *cli.Command) error {
	s, err := open(cmd)
	if err != nil {
		return err
	}
	defer s.close()

	if cmd.NArg() == 0 {
		generations, err := s.agent.Store.Generations()
		if err != nil {
			return err
		}
		for _, gen := range generations {
			fmt.Printf("%s\t%s\t%s\t%s\n", gen.Name, gen.Role, gen.Version, gen.CreatedAt.Format(time.RFC3339))
		}
		return nil
	}

	entries, err := s.agent.Store.Entries(cmd.Args().First())
	if err != nil {
		return err
	}
	for _, entry := range entries {
		fmt.Printf("%d\t%s\t%s\n", entry.StatusCode, entry.ContentType, entry.Key)
	}
	return nil
}

func showCache(ctx context.Context, cmd *cli.Command) error {
	if cmd.NArg() != 2 {
		return errors.New("usage: mirsat cache show <generation> <key>")
	}
	s, err := open(cmd)
	if err != nil {
		return err
	}
	defer s.close()

	entry, err := s.agent.Store.Entry(cmd.Args().Get(0), cmd.Args().Get(1))
	if err != nil {
		return err
	}
	text, err := mcpserver.Render(entry.Raw)
	if err != nil {
		return err
	}
	fmt.Println(text)
	return nil
}

func listQueue(ctx context.Context, cmd *cli.Command) error {
	s, err := open(cmd)
	if err != nil {
		return err
	}
	defer s.close()

	domains := cmd.Args().Slice()
	if len(domains) == 0 {
		if domains, err = s.repo.GetDomains(); err != nil {
			return err
		}
	}

	get := s.repo.GetPendingItems
	if cmd.Bool("dead") {
		get = s.repo.GetDeadItems
	}
	for _, domainName := range domains {
		items, err := get(domainName)
		if err != nil {
			return err
		}
		for _, item := range items {
			fmt.Printf("%s\t%s\t%d\t%s\t%s\n", item.Domain, item.ID, item.Attempts, item.EnqueuedAt.Format(time.RFC3339), item.LastError)
		}
	}
	return nil
}

func clearQueue(ctx context.Context, cmd *cli.Command) error {
	if cmd.NArg() != 1 {
		return errors.New("usage: mirsat queue clear <domain>")
	}
	s, err := open(cmd)
	if err != nil {
		return err
	}
	defer s.close()

	removed, err := s.repo.ClearDomain(cmd.Args().First())
	if err != nil {
		return err
	}
	fmt.Printf("removed %d items\n", removed)
	return nil
}

func syncQueue(ctx context.Context, cmd *cli.Command) error {
	s, err := open(cmd)
	if err != nil {
		return err
	}
	defer s.close()

	if cmd.NArg() == 0 {
		results, err := s.agent.Replay.SyncAll(ctx)
		for _, result := range results {
			fmt.Printf("%s\treplayed %d\tfailed %d\tdead %d\tpending %d\n", result.Domain, result.Replayed, result.Failed, result.Dead, result.Pending)
		}
		return err
	}

	result, err := s.agent.Replay.Sync(ctx, "sync-"+cmd.Args().First())
	if err != nil {
		return err
	}
	fmt.Printf("%s\treplayed %d\tfailed %d\tdead %d\tpending %d\n", result.Domain, result.Replayed, result.Failed, result.Dead, result.Pending)
	return nil
}

func setBrowser(ctx context.Context, cmd *cli.Command) error {
	if cmd.NArg() != 1 {
		return errors.New("usage: mirsat browser <path>")
	}
	s, err := open(cmd)
	if err != nil {
		return err
	}
	defer s.close()

	return s.agent.Config.SetBrowserPath(cmd.Args().First())
}

func main() {
	cmd := &cli.Command{
		Name:   "mirsat",
		Usage:  "Offline agent for a web application, served as a local proxy",
		Action: serve,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config-dir",
				Aliases: []string{"c"},
				Usage:   "Directory holding config.yaml, the database and the CA",
				Value:   defaultConfigDir(),
				Sources: cli.EnvVars("MIRSAT_CONFIG_DIR"),
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the proxy and the control plane",
				Action: serve,
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "open", Usage: "Open the application in a browser once active"},
				},
			},
			{
				Name:   "mcp",
				Usage:  "Serve the cache and queue tools over MCP on stdio",
				Action: serveMCP,
			},
			{
				Name:  "cache",
				Usage: "Inspect the cache generations",
				Commands: []*cli.Command{
					{Name: "list", Usage: "List generations, or the entries of one generation", ArgsUsage: "[generation]", Action: listCache},
					{Name: "show", Usage: "Show a cached response", ArgsUsage: "<generation> <key>", Action: showCache},
				},
			},
			{
				Name:  "queue",
				Usage: "Inspect and drain the mutation queue",
				Commands: []*cli.Command{
					{
						Name:      "list",
						Usage:     "List queued mutations",
						ArgsUsage: "[domain...]",
						Action:    listQueue,
						Flags:     []cli.Flag{&cli.BoolFlag{Name: "dead", Usage: "List dead-lettered mutations"}},
					},
					{Name: "clear", Usage: "Remove every mutation of a domain", ArgsUsage: "<domain>", Action: clearQueue},
					{Name: "sync", Usage: "Replay a domain, or every domain", ArgsUsage: "[domain]", Action: syncQueue},
				},
			},
			{
				Name:      "browser",
				Usage:     "Set the browser used to open pages",
				ArgsUsage: "<path>",
				Action:    setBrowser,
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("application error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
