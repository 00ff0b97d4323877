// Package cli implements the p4review command line.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/sprite-ai/p4review/internal/config"
	"github.com/sprite-ai/p4review/internal/gateway"
	"github.com/sprite-ai/p4review/internal/logging"
	"github.com/sprite-ai/p4review/internal/review"
	"github.com/sprite-ai/p4review/internal/store"
	"github.com/sprite-ai/p4review/internal/store/badgerstore"
	"github.com/sprite-ai/p4review/internal/store/sqlstore"
)

// cliEnv carries the global flags and the collaborators commands build on.
type cliEnv struct {
	configPath  string
	storeDriver string
	storeDSN    string
	logLevel    string

	// newGateway builds the changelist gateway; tests swap in a fake depot.
	newGateway func(cfg config.Config, log *slog.Logger) gateway.Gateway
}

var rootCmd = newRootCmd()

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func newRootCmd() *cobra.Command {
	return newRootCmdWith(&cliEnv{newGateway: newP4Gateway})
}

func newRootCmdWith(env *cliEnv) *cobra.Command {
	root := &cobra.Command{
		Use:   "p4review",
		Short: "Review versioning and approval for Perforce changes",
		Long: `p4review tracks code reviews of Perforce changelists: every reshelve or
commit becomes a numbered version, votes go stale when content changes, and
approved reviews can be committed from a pooled workspace.`,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&env.configPath, "config", "", "config file (default $XDG_CONFIG_HOME/p4review/config.yaml)")
	pf.StringVar(&env.storeDriver, "store-driver", "", "record store: memory, sqlite, postgres or badger")
	pf.StringVar(&env.storeDSN, "store-dsn", "", "record store path or connection string")
	pf.StringVar(&env.logLevel, "log-level", "", "log level: debug, info, warn or error")

	root.AddCommand(
		newServeCmd(env),
		newCreateCmd(env),
		newShowCmd(env),
		newUpdateCmd(env),
		newVoteCmd(env),
		newStateCmd(env),
		newCommitCmd(env),
		newDiffCmd(env),
		newSearchCmd(env),
		newDeleteCmd(env),
		newUpgradeCmd(env),
		newBrowseCmd(env),
		newVersionCmd(),
	)
	return root
}

func newP4Gateway(cfg config.Config, log *slog.Logger) gateway.Gateway {
	return gateway.NewP4(gateway.P4Options{
		Bin:      cfg.P4.Binary,
		Port:     cfg.P4.Port,
		User:     cfg.P4.User,
		Password: cfg.P4.Password,
		Charset:  cfg.P4.Charset,
		Timeout:  cfg.P4.Timeout,
		Logger:   log,
	})
}

// session is an opened engine with the resources behind it.
type session struct {
	cfg    config.Config
	log    *slog.Logger
	engine *review.Engine
	store  store.Store
}

func (s *session) Close() error {
	return s.store.Close()
}

// loadConfig reads the config file and applies flag overrides.
func (env *cliEnv) loadConfig() (config.Config, error) {
	path, explicit := env.configPath, env.configPath != ""
	if !explicit {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path, explicit)
	if err != nil {
		return cfg, err
	}
	if env.storeDriver != "" {
		cfg.Store.Driver = env.storeDriver
	}
	if env.storeDSN != "" {
		cfg.Store.DSN = env.storeDSN
	}
	if env.logLevel != "" {
		cfg.Log.Level = env.logLevel
	}
	return cfg, cfg.Validate()
}

// open builds the logger, store, gateway and engine for one command.
func (env *cliEnv) open(cmd *cobra.Command) (*session, error) {
	cfg, err := env.loadConfig()
	if err != nil {
		return nil, err
	}
	log, err := logging.New(logging.Config{Level: cfg.Log.Level, JSON: cfg.Log.JSON, Writer: cmd.ErrOrStderr()})
	if err != nil {
		return nil, err
	}
	st, err := openStore(cfg.Store, log)
	if err != nil {
		return nil, err
	}
	engine, err := review.NewEngine(review.Config{
		Gateway:              env.newGateway(cfg, log),
		Store:                st,
		Pool:                 gateway.NewPool(cfg.P4.ClientPrefix, cfg.P4.WorkspaceDir, cfg.P4.PoolSize),
		Logger:               log,
		OptimisticLocking:    cfg.Review.OptimisticLocking,
		KeepApprovalOnModify: cfg.Review.KeepApprovalOnModify,
		ServiceUser:          cfg.P4.User,
	})
	if err != nil {
		st.Close()
		return nil, err
	}
	return &session{cfg: cfg, log: log, engine: engine, store: st}, nil
}

// run opens a session, calls fn and closes the session.
func (env *cliEnv) run(cmd *cobra.Command, fn func(ctx context.Context, s *session) error) error {
	s, err := env.open(cmd)
	if err != nil {
		return err
	}
	defer s.Close()
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return fn(ctx, s)
}

func openStore(cfg config.StoreConfig, log *slog.Logger) (store.Store, error) {
	switch cfg.Driver {
	case "memory":
		return store.NewMemory(), nil
	case "sqlite":
		return sqlstore.Open(sqlstore.SQLite, cfg.DSN)
	case "postgres":
		return sqlstore.Open(sqlstore.Postgres, cfg.DSN)
	case "badger":
		return badgerstore.Open(badgerstore.Config{Path: cfg.DSN, Logger: log.With("component", "badger")})
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}

func parseID(arg, what string) (int, error) {
	id, err := strconv.Atoi(arg)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s %q", what, arg)
	}
	return id, nil
}

func out(cmd *cobra.Command) io.Writer {
	return cmd.OutOrStdout()
}
