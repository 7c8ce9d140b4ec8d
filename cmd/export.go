package cmd

import (
	"context"
	"fmt"
	"io/ioutil"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"
	goredis "github.com/go-redis/redis/v8"
	"github.com/pinpt/agent.billing/internal/catalog"
	"github.com/pinpt/agent.billing/internal/engine"
	internalhttp "github.com/pinpt/agent.billing/internal/http"
	"github.com/pinpt/agent.billing/internal/pipe/console"
	"github.com/pinpt/agent.billing/internal/pipe/file"
	"github.com/pinpt/agent.billing/internal/state"
	statefile "github.com/pinpt/agent.billing/internal/state/file"
	stateredis "github.com/pinpt/agent.billing/internal/state/redis"
	"github.com/pinpt/agent.billing/sdk"
	"github.com/pinpt/go-common/v10/log"
	"github.com/spf13/cobra"
)

func loadConfig(cmd *cobra.Command) (sdk.Config, error) {
	fn, _ := cmd.Flags().GetString("config")
	buf, err := ioutil.ReadFile(fn)
	if err != nil {
		return sdk.Config{}, fmt.Errorf("error reading config file at %s: %w", fn, err)
	}
	var config sdk.Config
	if err := config.Parse(buf); err != nil {
		return sdk.Config{}, err
	}
	return config, nil
}

func openState(ctx context.Context, logger log.Logger, cmd *cobra.Command, dir string) (state.Store, error) {
	if addr, _ := cmd.Flags().GetString("redis"); addr != "" {
		client := goredis.NewClient(&goredis.Options{Addr: addr})
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("error connecting to redis at %s: %w", addr, err)
		}
		key, _ := cmd.Flags().GetString("redis-key")
		return stateredis.New(ctx, logger, client, key)
	}
	fn, _ := cmd.Flags().GetString("state")
	if fn == "" {
		fn = filepath.Join(dir, "state.json")
	}
	return statefile.New(logger, fn)
}

func resolveClient(logger log.Logger, config sdk.Config) (sdk.HTTPClient, error) {
	manager := internalhttp.New(internalhttp.WithRetryPolicy(config.Backoff(), config.RetryLimit()))
	return engine.ResolveClient(logger, manager, config)
}

// cancelOnInterrupt cancels the sync context on the first interrupt and lets a
// second one kill the process the hard way
func cancelOnInterrupt(logger log.Logger) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-ch
		log.Info(logger, "interrupt received, finishing the current checkpoint")
		cancel()
		<-ch
		os.Exit(1)
	}()
	return ctx
}

// exportCmd represents the export command
var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "run an incremental export of the selected streams",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		logger := log.NewCommandLogger(cmd)
		defer logger.Close()
		config, err := loadConfig(cmd)
		if err != nil {
			log.Fatal(logger, "unable to load config", "err", err)
		}
		if err := config.Validate(); err != nil {
			log.Fatal(logger, "invalid config", "err", err)
		}
		dir, _ := cmd.Flags().GetString("dir")
		ctx := cancelOnInterrupt(logger)
		store, err := openState(ctx, logger, cmd, dir)
		if err != nil {
			log.Fatal(logger, "unable to open state store", "err", err)
		}
		var pipe sdk.Pipe
		if useConsole, _ := cmd.Flags().GetBool("console"); useConsole {
			pipe = console.New(logger)
		} else {
			p, err := file.New(logger, dir)
			if err != nil {
				log.Fatal(logger, "unable to open output dir", "dir", dir, "err", err)
			}
			pipe = p
		}
		defer pipe.Close()
		client, err := resolveClient(logger, config)
		if err != nil {
			log.Fatal(logger, "unable to resolve api host", "err", err)
		}
		streams, err := catalog.New(logger, client, config).Streams()
		if err != nil {
			log.Fatal(logger, "unable to discover streams", "err", err)
		}
		if len(streams) == 0 {
			log.Fatal(logger, "no streams selected, check the include and exclude configuration")
		}
		eng := engine.New(logger, config, store, pipe, client, streams)
		if err := eng.Run(ctx); err != nil {
			log.Fatal(logger, "export failed", "err", err)
		}
		stats, _ := eng.Stats().String()
		fmt.Println(color.GreenString("export completed"), stats)
	},
}

func init() {
	rootCmd.AddCommand(exportCmd)
	exportCmd.Flags().String("config", "config.json", "path to the config file")
	exportCmd.Flags().String("dir", "dist", "directory for exported records and the default state file")
	exportCmd.Flags().Bool("console", false, "log records instead of writing files")
	exportCmd.Flags().String("state", "", "path to the state file, defaults to state.json inside --dir")
	exportCmd.Flags().String("redis", "", "redis address for shared state, overrides --state")
	exportCmd.Flags().String("redis-key", "", "redis key holding the state")
}
