package main

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/jacktea/shardfs/pkg/audit"
	"github.com/jacktea/shardfs/pkg/blob"
	"github.com/jacktea/shardfs/pkg/fs"
	"github.com/jacktea/shardfs/pkg/meta"
	"github.com/jacktea/shardfs/pkg/metrics"
	"github.com/jacktea/shardfs/pkg/server/httpapi"
	"github.com/jacktea/shardfs/pkg/server/middleware"
	"github.com/jacktea/shardfs/pkg/upload"
)

type config struct {
	BaseDir          string
	MaxFilesPerShard int64
	MetaDriver       string
	MetaPath         string
	MetaCacheSize    int
	MetaCacheTTL     time.Duration
	LogLevel         string
}

func loadConfig() config {
	return config{
		BaseDir:          viper.GetString("base_dir"),
		MaxFilesPerShard: viper.GetInt64("max_files_per_shard"),
		MetaDriver:       viper.GetString("meta_driver"),
		MetaPath:         viper.GetString("meta_path"),
		MetaCacheSize:    viper.GetInt("meta_cache_size"),
		MetaCacheTTL:     viper.GetDuration("meta_cache_ttl"),
		LogLevel:         viper.GetString("log_level"),
	}
}

type app struct {
	ctx      context.Context
	log      *zap.Logger
	meta     meta.Store
	store    *blob.Store
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	cleanup  []func()
}

func newApp(ctx context.Context, cfg config) (*app, error) {
	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	a := &app{ctx: ctx, log: log}
	a.cleanup = append(a.cleanup, func() { _ = log.Sync() })

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = metrics.New(a.registry)

	md, err := meta.Open(cfg.MetaDriver, cfg.MetaPath)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("metadata store: %w", err)
	}
	if sq, ok := md.(*meta.SQLiteStore); ok {
		a.registry.MustRegister(collectors.NewDBStatsCollector(sq.DB(), "meta"))
	}
	if cfg.MetaCacheSize > 0 {
		md = meta.NewCachedStore(md, cfg.MetaCacheSize, cfg.MetaCacheTTL)
	}
	a.meta = md
	if closer, ok := md.(io.Closer); ok {
		a.cleanup = append(a.cleanup, func() { _ = closer.Close() })
	}

	store, err := blob.New(blob.Config{
		BaseDir:          cfg.BaseDir,
		MaxFilesPerShard: cfg.MaxFilesPerShard,
	}, md, blob.WithLogger(log.Named("blob")), blob.WithMetrics(a.metrics))
	if err != nil {
		a.close()
		return nil, err
	}
	a.store = store
	return a, nil
}

func (a *app) close() {
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		a.cleanup[i]()
	}
	a.cleanup = nil
}

func newLogger(level string) (*zap.Logger, error) {
	lvl := zapcore.InfoLevel
	if level != "" {
		if err := lvl.UnmarshalText([]byte(level)); err != nil {
			return nil, fmt.Errorf("log level %q: %w", level, err)
		}
	}
	cfg := zap.NewProductionConfig()
	if lvl == zapcore.DebugLevel {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.OutputPaths = []string{"stderr"}
	return cfg.Build()
}

var (
	cfgFile     string
	application *app
	rootCmd     = &cobra.Command{
		Use:           "shardfs",
		Short:         "shardfs sharded blob store CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if application != nil {
				return nil
			}
			a, err := newApp(cmd.Context(), loadConfig())
			if err != nil {
				return err
			}
			application = a
			return nil
		},
	}
)

func init() {
	cobra.OnInitialize(initConfig)
	initRootFlags()
	initCommands()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if application != nil {
		application.close()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("shardfs")
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(filepath.Join(home, ".config", "shardfs"))
		}
	}
	viper.SetEnvPrefix("SHARDFS")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) {
			fmt.Fprintf(os.Stderr, "read config: %v\n", err)
		}
	}
}

func bindConfig(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
}

func initRootFlags() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (TOML or YAML)")

	rootCmd.PersistentFlags().String("base-dir", ".shardfs/files", "root directory of the shard directories")
	rootCmd.PersistentFlags().Int64("max-files-per-shard", 1000, "identifiers per shard directory")
	rootCmd.PersistentFlags().String("meta-driver", "bolt", "metadata store: bolt|sqlite|json|memory")
	rootCmd.PersistentFlags().String("meta-path", ".shardfs/meta.db", "path of the metadata store")
	rootCmd.PersistentFlags().Int("meta-cache-size", 0, "metadata records cached in memory (0 disables)")
	rootCmd.PersistentFlags().Duration("meta-cache-ttl", 5*time.Minute, "time to keep cached metadata records")
	rootCmd.PersistentFlags().String("log-level", "info", "log level: debug|info|warn|error")

	bindConfig("base_dir", rootCmd.PersistentFlags().Lookup("base-dir"))
	bindConfig("max_files_per_shard", rootCmd.PersistentFlags().Lookup("max-files-per-shard"))
	bindConfig("meta_driver", rootCmd.PersistentFlags().Lookup("meta-driver"))
	bindConfig("meta_path", rootCmd.PersistentFlags().Lookup("meta-path"))
	bindConfig("meta_cache_size", rootCmd.PersistentFlags().Lookup("meta-cache-size"))
	bindConfig("meta_cache_ttl", rootCmd.PersistentFlags().Lookup("meta-cache-ttl"))
	bindConfig("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func initCommands() {
	rootCmd.AddCommand(
		newPutCmd(),
		newUploadCmd(),
		newImageCmd(),
		newRmCmd(),
		newPathCmd(),
		newCatCmd(),
		newAuditCmd(),
		newMigrateCmd(),
		newServeHTTPCmd(),
	)
}

func newPutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "put <file>",
		Short: "Copy a local file into the store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return doPut(application.ctx, application.store, cmd.OutOrStdout(), args[0])
		},
	}
}

func newUploadCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "upload",
		Short: "Store stdin under the given file name",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return doUpload(application.ctx, application.store, cmd.OutOrStdout(), name, cmd.InOrStdin())
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "original file name to record")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newImageCmd() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "image <file>",
		Short: "Decode an image and store it re-encoded",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return doImage(application.ctx, application.store, cmd.OutOrStdout(), args[0], format)
		},
	}
	cmd.Flags().StringVar(&format, "format", "png", "target format: png|jpeg|jpg|gif")
	return cmd
}

func newRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <id>",
		Short: "Delete a stored file and its metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return doRm(application.ctx, application.store, cmd.OutOrStdout(), args[0])
		},
	}
}

func newPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path <id>",
		Short: "Print where a stored file lives",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return doPath(application.ctx, application.store, cmd.OutOrStdout(), args[0])
		},
	}
}

func newCatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cat <id>",
		Short: "Print the stored file contents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return doCat(application.ctx, application.store, cmd.OutOrStdout(), args[0])
		},
	}
}

func newAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Report metadata records without files and files without records",
		RunE: func(cmd *cobra.Command, args []string) error {
			sweeper := audit.NewSweeper(audit.Options{
				Meta:    application.meta,
				Blob:    application.store,
				Purge:   viper.GetBool("audit.purge"),
				Logger:  application.log.Named("audit"),
				Metrics: application.metrics,
			})
			return doAudit(application.ctx, sweeper, cmd.OutOrStdout(), viper.GetDuration("audit.confirm_delay"))
		},
	}
	cmd.Flags().Bool("purge", false, "delete metadata records whose file is still missing on a second pass")
	cmd.Flags().Duration("confirm-delay", 5*time.Second, "wait between the report pass and the purge pass")
	bindConfig("audit.purge", cmd.Flags().Lookup("purge"))
	bindConfig("audit.confirm_delay", cmd.Flags().Lookup("confirm-delay"))
	return cmd
}

func newMigrateCmd() *cobra.Command {
	var toDriver, toPath string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Copy every metadata record into another metadata store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return doMigrate(application.ctx, application.meta, cmd.OutOrStdout(), toDriver, toPath)
		},
	}
	cmd.Flags().StringVar(&toDriver, "to-driver", "sqlite", "destination driver: bolt|sqlite|json")
	cmd.Flags().StringVar(&toPath, "to-path", "", "destination store path")
	_ = cmd.MarkFlagRequired("to-path")
	return cmd
}

type httpServeOptions struct {
	Addr          string
	RateLimit     int
	RateWindow    time.Duration
	MaxUploadMB   int
	AuditInterval time.Duration
	AuditPurge    bool
}

func newServeHTTPCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve-http",
		Short: "Expose the store over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServeHTTP(application, httpServeOptions{
				Addr:          viper.GetString("serve_http.addr"),
				RateLimit:     viper.GetInt("serve_http.rate_limit"),
				RateWindow:    viper.GetDuration("serve_http.rate_window"),
				MaxUploadMB:   viper.GetInt("serve_http.max_upload_mb"),
				AuditInterval: viper.GetDuration("audit.interval"),
				AuditPurge:    viper.GetBool("audit.purge"),
			})
		},
	}
	cmd.Flags().String("addr", ":8080", "listen address")
	cmd.Flags().Int("rate-limit", 0, "requests allowed per rate window (0 disables)")
	cmd.Flags().Duration("rate-window", time.Second, "rate limit window")
	cmd.Flags().Int("max-upload-mb", 32, "largest accepted upload in MiB")
	cmd.Flags().Duration("audit-interval", 0, "run the audit sweeper in the background at this interval (0 disables)")
	bindConfig("serve_http.addr", cmd.Flags().Lookup("addr"))
	bindConfig("serve_http.rate_limit", cmd.Flags().Lookup("rate-limit"))
	bindConfig("serve_http.rate_window", cmd.Flags().Lookup("rate-window"))
	bindConfig("serve_http.max_upload_mb", cmd.Flags().Lookup("max-upload-mb"))
	bindConfig("audit.interval", cmd.Flags().Lookup("audit-interval"))
	return cmd
}

func runServeHTTP(a *app, opt httpServeOptions) error {
	httpOpts := httpapi.Options{
		MaxUploadBytes: int64(opt.MaxUploadMB) << 20,
		Metrics:        promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}),
	}
	if opt.RateLimit > 0 {
		httpOpts.RateLimit = middleware.RateLimitOptions{
			Requests: opt.RateLimit,
			Window:   opt.RateWindow,
		}
	}
	if opt.AuditInterval > 0 {
		sweeper := audit.NewSweeper(audit.Options{
			Meta:    a.meta,
			Blob:    a.store,
			Purge:   opt.AuditPurge,
			Logger:  a.log.Named("audit"),
			Metrics: a.metrics,
		})
		stop := sweeper.Start(a.ctx, opt.AuditInterval)
		defer stop()
	}
	server := &httpapi.Server{Store: a.store, Log: a.log.Named("http"), Opts: httpOpts}
	a.log.Info("serving HTTP API", zap.String("addr", opt.Addr), zap.String("base_dir", a.store.BaseDir()))
	return server.Start(a.ctx, opt.Addr)
}

func printSaved(ctx context.Context, store *blob.Store, out io.Writer, id fs.ID) error {
	p, _, err := store.Locate(ctx, id)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%d\t%s\n", id, p.Full())
	return nil
}

func doPut(ctx context.Context, store *blob.Store, out io.Writer, src string) error {
	id, err := store.SaveCopy(ctx, src)
	if err != nil {
		return err
	}
	return printSaved(ctx, store, out, id)
}

func doUpload(ctx context.Context, store *blob.Store, out io.Writer, name string, r io.Reader) error {
	src, err := upload.Named(name, r)
	if err != nil {
		return err
	}
	id, err := store.SaveUpload(ctx, src)
	if err != nil {
		return err
	}
	return printSaved(ctx, store, out, id)
}

func doImage(ctx context.Context, store *blob.Store, out io.Writer, path, format string) error {
	if _, err := blob.ParseFormat(format); err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	img, _, err := image.Decode(f)
	f.Close()
	if err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	id, err := store.SaveImage(ctx, img, path, format)
	if err != nil {
		return err
	}
	return printSaved(ctx, store, out, id)
}

func doRm(ctx context.Context, store *blob.Store, out io.Writer, arg string) error {
	id, err := fs.ParseID(arg)
	if err != nil {
		return fmt.Errorf("invalid id %q: %w", arg, err)
	}
	if !store.Delete(ctx, id) {
		return fmt.Errorf("id %d was not deleted", id)
	}
	fmt.Fprintf(out, "deleted %d\n", id)
	return nil
}

func doPath(ctx context.Context, store *blob.Store, out io.Writer, arg string) error {
	id, err := fs.ParseID(arg)
	if err != nil {
		return fmt.Errorf("invalid id %q: %w", arg, err)
	}
	p, _, err := store.Locate(ctx, id)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, p.Full())
	return nil
}

func doCat(ctx context.Context, store *blob.Store, out io.Writer, arg string) error {
	id, err := fs.ParseID(arg)
	if err != nil {
		return fmt.Errorf("invalid id %q: %w", arg, err)
	}
	f, _, err := store.Open(ctx, id)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(out, f)
	return err
}

// doAudit runs one sweep and, when purging, a second one after confirm so
// that saves in progress during the first pass can finish.
func doAudit(ctx context.Context, sweeper *audit.Sweeper, out io.Writer, confirm time.Duration) error {
	rep, err := sweeper.Sweep(ctx)
	if err != nil {
		return err
	}
	if sweeper.Purges() && len(rep.MissingBlobs) > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(confirm):
		}
		second, err := sweeper.Sweep(ctx)
		if err != nil {
			return err
		}
		rep.Purged = second.Purged
	}
	fmt.Fprintf(out, "checked %d records\n", rep.Checked)
	for _, id := range rep.MissingBlobs {
		fmt.Fprintf(out, "missing file\t%d\n", id)
	}
	for _, p := range rep.OrphanFiles {
		fmt.Fprintf(out, "orphan file\t%s\n", p)
	}
	if rep.Purged > 0 {
		fmt.Fprintf(out, "purged %d records\n", rep.Purged)
	}
	return nil
}

func doMigrate(ctx context.Context, src meta.Store, out io.Writer, driver, path string) error {
	dst, err := meta.Open(driver, path)
	if err != nil {
		return err
	}
	if closer, ok := dst.(io.Closer); ok {
		defer closer.Close()
	}
	restorer, ok := dst.(meta.Restorer)
	if !ok {
		return fmt.Errorf("driver %q cannot restore records", driver)
	}
	stats, err := meta.Migrate(ctx, src, restorer)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "migrated %d records (%d skipped, max id %d)\n", stats.Copied, stats.Skipped, stats.MaxID)
	return nil
}
