package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tokengate/tokengate/config"
	"github.com/tokengate/tokengate/internal/ledger"
	"github.com/tokengate/tokengate/internal/payments"
	"github.com/tokengate/tokengate/internal/server"
	"github.com/tokengate/tokengate/internal/store"
	"github.com/tokengate/tokengate/internal/token"
	"github.com/tokengate/tokengate/internal/ttl"
)

var (
	cfgFile   string
	port      int
	layout    string
	storePath string
	cacheMB   int
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "tokengate",
		Short: "tokengate: expiring token balances for access gating",
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the ledger HTTP node",
		RunE:  runServe,
	}
	serveCmd.Flags().StringVarP(&cfgFile, "config", "c", "", "Path to config file (default: config/config.json)")
	serveCmd.Flags().IntVarP(&port, "port", "p", 0, "HTTP port (overrides config)")
	serveCmd.Flags().StringVar(&layout, "layout", "", "Slot layout: 'fixed' | 'elastic' (overrides config)")
	serveCmd.Flags().StringVar(&storePath, "store", "", "LevelDB directory (overrides config)")

	inspectCmd := &cobra.Command{
		Use:   "inspect <account> <id>",
		Short: "Print the raw chunks of one balance slot",
		Args:  cobra.ExactArgs(2),
		RunE:  runInspect,
	}
	inspectCmd.Flags().StringVar(&storePath, "store", "", "LevelDB directory")
	inspectCmd.Flags().IntVar(&cacheMB, "cache", store.DefaultCacheMB, "Cache size in MB")
	_ = inspectCmd.MarkFlagRequired("store")

	rootCmd.AddCommand(serveCmd, inspectCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(development bool) (*zap.Logger, error) {
	if development {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("config load: %w", err)
	}
	if port != 0 {
		cfg.Server.Port = port
	}
	if layout != "" {
		cfg.Ledger.Layout = layout
	}
	if storePath != "" {
		cfg.Store.Path = storePath
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := newLogger(cfg.Log.Development)
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer logger.Sync()

	admin, err := cfg.AdminAddress()
	if err != nil {
		return err
	}

	db, err := store.Open(cfg.Store.Path, cfg.Store.CacheMB, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	registry := ttl.NewRegistry(db)
	policy := ttl.NewPolicy(registry, cfg.Ledger.Capacity)
	var l *ledger.Ledger
	if cfg.Ledger.Layout == config.LayoutElastic {
		l = ledger.NewElastic(policy, db)
	} else {
		l = ledger.NewFixed(cfg.Ledger.Capacity, policy, db)
	}

	opts := token.Options{
		Admin:              admin,
		AdminTransferDelay: cfg.Token.AdminTransferDelay,
		Logger:             logger,
		Tokens:             db,
	}
	if cfg.Payments.GatewayURL != "" {
		opts.Payments = payments.NewGateway(cfg.Payments.GatewayURL, payments.ClientConfig{
			Timeout:    cfg.Payments.Timeout,
			Retries:    cfg.Payments.Retries,
			MinBackoff: 50 * time.Millisecond,
			MaxBackoff: 500 * time.Millisecond,
		}, logger)
	}
	auth, err := token.NewAuth(l, registry, opts)
	if err != nil {
		return err
	}
	var standard token.Standard = token.NewMultiToken(auth)
	if cfg.Token.Standard == config.StandardAccounts {
		standard = token.NewAccountToken(auth)
	}

	logger.Info("Starting tokengate node",
		zap.String("standard", standard.Name()),
		zap.String("layout", l.Layout().Name()),
		zap.Int("capacity", cfg.Ledger.Capacity),
		zap.String("admin", admin.Hex()))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := server.NewServer(auth, standard, l, cfg.Ledger.Capacity, logger)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(gctx, cfg.Server.Port)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down tokengate node")
		return nil
	})
	return g.Wait()
}

func runInspect(cmd *cobra.Command, args []string) error {
	if !common.IsHexAddress(args[0]) {
		return fmt.Errorf("invalid account %q", args[0])
	}
	account := common.HexToAddress(args[0])
	id, err := uint256.FromDecimal(args[1])
	if err != nil {
		return fmt.Errorf("invalid id %q: %w", args[1], err)
	}

	db, err := store.Open(storePath, cacheMB, zap.NewNop())
	if err != nil {
		return err
	}
	defer db.Close()

	chunks, err := db.LoadSlot(ledger.NewSlotKey(account, id))
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	ttlSeconds, ok, err := db.LoadTTL(id)
	if err != nil {
		return err
	}
	if ok {
		fmt.Fprintf(out, "token %s ttl=%ds\n", id.Dec(), ttlSeconds)
	} else {
		fmt.Fprintf(out, "token %s ttl=unset\n", id.Dec())
	}
	fmt.Fprintf(out, "slot %s: %d entries\n", hexutil.Encode(store.SlotDBKey(ledger.NewSlotKey(account, id))), len(chunks))
	for i, c := range chunks {
		if c.Amount.IsZero() {
			continue
		}
		expires := fmt.Sprintf("%d", c.ExpiresAt)
		if c.ExpiresAt == ttl.NeverExpires {
			expires = "never"
		}
		fmt.Fprintf(out, "  [%d] amount=%s expires=%s\n", i, c.Amount.Dec(), expires)
	}
	return nil
}
