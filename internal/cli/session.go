package cli

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"

	"TroveWatch/internal/chain"
	"TroveWatch/internal/config"
	"TroveWatch/internal/core"
	"TroveWatch/internal/ingestion"
	"TroveWatch/internal/observability"
	"TroveWatch/internal/persistence"
	"TroveWatch/internal/state"
	"TroveWatch/internal/transact"
	"TroveWatch/internal/tx"

	"github.com/ethereum/go-ethereum/common"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// ErrNoSigner is returned by transaction commands when no private key is
// configured.
var ErrNoSigner = errors.New("no signing key: set TROVE_PRIVATE_KEY")

// Session is one store plus, when a key is configured, a façade that
// submits from it.
type Session struct {
	Key     state.Key
	Account common.Address
	Store   *core.Store
	// Facade is nil without a signing key.
	Facade *transact.Transactable

	closers []func()
}

// Close releases the session in reverse order of acquisition.
func (s *Session) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}

// OnClose registers fn to run on Close.
func (s *Session) OnClose(fn func()) {
	s.closers = append(s.closers, fn)
}

// Connector opens a Session for the selected store.
type Connector func(ctx context.Context, opts *RootOptions) (*Session, error)

func (o *RootOptions) configPath() string {
	if o.ConfigPath != "" {
		return o.ConfigPath
	}
	return os.Getenv("TROVE_CONFIG")
}

func (o *RootOptions) logger() zerolog.Logger {
	level := zerolog.WarnLevel
	if v := os.Getenv("TROVE_LOG_LEVEL"); v != "" {
		level = observability.ParseLogLevel(v)
	}
	if o.Verbose {
		level = zerolog.DebugLevel
	}
	return observability.ConsoleLogger("trovectl", level)
}

// selectDeployment resolves --store against the configured deployments.
func selectDeployment(cfg config.Config, store string) (config.DeploymentConfig, error) {
	if store == "" {
		return cfg.Deployments[0], nil
	}
	key, err := state.ParseKey(store)
	if err != nil {
		return config.DeploymentConfig{}, err
	}
	d, ok := cfg.Lookup(key)
	if !ok {
		return config.DeploymentConfig{}, fmt.Errorf("store %s is not configured", key)
	}
	return d, nil
}

// Connect is the production Connector: it dials the RPC endpoint, builds
// the store and, with a signing key, the façade. With a Postgres DSN every
// sent transaction and outcome is journaled; Close drains the journal.
func Connect(ctx context.Context, opts *RootOptions) (*Session, error) {
	cfg, err := config.Load(opts.configPath())
	if err != nil {
		return nil, err
	}
	d, err := selectDeployment(cfg, opts.Store)
	if err != nil {
		return nil, err
	}
	params, err := cfg.ParamsRegistry()
	if err != nil {
		return nil, err
	}
	logger := opts.logger()
	metrics := observability.NewMetrics(prometheus.NewRegistry())

	client, err := chain.Dial(ctx, cfg.RPC.URL)
	if err != nil {
		return nil, err
	}
	s := &Session{Key: d.Key(), Account: cfg.AccountAddress()}
	s.OnClose(client.Close)

	var wallet *chain.KeyWallet
	if cfg.PrivateKey != "" {
		wallet, err = chain.NewKeyWallet(cfg.PrivateKey)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("signing key: %w", err)
		}
		if err := wallet.Connect(ctx); err != nil {
			s.Close()
			return nil, err
		}
		s.Account = wallet.Address()
	}

	reader := chain.NewReader(client, s.Account, logger, d.Deployment())
	s.Store = core.NewStore(core.StoreConfig{
		Key:     d.Key(),
		Params:  params.Get(d.Collateral),
		Source:  reader,
		Logger:  logger,
		Metrics: metrics,
	})
	s.OnClose(s.Store.Close)

	if wallet == nil {
		return s, nil
	}

	sender, err := chain.NewSender(ctx, client, wallet, wallet.Address(), logger)
	if err != nil {
		s.Close()
		return nil, err
	}
	tracker := &tx.Tracker{
		Fetcher:      client,
		PollInterval: cfg.Tx.ReceiptPollInterval,
		Logger:       logger,
	}
	var settled []func(tx.Settlement)
	if cfg.Postgres.Enabled() {
		hook, err := attachJournal(s, tracker, cfg, logger, metrics)
		if err != nil {
			s.Close()
			return nil, err
		}
		settled = append(settled, hook)
	}
	if cfg.NATS.Enabled() {
		hook, err := attachPublisher(s, cfg, logger, metrics)
		if err != nil {
			s.Close()
			return nil, err
		}
		settled = append(settled, hook)
	}
	tracker.OnSettled = transact.ObserveSettlements(metrics, settled...)
	s.Facade = transact.New(transact.Config{
		Deployment: d.Deployment(),
		Store:      s.Store,
		Sender:     sender,
		Hints:      chain.NewHinter(client, wallet.Address()),
		Tracker:    tracker,
		Logger:     logger,
		Metrics:    metrics,
	})
	return s, nil
}

// attachJournal starts a journal worker and hooks it into tracker. The
// returned hook records settlements.
func attachJournal(s *Session, tracker *tx.Tracker, cfg config.Config, logger zerolog.Logger, metrics *observability.Metrics) (func(tx.Settlement), error) {
	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}
	worker := persistence.NewJournalWorker(
		persistence.NewJournalWriter(db),
		persistence.NewPostgresReceiptChecker(db),
		cfg.Journal.BatchSize,
		cfg.Journal.FlushTimeout,
		logger,
		metrics,
	)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = worker.Run(ctx)
	}()

	tracker.OnSent = worker.RecordSent
	s.OnClose(func() {
		cancel()
		<-done
		db.Close()
	})
	return worker.RecordSettlement, nil
}

// attachPublisher publishes settled transactions to NATS.
func attachPublisher(s *Session, cfg config.Config, logger zerolog.Logger, metrics *observability.Metrics) (func(tx.Settlement), error) {
	nc, js, err := ingestion.ConnectNATS(cfg.NATS.URL, logger)
	if err != nil {
		return nil, err
	}
	pub := ingestion.NewOutboundPublisher(js, cfg.NATS.PublishBuffer, logger, metrics)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = pub.Run(ctx)
	}()
	s.OnClose(func() {
		cancel()
		<-done
		nc.Close()
	})
	return pub.PublishSettlement, nil
}
