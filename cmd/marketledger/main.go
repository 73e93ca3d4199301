package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"MarketLedger/internal/config"
	"MarketLedger/internal/core"
	"MarketLedger/internal/event"
	"MarketLedger/internal/ingestion"
	"MarketLedger/internal/observability"
	"MarketLedger/internal/persistence"
	"MarketLedger/internal/projection"
	"MarketLedger/internal/query"
	"MarketLedger/internal/server"
	"MarketLedger/internal/store"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const (
	recentTxKeys = 100_000
	replayBatch  = 1000
	tapePerPair  = 500
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: load config: %v\n", err)
		os.Exit(1)
	}
	level := observability.ParseLevel(cfg.LogLevel)
	log := observability.NewLoggerWithLevel("main", level)

	if err := run(cfg, level, log); err != nil {
		log.Fatal().Err(err).Msg("node stopped")
	}
	log.Info().Msg("MarketLedger shutdown complete")
}

func run(cfg *config.Config, level zerolog.Level, log zerolog.Logger) error {
	logger := func(component string) zerolog.Logger {
		return observability.NewLoggerWithLevel(component, level)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	healthChecker := observability.NewHealthChecker()

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Postgres.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Postgres.ConnMaxLifetime)

	pingCtx, pingCancel := context.WithTimeout(ctx, 10*time.Second)
	err = db.PingContext(pingCtx)
	pingCancel()
	if err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	log.Info().Msg("Postgres connected")

	if err := persistence.NewMigrator(db, cfg.Postgres.MigrationsDir, logger("migrate")).Up(ctx); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	// --- Ledger store ---
	st, err := store.Open(cfg.Store.Dir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	blockLog := persistence.NewBlockLog(db)
	if err := verifyCheckpoint(ctx, blockLog, st); err != nil {
		return err
	}

	opts := core.Options{
		Forks:               cfg.Forks,
		VerifyConservation:  cfg.Store.VerifyConservation,
		IdempotencyCapacity: cfg.Pipeline.IdempotencyLRUCapacity,
	}
	dbChecker := persistence.NewPostgresIdempotencyChecker(db)

	// The store may trail the block log after a crash between the Postgres
	// commit and the store flush; re-apply what the log already holds.
	replayed, err := replayBlockLog(ctx, db, blockLog, st, opts, metrics, logger("replay"))
	if err != nil {
		return err
	}
	if replayed > 0 {
		log.Info().Int("blocks", replayed).Uint64("head", st.HeadBlockNum()).Msg("replayed block log")
	}

	// --- Channels ---
	p := cfg.Pipeline
	persistCoreChan := make(chan *core.BlockOutput, p.PersistChanSize)
	projectionChan := make(chan *core.BlockOutput, p.ProjectionChanSize)
	persistWorkerChan := make(chan *core.BlockOutput, p.PersistChanSize)
	publishChan := make(chan *core.BlockOutput, p.PublishChanSize)
	blockChan := make(chan ingestion.RawBlock, p.BlockChanSize)

	processor, err := core.NewBlockProcessor(st, opts, persistCoreChan, projectionChan, dbChecker, metrics, logger("core"))
	if err != nil {
		return fmt.Errorf("block processor: %w", err)
	}
	keys, err := blockLog.RecentTxKeys(ctx, recentTxKeys)
	if err != nil {
		return fmt.Errorf("warm idempotency cache: %w", err)
	}
	processor.WarmLRU(keys)
	healthChecker.SetHeight(processor.Height())
	log.Info().
		Uint64("head", processor.Height()).
		Int("warm_keys", len(keys)).
		Hex("state_hash", hashBytes(processor.StateHash())).
		Msg("block processor ready")

	// --- Projection catch-up ---
	watermark, err := projection.Watermark(ctx, db, projection.MarketStatusProjection)
	if err != nil {
		return fmt.Errorf("read projection watermark: %w", err)
	}
	if watermark < st.HeadBlockNum() {
		log.Info().Uint64("watermark", watermark).Uint64("head", st.HeadBlockNum()).Msg("rebuilding market status projection")
		if err := projection.RebuildMarketStatus(ctx, db, st); err != nil {
			return fmt.Errorf("rebuild projection: %w", err)
		}
		watermark = st.HeadBlockNum()
	}

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATS.URL, logger("nats"))
	if err != nil {
		return err
	}
	defer nc.Close()
	if err := ingestion.EnsureStreams(ctx, js, logger("nats")); err != nil {
		return err
	}
	subscriber := ingestion.NewNATSSubscriber(js, blockChan, logger("nats"))
	if err := subscriber.Subscribe(ctx); err != nil {
		return err
	}

	sinks := []ingestion.TradeSink{ingestion.NewNATSSink(js)}
	if len(cfg.Kafka.Brokers) > 0 {
		producer, err := ingestion.NewKafkaProducer(cfg.Kafka.Brokers)
		if err != nil {
			return err
		}
		kafkaSink := ingestion.NewKafkaSink(producer, cfg.Kafka.Topic)
		defer kafkaSink.Close()
		sinks = append(sinks, kafkaSink)
		log.Info().Strs("brokers", cfg.Kafka.Brokers).Str("topic", cfg.Kafka.Topic).Msg("Kafka trade sink enabled")
	}

	// --- Workers ---
	tape := projection.NewTradeTape(tapePerPair)
	persistWorker := persistence.NewPersistenceWorker(db, persistWorkerChan, p.PersistBatchSize, p.PersistFlushTimeout, metrics, logger("persistence"))
	projWorker := projection.NewProjectionWorker(db, projectionChan, tape, watermark, metrics, logger("projection"))
	publisher := ingestion.NewOutboundPublisher(publishChan, sinks, metrics, logger("publisher"))

	srv, err := server.New(cfg.Server.GRPCAddr, cfg.Server.HTTPAddr, server.Deps{
		Query:    query.NewQueryService(db),
		Tape:     tape,
		Injector: ingestion.NewAdminInjector(blockChan),
		Health:   healthChecker,
		Metrics:  metrics,
	}, logger("server"))
	if err != nil {
		return err
	}

	healthChecker.AddCheck("postgres", func(ctx context.Context) error {
		return db.PingContext(ctx)
	})
	healthChecker.AddCheck("nats", func(context.Context) error {
		if !nc.IsConnected() {
			return errors.New("not connected")
		}
		return nil
	})

	errChan := make(chan error, 8)
	workersDone := make(chan struct{}, 3)
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	go func() {
		errChan <- persistWorker.Run(workerCtx)
		workersDone <- struct{}{}
	}()
	go func() {
		errChan <- projWorker.Run(workerCtx)
		workersDone <- struct{}{}
	}()
	go func() {
		errChan <- publisher.Run(workerCtx)
		workersDone <- struct{}{}
	}()

	bridgeDone := make(chan struct{})
	go func() {
		defer close(bridgeDone)
		teeOutputs(persistCoreChan, persistWorkerChan, publishChan, metrics)
	}()

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		runBlockLoop(ctx, blockChan, processor, healthChecker, metrics, logger("ingest"))
	}()

	go reportChannels(ctx, metrics, map[string]func() (int, int){
		"persist":    func() (int, int) { return len(persistWorkerChan), cap(persistWorkerChan) },
		"projection": func() (int, int) { return len(projectionChan), cap(projectionChan) },
		"publish":    func() (int, int) { return len(publishChan), cap(publishChan) },
		"blocks":     func() (int, int) { return len(blockChan), cap(blockChan) },
	})

	go func() { errChan <- srv.StartGRPC(ctx) }()
	go func() { errChan <- srv.StartHTTP(ctx) }()
	go func() { errChan <- serveMetrics(ctx, cfg.Server.MetricsAddr, log) }()

	healthChecker.SetReady(true)
	log.Info().
		Uint64("height", processor.Height()).
		Str("grpc", cfg.Server.GRPCAddr).
		Str("http", cfg.Server.HTTPAddr).
		Str("metrics", cfg.Server.MetricsAddr).
		Msg("MarketLedger ready")

	var runErr error
	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		if err != nil {
			log.Error().Err(err).Msg("goroutine failed, shutting down")
			runErr = err
		}
	}

	// Stop intake, let the block loop finish its current block, then drain the
	// output channels through the workers.
	healthChecker.SetReady(false)
	subscriber.Stop()
	cancel()
	<-loopDone

	close(persistCoreChan)
	close(projectionChan)

	drain := time.NewTimer(30 * time.Second)
	defer drain.Stop()
	select {
	case <-bridgeDone:
	case <-drain.C:
		log.Warn().Msg("persistence did not drain in time")
		workerCancel()
		return runErr
	}
	for i := 0; i < 3; i++ {
		select {
		case <-workersDone:
		case <-drain.C:
			log.Warn().Msg("workers did not drain in time")
			workerCancel()
			return runErr
		}
	}
	return runErr
}

// verifyCheckpoint compares the store's hash chain head with the block log's
// checkpoint at the same height. A fresh store or a lagging block log passes.
func verifyCheckpoint(ctx context.Context, blockLog *persistence.BlockLog, st *store.PebbleState) error {
	head := st.HeadBlockNum()
	if head == 0 {
		return nil
	}
	cp, err := blockLog.CheckpointAt(ctx, head)
	if err != nil {
		return fmt.Errorf("read checkpoint %d: %w", head, err)
	}
	if cp == nil {
		return nil
	}
	hash, err := st.StateHash()
	if err != nil {
		return fmt.Errorf("read state hash: %w", err)
	}
	if string(hash) != string(cp.StateHash) {
		return fmt.Errorf("state hash mismatch at height %d: store %x, block log %x", head, hash, cp.StateHash)
	}
	return nil
}

// replayBlockLog applies logged blocks above the store head. Outputs are not
// re-emitted; the projection catches up by rebuilding from the store.
func replayBlockLog(
	ctx context.Context,
	db *sql.DB,
	blockLog *persistence.BlockLog,
	st *store.PebbleState,
	opts core.Options,
	metrics *observability.Metrics,
	log zerolog.Logger,
) (int, error) {
	checker := persistence.NewReplayIdempotencyChecker(db)
	replayer, err := core.NewBlockProcessor(st, opts, nil, nil, checker, metrics, log)
	if err != nil {
		return 0, fmt.Errorf("replay processor: %w", err)
	}

	total := 0
	for {
		from := st.HeadBlockNum() + 1
		rows, err := blockLog.LoadBlocksFrom(ctx, from, replayBatch)
		if err != nil {
			return total, fmt.Errorf("load blocks from %d: %w", from, err)
		}
		if len(rows) == 0 {
			return total, nil
		}
		for _, row := range rows {
			var b event.Block
			if err := json.Unmarshal(row.Payload, &b); err != nil {
				return total, fmt.Errorf("decode logged block %d: %w", row.Height, err)
			}
			checker.SetHeight(b.Height)
			if _, err := replayer.ProcessBlock(&b); err != nil {
				return total, fmt.Errorf("replay block %d: %w", row.Height, err)
			}
			got := replayer.StateHash()
			if string(got[:]) != string(row.StateHash) {
				return total, fmt.Errorf("replay diverged at height %d: computed %x, logged %x", row.Height, got, row.StateHash)
			}
			total++
		}
	}
}

// runBlockLoop feeds raw blocks to the processor in arrival order.
func runBlockLoop(
	ctx context.Context,
	blockChan <-chan ingestion.RawBlock,
	processor *core.BlockProcessor,
	health *observability.HealthChecker,
	metrics *observability.Metrics,
	log zerolog.Logger,
) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw := <-blockChan:
			b, err := ingestion.ParseBlock(raw.Data)
			if err != nil {
				// redelivery cannot fix a malformed payload
				metrics.IngestRejected.WithLabelValues(raw.Source).Inc()
				log.Warn().Err(err).Str("source", raw.Source).Str("subject", raw.Subject).Msg("dropping malformed block")
				raw.Ack()
				continue
			}

			_, err = processor.ProcessBlock(b)
			switch {
			case err == nil:
				if !raw.Received.IsZero() {
					metrics.IngestToApply.Observe(time.Since(raw.Received).Seconds())
				}
				health.SetHeight(b.Height)
				raw.Ack()
			case errors.Is(err, core.ErrDuplicateBlock):
				log.Debug().Uint64("height", b.Height).Msg("duplicate block skipped")
				raw.Ack()
			case errors.Is(err, core.ErrHeightGap):
				log.Warn().Err(err).Msg("height gap, requesting redelivery")
				raw.Nak()
			default:
				log.Error().Err(err).Uint64("height", b.Height).Msg("block failed")
				raw.Nak()
			}
		}
	}
}

// teeOutputs forwards every persisted output to the persistence worker and, best
// effort, to the publisher. It closes both outputs when in closes.
func teeOutputs(in <-chan *core.BlockOutput, persistOut, publishOut chan<- *core.BlockOutput, metrics *observability.Metrics) {
	defer close(persistOut)
	defer close(publishOut)
	for out := range in {
		persistOut <- out
		select {
		case publishOut <- out:
		default:
			metrics.PublishDrops.WithLabelValues("channel").Inc()
		}
	}
}

func reportChannels(ctx context.Context, metrics *observability.Metrics, chans map[string]func() (int, int)) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for name, size := range chans {
				n, c := size()
				metrics.SetChannelMetrics(name, n, c)
			}
		}
	}
}

func serveMetrics(ctx context.Context, addr string, log zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		srv.Shutdown(shutCtx)
	}()
	log.Info().Str("addr", addr).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

func hashBytes(h [32]byte) []byte { return h[:] }
