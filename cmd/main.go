package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"orderfeed/internal/book"
	"orderfeed/internal/config"
	"orderfeed/internal/logger"
	"orderfeed/internal/resubscribe"
	"orderfeed/internal/server"
	"orderfeed/internal/trade"
	"orderfeed/internal/transport"
)

const (
	colorReset   = "\033[0m"
	colorYellow  = "\033[33m"
	colorGreen   = "\033[32m"
	colorRed     = "\033[31m"
	colorMagenta = "\033[35m"
	colorBold    = "\033[1m"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "", "Path to YAML config file")
	envFile := flag.String("env", ".env", "Path to .env file")
	depth := flag.Int("depth", 0, "Levels per side in the order book view (overrides config)")
	bookTopic := flag.String("book-topic", "", "Order book topic (overrides config)")
	tradeTopic := flag.String("trade-topic", "", "Trade topic (overrides config)")
	pretty := flag.Bool("pretty", false, "Print periodic stats to the console instead of logging them")
	flag.Parse()

	if err := config.LoadDotEnv(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load env file: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *depth > 0 {
		cfg.SetDepth(*depth)
	}
	cfg.SetTopics(*bookTopic, *tradeTopic)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log, *pretty); err != nil {
		log.WithError(err).Fatal("orderfeed stopped with error")
	}
	log.Info("All feeds closed. Goodbye!")
}

func run(ctx context.Context, cfg config.Config, log *logrus.Logger, pretty bool) error {
	log.WithFields(logrus.Fields{
		"book_endpoint":  cfg.BookEndpoint(),
		"book_topic":     cfg.Feed.BookTopic,
		"trade_endpoint": cfg.TradeEndpoint(),
		"trade_topic":    cfg.Feed.TradeTopic,
		"depth":          cfg.Book.Depth,
	}).Info("Starting order feed")

	registry := transport.NewRegistry(transport.Config{
		ReconnectDelay:       cfg.Transport.ReconnectDelay,
		MaxReconnectAttempts: cfg.Transport.MaxReconnectAttempts,
		HandshakeTimeout:     cfg.Transport.HandshakeTimeout,
		WriteTimeout:         cfg.Transport.WriteTimeout,
	}, logrus.NewEntry(log))
	defer registry.Close()

	bookFeed := registry.GetOrCreate(cfg.BookEndpoint(), lifecycleLogger(log, "book"))
	reconciler := book.NewReconciler(bookFeed, cfg.Feed.BookTopic,
		book.WithDepth(cfg.Book.Depth),
		book.WithLogger(logrus.NewEntry(log)),
		book.WithPolicy(resubscribe.New(cfg.Book.ResubscribeInterval, cfg.Book.MaxResubscribeAttempts)),
	)
	defer reconciler.Close()

	tradeFeed := registry.GetOrCreate(cfg.TradeEndpoint(), lifecycleLogger(log, "trade"))
	trades := trade.New(tradeFeed, cfg.Feed.TradeTopic,
		trade.WithLogger(logrus.NewEntry(log)),
		trade.WithPolicy(resubscribe.New(cfg.Book.ResubscribeInterval, cfg.Book.MaxResubscribeAttempts)),
	)
	defer trades.Close()

	srv := server.NewServer(cfg.Server.Addr, logrus.NewEntry(log),
		server.WithStats(reconciler.Stats),
		server.WithHealth(registry.Health),
	)
	reconciler.OnUpdate(srv.PublishBook)
	trades.OnTrade(srv.PublishTrade)

	if err := reconciler.Start(); err != nil {
		return err
	}
	if err := trades.Start(); err != nil {
		// the adapter retries through its resubscribe policy
		log.WithError(err).Warn("trade subscription failed")
	}

	srvErr := make(chan error, 1)
	go func() {
		srvErr <- srv.Run(ctx)
	}()

	ticker := time.NewTicker(cfg.Server.LogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			last, _ := trades.Last()
			if pretty {
				printStats(reconciler.Stats(), last, registry.Health())
			} else {
				logStats(log, reconciler.Stats(), last, srv.ClientCount())
			}
		case err := <-srvErr:
			if err != nil {
				return fmt.Errorf("view server: %w", err)
			}
			return nil
		case <-ctx.Done():
			log.Info("Shutting down...")
			return <-srvErr
		}
	}
}

func lifecycleLogger(log *logrus.Logger, name string) transport.Options {
	entry := logger.Component(log, name)
	return transport.Options{
		OnOpen: func() {
			entry.Debug("feed connection open")
		},
		OnError: func(err error) {
			entry.WithError(err).Warn("feed connection error")
		},
		OnClose: func(err error) {
			entry.WithError(err).Info("feed connection closed")
		},
	}
}

func logStats(log *logrus.Logger, stats book.Stats, last trade.Trade, viewers int) {
	log.WithFields(logrus.Fields{
		"best_bid":     stats.BestBid.String(),
		"best_ask":     stats.BestAsk.String(),
		"spread":       stats.Spread.String(),
		"mid":          stats.MidPrice.String(),
		"seq":          stats.LastSeqNum,
		"bid_levels":   stats.BidLevels,
		"ask_levels":   stats.AskLevels,
		"gaps":         stats.Gaps,
		"resubscribes": stats.Resubscribes,
		"dropped":      stats.Dropped,
		"last_price":   last.Price.String(),
		"viewers":      viewers,
	}).Info("order book stats")
}

func printStats(stats book.Stats, last trade.Trade, health []transport.HealthStatus) {
	fmt.Println()

	fmt.Printf("%sBOOK%s  Mid: %s%10s%s │ Spread: %s%8s%s | BB: %s%10s%s │ BA: %s%10s%s\n",
		colorBold, colorReset,
		colorYellow, stats.MidPrice.StringFixed(2), colorReset,
		colorMagenta, stats.Spread.StringFixed(4), colorReset,
		colorGreen, stats.BestBid.StringFixed(2), colorReset,
		colorRed, stats.BestAsk.StringFixed(2), colorReset)

	fmt.Printf("  SEQ: %d │ Levels: %s%d%s/%s%d%s │ Gaps: %d │ Resubscribes: %d │ Dropped: %d\n",
		stats.LastSeqNum,
		colorGreen, stats.BidLevels, colorReset,
		colorRed, stats.AskLevels, colorReset,
		stats.Gaps, stats.Resubscribes, stats.Dropped)

	fmt.Printf("%sLAST%s  %s%10s%s %s\n",
		colorBold, colorReset,
		getDirectionColor(last.Direction), last.Price.StringFixed(2), colorReset,
		last.Side)

	for _, h := range health {
		fmt.Printf("  %s: %s (messages %d, errors %d, reconnects %d)\n",
			h.Endpoint, h.State, h.MessageCount, h.ErrorCount, h.ReconnectAttempts)
	}
}

func getDirectionColor(d trade.Direction) string {
	switch d {
	case trade.DirectionUp:
		return colorGreen
	case trade.DirectionDown:
		return colorRed
	}
	return colorYellow
}
