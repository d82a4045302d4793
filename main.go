package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"cloud.google.com/go/storage"

	"github.com/03felipesampaio/gmail-bills-and-statements-watcher/internal/auth"
	"github.com/03felipesampaio/gmail-bills-and-statements-watcher/internal/config"
	"github.com/03felipesampaio/gmail-bills-and-statements-watcher/internal/events"
	"github.com/03felipesampaio/gmail-bills-and-statements-watcher/internal/gmail"
	"github.com/03felipesampaio/gmail-bills-and-statements-watcher/internal/handler"
	"github.com/03felipesampaio/gmail-bills-and-statements-watcher/internal/server"
	"github.com/03felipesampaio/gmail-bills-and-statements-watcher/internal/store/sqlite"
	"github.com/03felipesampaio/gmail-bills-and-statements-watcher/internal/watcher"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Parse()

	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(log)

	if err := run(*configPath, log); err != nil {
		log.Error("watcher exited", "error", err)
		os.Exit(1)
	}
}

func run(configPath string, log *slog.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if dir := filepath.Dir(cfg.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	st, err := sqlite.Open(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer st.Close()

	publisher, err := events.NewPublisher(cfg.NATSURL)
	if err != nil {
		return err
	}
	defer publisher.Close()
	if err := publisher.EnsureStream(ctx); err != nil {
		return err
	}
	dispatcher := &events.Dispatcher{Store: st, Publisher: publisher, Log: log}
	go dispatcher.Run(ctx)

	gcs, err := storage.NewClient(ctx)
	if err != nil {
		return err
	}
	defer gcs.Close()
	bucket := gcs.Bucket(cfg.AttachmentBucket)

	verifier, err := auth.NewPushVerifier(cfg.Push.Audience, cfg.Push.ServiceAccount)
	if err != nil {
		return err
	}

	oauthConf := cfg.OAuthConfig()
	mailboxes := func(ctx context.Context, principal string) (watcher.Mailbox, error) {
		tok, err := auth.LoadToken(ctx, st, principal)
		if err != nil {
			return nil, err
		}
		return gmail.New(ctx, oauthConf, tok)
	}
	registry := func(mailbox watcher.Mailbox) *handler.Registry {
		r := handler.NewRegistry()
		r.Register(handler.KindUploadAttachments, handler.UploadAttachmentsFactory(mailbox, bucket))
		r.Register(handler.KindSaveLocal, handler.SaveLocalFactory())
		r.Register(handler.KindPublishEvent, handler.PublishEventFactory(st))
		return r
	}

	manager := watcher.NewManager(watcher.ManagerConfig{
		Mailboxes:       mailboxes,
		Registry:        registry,
		Handlers:        st,
		DefaultHandlers: cfg.DefaultHandlers,
		Checkpoints:     st,
		Watches:         st,
		Principals:      st,
		Topic:           cfg.PubSubTopic,
		Log:             log,
	})

	srv := &server.Server{
		Manager:  manager,
		Verifier: verifier,
		Store:    st,
		OAuth:    oauthConf,
		Log:      log,
	}

	log.Info("listening", "addr", cfg.ListenAddr)
	return srv.Router().Run(cfg.ListenAddr)
}
