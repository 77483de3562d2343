// Command chatrelay is the chat bot daemon.
// It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Joins the configured channel and runs the command dispatcher, the
//     notification coalescer and the storm counters on one event loop.
//   - Keeps an EventSub session for follows, stream state and moderation.
//   - Serves the event stream, health, metrics and OAuth endpoints over HTTP,
//     and a local control socket for the operator tools.
//
// Services run under a supervisor tree. Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"

	"github.com/onnwee/chatrelay/chat"
	"github.com/onnwee/chatrelay/chatlog"
	"github.com/onnwee/chatrelay/commands"
	"github.com/onnwee/chatrelay/config"
	"github.com/onnwee/chatrelay/control"
	"github.com/onnwee/chatrelay/crypto"
	"github.com/onnwee/chatrelay/db"
	"github.com/onnwee/chatrelay/events"
	"github.com/onnwee/chatrelay/eventsub"
	"github.com/onnwee/chatrelay/notify"
	"github.com/onnwee/chatrelay/oauth"
	"github.com/onnwee/chatrelay/pipeline"
	"github.com/onnwee/chatrelay/sender"
	"github.com/onnwee/chatrelay/server"
	"github.com/onnwee/chatrelay/storm"
	"github.com/onnwee/chatrelay/supervisor"
	"github.com/onnwee/chatrelay/telemetry"
	"github.com/onnwee/chatrelay/twitchapi"
)

var version = "dev"

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load(".env")

	setupLogging()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	loc, err := cfg.Location()
	if err != nil {
		slog.Error("invalid storm timezone", slog.String("timezone", cfg.Storm.Timezone), slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()
	shutdown, err := telemetry.InitTracing("chatrelay", version)
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	database, err := db.Connect(cfg.Database.DSN)
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	// Versioned migrations first; the embedded schema covers databases that
	// predate the schema_migrations table.
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, attempting fallback to embedded SQL",
			slog.Any("err", err), slog.String("component", "db_migrate"))
		if err := db.Migrate(context.Background(), database); err != nil {
			slog.Error("failed to migrate db", slog.Any("err", err))
			os.Exit(1)
		}
	}

	var sealer *crypto.Sealer
	if cfg.Database.EncryptionKey != "" {
		if sealer, err = crypto.NewSealer(cfg.Database.EncryptionKey, "v1"); err != nil {
			slog.Error("invalid database encryption key", slog.Any("err", err))
			os.Exit(1)
		}
	} else {
		slog.Warn("DATABASE_ENCRYPTION_KEY not set, oauth tokens are stored in plaintext")
	}
	store := db.New(database, sealer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Twitch credentials. The bot user token lives in the database and is
	// refreshed in the background; the app token comes from client credentials.
	oauthFlow := &twitchapi.OAuth{
		ClientID:     cfg.Twitch.ClientID,
		ClientSecret: cfg.Twitch.ClientSecret,
		RedirectURI:  cfg.Twitch.RedirectURI,
		Scopes:       cfg.Twitch.Scopes,
	}
	refresher := &oauth.Refresher{
		Store:    store,
		Provider: server.BotTokenProvider,
		Refresh: func(ctx context.Context, refreshToken string) (db.Token, error) {
			g, err := oauthFlow.Refresh(ctx, refreshToken)
			if err != nil {
				return db.Token{}, err
			}
			return db.Token{AccessToken: g.AccessToken, RefreshToken: g.RefreshToken, Expiry: g.Expiry, Scope: g.Scope}, nil
		},
	}
	appTokens := &twitchapi.TokenSource{ClientID: cfg.Twitch.ClientID, ClientSecret: cfg.Twitch.ClientSecret}
	helix := twitchapi.NewHelixClient(twitchapi.Options{
		BaseURL:   cfg.Twitch.HelixURL,
		ClientID:  cfg.Twitch.ClientID,
		AppToken:  appTokens,
		UserToken: refresher,
		RPS:       cfg.Twitch.RPS,
	})
	channel := &twitchapi.Channel{Helix: helix, Broadcaster: cfg.ChannelName(), Bot: strings.ToLower(cfg.Chat.Username)}
	if cfg.HelixReady() {
		tctx, cancel := context.WithTimeout(ctx, 8*time.Second)
		if tok, err := appTokens.Get(tctx); err != nil {
			slog.Warn("twitch app token fetch failed", slog.Any("err", err))
		} else if len(tok) > 6 {
			slog.Info("twitch app token acquired", slog.String("tail", "***"+tok[len(tok)-6:]))
		}
		cancel()
	} else {
		slog.Info("twitch client id/secret not set, helix and eventsub disabled")
	}

	counters := storm.New(store, loc, nil)
	relay := events.NewRelay(cfg.Events.Queue)
	eventLog := events.NewLog(store, relay, events.LogOptions{})
	chatLog := chatlog.New(store, chatlog.Options{NotifyUser: cfg.Chat.NotifyUser, Lookback: cfg.Chat.ClearLookback})

	password := func(ctx context.Context) (string, error) {
		if cfg.Chat.Password != "" {
			return cfg.Chat.Password, nil
		}
		return refresher.Token(ctx)
	}
	conn := chat.New(chat.Options{
		Hostname:      cfg.Chat.Hostname,
		Port:          cfg.Chat.Port,
		Secure:        cfg.Chat.Secure,
		Channel:       cfg.Chat.Channel,
		Username:      cfg.Chat.Username,
		Password:      password,
		KeepAlive:     cfg.Chat.KeepAlive,
		ReconnectTime: cfg.Chat.ReconnectTime,
		Mods:          cfg.Chat.Mods,
		DedupeWindow:  cfg.Notify.Dedupe,
	})

	// The sender reports its own lines back to the loop, which exists only
	// after the sender is built.
	var loop *pipeline.Pipeline
	var whisper sender.Whisperer
	if cfg.HelixReady() {
		whisper = channel
	}
	out := sender.New(sender.Options{
		Limit:  cfg.Sender.Limit,
		Window: cfg.Sender.Window,
		Queue:  cfg.Sender.Queue,
		Bot:    cfg.Chat.Username,
	}, conn, whisper, func(l chat.Line) { loop.Ingest(l) })

	var avatars notify.Avatars
	if cfg.HelixReady() {
		avatars = helix
	}
	notifier := notify.New(notify.Options{
		Channel:     conn.Channel(),
		GiftTimeout: cfg.Notify.GiftTimeout,
		Debounce:    cfg.Notify.Debounce,
	}, counters, avatars, out, chatLog)

	var mod commands.Moderator
	if cfg.HelixReady() {
		mod = channel
	}
	dispatcher := commands.NewDispatcher(commands.Options{
		Workers: int64(cfg.Workers),
		Date:    counters.Date,
	}, commands.NewRegistry(cfg.Chat.CommandPrefix), out, mod, store)
	if err := commands.RegisterBuiltins(dispatcher, counters); err != nil {
		slog.Error("failed to register commands", slog.Any("err", err))
		os.Exit(1)
	}
	if err := dispatcher.Load(ctx); err != nil {
		slog.Warn("failed to load command state, using defaults", slog.Any("err", err))
	}
	defer dispatcher.Wait()

	loop = pipeline.New(pipeline.Options{NotifyUser: cfg.Chat.NotifyUser}, pipeline.Deps{
		Chat:     conn,
		ChatLog:  chatLog,
		Notify:   notifier,
		Events:   eventLog,
		Commands: dispatcher,
	})

	var sub atomic.Pointer[eventsub.Client]
	status := func(context.Context) any {
		st := map[string]any{
			"version":          version,
			"pipeline":         loop.Status(),
			"sender_backlog":   out.Len(),
			"chat_log_dropped": chatLog.Dropped(),
		}
		if c := sub.Load(); c != nil {
			id, n := c.SessionInfo()
			st["eventsub"] = map[string]any{"session": id, "subscriptions": n}
		}
		return st
	}

	ctl := control.NewServer(control.Options{Socket: cfg.Control.Socket, Port: cfg.Control.Port, Runner: loop.Do})
	control.RegisterHandlers(ctl, control.Deps{
		State:    store,
		Commands: dispatcher,
		Chat:     conn,
		Sender:   out,
		Storm:    counters,
		Status:   status,
	})

	router := server.NewRouter(server.Deps{
		DB:     store,
		Tokens: store,
		Chat:   store,
		Events: &events.Handler{Store: store, Relay: relay, KeepAlive: cfg.Events.KeepAlive, PageSize: cfg.Events.ReplayLimit},
		OAuth:  oauthFlow,
		Status: status,
		BreakerOpen: func() bool {
			return cfg.HelixReady() && helix.BreakerOpen()
		},
		NotifyUser: cfg.Chat.NotifyUser,
	}, server.OptionsFromEnv())

	tree := supervisor.New(slog.Default(), supervisor.TreeConfig{})
	tree.AddData(eventLog)
	tree.AddData(chatLog)
	tree.AddMessaging(loop)
	tree.AddMessaging(out)
	tree.AddMessaging(tree.Guard(conn, func(err error) bool { return errors.Is(err, chat.ErrAuthFailed) }))
	tree.AddMessaging(supervisor.Func{Name: "oauth-refresh", Run: refresher.Serve})
	if cfg.HelixReady() {
		tree.AddMessaging(supervisor.Func{Name: "eventsub", Run: func(ctx context.Context) error {
			c := sub.Load()
			if c == nil {
				broadcaster, err := channel.BroadcasterID(ctx)
				if err != nil {
					return err
				}
				bot, err := channel.BotID(ctx)
				if err != nil {
					return err
				}
				c = eventsub.New(eventsub.Options{URL: cfg.Twitch.EventSubURL}, helix, loop.Topics(broadcaster, bot)...)
				sub.Store(c)
			}
			return c.Serve(ctx)
		}})
	}
	tree.AddAPI(&server.Service{Addr: cfg.Events.Addr, Handler: router, OnShutdown: []func(){relay.Close}})
	tree.AddAPI(ctl)

	startPprof()

	slog.Info("starting services",
		slog.String("channel", conn.Channel()),
		slog.String("http_addr", cfg.Events.Addr),
		slog.String("control", ctl.String()))
	done := tree.ServeBackground(ctx)

	exit := 0
	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-tree.Fatal():
		slog.Error("fatal service error", slog.Any("err", err))
		exit = 1
		stop()
	}
	<-done
	if report, err := tree.UnstoppedServiceReport(); err == nil && len(report) > 0 {
		for _, u := range report {
			slog.Warn("service did not stop in time", slog.String("service", u.Name))
		}
	}
	if exit != 0 {
		dispatcher.Wait()
		shutdown()
		os.Exit(exit)
	}
}

func setupLogging() {
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		format = "text"
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", format))
}

// startPprof exposes /debug/pprof on PPROF_ADDR when ENABLE_PPROF=1.
func startPprof() {
	if os.Getenv("ENABLE_PPROF") != "1" {
		return
	}
	addr := os.Getenv("PPROF_ADDR")
	if addr == "" {
		addr = "localhost:6060"
	}
	go func() {
		slog.Info("pprof profiling enabled", slog.String("addr", addr))
		srv := &http.Server{
			Addr:              addr,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		if err := srv.ListenAndServe(); err != nil {
			slog.Error("pprof server error", slog.Any("err", err))
		}
	}()
}
