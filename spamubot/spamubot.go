package spamubot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/LycanLD/SpamuBot/spamubot.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var (
	// ErrRestartRequested is returned by [SpamuBot.Run] after a clean
	// shutdown that was triggered by [SpamuBot.RequestRestart]. Callers
	// should exit with [Config.RestartExitCode] so the supervisor starts
	// the bot again.
	ErrRestartRequested = errors.New("restart requested")

	errShutdownTimeout = errors.New("shutdown did not complete in time")

	discordgoLoggerOnce sync.Once
)

// SpamuBot is the support bot: a discord message responder, the settings
// it shares with the dashboard, and the HTTP server for the dashboard
// and JSON API.
type SpamuBot struct {
	config *Config

	// store holds the solved counter, the enabled flag and both
	// status strings. It's read on every use, never cached.
	store SettingsStore

	// read connection for the solved case log
	db *gorm.DB

	// write wrapper for db, serialized for sqlite
	writeDB DBI

	logger     *slog.Logger
	logHandler slog.Handler

	discord *Discord
	api     *API

	// signalStop triggers a graceful shutdown of a running bot
	signalStop chan struct{}

	// signalReady receives a value once Run has finished starting up
	signalReady chan struct{}

	// eventShutdown receives a value once shutdown completes
	eventShutdown chan struct{}

	// prevents concurrent runs
	runMu     sync.Mutex
	startedAt time.Time

	restartRequested atomic.Bool

	// messagesMu orders runtimeWG.Add against the runtimeWG.Wait in
	// shutdown. Once messagesClosed is set, new messages are dropped.
	messagesMu     sync.Mutex
	messagesClosed bool

	triggerPresenceCh chan struct{}
}

// New creates a SpamuBot from the given config. The settings directory
// is created if needed, but nothing else is opened until [SpamuBot.Run].
//
// If the dashboard password is given in plain text, it's hashed here,
// so the plain text doesn't outlive startup.
func New(config *Config) (*SpamuBot, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres')"),
		)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	d := &SpamuBot{
		config:            config,
		signalStop:        make(chan struct{}, 1),
		signalReady:       make(chan struct{}, 1),
		eventShutdown:     make(chan struct{}, 1),
		triggerPresenceCh: make(chan struct{}, 1),
	}

	d.logHandler = newLogHandler(d.config.LogLevel)
	d.logger = slog.New(d.logHandler)
	slog.SetDefault(d.logger)

	store, err := NewFileStore(config.DataDir, d.logger)
	if err != nil {
		errs = append(errs, err)
	}
	d.store = store

	d.config.Discord.httpClient = d.config.HTTPClient
	disc := newDiscord(d.config.Discord)

	// discordgo's logger is global, so only the first bot in the
	// process sets it
	discordgoLoggerOnce.Do(
		func() {
			discordgo.Logger = discordgoLoggerFunc(
				context.Background(),
				newLogHandler(d.config.Discord.DiscordGoLogLevel).WithAttrs(
					[]slog.Attr{slog.String(loggerNameKey, "discordgo")},
				),
			)
		},
	)
	disc.logger = slog.New(
		newLogHandler(d.config.Discord.LogLevel),
	).With(loggerNameKey, "discord")
	disc.bot = d
	d.discord = disc

	switch {
	case config.API.Password == "":
		d.logger.Warn("no dashboard password set, logins are disabled")
	case !isPasswordHash(config.API.Password):
		hashed, hashErr := HashPassword(config.API.Password)
		if hashErr != nil {
			errs = append(errs, fmt.Errorf("error hashing password: %w", hashErr))
		}
		config.API.Password = hashed
	}

	api, err := newAPI(d, config.API)
	errs = append(errs, err)
	d.api = api

	return d, errors.Join(errs...)
}

func (d *SpamuBot) ValidateConfig() error {
	return structValidator.Struct(d.config)
}

func (d *SpamuBot) getLogger(ctx context.Context) (
	context.Context,
	*slog.Logger,
) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = d.logger
		ctx = WithLogger(ctx, logger)
	}
	return ctx, logger
}

// Store returns the settings store
func (d *SpamuBot) Store() SettingsStore {
	return d.store
}

// RequestShutdown triggers a graceful shutdown of a running bot. It
// returns immediately.
func (d *SpamuBot) RequestShutdown() {
	d.logger.Warn("shutdown requested")
	select {
	case d.signalStop <- struct{}{}:
	default:
	}
}

// RequestRestart triggers a graceful shutdown, after which [SpamuBot.Run]
// returns [ErrRestartRequested].
func (d *SpamuBot) RequestRestart() {
	d.logger.Warn("restart requested")
	d.restartRequested.Store(true)
	select {
	case d.signalStop <- struct{}{}:
	default:
	}
}

// RestartRequested reports whether a restart has been requested
func (d *SpamuBot) RestartRequested() bool {
	return d.restartRequested.Load()
}

func (d *SpamuBot) uptime() time.Duration {
	if d.startedAt.IsZero() {
		return 0
	}
	return time.Since(d.startedAt)
}

// Run opens the database, starts the HTTP server, connects to discord and
// blocks until ctx is canceled or a shutdown/restart is requested. It
// then shuts down gracefully, within [Config.ShutdownTimeout].
//
// Run returns [ErrRestartRequested] (possibly joined with shutdown
// errors) if the shutdown was triggered by [SpamuBot.RequestRestart].
func (d *SpamuBot) Run(ctx context.Context) error {
	d.runMu.Lock()
	defer d.runMu.Unlock()

	d.startedAt = time.Now()
	logger := d.logger

	if err := d.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)
	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", d.config))

	if d.config.API.Token == "" {
		logger.WarnContext(ctx, "no API token set, the JSON API is unauthenticated")
	}

	// the 'runtime' context, which triggers a graceful shutdown
	// when canceled
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-d.signalStop:
			d.logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
		}
	}()

	startCtx, startCancel := context.WithTimeout(ctx, d.config.StartupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		logger.Debug("initializing run...")
		initErr <- d.initRun(startCtx)
	}()

	select {
	case <-startCtx.Done():
		d.abortStartup(ctx)
		return fmt.Errorf("startup cancelled or timed out: %w", startCtx.Err())
	case err := <-initErr:
		if err != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(err))
			d.abortStartup(ctx)
			return err
		}
		logger.InfoContext(ctx, "init complete")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(
		func() error {
			httpErr := d.api.Serve(gctx)
			if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
				d.logger.ErrorContext(gctx, "error serving HTTP", tint.Err(httpErr))
				return httpErr
			}
			return nil
		},
	)
	g.Go(
		func() error {
			d.watchPresenceUpdates(gctx)
			return nil
		},
	)

	// in-flight message handlers
	runtimeWG := &sync.WaitGroup{}

	if err := d.initDiscordSession(gctx, runtimeWG); err != nil {
		logger.ErrorContext(ctx, "error creating discord session", tint.Err(err))
		cancel()
		_ = d.api.httpServer.Close()
		_ = g.Wait()
		_ = d.closeDB()
		return err
	}

	logger.InfoContext(ctx, "connecting to discord")
	if err := d.discord.session.Open(); err != nil {
		logger.ErrorContext(ctx, "error connecting to discord!", tint.Err(err))
		cancel()
		_ = d.api.httpServer.Close()
		_ = g.Wait()
		_ = d.closeDB()
		return fmt.Errorf("error connecting to discord: %w", err)
	}

	select {
	case d.signalReady <- struct{}{}:
		d.logger.InfoContext(ctx, "sent ready signal")
	default:
	}

	// block until something cancels the runtime context: an interrupt,
	// a dashboard/API shutdown or restart, or the HTTP server failing
	<-gctx.Done()

	shutdownErr := d.shutdown(ctx, runtimeWG)
	if waitErr := g.Wait(); waitErr != nil {
		shutdownErr = errors.Join(shutdownErr, waitErr)
	}

	if d.restartRequested.Load() {
		return errors.Join(ErrRestartRequested, shutdownErr)
	}
	return shutdownErr
}

// initRun opens the database and binds the HTTP listener
func (d *SpamuBot) initRun(ctx context.Context) error {
	d.logger.Debug("initializing DB...")
	if err := d.initDB(ctx); err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}
	d.logger.Debug("finished initializing DB")

	if err := d.api.listen(ctx); err != nil {
		return fmt.Errorf("error starting listener: %w", err)
	}
	return nil
}

// abortStartup releases anything opened by a failed or timed out initRun
func (d *SpamuBot) abortStartup(ctx context.Context) {
	if d.api != nil && d.api.listener != nil {
		if e := d.api.listener.Close(); e != nil {
			d.logger.ErrorContext(ctx, "error closing listener", tint.Err(e))
		}
	}
	if e := d.closeDB(); e != nil {
		d.logger.ErrorContext(ctx, "error closing database", tint.Err(e))
	}
}

func (d *SpamuBot) initDiscordSession(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	logger := d.discord.logger.With(loggerNameKey, "discord_session")

	if d.discord.session == nil {
		disc, discErr := d.discord.newSession()
		if discErr != nil {
			return fmt.Errorf("error creating discord session: %w", discErr)
		}
		d.discord.session = disc
	}

	ctx = WithLogger(ctx, logger)

	for _, h := range d.discord.discordgoRemoveHandlerFuncs {
		h()
	}

	d.messagesMu.Lock()
	d.messagesClosed = false
	d.messagesMu.Unlock()

	presence := d.Presence()
	d.discord.session.SetIdentify(
		discordgo.Identify{
			Intents: d.config.Discord.GatewayIntents,
			Presence: discordgo.GatewayStatusUpdate{
				Status: string(presence.Status),
				Game: discordgo.Activity{
					Name: presence.Text,
					Type: discordgo.ActivityTypeGame,
				},
			},
		},
	)

	d.discord.discordgoRemoveHandlerFuncs = []func(){
		d.discord.session.AddHandler(d.discord.handlerConnect()),
		d.discord.session.AddHandler(d.discord.handlerDisconnect()),
		d.discord.session.AddHandler(d.discord.handlerReady()),
		d.discord.session.AddHandler(
			func(
				_ *discordgo.Session,
				m *discordgo.MessageCreate,
			) {
				if !d.trackMessage(runtimeWG) {
					return
				}
				go func() {
					defer runtimeWG.Done()
					d.handleDiscordMessage(ctx, m)
				}()
			},
		),
	}
	return nil
}

// trackMessage adds an in-flight message handler to runtimeWG. It
// returns false once shutdown has started waiting on runtimeWG.
func (d *SpamuBot) trackMessage(runtimeWG *sync.WaitGroup) bool {
	d.messagesMu.Lock()
	defer d.messagesMu.Unlock()
	if d.messagesClosed {
		return false
	}
	runtimeWG.Add(1)
	return true
}

func (d *SpamuBot) stopTrackingMessages() {
	d.messagesMu.Lock()
	d.messagesClosed = true
	d.messagesMu.Unlock()
}

// shutdown stops the HTTP server, waits on in-flight message handlers,
// closes the discord session and the database. If that doesn't finish
// before [Config.ShutdownTimeout], the HTTP server is closed forcefully
// and an error is returned.
func (d *SpamuBot) shutdown(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
) error {
	d.logger.WarnContext(ctx, "shutting down")
	defer func() {
		select {
		case d.eventShutdown <- struct{}{}:
		default:
		}
	}()

	shutdownStart := time.Now()
	shutdownTimeout := d.config.ShutdownTimeout
	if shutdownTimeout.Seconds() == 0 {
		d.logger.Warn("immediate shutdown")
		d.stopTrackingMessages()
		_ = d.api.httpServer.Close()
		if d.discord.session != nil {
			_ = d.discord.session.Close()
		}
		_ = d.closeDB()
		return nil
	}
	shutdownDeadline := shutdownStart.Add(shutdownTimeout)

	announcementTicker := time.NewTicker(5 * time.Second)
	defer announcementTicker.Stop()

	d.logger.InfoContext(
		ctx,
		"exiting!",
		"shutdown_timeout", shutdownTimeout,
		"shutdown_deadline", shutdownDeadline,
	)

	closeCtx, closeCancel := context.WithDeadline(
		context.Background(),
		shutdownDeadline,
	)
	defer closeCancel()

	gracefulShutdownCh := make(chan struct{}, 1)
	go func() {
		stopWG := &sync.WaitGroup{}

		stopWG.Add(1)
		go func() {
			defer stopWG.Done()
			d.logger.InfoContext(ctx, "stopping http server")
			_ = d.api.httpServer.Shutdown(closeCtx)
			d.logger.InfoContext(ctx, "http server stopped")
		}()

		stopWG.Add(1)
		go func() {
			defer stopWG.Done()
			d.stopTrackingMessages()
			runtimeWG.Wait()
			d.logger.InfoContext(ctx, "finished handling in-flight messages")
			if d.discord.session == nil {
				return
			}
			d.logger.InfoContext(ctx, "closing discord session")
			_ = d.discord.session.Close()
			d.logger.InfoContext(ctx, "discord session closed")
			for _, h := range d.discord.discordgoRemoveHandlerFuncs {
				h()
			}
			d.discord.discordgoRemoveHandlerFuncs = []func(){}
		}()

		stopWG.Wait()
		if err := d.closeDB(); err != nil {
			d.logger.ErrorContext(ctx, "error closing database", tint.Err(err))
		}
		gracefulShutdownCh <- struct{}{}
	}()

	for {
		select {
		case <-gracefulShutdownCh:
			closeCancel()
			d.logger.InfoContext(
				ctx,
				"shutdown complete",
				"shutdown_duration", time.Since(shutdownStart),
			)
			return nil
		case <-announcementTicker.C:
			d.logger.Warn(
				fmt.Sprintf(
					"time until hard shutdown: %s",
					time.Until(shutdownDeadline).String(),
				),
			)
		case <-closeCtx.Done():
			d.logger.Warn("graceful shutdown timed out, forcing close")
			_ = d.api.httpServer.Close()
			return errShutdownTimeout
		}
	}
}
