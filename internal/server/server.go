package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/liudong-work/funnychatbackend/internal/call"
	"github.com/liudong-work/funnychatbackend/internal/chat"
	"github.com/liudong-work/funnychatbackend/internal/heartbeat"
	"github.com/liudong-work/funnychatbackend/internal/registry"
	"github.com/liudong-work/funnychatbackend/internal/router"
	"github.com/liudong-work/funnychatbackend/internal/server/middleware"
	"github.com/liudong-work/funnychatbackend/internal/store"
	"github.com/liudong-work/funnychatbackend/pkg/config"
	"github.com/liudong-work/funnychatbackend/pkg/transport"
)

type App struct {
	logger      *slog.Logger
	store       *store.Store
	files       *store.FileStore
	registry    *registry.Registry
	presence    *registry.Presence
	chatRouter  *chat.Router
	signaler    *call.Signaler
	heartbeat   *heartbeat.Supervisor
	eventRouter *router.EventRouter
	wg          sync.WaitGroup
	http        *http.Server
	config      *config.Config

	ctx context.Context
}

func NewApp(logger *slog.Logger, rootContx context.Context, cfg *config.Config) (*App, error) {
	st, err := store.Open(cfg.DB.Path, logger)
	if err != nil {
		return nil, err
	}
	files, err := store.NewFileStore(cfg.Upload.Dir)
	if err != nil {
		st.Close()
		return nil, err
	}

	reg := registry.New(logger)
	presence := registry.NewPresence(reg, logger)
	chatRouter := chat.NewRouter(st, files, reg, logger)
	signaler := call.NewSignaler(reg, logger)
	supervisor := heartbeat.NewSupervisor(reg, cfg.Heartbeat.Interval, logger)
	eventRouter := router.NewEventRouter(reg, chatRouter, signaler, logger)

	app := &App{
		logger:      logger,
		store:       st,
		files:       files,
		registry:    reg,
		presence:    presence,
		chatRouter:  chatRouter,
		signaler:    signaler,
		heartbeat:   supervisor,
		eventRouter: eventRouter,
		config:      cfg,
		ctx:         rootContx,
	}

	// A registry eviction, whatever its cause, tears down any call the user
	// was part of.
	reg.SubscribeOffline(func(e *registry.Entry) {
		signaler.OnDisconnect(e.Identity)
	})

	mux := http.NewServeMux()
	app.routes(mux)

	app.http = &http.Server{Addr: app.config.Server.Address, Handler: mux, BaseContext: func(l net.Listener) context.Context {
		return app.ctx
	}}

	return app, nil
}

func (a *App) routes(mux *http.ServeMux) {
	public := func(h http.HandlerFunc) http.Handler {
		return middleware.Chain(h,
			middleware.RequestMetadataMiddleware(),
			middleware.NewRequestLogger(a.logger),
		)
	}
	protected := func(h http.HandlerFunc) http.Handler {
		return middleware.Chain(h,
			middleware.RequestMetadataMiddleware(),
			middleware.NewRequestLogger(a.logger),
			middleware.NewAuthMiddleware(a.logger, a.config.Server.Auth.JWTSecret),
		)
	}

	// The upgrade handler blocks for the connection's lifetime; it logs its
	// own lifecycle instead of going through the request logger.
	mux.Handle("GET /ws", middleware.Chain(http.HandlerFunc(a.upgradeHandler),
		middleware.RequestMetadataMiddleware(),
	))
	mux.Handle("GET /health", public(a.handleHealth))

	mux.Handle("POST /api/register", public(a.handleRegister))
	mux.Handle("POST /api/login", public(a.handleLogin))
	mux.Handle("GET /api/file/{name}", public(a.handleFile))

	mux.Handle("GET /api/user", protected(a.handleSelf))
	mux.Handle("PUT /api/user", protected(a.handleUpdateUser))
	mux.Handle("GET /api/user/{uuid}", protected(a.handleUserByUUID))
	mux.Handle("GET /api/friends", protected(a.handleFriends))
	mux.Handle("POST /api/friends", protected(a.handleAddFriend))
	mux.Handle("POST /api/user/avatar", protected(a.handleUploadAvatar))
	mux.Handle("POST /api/group", protected(a.handleCreateGroup))
	mux.Handle("POST /api/group/{uuid}/join", protected(a.handleJoinGroup))
	mux.Handle("POST /api/group/{uuid}/leave", protected(a.handleLeaveGroup))
	mux.Handle("GET /api/group/{uuid}/members", protected(a.handleGroupMembers))
	mux.Handle("GET /api/groups", protected(a.handleGroups))
	mux.Handle("GET /api/message/history", protected(a.handleMessageHistory))
}

func (a *App) Run() error {
	go a.heartbeat.Run(a.ctx)

	go func() {
		a.logger.Info("Server starting", slog.String("addr", a.http.Addr))
		if err := a.http.ListenAndServe(); err != http.ErrServerClosed {
			a.logger.Error("HTTP server failed", slog.Any("error", err))
		}
	}()

	<-a.ctx.Done()
	return a.Shutdown()
}

func (a *App) upgradeHandler(w http.ResponseWriter, r *http.Request) {
	reqMeta, _ := middleware.ReqMetadataFrom(r.Context())
	connLogger := a.logger.With(slog.String("remoteAddr", reqMeta.IP))

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		a.logger.Error("Failed to accept websocket connection", slog.Any("error", err))
		return
	}

	conn := transport.NewConnection(
		r.Context(),
		&a.wg,
		wsConn,
		transport.ConnectionConfig(a.config.Transport),
		a.logger,
	)
	conn.SetOnMessageHandler(func(ctx context.Context, _ uuid.UUID, msg []byte) {
		a.eventRouter.HandleMessage(ctx, conn, msg)
	})
	conn.SetOnCloseHandler(func(id uuid.UUID, err error) {
		identity := conn.Identity()
		if identity == "" {
			connLogger.Info("Unregistered connection closed", slog.String("connID", id.String()))
			return
		}
		// Only evict when the registry still maps the identity to this
		// connection; a superseded connection must not take the newer one
		// down with it.
		if a.registry.UnregisterConn(identity, id) {
			connLogger.Info("Deregistered connection due to closure",
				slog.String("connID", id.String()),
				slog.String("identity", identity),
			)
		}
	})

	connLogger.Info("Connection established, awaiting registration")
	conn.Run()
	<-conn.Done()
}

// graceful shutdown sequence.
func (a *App) Shutdown() error {
	a.logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.http.Shutdown(shutdownCtx); err != nil {
		return err
	}

	// close all active WebSocket connections.
	a.logger.Info("Closing all active connections...")
	for _, entry := range a.registry.Entries() {
		entry.Conn.Close(errors.New("graceful shutdown"))
	}

	// wait for all connection goroutines to finish their cleanup.
	a.wg.Wait()

	if err := a.store.Close(); err != nil {
		a.logger.Error("Failed to close store", slog.Any("error", err))
	}
	a.logger.Info("Server shut down gracefully.")
	return nil
}
