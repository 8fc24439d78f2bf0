package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/creatorchat/internal/backend"
	"github.com/creatorchat/internal/chat"
	"github.com/creatorchat/internal/config"
	"github.com/creatorchat/internal/handler"
	"github.com/creatorchat/internal/logger"
	"github.com/creatorchat/internal/middleware"
	"github.com/creatorchat/internal/push"
	"github.com/creatorchat/internal/realtime"
	"github.com/creatorchat/internal/startup"
	"github.com/creatorchat/internal/ws"
)

func main() {
	logger.SetPrefix("chatd")
	link := flag.String("link", "", "deep link or roomId to open on start (e.g. https://app/messages?roomId=42)")
	flag.Parse()

	cfg := config.Load()
	logger.SetLevel(cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		logger.Errorf("config: %v", err)
		os.Exit(1)
	}
	logger.Infof("starting chat client user=%d backend=%s", cfg.UserID, cfg.Backend.BaseURL)

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	shutdownTracing, err := startup.InitTracing(rootCtx, cfg.OTLPEndpoint, cfg.ServiceName)
	if err != nil {
		logger.Errorf("tracing: %v", err)
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			logger.Errorf("tracing shutdown: %v", err)
		}
	}()

	state, err := startup.OpenStateStore(rootCtx, cfg)
	if err != nil {
		logger.Errorf("state store: %v", err)
		os.Exit(1)
	}
	defer state.Close()

	api, err := backend.New(backend.Options{
		BaseURL:            cfg.Backend.BaseURL,
		Token:              cfg.AuthToken,
		UserID:             cfg.UserID,
		Timeout:            cfg.Backend.Timeout,
		RateLimitRPS:       cfg.Backend.RateLimitRPS,
		RateLimitBurst:     cfg.Backend.RateLimitBurst,
		BreakerMaxFailures: cfg.Backend.BreakerMaxFailures,
		BreakerOpenTimeout: cfg.Backend.BreakerOpenTimeout,
	})
	if err != nil {
		logger.Errorf("backend: %v", err)
		os.Exit(1)
	}

	var messenger *chat.Messenger
	header := http.Header{}
	if cfg.AuthToken != "" {
		header.Set("Authorization", "Bearer "+cfg.AuthToken)
	}
	conn := realtime.NewConn(realtime.Options{
		URL:            cfg.Realtime.URL,
		Header:         header,
		WriteTimeout:   cfg.Realtime.WriteTimeout,
		PongTimeout:    cfg.Realtime.PongTimeout,
		MaxBackoff:     cfg.Realtime.ReconnectMaxBackoff,
		MaxMessageSize: cfg.Realtime.MaxMessageSize,
		OnStatus: func(connected bool) {
			messenger.SetConnected(connected)
		},
	}, api)

	messenger = chat.New(chat.Options{
		UserID:           cfg.UserID,
		Backend:          api,
		Transport:        conn,
		State:            state,
		TypingIdle:       cfg.Chat.TypingIdle,
		TypingFailsafe:   cfg.Chat.TypingFailsafe,
		HistoryLimit:     cfg.Chat.HistoryLimit,
		ReplayLimit:      cfg.Chat.ReplayLimit,
		RequestTimeout:   cfg.Backend.Timeout,
		SubscribeTimeout: cfg.Realtime.SubscribeTimeout,
	})

	hubCtx, hubCancel := context.WithCancel(context.Background())
	hub := ws.NewHub(messenger, cfg.MaxViewConnections)
	unsubscribe := messenger.Subscribe(hub.Broadcast)

	var pushH *handler.PushHandler
	if cfg.Push.Enabled {
		keys, err := push.EnsureVAPIDKeys(cfg.Push.VAPIDFile)
		if err != nil {
			logger.Errorf("push: %v", err)
			os.Exit(1)
		}
		notifier, err := push.NewNotifier(rootCtx, push.NotifierOptions{
			State:   state,
			Keys:    keys,
			Subject: cfg.Push.Subject,
			Viewers: hub.Count,
			Title:   func(room string) string { return conversationTitle(messenger, room) },
		})
		if err != nil {
			logger.Errorf("push: %v", err)
			os.Exit(1)
		}
		unsubscribePush := messenger.Subscribe(notifier.OnChange)
		defer unsubscribePush()
		pushH = handler.NewPushHandler(notifier)
		logger.Infof("push: enabled, %d subscription(s)", len(notifier.Subscriptions()))
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		hub.Run(hubCtx)
	}()
	go func() {
		defer wg.Done()
		conn.Run(rootCtx)
	}()

	startCtx, startCancel := context.WithTimeout(rootCtx, 30*time.Second)
	if err := messenger.Start(startCtx, deepLink(*link)); err != nil {
		logger.Errorf("start: %v", err)
	}
	startCancel()

	chatH := handler.NewChatHandler(messenger, api.Breaker)
	wsH := handler.NewWSHandler(hub, cfg.CORSAllowedOrigins)

	r := chi.NewRouter()
	r.Use(middleware.ControlOnly(cfg.ControlSecret))
	r.Use(middleware.RecoverJSON)
	r.Use(middleware.RequestLog)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: splitOrigins(cfg.CORSAllowedOrigins),
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Control-Secret"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK); w.Write([]byte("ok")) })
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws", wsH.ServeWS)

	r.Route("/api", func(r chi.Router) {
		r.Use(chimw.NoCache)
		r.Use(middleware.RateLimit)
		r.Get("/status", chatH.Status)
		r.Get("/conversations", chatH.Conversations)
		r.Get("/messages", chatH.Messages)
		r.Post("/messages", chatH.Send)
		r.Post("/messages/{clientKey}/retry", chatH.Retry)
		r.Delete("/messages/{clientKey}", chatH.Discard)
		r.Post("/typing", chatH.Typing)
		if pushH != nil {
			r.Get("/push/vapid-public", pushH.VAPIDPublic)
			r.Post("/push/subscribe", pushH.Subscribe)
			r.Delete("/push/subscribe", pushH.Unsubscribe)
		}
	})

	srv := &http.Server{
		Addr:              cfg.ControlAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("control api listening on %s", cfg.ControlAddr)
		errCh <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Errorf("server error: %v", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("server shutdown: %v", err)
	}
	unsubscribe()
	messenger.Deselect()
	rootCancel()
	hubCancel()
	wg.Wait()
	logger.Info("chat client stopped")
}

// deepLink accepts a full link, a query string or a bare room id.
func deepLink(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if room := chat.DeepLinkRoom(s); room != "" {
		return room
	}
	if strings.ContainsAny(s, "?=/") {
		return ""
	}
	return s
}

func conversationTitle(m *chat.Messenger, room string) string {
	for _, c := range m.Conversations() {
		if c.RoomID == room {
			return c.OtherParticipant.Name
		}
	}
	return ""
}

func splitOrigins(s string) []string {
	var out []string
	for _, o := range strings.Split(s, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}
