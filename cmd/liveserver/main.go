package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/burrow/social-app/internal/admin"
	"github.com/burrow/social-app/internal/broker"
	"github.com/burrow/social-app/internal/events"
	"github.com/burrow/social-app/internal/maintenance"
	"github.com/burrow/social-app/internal/metrics"
	"github.com/burrow/social-app/internal/netblock"
	"github.com/burrow/social-app/internal/posts"
	"github.com/burrow/social-app/internal/protocol"
	"github.com/burrow/social-app/internal/ratelimit"
	"github.com/burrow/social-app/internal/session"
	"github.com/burrow/social-app/internal/store"
	"github.com/burrow/social-app/internal/ws"
)

// Rate limit policies per action. A bucket key is action:scope:outcome so
// that failed and successful logins draw from separate budgets.
const (
	loginFailLimit     = 5
	loginFailWindow    = time.Minute
	loginSuccessLimit  = 25
	loginSuccessWindow = 5 * time.Minute
	postLimit          = 6
	postWindow         = 5 * time.Second
	createChatLimit    = 5
	createChatWindow   = 30 * time.Second
	configLimit        = 10
	configWindow       = 5 * time.Second
)

func main() {
	config := ws.DefaultServerConfig()

	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		config.ListenAddr = addr
	}
	if v := os.Getenv("WORKER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.WorkerPoolSize = n
		}
	}
	if v := os.Getenv("MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.MaxConnections = n
		}
	}
	if v := os.Getenv("READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.ReadTimeout = d
		}
	}
	if v := os.Getenv("WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.WriteTimeout = d
		}
	}

	metricsAddr := ":9100"
	if v := os.Getenv("METRICS_ADDR"); v != "" {
		metricsAddr = v
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- MongoDB ---
	storeConfig := store.DefaultConfig()
	if uri := os.Getenv("MONGO_URI"); uri != "" {
		storeConfig.URI = uri
	}
	if db := os.Getenv("MONGO_DB"); db != "" {
		storeConfig.Database = db
	}
	st, err := store.Connect(ctx, storeConfig)
	if err != nil {
		log.Fatalf("failed to connect to MongoDB: %v", err)
	}

	// --- Netblocks ---
	matcher := netblock.NewMatcher(st)
	blocks, err := st.LoadNetblocks(ctx)
	if err != nil {
		log.Fatalf("failed to load netblocks: %v", err)
	}
	matcher.Load(blocks)

	// --- Admin broker ---
	brokerKind := os.Getenv("ADMIN_BROKER")
	if brokerKind == "" {
		brokerKind = "redis"
	}
	var adminBroker broker.Broker
	switch brokerKind {
	case "redis":
		redisAddr := "localhost:6379"
		if v := os.Getenv("REDIS_ADDR"); v != "" {
			redisAddr = v
		}
		adminBroker, err = broker.NewRedisBroker(redisAddr)
		if err != nil {
			log.Fatalf("failed to connect to Redis: %v", err)
		}
	case "nats":
		natsConfig := broker.DefaultNATSConfig()
		if v := os.Getenv("NATS_URL"); v != "" {
			natsConfig.URL = v
		}
		adminBroker, err = broker.NewNATSBroker(natsConfig)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
	default:
		log.Fatalf("unknown ADMIN_BROKER %q (want redis or nats)", brokerKind)
	}

	registry := session.NewRegistry(matcher)
	fanout := events.NewDispatcher(registry)
	postSvc := posts.NewService(st, fanout)
	limiter := ratelimit.NewLimiter()
	limiter.StartJanitor(ctx, 5*time.Minute)

	log.Printf("Burrow live server starting")
	log.Printf("  listen_addr:     %s", config.ListenAddr)
	log.Printf("  metrics_addr:    %s", metricsAddr)
	log.Printf("  worker_pool:     %d", config.WorkerPoolSize)
	log.Printf("  max_connections: %d", config.MaxConnections)
	log.Printf("  mongo_db:        %s", storeConfig.Database)
	log.Printf("  admin_broker:    %s", brokerKind)
	log.Printf("  netblocks:       %d", len(blocks))

	// Declare server early so handler closures can capture it.
	var server *ws.Server

	// sendDirect pushes a status code to one connection. Delivery failures
	// are best-effort; the read path cleans up broken connections.
	sendDirect := func(conn *ws.Connection, status string) {
		data, err := protocol.NewServerPacket(protocol.CmdDirect, protocol.DirectPkt{Val: status})
		if err != nil {
			log.Printf("direct build failed conn=%s: %v", conn.ID, err)
			return
		}
		if err := conn.WriteMessage(data); err != nil {
			log.Printf("direct send failed conn=%s: %v", conn.ID, err)
		}
	}

	// authedUsername resolves the authenticated username bound to a
	// connection, or "" when the connection has not authenticated.
	authedUsername := func(conn *ws.Connection) string {
		states := registry.StateByConn(conn.ID)
		if len(states) == 0 || !states[0].Authenticated {
			return ""
		}
		return states[0].Username
	}

	dispatcher := ws.NewPacketDispatcher(nil)

	// -----------------------------------------------------------------------
	// authenticate — bind the connection to an account via session token
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.CmdAuthenticate, func(conn *ws.Connection, pkt interface{}) {
		authPkt, ok := pkt.(protocol.AuthenticatePkt)
		if !ok || authPkt.Token == "" {
			sendDirect(conn, protocol.StatusInvalidPassword)
			return
		}
		ctx := context.Background()

		failKey := "login:" + conn.IP + ":fail"
		if limiter.IsLimited(failKey) {
			sendDirect(conn, protocol.StatusRateLimited)
			return
		}

		account, err := st.GetAccountByToken(ctx, authPkt.Token)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				log.Printf("authenticate: token lookup conn=%s: %v", conn.ID, err)
			}
			limiter.Consume(failKey, loginFailLimit, loginFailWindow)
			sendDirect(conn, protocol.StatusInvalidPassword)
			return
		}

		if account.Flags&store.FlagDeleted != 0 {
			sendDirect(conn, protocol.StatusDeleted)
			return
		}
		if account.Banned {
			sendDirect(conn, protocol.StatusBanned)
			return
		}

		limiter.Clear(failKey)
		limiter.Consume("login:"+conn.IP+":success", loginSuccessLimit, loginSuccessWindow)

		mfa, err := st.MFARequired(ctx, account.Username)
		if err != nil {
			log.Printf("authenticate: mfa check for %s: %v", account.Username, err)
		}
		if mfa {
			// The account layer completes the second factor out of band;
			// the session stays pending and unindexed until then.
			if err := registry.Authenticate(conn.ID, account.Username, session.AuthMFAPending); err != nil {
				log.Printf("authenticate: pending conn=%s: %v", conn.ID, err)
				return
			}
			sendDirect(conn, protocol.StatusMFARequired)
			return
		}

		if err := registry.Authenticate(conn.ID, account.Username, session.AuthToken); err != nil {
			log.Printf("authenticate: conn=%s: %v", conn.ID, err)
			sendDirect(conn, protocol.StatusInvalidPassword)
			return
		}

		resp, _ := protocol.NewServerPacket(protocol.CmdAuthed, protocol.AuthedPkt{
			Username: account.Username,
		})
		_ = conn.WriteMessage(resp)
		sendDirect(conn, protocol.StatusOK)
		log.Printf("authenticate conn=%s username=%s", conn.ID, account.Username)
	})

	// -----------------------------------------------------------------------
	// post_home — publish to the public feed
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.CmdPostHome, func(conn *ws.Connection, pkt interface{}) {
		postPkt, ok := pkt.(protocol.PostHomePkt)
		if !ok {
			return
		}
		if err := posts.ValidateContent(postPkt.Content); err != nil {
			log.Printf("post_home: rejected content conn=%s: %v", conn.ID, err)
			return
		}
		username := authedUsername(conn)
		if username == "" {
			sendDirect(conn, protocol.StatusInvalidPassword)
			return
		}
		ctx := context.Background()

		if restricted, err := st.IsRestricted(ctx, username, store.RestrictHomePosts); err != nil {
			log.Printf("post_home: restriction check for %s: %v", username, err)
			return
		} else if restricted {
			sendDirect(conn, protocol.StatusRestricted)
			return
		}

		key := "posts:" + username
		if limiter.IsLimited(key) {
			sendDirect(conn, protocol.StatusRateLimited)
			return
		}
		limiter.Consume(key, postLimit, postWindow)

		if _, err := postSvc.Create(ctx, posts.OriginHome, username, postPkt.Content, nil); err != nil {
			log.Printf("post_home from %s: %v", username, err)
		}
	})

	// -----------------------------------------------------------------------
	// post_chat — publish into a group chat (or the ephemeral livechat)
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.CmdPostChat, func(conn *ws.Connection, pkt interface{}) {
		chatPkt, ok := pkt.(protocol.PostChatPkt)
		if !ok || chatPkt.ChatID == "" {
			return
		}
		if err := posts.ValidateContent(chatPkt.Content); err != nil {
			log.Printf("post_chat: rejected content conn=%s: %v", conn.ID, err)
			return
		}
		username := authedUsername(conn)
		if username == "" {
			sendDirect(conn, protocol.StatusInvalidPassword)
			return
		}
		ctx := context.Background()

		if restricted, err := st.IsRestricted(ctx, username, store.RestrictChatPosts); err != nil {
			log.Printf("post_chat: restriction check for %s: %v", username, err)
			return
		} else if restricted {
			sendDirect(conn, protocol.StatusRestricted)
			return
		}

		key := "posts:" + username
		if limiter.IsLimited(key) {
			sendDirect(conn, protocol.StatusRateLimited)
			return
		}
		limiter.Consume(key, postLimit, postWindow)

		if chatPkt.ChatID == posts.OriginLivechat {
			if _, err := postSvc.Create(ctx, posts.OriginLivechat, username, chatPkt.Content, nil); err != nil {
				log.Printf("post_chat livechat from %s: %v", username, err)
			}
			return
		}

		members, err := st.ChatMembers(ctx, chatPkt.ChatID)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				log.Printf("post_chat: members of %s: %v", chatPkt.ChatID, err)
			}
			return
		}
		isMember := false
		for _, m := range members {
			if m == username {
				isMember = true
				break
			}
		}
		if !isMember {
			return
		}

		if _, err := postSvc.Create(ctx, chatPkt.ChatID, username, chatPkt.Content, members); err != nil {
			log.Printf("post_chat from %s chat=%s: %v", username, chatPkt.ChatID, err)
		}
	})

	// -----------------------------------------------------------------------
	// create_chat — create a new group chat owned by the caller
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.CmdCreateChat, func(conn *ws.Connection, pkt interface{}) {
		createPkt, ok := pkt.(protocol.CreateChatPkt)
		if !ok || createPkt.Nickname == "" {
			return
		}
		username := authedUsername(conn)
		if username == "" {
			sendDirect(conn, protocol.StatusInvalidPassword)
			return
		}
		ctx := context.Background()

		if restricted, err := st.IsRestricted(ctx, username, store.RestrictNewChats); err != nil {
			log.Printf("create_chat: restriction check for %s: %v", username, err)
			return
		} else if restricted {
			sendDirect(conn, protocol.StatusRestricted)
			return
		}

		key := "create_chat:" + username
		if limiter.IsLimited(key) {
			sendDirect(conn, protocol.StatusRateLimited)
			return
		}
		limiter.Consume(key, createChatLimit, createChatWindow)

		chatID, err := st.CreateChat(ctx, username, createPkt.Nickname)
		if err != nil {
			log.Printf("create_chat from %s: %v", username, err)
			return
		}
		sendDirect(conn, protocol.StatusOK)
		log.Printf("create_chat from %s chat=%s", username, chatID)
	})

	// -----------------------------------------------------------------------
	// set_config — update account settings and sync all of the user's devices
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.CmdSetConfig, func(conn *ws.Connection, pkt interface{}) {
		configPkt, ok := pkt.(protocol.SetConfigPkt)
		if !ok || len(configPkt.Settings) == 0 {
			return
		}
		username := authedUsername(conn)
		if username == "" {
			sendDirect(conn, protocol.StatusInvalidPassword)
			return
		}
		ctx := context.Background()

		key := "config:" + username
		if limiter.IsLimited(key) {
			sendDirect(conn, protocol.StatusRateLimited)
			return
		}
		limiter.Consume(key, configLimit, configWindow)

		if err := st.UpdateSettings(ctx, username, configPkt.Settings); err != nil {
			log.Printf("set_config from %s: %v", username, err)
			return
		}

		// Every one of the user's connections gets the accepted settings so
		// multiple devices stay in sync, including the one that sent them.
		data, err := protocol.NewServerPacket(protocol.CmdConfigUpdated, protocol.ConfigUpdatedPkt{
			Settings: configPkt.Settings,
		})
		if err != nil {
			log.Printf("set_config: build sync packet: %v", err)
			return
		}
		fanout.Send(data, events.ToUsernames(username))
		sendDirect(conn, protocol.StatusOK)
	})

	server = ws.NewServer(config, registry, dispatcher.Dispatch)
	dispatcher.SetServer(server)

	// Record sign-off time for authenticated sessions. Runs before the
	// registry entry is removed so the username is still resolvable.
	server.SetOnDisconnect(func(connID string) {
		states := registry.StateByConn(connID)
		if len(states) == 0 || !states[0].Authenticated {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := st.TouchLastSeen(ctx, states[0].Username); err != nil {
			log.Printf("disconnect: touch last_seen for %s: %v", states[0].Username, err)
		}
	})

	// --- Admin command bus ---
	listener := admin.NewListener(st, postSvc, registry)
	if err := listener.Listen(ctx, adminBroker); err != nil {
		log.Fatalf("failed to subscribe to admin channel: %v", err)
	}

	// --- Background maintenance ---
	sweeper := maintenance.NewSweeper(st)
	if v := os.Getenv("SWEEP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			sweeper.SetInterval(d)
		}
	}
	go sweeper.Run(ctx)

	// --- Metrics ---
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		if err := http.ListenAndServe(metricsAddr, mux); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		cancel()
		if err := adminBroker.Close(); err != nil {
			log.Printf("broker close error: %v", err)
		}
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := st.Close(shutdownCtx); err != nil {
			log.Printf("store close error: %v", err)
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
