package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/time/rate"

	"github.com/kestrelhome/unifimon/internal/appliance"
	"github.com/kestrelhome/unifimon/internal/classify"
	"github.com/kestrelhome/unifimon/internal/config"
	"github.com/kestrelhome/unifimon/internal/ingest"
	"github.com/kestrelhome/unifimon/internal/notify"
	"github.com/kestrelhome/unifimon/internal/retention"
	"github.com/kestrelhome/unifimon/internal/status"
	"github.com/kestrelhome/unifimon/internal/store"
	"github.com/kestrelhome/unifimon/internal/wake"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "unifimonitor",
		Short: "Self-hosted event-aggregation service for a UniFi appliance",
		RunE:  run,
	}

	f := rootCmd.Flags()
	f.String("appliance-host", "", "UniFi appliance host (required)")
	f.String("appliance-username", "", "UniFi appliance username (required)")
	f.String("appliance-password", "", "UniFi appliance password (required)")
	f.String("chat-bot-token", "", "chat service bot token")
	f.String("chat-target-id", "", "chat service target/chat id")
	f.String("db-path", "unifimonitor.db", "path to the SQLite database")
	f.Int("db-budget-mb", 512, "database size budget in MB before retention prunes")
	f.String("listen-addr", ":8080", "HTTP listen address for the status API")
	f.Int("session-expiry-days", 7, "session expiry in days (auth collaborator; not read by this binary)")
	f.Int("invite-expiry-secs", 3600, "invite link expiry in seconds (auth collaborator)")
	f.Int("max-notify-retries", 8, "max notification delivery attempts before dead-lettering")
	f.String("log-dir", "", "log directory (not read by this binary; logs always go to stderr)")
	f.Int("log-budget-mb", 100, "log directory size budget in MB")

	bindFlag := func(viperKey, flagName string) {
		_ = viper.BindPFlag(viperKey, f.Lookup(flagName))
	}
	bindFlag("appliance_host", "appliance-host")
	bindFlag("appliance_username", "appliance-username")
	bindFlag("appliance_password", "appliance-password")
	bindFlag("chat_bot_token", "chat-bot-token")
	bindFlag("chat_target_id", "chat-target-id")
	bindFlag("db_path", "db-path")
	bindFlag("db_budget_mb", "db-budget-mb")
	bindFlag("listen_addr", "listen-addr")
	bindFlag("session_expiry_days", "session-expiry-days")
	bindFlag("invite_expiry_secs", "invite-expiry-secs")
	bindFlag("max_notify_retries", "max-notify-retries")
	bindFlag("log_dir", "log-dir")
	bindFlag("log_budget_mb", "log-budget-mb")

	viper.SetEnvPrefix("UNIFIMON")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// feedURLs derives the three appliance feed endpoints from the
// configured host. The appliance exposes every feed under the same
// host, distinguished only by path and scheme (wss for the live
// channels, https for the one-shot bootstrap snapshots).
type feedURLs struct {
	videoWS     string
	videoHTTP   string
	networkWS   string
	networkHTTP string
	hostWS      string
	hostHTTP    string
}

func buildFeedURLs(host string) feedURLs {
	return feedURLs{
		videoWS:     fmt.Sprintf("wss://%s/proxy/protect/ws/updates", host),
		videoHTTP:   fmt.Sprintf("https://%s/proxy/protect/api/bootstrap", host),
		networkWS:   fmt.Sprintf("wss://%s/proxy/network/wss/s/default/events", host),
		networkHTTP: fmt.Sprintf("https://%s/proxy/network/api/s/default/stat/event", host),
		hostWS:      fmt.Sprintf("wss://%s/api/ws/system", host),
		hostHTTP:    fmt.Sprintf("https://%s/api/system/events/recent", host),
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	log.Printf("unifimonitor starting")
	log.Printf("  appliance host: %s", cfg.ApplianceHost)
	log.Printf("  db path: %s", cfg.DBPath)
	log.Printf("  listen addr: %s", cfg.ListenAddr)
	log.Printf("  db budget: %d MB", cfg.DBBudgetMB)
	log.Printf("  max notify retries: %d", cfg.MaxNotifyRetries)

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close() //nolint:errcheck
	st.SetMaxNotifyAttempts(cfg.MaxNotifyRetries)

	// UniFi appliances serve a self-signed certificate on their own
	// hostname; every request to the appliance (login, bootstrap, feed
	// dial) goes through this client.
	applianceClient := &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}

	session := appliance.NewSession(cfg.ApplianceHost, cfg.ApplianceUsername, cfg.AppliancePassword, applianceClient)
	wakeSignal := wake.New()
	classifier := &classify.Classifier{Store: st, Wake: wakeSignal}
	urls := buildFeedURLs(cfg.ApplianceHost)

	supervisors := []*ingest.Supervisor{
		{
			Source:               classify.SourceVideo,
			Session:              session,
			Store:                st,
			Classifier:           classifier,
			Feed:                 &ingest.BinaryFeedAdapter{URL: urls.videoWS, Client: applianceClient},
			Bootstrap:            &appliance.BootstrapFetcher{URL: urls.videoHTTP, Client: applianceClient},
			DecodeBootstrapEvent: classify.NormalizeVideoSnapshot,
		},
		{
			Source:               classify.SourceNetwork,
			Session:              session,
			Store:                st,
			Classifier:           classifier,
			Feed:                 &ingest.TextFeedAdapter{URL: urls.networkWS, Client: applianceClient, Normalize: classify.NormalizeNetwork},
			Bootstrap:            &appliance.BootstrapFetcher{URL: urls.networkHTTP, Client: applianceClient},
			DecodeBootstrapEvent: classify.NormalizeNetworkSnapshot,
		},
		{
			Source:               classify.SourceHost,
			Session:              session,
			Store:                st,
			Classifier:           classifier,
			Feed:                 &ingest.TextFeedAdapter{URL: urls.hostWS, Client: applianceClient, Normalize: classify.NormalizeHost},
			Bootstrap:            &appliance.BootstrapFetcher{URL: urls.hostHTTP, Client: applianceClient},
			DecodeBootstrapEvent: classify.NormalizeHostSnapshot,
		},
	}

	sender := &notify.ChatSender{
		Endpoint: fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", cfg.ChatBotToken),
		BotToken: cfg.ChatBotToken,
		TargetID: cfg.ChatTargetID,
		Client:   &http.Client{Timeout: 20 * time.Second},
		Limiter:  rate.NewLimiter(rate.Every(time.Second), 1),
	}
	dispatcher := &notify.Dispatcher{Store: st, Sender: sender, Wake: wakeSignal}

	budgetBytes := int64(cfg.DBBudgetMB) * 1024 * 1024
	keeper := &retention.Keeper{Store: st, Budget: budgetBytes}

	statusServer := status.New(cfg.ListenAddr, st, sender)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		log.Printf("received %s, shutting down...", sig)
		cancel()
	}()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := statusServer.ListenAndServe(); err != nil {
			log.Printf("status server: %v", err)
		}
	}()

	for _, sv := range supervisors {
		sv := sv
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sv.Run(ctx); err != nil && ctx.Err() == nil {
				log.Printf("supervisor %s exited: %v", sv.Source, err)
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := dispatcher.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("dispatcher exited: %v", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := keeper.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("retention keeper exited: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := statusServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("status server shutdown: %v", err)
	}

	wg.Wait()
	return nil
}
