package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/robfig/cron/v3"

	"github.com/adbeework/shiftsync/internal/auth"
	"github.com/adbeework/shiftsync/internal/calendar"
	"github.com/adbeework/shiftsync/internal/config"
	"github.com/adbeework/shiftsync/internal/feed"
	"github.com/adbeework/shiftsync/internal/httpx"
	"github.com/adbeework/shiftsync/internal/notify/groupme"
	"github.com/adbeework/shiftsync/internal/server"
	"github.com/adbeework/shiftsync/internal/sync"
)

func printHelp() {
	fmt.Fprintf(os.Stderr, `Shift Sync Tool

Reads a SocialSchedules iCal feed and copies the upcoming shifts into a
Google Calendar. Shifts that already have an event with the same title
starting within a minute are left alone; nothing is ever updated or deleted.

USAGE:
    %s [OPTIONS]

OPTIONS:
    -h, --help                    Show this help message and exit
    -v, --verbose                 Enable verbose output (show DEBUG logs)
    --config FILE                 Path to a JSON or YAML config file (optional)
    --ical-url URL                SocialSchedules iCal feed (webcal:// is accepted)
                                  (overrides config file and ICAL_URL env var)
    --calendar-id ID              Destination Google Calendar (default: primary)
                                  (overrides config file and CALENDAR_ID env var)
    --time-zone ZONE              IANA time zone written on created events
                                  (default: America/New_York)
    --notify-self                 Let Google send event notifications on create
                                  (--notify-self=false overrides NOTIFY_SELF and the config file)
    --google-credentials-path PATH Path to Google OAuth credentials JSON file
                                  (overrides config file and GOOGLE_CREDENTIALS_PATH env var)
    --token-path PATH             Path to store the Google OAuth token
                                  (overrides config file and TOKEN_PATH env var)
    --list                        Print the parsed shifts and exit
    --export FILE                 Write the parsed shifts as a cleaned .ics file and exit
    --serve                       Run the HTTP API instead of a one-shot sync
    --listen ADDR                 Address for --serve (default: :3000)
    --schedule CRON               Repeat the sync on a cron schedule until interrupted,
                                  e.g. "0 */6 * * *"

CONFIGURATION PRECEDENCE (highest to lowest):
    1. Command-line flags
    2. Environment variables
    3. Config file (--config)
    4. Defaults

CONFIG FILE:
    Files ending in .yaml or .yml are read as YAML, anything else as JSON.
    Example:
    {
      "google_credentials_path": "/path/to/credentials.json",
      "token_path": "/path/to/token.json",
      "feed_url": "webcal://socialschedules.example/ical/abc123",
      "calendar_id": "primary",
      "time_zone": "America/New_York",
      "notify_self": false,
      "selected_ids": ["shift-uid-1", "shift-uid-2"],
      "recurrence_horizon_days": 90,
      "groupme": {
        "access_token": "your-groupme-token",
        "group_id": "12345678"
      }
    }

    selected_ids is optional. Leave it out (or empty) to sync every shift.

    The Google credentials JSON file should be in the format downloaded from
    Google Cloud Console. It should contain either an "installed" or "web"
    section with "client_id" and "client_secret" fields.

ENVIRONMENT VARIABLES:
        GOOGLE_CREDENTIALS_PATH   Path to Google OAuth credentials JSON file
        TOKEN_PATH                Path to store the Google OAuth token
        ICAL_URL                  SocialSchedules iCal feed
        CALENDAR_ID               Destination Google Calendar
        TIME_ZONE                 Zone written on created events
        NOTIFY_SELF               true/false
        LISTEN_ADDR               Address for --serve
        SYNC_SCHEDULE             Cron expression for --schedule
        RECURRENCE_HORIZON_DAYS   How far recurring shifts are expanded (default: 90)
        GROUPME_ACCESS_TOKEN      GroupMe token for post-sync announcements
        GROUPME_DEFAULT_GROUP_ID  GroupMe group that receives the announcement

DESCRIPTION:
    Only confirmed and tentative shifts that have not ended yet are synced.
    Every created event carries the marker "[Auto-synced from SocialSchedules]"
    in its description so synced events can be told apart from manual ones.

    Each shift is reported as synced, skipped or failed. A failure on one shift
    never stops the others; the process exits with status 1 if any shift failed.

    When a GroupMe token and group are configured and at least one shift was
    created, a short message is posted to the group. A failed post is logged
    and otherwise ignored.

    Authentication:
    - Google Calendar: OAuth 2.0 (you'll be prompted on first run; the token
      is stored at --token-path and refreshed automatically)
    - --serve: clients send their own Google access token as
      "Authorization: Bearer <token>"

EXAMPLES:
    # Sync once using a config file
    %s --config /path/to/config.yaml

    # Preview the shifts without touching the calendar
    %s --ical-url webcal://socialschedules.example/ical/abc123 --list

    # Re-sync every six hours
    %s --config /path/to/config.yaml --schedule "0 */6 * * *"

    # Run the HTTP API
    %s --config /path/to/config.yaml --serve --listen :8080

    # Show help
    %s --help

`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	helpFlag := flag.Bool("help", false, "Show help message")
	helpFlagShort := flag.Bool("h", false, "Show help message (shorthand)")
	verboseFlag := flag.Bool("verbose", false, "Enable verbose output (show DEBUG logs)")
	verboseFlagShort := flag.Bool("v", false, "Enable verbose output (shorthand)")
	configFile := flag.String("config", "", "Path to JSON or YAML config file")
	feedURL := flag.String("ical-url", "", "SocialSchedules iCal feed (overrides config file and ICAL_URL env var)")
	calendarID := flag.String("calendar-id", "", "Destination Google Calendar (overrides config file and CALENDAR_ID env var)")
	timeZone := flag.String("time-zone", "", "IANA time zone written on created events (overrides config file and TIME_ZONE env var)")
	notifySelf := flag.Bool("notify-self", false, "Let Google send event notifications on create")
	googleCredentialsPath := flag.String("google-credentials-path", "", "Path to Google OAuth credentials JSON file (overrides config file and GOOGLE_CREDENTIALS_PATH env var)")
	tokenPath := flag.String("token-path", "", "Path to store the Google OAuth token (overrides config file and TOKEN_PATH env var)")
	listFlag := flag.Bool("list", false, "Print the parsed shifts and exit")
	exportPath := flag.String("export", "", "Write the parsed shifts to an .ics file and exit")
	serveFlag := flag.Bool("serve", false, "Run the HTTP API")
	listenAddr := flag.String("listen", "", "Address for --serve (overrides config file and LISTEN_ADDR env var)")
	schedule := flag.String("schedule", "", "Repeat the sync on a cron schedule (overrides config file and SYNC_SCHEDULE env var)")
	flag.Parse()

	if *helpFlag || *helpFlagShort {
		printHelp()
		os.Exit(0)
	}

	level := slog.LevelInfo
	if *verboseFlag || *verboseFlagShort {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	// nil unless --notify-self was given on the command line.
	var notifySelfOverride *bool
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "notify-self" {
			notifySelfOverride = notifySelf
		}
	})

	cfg, err := config.LoadConfig(*configFile, config.Flags{
		GoogleCredentialsPath: *googleCredentialsPath,
		TokenPath:             *tokenPath,
		FeedURL:               *feedURL,
		CalendarID:            *calendarID,
		TimeZone:              *timeZone,
		NotifySelf:            notifySelfOverride,
		ListenAddr:            *listenAddr,
		Schedule:              *schedule,
	})
	if err != nil {
		fatal("Failed to load config", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	parser, err := newParser(cfg)
	if err != nil {
		fatal("Failed to set up feed parser", err)
	}

	switch {
	case *listFlag:
		err = runList(ctx, cfg, parser)
	case *exportPath != "":
		err = runExport(ctx, cfg, parser, *exportPath)
	case *serveFlag:
		err = runServe(ctx, cfg, parser)
	case cfg.Schedule != "":
		err = runScheduled(ctx, cfg, parser)
	default:
		var summary *sync.Summary
		summary, err = runSync(ctx, cfg, parser)
		if err == nil && summary.Failed > 0 {
			stop()
			os.Exit(1)
		}
	}
	if err != nil {
		stop()
		fatal("Run failed", err)
	}
}

func fatal(msg string, err error) {
	slog.Error(msg, "error", err)
	os.Exit(1)
}

func newParser(cfg *config.Config) (*feed.Parser, error) {
	loc, err := time.LoadLocation(cfg.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("failed to load time zone %q: %w", cfg.TimeZone, err)
	}
	parser := feed.NewParser()
	parser.Location = loc
	parser.RecurrenceHorizon = cfg.RecurrenceHorizon()
	return parser, nil
}

func runList(ctx context.Context, cfg *config.Config, parser *feed.Parser) error {
	if err := cfg.ValidateForFeed(); err != nil {
		return err
	}
	shifts, err := parser.ParseFeed(ctx, cfg.FeedURL)
	if err != nil {
		return err
	}

	loc := parser.Location
	for _, shift := range shifts {
		fmt.Printf("%s  %s - %s  %-9s  %s\n",
			shift.ID,
			shift.Start.In(loc).Format("Mon Jan 2 15:04"),
			shift.End.In(loc).Format("15:04"),
			shift.Status,
			shift.Title,
		)
	}
	fmt.Printf("%d upcoming shift(s)\n", len(shifts))
	return nil
}

func runExport(ctx context.Context, cfg *config.Config, parser *feed.Parser, path string) error {
	if err := cfg.ValidateForFeed(); err != nil {
		return err
	}
	shifts, err := parser.ParseFeed(ctx, cfg.FeedURL)
	if err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create export file: %w", err)
	}
	if err := feed.Encode(f, shifts, time.Now()); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to write export file: %w", err)
	}

	slog.Info("Exported shifts", "path", path, "count", len(shifts))
	return nil
}

func runServe(ctx context.Context, cfg *config.Config, parser *feed.Parser) error {
	if err := cfg.ValidateForServe(); err != nil {
		return err
	}

	shutdownMetrics, err := httpx.SetupMetrics()
	if err != nil {
		return fmt.Errorf("failed to set up metrics: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(shutdownCtx); err != nil {
			slog.Warn("Failed to shut down meter provider", "error", err)
		}
	}()

	telemetry, err := httpx.NewTelemetry()
	if err != nil {
		return err
	}

	srv := server.New(parser, calendar.NewGoogleClient(), server.Options{
		DefaultFeedURL: cfg.FeedURL,
		GroupMeToken:   cfg.GroupMe.AccessToken,
		GroupMeGroupID: cfg.GroupMe.GroupID,
		Telemetry:      telemetry,
	})

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP API listening", "addr", cfg.ListenAddr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server failed: %w", err)
		}
	case <-ctx.Done():
		slog.Info("Shutting down HTTP API")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shut down HTTP server: %w", err)
		}
	}

	srv.Wait()
	return nil
}

func runScheduled(ctx context.Context, cfg *config.Config, parser *feed.Parser) error {
	// Fail fast on a bad setup instead of at the first tick.
	if err := cfg.ValidateForSync(); err != nil {
		return err
	}

	c := cron.New()
	_, err := c.AddFunc(cfg.Schedule, func() {
		if _, err := runSync(ctx, cfg, parser); err != nil {
			slog.Error("Scheduled sync failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid schedule %q: %w", cfg.Schedule, err)
	}

	slog.Info("Scheduled sync started", "schedule", cfg.Schedule)
	c.Start()
	<-ctx.Done()

	slog.Info("Waiting for running sync to finish")
	<-c.Stop().Done()
	return nil
}

func runSync(ctx context.Context, cfg *config.Config, parser *feed.Parser) (*sync.Summary, error) {
	if err := cfg.ValidateForSync(); err != nil {
		return nil, err
	}

	clientID, clientSecret, err := config.LoadGoogleCredentials(cfg.GoogleCredentialsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load Google credentials: %w", err)
	}
	oauthConfig := auth.NewGoogleOAuthConfig(clientID, clientSecret)

	tokenSource, err := auth.GetTokenSource(ctx, oauthConfig, auth.NewFileTokenStore(cfg.TokenPath))
	if err != nil {
		return nil, fmt.Errorf("failed to authenticate Google account: %w", err)
	}
	creds, err := tokenSource.Token()
	if err != nil {
		return nil, fmt.Errorf("failed to obtain Google access token: %w", err)
	}

	shifts, err := parser.ParseFeed(ctx, cfg.FeedURL)
	if err != nil {
		return nil, err
	}

	reconciler := sync.NewReconciler(calendar.NewGoogleClient())
	if cfg.NotificationsEnabled() {
		reconciler.Notifier = groupme.New(cfg.GroupMe.AccessToken)
		reconciler.NotifyDestination = cfg.GroupMe.GroupID
	}

	summary, err := reconciler.Sync(ctx, creds, shifts, sync.Request{
		SelectedIDs: cfg.SelectedIDs,
		CalendarID:  cfg.CalendarID,
		TimeZone:    cfg.TimeZone,
		NotifySelf:  cfg.NotifySelf,
	})
	if err != nil {
		return nil, err
	}
	reconciler.Wait()

	for _, outcome := range summary.Outcomes {
		if outcome.Status == sync.StatusFailed {
			slog.Warn("Failed to sync shift", "id", outcome.ShiftID, "title", outcome.Title, "error", outcome.Err)
		}
	}
	slog.Info("Sync completed", "summary", summary.String())
	return summary, nil
}
