package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/oauth2"

	"busymirror/internal/auth"
	"busymirror/internal/calendar"
	"busymirror/internal/config"
	"busymirror/internal/driver"
	"busymirror/internal/reconcile"
)

func printHelp() {
	fmt.Fprintf(os.Stderr, `busymirror

Keeps N calendars mutually consistent by mirroring "busy" time blocks:
an event on one enabled calendar places a content-free placeholder
block on every other enabled calendar. Event titles, attendees and
notes are never copied; only start, end and the all-day flag carry over.

USAGE:
    %s [OPTIONS]

OPTIONS:
    -h, --help                    Show this help message and exit
    -v, --verbose                 Enable verbose output (show DEBUG logs)
    --config FILE                 Path to JSON config file (required)
    --once                        Run a single sync pass and exit
    --preview                     Print pending create/update/delete counts and exit
    --purge                       Delete every block this tool ever created and exit
    --yes                         Skip the confirmation prompt for --purge
    --google-credentials-path PATH Path to Google OAuth credentials JSON file
                                  (overrides config file and GOOGLE_CREDENTIALS_PATH env var)

CONFIGURATION PRECEDENCE (highest to lowest):
    1. Command-line flags
    2. Environment variables (GOOGLE_CREDENTIALS_PATH, SYNC_INTERVAL_MINUTES, SYNC_WINDOW_DAYS)
    3. Config file (--config)
    4. Defaults

CONFIG FILE:
    All settings live in a JSON config file. The accounts array is
    required; enabled_calendars selects which calendars (as
    "account:calendarID") participate in the mirror. Example:
    {
      "google_credentials_path": "/path/to/credentials.json",
      "accounts": [
        {"name": "work", "type": "google", "token_path": "/path/to/work_token.json"},
        {"name": "icloud", "type": "caldav",
         "server_url": "https://caldav.icloud.com",
         "username": "your-email@icloud.com",
         "password": "app-specific-password"}
      ],
      "enabled_calendars": ["work:primary", "icloud:/123/calendars/home/"],
      "sync_interval_minutes": 5,
      "sync_window_days": 30,
      "sync_all_day_events": false,
      "sync_recurring_as_series": true,
      "block_title_format": "Busy ({source_name})"
    }

    The Google credentials JSON file should be in the format downloaded
    from Google Cloud Console, containing an "installed" or "web"
    section with "client_id" and "client_secret" fields.

    For CalDAV accounts (e.g. iCloud) you need an app-specific password.
    For iCloud, generate one at: https://appleid.apple.com/account/manage

DESCRIPTION:
    In daemon mode (the default) the tool syncs every
    sync_interval_minutes and additionally whenever the calendar
    backends report changes, with a short debounce so bursts of edits
    coalesce into one pass. At most one pass runs at a time; triggers
    arriving during a pass or within the 10-second cooldown after one
    are dropped and picked up by the next timer tick.

    Blocks are identified by a marker embedded in the event
    description. Do not edit blocks by hand: the mirror will overwrite
    or delete them. Events without a marker are never modified or
    deleted.

EXAMPLES:
    # Run the mirror daemon
    %s --config ~/.busymirror.json

    # One pass, then exit (for cron)
    %s --config ~/.busymirror.json --once

    # Show what the next pass would do
    %s --config ~/.busymirror.json --preview

    # Remove every block ever created
    %s --config ~/.busymirror.json --purge

`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	helpFlag := flag.Bool("help", false, "Show help message")
	helpFlagShort := flag.Bool("h", false, "Show help message (shorthand)")
	verboseFlag := flag.Bool("verbose", false, "Enable verbose output (show DEBUG logs)")
	verboseFlagShort := flag.Bool("v", false, "Enable verbose output (shorthand)")
	configFile := flag.String("config", "", "Path to JSON config file (required)")
	onceFlag := flag.Bool("once", false, "Run a single sync pass and exit")
	previewFlag := flag.Bool("preview", false, "Print pending change counts and exit")
	purgeFlag := flag.Bool("purge", false, "Delete every block this tool ever created and exit")
	yesFlag := flag.Bool("yes", false, "Skip the confirmation prompt for --purge")
	googleCredentialsPath := flag.String("google-credentials-path", "", "Path to Google OAuth credentials JSON file (overrides config file and GOOGLE_CREDENTIALS_PATH env var)")
	flag.Parse()

	if *helpFlag || *helpFlagShort {
		printHelp()
		os.Exit(0)
	}
	verbose := *verboseFlag || *verboseFlagShort

	log.SetFlags(log.LstdFlags | log.Lshortfile)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *configFile == "" {
		log.Fatalf("--config FILE is required. Use --help for more information.")
	}
	cfg, err := config.LoadConfig(*configFile, *googleCredentialsPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	store, err := buildStore(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to set up calendar accounts: %v", err)
	}

	d := driver.New(store, driver.Config{
		EnabledCalendars: cfg.EnabledCalendars,
		Interval:         time.Duration(cfg.SyncIntervalMinutes) * time.Minute,
		WindowDays:       cfg.SyncWindowDays,
		Settings: reconcile.Settings{
			SyncAllDayEvents:      cfg.SyncAllDayEvents,
			SyncRecurringAsSeries: cfg.SyncRecurringAsSeries,
			BlockTitleFormat:      cfg.BlockTitleFormat,
		},
		Verbose: verbose,
	})

	switch {
	case *previewFlag:
		counts, err := d.Preview(ctx)
		if err != nil {
			log.Fatalf("Preview failed: %v", err)
		}
		fmt.Printf("Pending changes: %d to create, %d to update, %d to delete\n",
			counts.Creates, counts.Updates, counts.Deletes)

	case *purgeFlag:
		if !*yesFlag && !confirmPurge() {
			fmt.Println("Aborted.")
			os.Exit(1)
		}
		deleted, err := d.PurgeAll(ctx)
		if err != nil {
			log.Fatalf("Purge failed: %v", err)
		}
		fmt.Printf("Deleted %d block(s).\n", deleted)

	case *onceFlag:
		if !d.TrySync(ctx, driver.TriggerManual) {
			log.Fatalf("Sync pass did not run")
		}
		log.Printf("Sync completed.")

	default:
		log.Printf("Starting mirror daemon (interval: %dm, window: %dd, %d enabled calendar(s))",
			cfg.SyncIntervalMinutes, cfg.SyncWindowDays, len(cfg.EnabledCalendars))
		if err := d.Run(ctx); err != nil && ctx.Err() == nil {
			log.Fatalf("Daemon failed: %v", err)
		}
		log.Printf("Shutting down.")
	}
}

// buildStore authenticates every configured account and assembles the
// multi-account store. An account that fails to authenticate is fatal:
// running with half the calendars would mass-delete the other half's
// blocks as orphans.
func buildStore(ctx context.Context, cfg *config.Config) (calendar.Store, error) {
	mux := calendar.NewMux()

	var googleOAuth *oauth2.Config
	for _, acct := range cfg.Accounts {
		switch acct.Type {
		case "google":
			if googleOAuth == nil {
				clientID, clientSecret, err := config.LoadGoogleCredentials(cfg.GoogleCredentialsPath)
				if err != nil {
					return nil, fmt.Errorf("failed to load Google credentials: %w", err)
				}
				googleOAuth = &oauth2.Config{
					ClientID:     clientID,
					ClientSecret: clientSecret,
					Scopes: []string{
						"https://www.googleapis.com/auth/calendar",
						"https://www.googleapis.com/auth/calendar.events",
					},
					Endpoint: oauth2.Endpoint{
						AuthURL:  "https://accounts.google.com/o/oauth2/auth",
						TokenURL: "https://oauth2.googleapis.com/token",
					},
				}
			}

			tokenStore := auth.NewFileTokenStore(acct.TokenPath)
			httpClient, err := auth.AuthenticatedClient(ctx, googleOAuth, tokenStore, acct.Name)
			if err != nil {
				return nil, fmt.Errorf("account %s: %w", acct.Name, err)
			}
			client, err := calendar.NewGoogleClient(ctx, httpClient, acct.Name)
			if err != nil {
				return nil, fmt.Errorf("account %s: %w", acct.Name, err)
			}
			mux.Add(acct.Name, client)

		case "caldav":
			mux.Add(acct.Name, calendar.NewCalDAVClient(acct.ServerURL, acct.Username, acct.Password, acct.Name))
		}
	}
	return mux, nil
}

func confirmPurge() bool {
	fmt.Print("This deletes every busy block this tool ever created, on every calendar. Continue? [y/N] ")
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}
