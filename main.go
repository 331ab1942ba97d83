package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"nvpn-proxy/work/catalog"
	"nvpn-proxy/work/client"
	"nvpn-proxy/work/config"
	"nvpn-proxy/work/database"
	"nvpn-proxy/work/filter"
	"nvpn-proxy/work/lifecycle"
	"nvpn-proxy/work/logger"
	"nvpn-proxy/work/player"
	"nvpn-proxy/work/portal"
	"nvpn-proxy/work/resolver"
	"nvpn-proxy/work/types"
	"nvpn-proxy/work/utils"
)

var (
	Version = "v0.1.0" // default version
)

const appName = "NVPN Közmédia Proxy"

const usage = `Usage: nvpn-proxy <command> [flags]

  serve        run the relay until interrupted
  login        log in to the portal and store the session
  play         resolve a channel and print its playback plan
  channels     list channels (-check resolves each one, -include/-exclude filter)
  set          store a setting: set <key> <value>
  get          print a setting: get <key>
  status       show stored settings, login history and store size
  init-config  write an example configuration file
  version      print the version
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx, os.Args[2:])
	case "login":
		err = runLogin(ctx, os.Args[2:])
	case "play":
		err = runPlay(ctx, os.Args[2:])
	case "channels":
		err = runChannels(ctx, os.Args[2:])
	case "set":
		err = runSet(ctx, os.Args[2:])
	case "get":
		err = runGet(ctx, os.Args[2:])
	case "status":
		err = runStatus(ctx, os.Args[2:])
	case "init-config":
		err = runInitConfig(os.Args[2:])
	case "version":
		fmt.Println(serviceName())
	case "help", "-h", "--help":
		fmt.Fprint(os.Stdout, usage)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, describe(err))
		stop()
		os.Exit(1)
	}
}

// serviceName is announced in the relay banner and Server header.
func serviceName() string {
	return utils.ASCIIName(appName + " " + Version)
}

// describe turns an error into the message shown to the user.
func describe(err error) string {
	var e *types.Error
	if !errors.As(err, &e) {
		return "Error: " + err.Error()
	}
	switch e.Kind {
	case types.ConfigurationError:
		if e.Op == "portal.login" {
			return "Configuration error: " + err.Error() +
				"\nStore credentials with: nvpn-proxy set username <name> && nvpn-proxy set password <password>"
		}
		return "Configuration error: " + err.Error()
	case types.AuthRejected:
		if e.Message != "" {
			return "Login rejected by the portal: " + e.Message
		}
	case types.ProtocolError:
		if e.StatusCode != 0 {
			return fmt.Sprintf("Unexpected portal response, code: %d", e.StatusCode)
		}
	case types.ResourceBusy:
		return "Relay unavailable: " + err.Error()
	}
	return "Error: " + err.Error()
}

// app is the wiring shared by every command.
type app struct {
	cfg       *config.Config
	db        *database.DB
	store     *database.CredentialStore
	portal    *client.PortalClient
	upstream  *http.Client
	sessions  *portal.SessionManager
	resolver  *resolver.Resolver
	logCloser io.Closer
}

func setup(ctx context.Context, flags *commonFlags) (*app, error) {
	cfg := config.Load(flags.configPath)
	a := &app{cfg: cfg}

	a.logCloser = logger.Configure(cfg.LogLevel, logger.FileOptions{
		Filename:   cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAgeDays: cfg.LogMaxAgeDays,
		Compress:   true,
	})
	if flags.logLevel != "" {
		logger.SetLogLevel(flags.logLevel)
	}

	db, err := database.Open(cfg.DatabasePath)
	if err != nil {
		a.Close()
		return nil, types.Wrap(types.ConfigurationError, "store", err)
	}
	a.db = db
	a.store = database.NewCredentialStore(db)

	overrides, err := a.store.Overrides(ctx)
	if err != nil {
		logger.Warn("{main - setup} failed to read stored overrides: %v", err)
	} else {
		cfg.ApplyStoreOverrides(overrides)
	}

	if err := cfg.Validate(); err != nil {
		a.Close()
		return nil, types.Wrap(types.ConfigurationError, "config", err)
	}

	if a.portal, err = client.NewPortalClient(cfg); err != nil {
		a.Close()
		return nil, err
	}
	if a.upstream, err = client.NewUpstreamClient(cfg); err != nil {
		a.Close()
		return nil, err
	}

	a.sessions = portal.NewSessionManager(portal.NewStrategy(cfg, a.portal), a.store)
	a.resolver = resolver.New(cfg, a.portal, a.sessions, a.upstream)
	return a, nil
}

func (a *app) Close() {
	if a.db != nil {
		a.db.Close()
	}
	if a.logCloser != nil {
		a.logCloser.Close()
	}
}

// commonFlags are accepted by every command.
type commonFlags struct {
	configPath string
	logLevel   string
}

func newFlagSet(name string) (*flag.FlagSet, *commonFlags) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	c := &commonFlags{}
	fs.StringVar(&c.configPath, "config", config.DefaultPath, "path to the JSON configuration file")
	fs.StringVar(&c.logLevel, "log-level", "", "override the configured log level (DEBUG, INFO, WARN, ERROR)")
	return fs, c
}

func runServe(ctx context.Context, args []string) error {
	fs, flags := newFlagSet("serve")
	_ = fs.Parse(args)

	a, err := setup(ctx, flags)
	if err != nil {
		return err
	}
	defer a.Close()

	ctrl := lifecycle.NewController(a.cfg, a.upstream, serviceName())
	base, err := ctrl.Start(ctx)
	if err != nil {
		return err
	}

	logger.Info("{main - serve} starting %s", serviceName())
	logger.Info("{main - serve} server configuration:")
	logger.Info("{main - serve}   - Relay URL: %s", base)
	logger.Info("{main - serve}   - Portal: %s (%s variant)", a.cfg.PortalURL, a.cfg.PortalVariant)
	logger.Info("{main - serve}   - Chunk Size: %d bytes", a.cfg.RelayChunkSize)
	logger.Info("{main - serve}   - Shutdown Grace: %s", a.cfg.RelayShutdownGrace)
	logger.Info("{main - serve}   - Log Level: %s", logger.GetLogLevel())
	logger.Info("{main - serve}   - Debug Enabled: %v", a.cfg.Debug)
	logger.Info("{main - serve}   - URL Obfuscation: %v", a.cfg.ObfuscateUrls)

	ctrl.Wait(ctx)
	return nil
}

func runLogin(ctx context.Context, args []string) error {
	fs, flags := newFlagSet("login")
	_ = fs.Parse(args)

	a, err := setup(ctx, flags)
	if err != nil {
		return err
	}
	defer a.Close()

	session, err := a.sessions.Login(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Logged in to %s, %d cookies stored\n", a.cfg.PortalURL, len(session.Cookies))
	return nil
}

func runPlay(ctx context.Context, args []string) error {
	fs, flags := newFlagSet("play")
	handle := fs.String("channel", "", "channel handle, e.g. mtv1live")
	noSupervise := fs.Bool("no-supervise", false, "print the plan and stop the relay immediately")
	_ = fs.Parse(args)
	if *handle == "" && fs.NArg() > 0 {
		*handle = fs.Arg(0)
	}

	a, err := setup(ctx, flags)
	if err != nil {
		return err
	}
	defer a.Close()

	if ch, ok := catalog.New(a.cfg).Lookup(*handle); ok {
		logger.Info("{main - play} playing %s (%s)", ch.Name, ch.Handle)
	} else if *handle != "" {
		logger.Warn("{main - play} %q is not in the channel list, trying anyway", *handle)
	}

	ctrl := lifecycle.NewController(a.cfg, a.upstream, serviceName())
	defer ctrl.Stop()
	svc := player.NewService(a.cfg, a.resolver, ctrl)

	plan, err := svc.Play(ctx, *handle)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(plan); err != nil {
		return err
	}

	if plan.Relayed && !*noSupervise {
		svc.Supervise(ctx, plan)
	}
	return nil
}

func runChannels(ctx context.Context, args []string) error {
	fs, flags := newFlagSet("channels")
	check := fs.Bool("check", false, "resolve every channel through the portal")
	include := fs.String("include", "", "only channels whose handle or name matches this pattern")
	exclude := fs.String("exclude", "", "skip channels whose handle or name matches this pattern")
	_ = fs.Parse(args)

	f, err := filter.New(*include, *exclude)
	if err != nil {
		return err
	}

	a, err := setup(ctx, flags)
	if err != nil {
		return err
	}
	defer a.Close()

	cat := catalog.New(a.cfg).Filter(f.Match)
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	defer tw.Flush()

	if !*check {
		fmt.Fprintln(tw, "HANDLE\tNAME\tICON")
		for _, ch := range cat.All() {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", ch.Handle, ch.Name, ch.Icon)
		}
		return nil
	}

	// log in once up front so the workers share one session
	if _, err := a.sessions.EnsureAuthenticated(ctx); err != nil {
		return err
	}

	results, err := catalog.NewChecker(cat, a.resolver, a.cfg.CheckWorkers).Check(ctx)
	fmt.Fprintln(tw, "HANDLE\tNAME\tTYPE\tDRM\tRESULT")
	for _, r := range results {
		result := utils.LogURL(a.cfg, r.URL)
		if r.Error != "" {
			result = r.Error
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%v\t%s\n", r.Channel.Handle, r.Channel.Name, r.MediaType, r.DRM, result)
	}
	return err
}

func runSet(ctx context.Context, args []string) error {
	fs, flags := newFlagSet("set")
	_ = fs.Parse(args)
	if fs.NArg() != 2 {
		return fmt.Errorf("usage: set <key> <value> (keys: %s)", strings.Join(database.KnownKeys, ", "))
	}
	key, value := fs.Arg(0), fs.Arg(1)
	if !slices.Contains(database.KnownKeys, key) {
		return fmt.Errorf("unknown key %q (keys: %s)", key, strings.Join(database.KnownKeys, ", "))
	}

	a, err := setup(ctx, flags)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.db.SetSetting(ctx, key, value); err != nil {
		return err
	}
	// new credentials invalidate the stored session
	if key == database.KeyUsername || key == database.KeyPassword {
		if err := a.store.ClearCookies(ctx); err != nil {
			return err
		}
	}
	return nil
}

func runGet(ctx context.Context, args []string) error {
	fs, flags := newFlagSet("get")
	reveal := fs.Bool("reveal", false, "print the password instead of masking it")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: get <key> (keys: %s)", strings.Join(database.KnownKeys, ", "))
	}
	key := fs.Arg(0)

	a, err := setup(ctx, flags)
	if err != nil {
		return err
	}
	defer a.Close()

	value, ok, err := a.db.GetSetting(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s is not set", key)
	}
	if key == database.KeyPassword && !*reveal {
		value = strings.Repeat("*", len(value))
	}
	fmt.Println(value)
	return nil
}

func runInitConfig(args []string) error {
	fs, flags := newFlagSet("init-config")
	_ = fs.Parse(args)

	if err := config.CreateExampleConfig(flags.configPath); err != nil {
		return err
	}
	fmt.Printf("Example configuration written to %s\n", flags.configPath)
	return nil
}

func runStatus(ctx context.Context, args []string) error {
	fs, flags := newFlagSet("status")
	limit := fs.Int("logins", 5, "number of recent login attempts to show")
	_ = fs.Parse(args)

	a, err := setup(ctx, flags)
	if err != nil {
		return err
	}
	defer a.Close()

	settings, err := a.db.Settings(ctx)
	if err != nil {
		return err
	}
	logins, err := a.db.RecentLogins(ctx, *limit)
	if err != nil {
		return err
	}
	stats, err := a.db.GetStats()
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintf(tw, "Portal:\t%s (%s variant)\n", a.cfg.PortalURL, a.sessions.Strategy().Name())
	fmt.Fprintf(tw, "Relay:\t%s\n", a.cfg.RelayBaseURL())
	fmt.Fprintf(tw, "Store:\t%s (%d bytes, %d settings, %d logins)\n", a.cfg.DatabasePath, stats.SizeBytes, stats.Settings, stats.Logins)

	fmt.Fprintln(tw, "\nKEY\tVALUE\tUPDATED")
	for _, s := range settings {
		value := s.Value
		switch s.Key {
		case database.KeyPassword:
			value = strings.Repeat("*", len(value))
		case database.KeyCookies:
			value = fmt.Sprintf("(%d bytes)", len(value))
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", s.Key, value, s.UpdatedAt.Format(time.DateTime))
	}

	fmt.Fprintln(tw, "\nVARIANT\tRESULT\tWHEN\tMESSAGE")
	for _, l := range logins {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", l.Variant, l.Result, l.CreatedAt.Format(time.DateTime), l.Message)
	}
	return nil
}
