// Command cube deploys analytics-service projects to the managed
// backend. It owns all terminal output; the deploy pipeline itself only
// emits progress events.
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
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/orbit88/cube.js/internal/cliconfig"
	"github.com/orbit88/cube.js/internal/cloud"
	"github.com/orbit88/cube.js/internal/config"
	"github.com/orbit88/cube.js/internal/deploy"
	"github.com/orbit88/cube.js/internal/fingerprint"
	"github.com/orbit88/cube.js/internal/pack"
	"github.com/orbit88/cube.js/internal/project"
	"github.com/orbit88/cube.js/internal/retry"
	"github.com/orbit88/cube.js/internal/token"
	"github.com/orbit88/cube.js/pkg/logger"
)

var buildVersion = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "auth":
		err = commandAuth(args)
	case "deploy":
		err = commandDeploy(args)
	case "logs":
		err = commandLogs(args)
	case "version", "--version", "-v":
		fmt.Println(strings.TrimSpace(buildVersion))
		return
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func commandAuth(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: cube auth login")
	}
	switch args[0] {
	case "login":
		return authLogin(args[1:])
	default:
		return fmt.Errorf("unknown auth command: %s", args[0])
	}
}

func authLogin(args []string) error {
	fs := flag.NewFlagSet("auth login", flag.ExitOnError)
	key := fs.String("key", "", "API key (supply to avoid prompt)")
	apiBase := fs.String("api", "", "API base URL")
	fs.Parse(args)

	secret := strings.TrimSpace(*key)
	if secret == "" {
		fmt.Print("API key: ")
		bytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Print("\n")
		if err != nil {
			return fmt.Errorf("read api key: %w", err)
		}
		secret = strings.TrimSpace(string(bytes))
	}
	if secret == "" {
		return errors.New("api key is required")
	}

	cfg, err := cliconfig.Load()
	if err != nil {
		return err
	}
	if strings.TrimSpace(*apiBase) != "" {
		cfg.APIBaseURL = strings.TrimSpace(*apiBase)
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = config.LoadDeployConfig().APIBaseURL
	}
	cfg.APIKey = secret
	cfg.ClearToken()

	// Verify the key before saving it.
	client, err := cloud.New(cfg.APIBaseURL)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if _, err := client.Authenticate(ctx, secret, fingerprint.Get()); err != nil {
		return err
	}

	if err := cliconfig.Save(cfg); err != nil {
		return err
	}
	fmt.Println("login successful")
	return nil
}

func commandDeploy(args []string) error {
	fs := flag.NewFlagSet("deploy", flag.ExitOnError)
	dir := fs.String("dir", ".", "Project directory")
	timeout := fs.Duration("timeout", 0, "Maximum time to wait for completion (default from config)")
	verbose := fs.Bool("verbose", false, "Enable debug logging")
	fs.Parse(args)

	cfg, err := cliconfig.Load()
	if err != nil {
		return err
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return errors.New("please login first using 'cube auth login'")
	}
	env := config.LoadDeployConfig()
	if cfg.APIBaseURL != "" {
		env.APIBaseURL = cfg.APIBaseURL
	}
	if *timeout > 0 {
		env.DeployTimeout = *timeout
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	log := logger.New("cube", level)

	proj, err := project.Resolve(*dir)
	if err != nil {
		return err
	}
	maxBytes := env.MaxPackageBytes
	if proj.MaxPackageBytes > 0 {
		maxBytes = proj.MaxPackageBytes
	}

	// Uploads can carry the whole package, so the per-request bound is
	// the deploy timeout rather than the short API timeout.
	client, err := cloud.New(env.APIBaseURL,
		cloud.WithPaths(env.AuthPath, env.UploadPath),
		cloud.WithHTTPClient(&http.Client{Timeout: env.DeployTimeout}))
	if err != nil {
		return err
	}
	policy := retry.Policy{
		MaxAttempts:     env.MaxAttempts,
		InitialInterval: env.InitialInterval,
		MaxInterval:     env.MaxInterval,
		Multiplier:      2.0,
		Randomization:   0.5,
	}
	tokens := token.NewManager(client, cfg.APIKey, fingerprint.Get(), policy,
		env.TokenRefreshSkew, newTokenStore(cfg), log)
	svc := deploy.New(tokens, client, pack.NewBuilder(maxBytes, log), policy,
		env.PollInterval, env.DeployTimeout, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, err := svc.Deploy(ctx, proj, deploy.SinkFunc(renderEvent))
	if err != nil {
		return err
	}
	fmt.Printf("deployment %s succeeded (%d files, %d bytes, digest %s)\n",
		result.Job.ID, result.PackageFiles, result.PackageBytes, shortDigest(result.Digest))
	if result.UploadRetries > 0 || result.PollRetries > 0 {
		fmt.Printf("recovered from %d upload and %d poll retries\n",
			result.UploadRetries, result.PollRetries)
	}
	return nil
}

func commandLogs(args []string) error {
	fs := flag.NewFlagSet("logs", flag.ExitOnError)
	deploymentID := fs.String("deployment", "", "Deployment identifier")
	fs.Parse(args)
	if strings.TrimSpace(*deploymentID) == "" {
		return errors.New("--deployment is required")
	}

	cfg, err := cliconfig.Load()
	if err != nil {
		return err
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return errors.New("please login first using 'cube auth login'")
	}
	env := config.LoadDeployConfig()
	if cfg.APIBaseURL != "" {
		env.APIBaseURL = cfg.APIBaseURL
	}

	client, err := cloud.New(env.APIBaseURL,
		cloud.WithHTTPClient(&http.Client{Timeout: env.RequestTimeout}))
	if err != nil {
		return err
	}
	policy := retry.Default()
	tokens := token.NewManager(client, cfg.APIKey, fingerprint.Get(), policy,
		env.TokenRefreshSkew, newTokenStore(cfg), logger.New("cube", slog.LevelWarn))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tok, err := tokens.Token(ctx)
	if err != nil {
		return err
	}
	return client.StreamLogs(ctx, tok.Value, *deploymentID, func(entry cloud.LogEntry) error {
		stamp := entry.Timestamp.Local().Format(time.TimeOnly)
		fmt.Printf("%s %-5s %s\n", stamp, strings.ToUpper(entry.Level), entry.Message)
		return nil
	})
}

// renderEvent prints one progress line per pipeline event.
func renderEvent(e deploy.Event) {
	switch e.Stage {
	case deploy.StageWait:
		if e.Message != "" {
			fmt.Printf("  %s %d%% - %s\n", e.Status, e.Progress, e.Message)
			return
		}
		fmt.Printf("  %s %d%%\n", e.Status, e.Progress)
	case deploy.StageFingerprint:
		// Identity resolution is noise for interactive use.
	default:
		fmt.Printf("%s...\n", e.Message)
	}
}

func shortDigest(digest string) string {
	if len(digest) > 12 {
		return digest[:12]
	}
	return digest
}

func printUsage() {
	fmt.Printf("cube CLI %s\n\n", buildVersion)
	fmt.Print(`Usage:
	cube auth login [--key <api-key>] [--api https://cloud.cube.dev]
	cube deploy [--dir <path>] [--timeout 10m] [--verbose]
	cube logs --deployment <deployment-id>
	cube version
`)
}
