// Command prloop runs the iteration controller daemon: it drives GitHub
// issues to merged-quality pull requests through a generate, publish,
// CI-wait, review loop, and serves the admin API.
//
// Usage:
//
//	prloop -owner acme -repo widgets [-config prloop.yaml] [-addr :8080]
//	prloop secrets set ANTHROPIC_API_KEY
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

	"golang.org/x/term"

	"prloop/pkg/admin"
	"prloop/pkg/config"
	"prloop/pkg/controller"
	"prloop/pkg/generate"
	"prloop/pkg/githost"
	"prloop/pkg/limiter"
	"prloop/pkg/llm"
	"prloop/pkg/logx"
	"prloop/pkg/metrics"
	"prloop/pkg/review"
	"prloop/pkg/store"
	"prloop/pkg/version"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if len(os.Args) > 1 && os.Args[1] == "secrets" {
		if err := runSecrets(os.Args[2:]); err != nil {
			log.Fatalf("secrets: %v", err)
		}
		return
	}

	var (
		configPath string
		owner      string
		repo       string
		addr       string
		secretsDir string
	)
	flag.StringVar(&configPath, "config", "prloop.yaml", "Path to config file")
	flag.StringVar(&owner, "owner", "", "GitHub repository owner (required)")
	flag.StringVar(&repo, "repo", "", "GitHub repository name (required)")
	flag.StringVar(&addr, "addr", "", "Admin listen address (overrides config)")
	flag.StringVar(&secretsDir, "secrets-dir", ".", "Directory holding the encrypted secrets file")
	flag.Parse()

	if owner == "" || repo == "" {
		flag.Usage()
		log.Fatal("-owner and -repo are required")
	}

	fmt.Printf("prloop %s\n", version.Version)

	if err := config.LoadConfig(configPath); err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	cfg, err := config.GetConfig()
	if err != nil {
		log.Fatalf("Failed to get config: %v", err)
	}
	if addr != "" {
		cfg.AdminAddr = addr
	}

	if config.SecretsFileExists(secretsDir) {
		password := os.Getenv("PRLOOP_PASSWORD")
		if password == "" {
			password, err = promptPassword("Secrets password: ")
			if err != nil {
				log.Fatalf("Failed to read password: %v", err)
			}
		}
		if err := config.LoadSecretsFile(secretsDir, password); err != nil {
			log.Fatalf("Failed to load secrets: %v", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, owner, repo); err != nil {
		log.Fatalf("prloop: %v", err)
	}
}

// run wires the components together and blocks until ctx is cancelled.
func run(ctx context.Context, cfg config.Config, owner, repo string) error {
	logger := logx.NewLogger("main")

	if err := githost.CheckAuth(ctx); err != nil {
		return fmt.Errorf("gh authentication check failed: %w", err)
	}

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to open iteration store: %w", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			logger.Error("Failed to close store: %v", closeErr)
		}
	}()

	lim := limiter.NewLimiter(cfg.Providers)

	genClient, err := llm.NewClient(cfg.Generator)
	if err != nil {
		return fmt.Errorf("failed to create generator client: %w", err)
	}
	revClient, err := llm.NewClient(cfg.Reviewer)
	if err != nil {
		return fmt.Errorf("failed to create reviewer client: %w", err)
	}

	host := githost.NewClient(owner, repo)
	generator := generate.NewLLMGenerator(genClient, lim, cfg.Generator)
	evaluator := review.NewLLMEvaluator(revClient, lim, cfg.Reviewer, cfg.CI.FailurePolicy)
	recorder := metrics.NewRecorder()

	ctrl := controller.New(st, host, generator, evaluator, recorder, cfg)
	if err := ctrl.Resume(ctx); err != nil {
		return fmt.Errorf("failed to resume lineages: %w", err)
	}

	if cfg.PrometheusURL != "" {
		go reportLineageMetrics(ctx, cfg.PrometheusURL, owner+"/"+repo, logger)
	}

	server := admin.NewServer(ctrl)
	serverErr := server.Start(ctx, cfg.AdminAddr)

	logger.Info("Shutting down controller")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := ctrl.Shutdown(shutdownCtx); err != nil {
		logger.Error("Controller shutdown: %v", err)
	}

	return serverErr
}

// reportLineageMetrics periodically logs aggregated lineage metrics from
// Prometheus. Best effort; a missing or unreachable Prometheus only logs.
func reportLineageMetrics(ctx context.Context, prometheusURL, repo string, logger *logx.Logger) {
	qs, err := metrics.NewQueryService(prometheusURL)
	if err != nil {
		logger.Warn("Prometheus query service unavailable: %v", err)
		return
	}

	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			lm, err := qs.GetLineageMetrics(ctx, repo)
			if err != nil {
				logger.Warn("Failed to query lineage metrics: %v", err)
				continue
			}
			logger.Info("Lineage metrics for %s: iterations=%d completed=%d exhausted=%d failed=%d avg_iteration=%.1fs",
				lm.Repo, lm.Iterations, lm.Completed, lm.Exhausted, lm.Failed, lm.AvgIterationSec)
		}
	}
}

// runSecrets implements the "secrets" subcommand. "secrets set NAME" adds or
// replaces one entry in the encrypted secrets file, creating the file on
// first use.
func runSecrets(args []string) error {
	fs := flag.NewFlagSet("secrets", flag.ExitOnError)
	var dir string
	fs.StringVar(&dir, "dir", ".", "Directory holding the encrypted secrets file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	rest := fs.Args()
	if len(rest) < 1 {
		return fmt.Errorf("usage: prloop secrets [-dir DIR] set NAME | list")
	}

	switch rest[0] {
	case "set":
		if len(rest) != 2 {
			return fmt.Errorf("usage: prloop secrets set NAME")
		}
		return secretsSet(dir, rest[1])
	case "list":
		return secretsList(dir)
	default:
		return fmt.Errorf("unknown secrets command %q", rest[0])
	}
}

func secretsSet(dir, name string) error {
	password, err := promptPassword("Secrets password: ")
	if err != nil {
		return err
	}

	secrets := map[string]string{}
	if config.SecretsFileExists(dir) {
		secrets, err = config.DecryptSecretsFile(dir, password)
		if err != nil {
			return err
		}
	} else {
		confirm, err := promptPassword("Confirm password (new secrets file): ")
		if err != nil {
			return err
		}
		if confirm != password {
			return fmt.Errorf("passwords do not match")
		}
	}

	value, err := promptPassword(fmt.Sprintf("Value for %s: ", name))
	if err != nil {
		return err
	}
	if value == "" {
		return fmt.Errorf("empty value for %s", name)
	}

	secrets[name] = value
	if err := config.EncryptSecretsFile(dir, password, secrets); err != nil {
		return err
	}
	fmt.Printf("Stored %s (%d secrets total)\n", name, len(secrets))
	return nil
}

func secretsList(dir string) error {
	if !config.SecretsFileExists(dir) {
		return fmt.Errorf("no secrets file in %s", dir)
	}
	password, err := promptPassword("Secrets password: ")
	if err != nil {
		return err
	}
	secrets, err := config.DecryptSecretsFile(dir, password)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(secrets))
	for name := range secrets {
		names = append(names, name)
	}
	fmt.Println(strings.Join(names, "\n"))
	return nil
}

// promptPassword reads a line without echo when stdin is a terminal, and
// falls back to a plain line read otherwise (pipes, CI).
func promptPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)

	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		data, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		return strings.TrimSpace(string(data)), nil
	}

	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	return strings.TrimSpace(line), nil
}
