package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"

	"agentcore/pkg/activity"
	"agentcore/pkg/config"
	"agentcore/pkg/conversation"
	"agentcore/pkg/corerr"
	"agentcore/pkg/dispatch"
	"agentcore/pkg/eventlog"
	"agentcore/pkg/llm"
	"agentcore/pkg/memory"
	"agentcore/pkg/metrics"
	"agentcore/pkg/persistence"
	"agentcore/pkg/registry"
)

// passwordEnv holds the secrets password for non-interactive use.
const passwordEnv = "AGENTCORE_PASSWORD"

// app is the set of components a command works against. The router is created stopped;
// only the run command starts it, so messages sent from other commands stay pending
// until a runtime picks them up.
type app struct {
	cfg           *config.Config
	db            *persistence.DB
	events        *eventlog.Writer
	registry      *registry.Registry
	conversations *conversation.Manager
	activity      *activity.Log
	router        *dispatch.Router
}

func (o *rootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, corerr.Wrap(corerr.KindValidation, "config", err, "failed to load configuration")
	}
	if o.dbPath != "" {
		cfg.Storage.DBPath = o.dbPath
	}
	if o.eventsDir != "" {
		cfg.Storage.EventLogDir = o.eventsDir
	}
	return cfg, nil
}

// open loads configuration and wires storage, registry, conversations, activity and router.
func (o *rootOptions) open(opts ...func(*dispatch.Options)) (*app, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}

	db, err := persistence.Open(cfg.Storage.DBPath)
	if err != nil {
		return nil, corerr.Wrap(corerr.KindPersistence, "open", err, "failed to open database")
	}
	events, err := eventlog.NewWriter(cfg.Storage.EventLogDir)
	if err != nil {
		_ = db.Close()
		return nil, corerr.Wrap(corerr.KindPersistence, "open", err, "failed to open event log")
	}

	a := &app{
		cfg:           cfg,
		db:            db,
		events:        events,
		registry:      registry.New(db),
		conversations: conversation.NewManager(db),
		activity:      activity.New(db, events),
	}
	ropts := dispatch.OptionsFromConfig(cfg)
	ropts.Events = events
	for _, opt := range opts {
		opt(&ropts)
	}
	a.router = dispatch.NewRouter(db, a.conversations, a.activity, a.registry, ropts)
	return a, nil
}

// Close stops the router, then releases the event log and database.
func (a *app) Close() error {
	err := a.router.Close(context.Background())
	if cerr := a.events.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if cerr := a.db.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// secrets opens the encrypted secrets file, asking for the password when one exists.
func (a *app) secrets() (*config.Secrets, error) {
	dir := a.cfg.Storage.SecretsDir
	if !config.SecretsFileExists(dir) {
		return config.NewSecrets(dir), nil
	}
	password, err := readPassword(false)
	if err != nil {
		return nil, err
	}
	secrets, err := config.OpenSecrets(dir, password)
	if err != nil {
		return nil, corerr.Wrap(corerr.KindAuthorization, "secrets", err, "failed to decrypt secrets")
	}
	return secrets, nil
}

// memory opens the vector memory over the configured embedder, cached in front.
func (a *app) memory(ctx context.Context, rec *metrics.Recorder) (*memory.Store, func(), error) {
	secrets, err := a.secrets()
	if err != nil {
		return nil, nil, err
	}
	base, err := llm.NewEmbedder(a.cfg.LLM, a.cfg.Memory, secrets)
	if err != nil {
		return nil, nil, corerr.Wrap(corerr.KindValidation, "memory", err, "failed to build embedder")
	}
	cached, err := memory.NewCachedEmbedder(base, a.cfg.Memory.EmbedCacheSize, rec)
	if err != nil {
		return nil, nil, err
	}
	store, err := memory.Open(ctx, a.db, cached, a.cfg.Memory, memory.WithMetrics(rec))
	if err != nil {
		cached.Close()
		return nil, nil, err
	}
	return store, cached.Close, nil
}

// readPassword takes the password from the environment, else prompts on the terminal.
func readPassword(confirm bool) (string, error) {
	if pw := os.Getenv(passwordEnv); pw != "" {
		return pw, nil
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", corerr.Newf(corerr.KindValidation, "secrets", "no terminal to prompt on; set %s", passwordEnv)
	}

	fmt.Fprint(os.Stderr, "Secrets password: ")
	first, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	defer clear(first)
	if !confirm {
		return string(first), nil
	}

	fmt.Fprint(os.Stderr, "Confirm password: ")
	second, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	defer clear(second)
	if string(first) != string(second) {
		return "", corerr.New(corerr.KindValidation, "secrets", "passwords do not match")
	}
	return string(first), nil
}

// parseMetadata turns repeated key=value flags into a map.
func parseMetadata(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, corerr.Newf(corerr.KindValidation, "flags", "metadata %q is not key=value", p)
		}
		out[k] = v
	}
	return out, nil
}
