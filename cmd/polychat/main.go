// Command polychat is a terminal chat client that sends every prompt to
// several language models at once and shows one transcript per model.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/log"

	"polychat/internal/chat"
	"polychat/internal/orchestrator"
	"polychat/internal/provider"
	"polychat/internal/store"
	"polychat/internal/tui"
)

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "polychat")
	}
	return "."
}

func main() {
	dataDir := defaultDataDir()
	dbPath := flag.String("db", filepath.Join(dataDir, "polychat.db"), "sqlite database path")
	logPath := flag.String("log", filepath.Join(dataDir, "polychat.log"), "log file path")
	debug := flag.Bool("debug", false, "enable debug logging")
	refresh := flag.Duration("refresh", time.Minute, "model catalog refresh check interval")
	flag.Parse()

	if err := run(*dbPath, *logPath, *debug, *refresh); err != nil {
		fmt.Fprintln(os.Stderr, "polychat:", err)
		os.Exit(1)
	}
}

func run(dbPath, logPath string, debug bool, refresh time.Duration) error {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}

	// The terminal belongs to the TUI, so logs go to a file.
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer logFile.Close()

	logger := log.NewWithOptions(logFile, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
	})
	if debug {
		logger.SetLevel(log.DebugLevel)
	}

	st, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	providers, err := st.Providers()
	if err != nil {
		return fmt.Errorf("load providers: %w", err)
	}
	models, err := st.Models()
	if err != nil {
		return fmt.Errorf("load models: %w", err)
	}

	profile, err := ensureDefaultProfile(st, providers, models, logger)
	if err != nil {
		return err
	}

	factory := func(p chat.Provider) provider.Client { return provider.NewOpenAI(p) }
	orch := orchestrator.New(st, providers, models, profile, factory, logger)
	orch.RefreshCatalog(true)

	logger.Info("starting", "db", dbPath, "providers", len(providers), "models", len(models))

	app := tui.New(st, orch, refresh, logger)
	program := tea.NewProgram(app, tea.WithAltScreen(), tea.WithMouseCellMotion())
	if _, err := program.Run(); err != nil {
		return fmt.Errorf("run ui: %w", err)
	}
	return nil
}

// ensureDefaultProfile loads the default profile and makes it usable: models
// whose provider has no credential are pruned, and an empty profile is seeded
// with the first viable model so a fresh install can chat immediately.
func ensureDefaultProfile(st *store.Store, providers []chat.Provider, models []chat.Model, logger *log.Logger) (chat.ChatProfile, error) {
	profile, err := st.Profile(store.DefaultProfileID)
	if err != nil {
		return chat.ChatProfile{}, fmt.Errorf("load default profile: %w", err)
	}

	usable := usableModelIDs(providers, models)
	kept := profile.ModelIDs[:0]
	for _, id := range profile.ModelIDs {
		if usable[id] {
			kept = append(kept, id)
		}
	}
	pruned := len(profile.ModelIDs) != len(kept)
	profile.ModelIDs = kept

	if len(profile.ModelIDs) == 0 {
		if id, ok := firstViableModel(providers, models); ok {
			profile.ModelIDs = []int64{id}
			logger.Info("seeded default profile", "model", id)
		}
	}
	if pruned || len(profile.ModelIDs) > 0 {
		if err := st.SetProfileModels(store.DefaultProfileID, profile.ModelIDs); err != nil {
			return chat.ChatProfile{}, fmt.Errorf("persist default profile: %w", err)
		}
	}
	return profile, nil
}

func usableModelIDs(providers []chat.Provider, models []chat.Model) map[int64]bool {
	keyed := make(map[int64]bool, len(providers))
	for _, p := range providers {
		if p.Disabled {
			continue
		}
		keyed[p.ID] = p.KeyEnvVar == "" || os.Getenv(p.KeyEnvVar) != ""
	}
	out := make(map[int64]bool, len(models))
	for _, m := range models {
		if !m.Disabled && keyed[m.ProviderID] {
			out[m.ID] = true
		}
	}
	return out
}

// firstViableModel picks the lowest-id model whose provider is enabled and
// has a credential present.
func firstViableModel(providers []chat.Provider, models []chat.Model) (int64, bool) {
	usable := usableModelIDs(providers, models)
	var best int64
	found := false
	for _, m := range models {
		if !usable[m.ID] {
			continue
		}
		if !found || m.ID < best {
			best = m.ID
			found = true
		}
	}
	return best, found
}
