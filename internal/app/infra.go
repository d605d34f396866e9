package app

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/hewlab/playground/internal/catalog"
	"github.com/hewlab/playground/internal/config"
	"github.com/hewlab/playground/internal/orchestrator"
	"github.com/hewlab/playground/internal/sandbox"
	"github.com/hewlab/playground/internal/session"
)

const dbConnectTimeout = 10 * time.Second

// infra groups the external dependencies and their shutdown hooks.
type infra struct {
	store       session.Store
	provider    sandbox.Provider
	catalog     *catalog.Catalog
	credentials orchestrator.CredentialLookup

	db        *sql.DB
	watchStop chan struct{}
	log       *logrus.Logger
}

func buildInfra(cfg *config.Config, log *logrus.Logger) (*infra, error) {
	inf := &infra{log: log, watchStop: make(chan struct{})}

	store, db, err := buildStore(cfg, log)
	if err != nil {
		return nil, err
	}
	inf.store = store
	inf.db = db

	provider, err := buildProvider(cfg, log)
	if err != nil {
		inf.stop()
		return nil, err
	}
	inf.provider = provider

	cat, err := catalog.Load(cfg.Catalog.Path, log)
	if err != nil {
		inf.stop()
		return nil, fmt.Errorf("load lab catalog: %w", err)
	}
	inf.catalog = cat

	inf.credentials = credentialLookup(cfg.Provider.CredentialsDir)
	return inf, nil
}

func buildStore(cfg *config.Config, log *logrus.Logger) (session.Store, *sql.DB, error) {
	if cfg.Database.DSN == "" {
		log.Warn("No database configured, using in-memory session store")
		return session.NewMemoryStore(), nil, nil
	}

	db, err := sql.Open("postgres", cfg.Database.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), dbConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("ping database: %w", err)
	}

	store, err := session.NewPostgresStore(ctx, db)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("initialize session store: %w", err)
	}
	log.Info("Connected to Postgres session store")
	return store, db, nil
}

func buildProvider(cfg *config.Config, log *logrus.Logger) (sandbox.Provider, error) {
	switch cfg.Provider.Mode {
	case "kubernetes":
		return sandbox.NewKubernetesProvider(sandbox.KubernetesConfig{
			Kubeconfig:   cfg.Provider.Kubeconfig,
			ToolboxImage: cfg.Provider.ToolboxImage,
			Shell:        cfg.Provider.Shell,
		}, log)
	case "local":
		return sandbox.NewLocalProvider(cfg.Provider.LocalDir, cfg.Provider.Shell, log), nil
	default:
		return nil, fmt.Errorf("unknown provider mode %q", cfg.Provider.Mode)
	}
}

func quotaFromConfig(q config.Quota) sandbox.Quota {
	return sandbox.Quota{
		CPU:      q.CPU,
		Memory:   q.Memory,
		Pods:     q.Pods,
		Services: q.Services,
		PVCs:     q.PVCs,
	}
}

// credentialLookup reads a per-owner credential file from dir. A missing
// file or empty dir means no credential, which is not an error. Owner
// ids arrive verbatim from an external header; only ids naming a plain
// file directly inside dir are looked up, so an id carrying path
// separators or dot segments can never read outside it.
func credentialLookup(dir string) orchestrator.CredentialLookup {
	if dir == "" {
		return nil
	}
	return func(ownerID string) ([]byte, error) {
		if ownerID == "" || filepath.Base(ownerID) != ownerID || strings.HasPrefix(ownerID, ".") {
			return nil, fmt.Errorf("owner id %q is not a valid credential name", ownerID)
		}
		data, err := os.ReadFile(filepath.Join(dir, ownerID))
		if os.IsNotExist(err) {
			return nil, nil
		}
		return data, err
	}
}

// start launches background pieces that outlive construction, currently
// the catalog file watcher.
func (i *infra) start() {
	if err := i.catalog.Watch(i.watchStop); err != nil {
		i.log.WithError(err).Warn("Catalog hot reload unavailable")
	}
}

func (i *infra) stop() {
	select {
	case <-i.watchStop:
	default:
		close(i.watchStop)
	}
	if i.db != nil {
		if err := i.db.Close(); err != nil {
			i.log.WithError(err).Warn("Closing database connection failed")
		}
	}
}
