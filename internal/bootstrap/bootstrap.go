// Package bootstrap wires configured collaborators, falling back to
// in-process implementations for anything left unconfigured.
package bootstrap

import (
	"context"
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tccmarket/api/internal/catalog"
	"github.com/tccmarket/api/internal/client"
	"github.com/tccmarket/api/internal/config"
	"github.com/tccmarket/api/internal/model"
	"github.com/tccmarket/api/internal/notify"
	"github.com/tccmarket/api/internal/tryon"
)

// Catalog bundles the catalog store with the admin directory backed by the same database
type Catalog struct {
	Store     catalog.Store
	Directory notify.Directory
	Postgres  *catalog.PostgresStore
}

// BuildCatalog connects to Postgres when a DSN is configured and runs
// migrations if enabled. Without a DSN an empty in-memory store is used.
func BuildCatalog(ctx context.Context, cfg config.DatabaseConfig) (*Catalog, func(), error) {
	if cfg.URL == "" {
		log.Println("Info: DATABASE_URL not configured, using in-memory catalog")
		return &Catalog{Store: catalog.NewMemoryStore(), Directory: notify.StaticDirectory{}}, func() {}, nil
	}

	store, err := catalog.NewPostgresStore(ctx, cfg.URL)
	if err != nil {
		return nil, nil, err
	}
	if cfg.AutoMigrate {
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			return nil, nil, err
		}
	}
	log.Println("Info: Catalog connected to Postgres")

	return &Catalog{
		Store:     store,
		Directory: notify.NewPostgresDirectory(store.Pool()),
		Postgres:  store,
	}, store.Close, nil
}

// BuildStorage returns the S3-compatible bucket, or an in-memory store when
// credentials are missing.
func BuildStorage(cfg config.StorageConfig) client.ObjectStorage {
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		s3Storage, err := client.NewS3Storage(&cfg)
		if err == nil {
			return s3Storage
		}
		log.Printf("Warning: object storage not initialized: %v", err)
	} else {
		log.Println("Info: object storage not configured, using in-memory storage")
	}

	base := cfg.PublicURL
	if base == "" {
		base = cfg.Endpoint + "/" + cfg.Bucket
	}
	return client.NewMemoryStorage(base)
}

// BuildObserver registers pipeline metrics on reg. Registration failures
// disable metrics rather than the pipeline.
func BuildObserver(reg prometheus.Registerer) tryon.Observer {
	observer, err := tryon.NewPrometheusObserver("tryon", reg)
	if err != nil {
		log.Printf("Warning: metrics disabled: %v", err)
		return nil
	}
	return observer
}

// BuildPipeline assembles the try-on pipeline from configuration
func BuildPipeline(cfg *config.Config, api client.TryOnAPI, storage client.ObjectStorage, store catalog.Store, observer tryon.Observer) *tryon.Pipeline {
	tc := cfg.TryOn
	return tryon.NewPipeline(
		api,
		tryon.NewPoller(api, tc.MaxAttempts, tc.PollInterval),
		tryon.NewIngestor(storage, &http.Client{Timeout: tc.RequestTimeout * 2}, tc.KeyPrefix, tc.MaxDownloadBytes),
		catalog.NewAttacher(store),
		storage,
		tryon.PipelineOptions{
			Models: map[model.SubjectCategory]string{
				model.SubjectFemale: tc.ModelImageFemale,
				model.SubjectMale:   tc.ModelImageMale,
			},
			Limits: tryon.ImageLimits{
				MaxBytes:     tc.MaxUploadBytes,
				MaxDimension: tc.MaxDimension,
				MaxPixels:    tc.MaxPixels,
			},
			PreviewPrefix:    tc.PreviewPrefix,
			RequestAllowance: tc.RequestTimeout * 5,
			Observer:         observer,
		},
	)
}
