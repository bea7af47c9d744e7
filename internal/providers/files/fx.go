package files

import (
	"github.com/smallbiznis/worksite/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("providers.files",
	fx.Provide(NewFromConfig),
)

// NewFromConfig signs GCS links when a bucket is configured and falls back
// to the static base URL otherwise.
func NewFromConfig(cfg config.Config, log *zap.Logger) (Resolver, error) {
	if cfg.Files.GCSBucket == "" {
		return NewStatic(cfg.Files.BaseURL), nil
	}
	accessID, key, err := LoadSigner(cfg.Files.GCSKeyFile, cfg.Files.GCSAccessID)
	if err != nil {
		return nil, err
	}
	gcs, err := NewGCS(GCSOptions{
		Bucket:     cfg.Files.GCSBucket,
		AccessID:   accessID,
		PrivateKey: key,
		TTL:        cfg.Files.SignedURLTTL,
	})
	if err != nil {
		return nil, err
	}
	log.Named("providers.files").Info("signing file links", zap.String("bucket", cfg.Files.GCSBucket))
	return NewCached(gcs, cfg.Files.CacheSize, gcs.TTL()/2), nil
}
