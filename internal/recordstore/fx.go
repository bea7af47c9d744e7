package recordstore

import (
	"net/http"

	"github.com/smallbiznis/worksite/internal/config"
	"github.com/smallbiznis/worksite/internal/recordstore/domain"
	"github.com/smallbiznis/worksite/internal/recordstore/httpstore"
	"github.com/smallbiznis/worksite/internal/recordstore/repository"
	"github.com/smallbiznis/worksite/internal/recordstore/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("recordstore",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewStore),
	fx.Provide(provideStore),
	fx.Invoke(migrate),
)

// provideStore selects the backend the engines read from and write to.
func provideStore(cfg config.Config, local *service.Store, log *zap.Logger) domain.Store {
	if cfg.RecordStore.Backend == config.RecordStoreHTTP {
		log.Info("using remote record store", zap.String("base_url", cfg.RecordStore.BaseURL))
		return httpstore.New(httpstore.Options{
			BaseURL:    cfg.RecordStore.BaseURL,
			Token:      cfg.RecordStore.Token,
			MaxRetries: cfg.RecordStore.MaxRetries,
			HTTPClient: &http.Client{Timeout: cfg.RecordStore.Timeout},
			Log:        log,
		})
	}
	return local
}

func migrate(db *gorm.DB) error {
	return repository.Migrate(db)
}
