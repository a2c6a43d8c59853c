package audit

import (
	"fmt"

	"github.com/ridgeline-gateway/core/config"
)

// NewSink constructs the configured durable sink (§6's
// audit.storage.type).
func NewSink(cfg config.AuditStorageConfig) (Sink, error) {
	switch cfg.Type {
	case "", "file":
		return NewFileSink(FileSinkConfig{
			Path:       cfg.Path,
			MaxSizeMB:  cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAgeDays: cfg.MaxAgeDays,
		}), nil
	case "database":
		return NewDatabaseSink(cfg.DataSourceName, cfg.Table)
	case "elasticsearch":
		return NewElasticsearchSink(cfg.ESAddresses, cfg.ESIndex)
	case "kafka":
		return NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic), nil
	default:
		return nil, fmt.Errorf("audit: unknown storage type %q", cfg.Type)
	}
}
