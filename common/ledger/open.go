package ledger

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/telhawk-systems/controlplane/common/config"
	"github.com/telhawk-systems/controlplane/common/failure"
)

// Open returns the ledger backend cfg selects. The caller owns pool and
// client; either may be nil when its backend is not selected.
func Open(cfg config.LedgerConfig, pool *pgxpool.Pool, client *redis.Client) (Ledger, error) {
	switch cfg.Backend {
	case config.LedgerPostgres:
		if pool == nil {
			return nil, failure.Configf("ledger.backend=postgres needs a database pool")
		}
		return NewPostgres(pool), nil
	case config.LedgerRedis:
		if client == nil {
			return nil, failure.Configf("ledger.backend=redis needs a redis client")
		}
		return NewRedis(client, cfg.TTL), nil
	case config.LedgerMemory:
		return NewMemory(), nil
	default:
		return nil, failure.Configf("unknown ledger backend %q", cfg.Backend)
	}
}
