package bootstrap

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/dhstx/productpage-sub002/internal/pkg/entitlements"
	"github.com/dhstx/productpage-sub002/internal/pkg/jobqueue"
	"github.com/dhstx/productpage-sub002/internal/pkg/ledger"
)

func newMockDB(t *testing.T) *gorm.DB {
	t.Helper()
	sqlDB, _, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	db, err := gorm.Open(mysql.New(mysql.Config{Conn: sqlDB, SkipInitializeWithVersion: true}), &gorm.Config{SkipDefaultTransaction: true})
	require.NoError(t, err)
	return db
}

func newRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestNewLedgerStore(t *testing.T) {
	db := newMockDB(t)
	client := newRedis(t)

	tests := []struct {
		name    string
		backend string
		db      *gorm.DB
		client  redis.UniversalClient
		want    interface{}
		wantErr bool
	}{
		{name: "redis", backend: "redis", client: client, want: &ledger.RedisStore{}},
		{name: "default is redis", backend: "", client: client, want: &ledger.RedisStore{}},
		{name: "database", backend: "Database", db: db, want: &ledger.GormStore{}},
		{name: "memory", backend: "memory", want: &ledger.MemoryStore{}},
		{name: "redis without client", backend: "redis", wantErr: true},
		{name: "database without db", backend: "database", wantErr: true},
		{name: "unknown", backend: "etcd", client: client, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, err := NewLedgerStore(tt.backend, tt.db, tt.client)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.IsType(t, tt.want, store)
		})
	}
}

func TestLoadTiers(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		t.Setenv("TIER_CONFIG_FILE", "")
		tiers, err := LoadTiers()
		require.NoError(t, err)
		cfg, ok := tiers.Lookup(entitlements.TierPro)
		require.True(t, ok)
		assert.EqualValues(t, 700, cfg.CoreAllocation)
	})

	t.Run("override file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "tiers.yml")
		doc := "tiers:\n  - name: pro\n    core: 900\n    advanced: 60\n    monthly_price_usd: \"59\"\n    capabilities: [core, advanced]\n"
		require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
		t.Setenv("TIER_CONFIG_FILE", path)

		tiers, err := LoadTiers()
		require.NoError(t, err)
		cfg, _ := tiers.Lookup(entitlements.TierPro)
		assert.EqualValues(t, 900, cfg.CoreAllocation)
		assert.Equal(t, "59", cfg.MonthlyPrice.String())
	})

	t.Run("missing file", func(t *testing.T) {
		t.Setenv("TIER_CONFIG_FILE", filepath.Join(t.TempDir(), "nope.yml"))
		_, err := LoadTiers()
		assert.Error(t, err)
	})
}

func TestNewServicesRegistersJobs(t *testing.T) {
	t.Setenv("TIER_CONFIG_FILE", "")
	t.Setenv("LEDGER_BACKEND", "memory")
	t.Setenv("SLACK_WEBHOOK_URL", "")

	svcs, err := NewServices(newMockDB(t), newRedis(t))
	require.NoError(t, err)
	assert.NotNil(t, svcs.Ledger)
	assert.NotNil(t, svcs.Anonymous)
	assert.NotEmpty(t, svcs.Webhooks.Registry().Keys())

	cfg := jobqueue.Config{Workers: 1, DLQSweepLimit: 10}
	m := jobqueue.NewManager(jobqueue.NewQueueWithClient(newRedis(t), 1), cfg)
	svcs.RegisterJobs(m, cfg)

	job, err := m.EnqueueLedgerReset("acct_1")
	require.NoError(t, err)
	assert.Equal(t, jobqueue.JobTypeLedgerReset, job.Type)
}
