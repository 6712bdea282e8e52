package config_test

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billingsync/pkg/config"
)

type defaultsConfig struct {
	Timeout time.Duration `env:"CFGTEST_DEFAULT_TIMEOUT" envDefault:"10s"`
	Workers int           `env:"CFGTEST_DEFAULT_WORKERS" envDefault:"4"`
	Strict  bool          `env:"CFGTEST_DEFAULT_STRICT" envDefault:"false"`
}

type overrideConfig struct {
	Schedule string `env:"CFGTEST_SCHEDULE" envDefault:"@every 1m"`
}

type requiredConfig struct {
	Secret string `env:"CFGTEST_REQUIRED_SECRET,required"`
}

type cachedConfig struct {
	Value string `env:"CFGTEST_CACHED_VALUE"`
}

type fileConfig struct {
	CatalogPath    string        `env:"CFGTEST_CATALOG_PATH"`
	ProcessTimeout time.Duration `env:"CFGTEST_PROCESS_TIMEOUT"`
	AlreadySet     string        `env:"CFGTEST_ALREADY_SET"`
}

func TestLoad_Defaults(t *testing.T) {
	var cfg defaultsConfig
	require.NoError(t, config.Load(&cfg))

	assert.Equal(t, 10*time.Second, cfg.Timeout)
	assert.Equal(t, 4, cfg.Workers)
	assert.False(t, cfg.Strict)
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("CFGTEST_SCHEDULE", "@every 5m")

	var cfg overrideConfig
	require.NoError(t, config.Load(&cfg))
	assert.Equal(t, "@every 5m", cfg.Schedule)
}

func TestLoad_MissingRequired(t *testing.T) {
	os.Unsetenv("CFGTEST_REQUIRED_SECRET")

	var cfg requiredConfig
	err := config.Load(&cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrParsingConfig)
}

func TestLoad_NilPointer(t *testing.T) {
	var cfg *defaultsConfig
	assert.ErrorIs(t, config.Load(cfg), config.ErrNilPointer)
}

func TestLoad_CachesPerType(t *testing.T) {
	t.Setenv("CFGTEST_CACHED_VALUE", "first")

	var first cachedConfig
	require.NoError(t, config.Load(&first))

	t.Setenv("CFGTEST_CACHED_VALUE", "second")

	var second cachedConfig
	require.NoError(t, config.Load(&second))
	assert.Equal(t, "first", second.Value)

	config.ResetCache()

	var third cachedConfig
	require.NoError(t, config.Load(&third))
	assert.Equal(t, "second", third.Value)
}

func TestLoadEnv(t *testing.T) {
	t.Setenv("CFGTEST_ALREADY_SET", "from_process")
	t.Cleanup(func() {
		os.Unsetenv("CFGTEST_CATALOG_PATH")
		os.Unsetenv("CFGTEST_PROCESS_TIMEOUT")
	})

	require.NoError(t, config.LoadEnv("testdata/.env.billing"))

	var cfg fileConfig
	require.NoError(t, config.Load(&cfg))
	assert.Equal(t, "/etc/billing/catalog.yaml", cfg.CatalogPath)
	assert.Equal(t, 15*time.Second, cfg.ProcessTimeout)
	assert.Equal(t, "from_process", cfg.AlreadySet)
}

func TestLoadEnv_MissingFile(t *testing.T) {
	err := config.LoadEnv("testdata/.env.missing")
	assert.ErrorIs(t, err, config.ErrLoadingEnvFile)
}

func TestMustLoad_Panics(t *testing.T) {
	os.Unsetenv("CFGTEST_REQUIRED_SECRET")
	config.ResetCache()

	assert.Panics(t, func() {
		var cfg requiredConfig
		config.MustLoad(&cfg)
	})
}
