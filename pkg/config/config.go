package config

import (
	"time"

	"github.com/aptible/supercronic/cronexpr"
	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigtoml"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

// Config describes all configuration options
type Config struct {
	Log struct {
		Level string `default:"info"`
		File  string
		JSON  bool `default:"false" usage:"Output JSONND instead of pretty console messages"`
	}
	HTTP struct {
		Address      string        `default:"127.0.0.1:5006" usage:"Adress to listen on"`
		BaseURL      string        `default:"http://localhost:5006" usage:"Public URL for this server"`
		Dev          bool          `default:"false" usage:"Relax the security headers for local development"`
		WriteTimeout time.Duration `default:"2m" usage:"Maximum duration of a response (renders can be slow)"`
	}
	Storage struct {
		Backend   string `default:"azure" usage:"Where datasets are read from (azure or local)"`
		Account   string `default:"seareport" usage:"Azure storage account"`
		Container string `default:"global-v1" usage:"Container (or sub directory of the data dir) holding the datasets"`
		Endpoint  string `usage:"Blob service URL, defaults to https://<account>.blob.core.windows.net/"`
		Anonymous bool   `default:"false" usage:"Access the container without credentials"`
		DataDir   string `default:"./data/" usage:"Root directory of the local backend"`
	}
	Catalog struct {
		Schedule   string `default:"*/5 * * * *" usage:"Cron expression for refreshing the dataset list"`
		SkipLatest int    `default:"1" usage:"Number of newest datasets to hide (still being written)"`
		StateFile  string `default:"thalassa.db" usage:"bbolt file the last dataset list is persisted in"`
	}
	Cache struct {
		Datasets   int           `default:"5" usage:"Number of opened datasets kept in memory"`
		Meshes     int           `default:"5" usage:"Number of meshes kept in memory"`
		Values     int           `default:"32" usage:"Number of node value arrays kept in memory"`
		TileBytes  int           `default:"268435456" usage:"Memory reserved for rendered tiles"`
		PlotTTL    time.Duration `default:"2h" usage:"Lifetime of unused plots"`
		SessionTTL time.Duration `default:"12h" usage:"Lifetime of inactive UI sessions"`
	}
	Render struct {
		Colormap   string `default:"viridis" usage:"Default colormap (viridis, coolwarm or turbo)"`
		Projection string `default:"mercator" usage:"Projection of offline renders (mercator or platecarree)"`
		Width      int    `default:"1200" usage:"Default width of offline renders"`
		MaxZoom    int    `default:"12" usage:"Highest tile zoom level served"`
	}
	Notify struct {
		Command string `usage:"Notification command, {msg} is replaced with the message. Auto-detected when empty."`
		Disable bool   `default:"false" usage:"Don't send desktop notifications"`
		Mail    struct {
			To         string `usage:"Mail error reports to this address"`
			From       string `usage:"Mail sender"`
			Server     string `usage:"SMTP server"`
			Port       int    `default:"587"`
			Encryption string `default:"STARTTLS" usage:"Transport encryption (STARTTLS, SSL or None)"`
			Username   string
			Password   string
			Subject    string `default:"[thalassa] Error report" usage:"Error report subject"`
		}
	}
	Admin struct {
		TokenFile string        `usage:"File with one 'name role argon2-hash' line per admin token"`
		CacheTTL  time.Duration `default:"5m" usage:"How long verified tokens are cached"`
	}
	Argon2 struct {
		Memory      uint32 `default:"65536"`
		Iterations  uint32 `default:"3"`
		Parallelism uint8  `default:"2"`
		SaltLength  uint32 `default:"16"`
		KeyLength   uint32 `default:"32"`
	}
}

var logLevels = map[string]zerolog.Level{
	"debug":   zerolog.DebugLevel,
	"info":    zerolog.InfoLevel,
	"warn":    zerolog.WarnLevel,
	"warning": zerolog.WarnLevel,
	"error":   zerolog.ErrorLevel,
	"fatal":   zerolog.FatalLevel,
}

// Loader initializes an empty config object and returns a new Loader for this object
func Loader() (*Config, *aconfig.Loader) {
	cfg := Config{}
	return &cfg, aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix:  "THALASSA",
		FlagPrefix: "cfg",
		Files:      []string{"config.toml", "config.yml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".toml": aconfigtoml.New(),
			".yml":  aconfigyaml.New(),
		},
	})
}

// Load reads the config files and environment without parsing command-line flags and
// validates the result. The default config files are used if files is empty.
func Load(files ...string) (*Config, error) {
	if len(files) == 0 {
		files = []string{"config.toml", "config.yml"}
	}

	cfg := Config{}
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "THALASSA",
		SkipFlags: true,
		Files:     files,
		FileDecoders: map[string]aconfig.FileDecoder{
			".toml": aconfigtoml.New(),
			".yml":  aconfigyaml.New(),
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, eris.Wrap(err, "failed to load config")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Defaults returns a config holding only the default values
func Defaults() (*Config, error) {
	cfg := Config{}
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		SkipFiles: true,
		SkipEnv:   true,
		SkipFlags: true,
	})
	if err := loader.Load(); err != nil {
		return nil, eris.Wrap(err, "failed to load defaults")
	}
	return &cfg, nil
}

// Validate verifies that all config fields have valid values
func (cfg *Config) Validate() error {
	_, ok := logLevels[cfg.Log.Level]
	if !ok {
		return eris.Errorf(`Invalid value for log.level: %s`, cfg.Log.Level)
	}

	switch cfg.Storage.Backend {
	case "azure":
		if cfg.Storage.Account == "" && cfg.Storage.Endpoint == "" {
			return eris.New(`storage.account or storage.endpoint is required for the azure backend`)
		}
	case "local":
		if cfg.Storage.DataDir == "" {
			return eris.New(`storage.datadir is required for the local backend`)
		}
	default:
		return eris.Errorf(`Invalid value for storage.backend: %s (must be azure or local)`, cfg.Storage.Backend)
	}

	if _, err := cronexpr.Parse(cfg.Catalog.Schedule); err != nil {
		return eris.Wrapf(err, `Invalid value for catalog.schedule: %s`, cfg.Catalog.Schedule)
	}

	if cfg.Catalog.SkipLatest < 0 {
		return eris.Errorf(`Invalid value for catalog.skiplatest: %d`, cfg.Catalog.SkipLatest)
	}

	if cfg.Cache.Datasets < 1 || cfg.Cache.Meshes < 1 || cfg.Cache.Values < 1 || cfg.Cache.TileBytes < 1 {
		return eris.New(`cache sizes must be positive`)
	}

	switch cfg.Render.Projection {
	case "mercator", "platecarree":
	default:
		return eris.Errorf(`Invalid value for render.projection: %s`, cfg.Render.Projection)
	}

	if cfg.Render.MaxZoom < 0 || cfg.Render.MaxZoom > 24 {
		return eris.Errorf(`Invalid value for render.maxzoom: %d`, cfg.Render.MaxZoom)
	}

	switch cfg.Notify.Mail.Encryption {
	case "STARTTLS":
	case "SSL":
	case "None":
		// valid
		break
	default:
		return eris.Errorf(`Invalid value for notify.mail.encryption: %s (must be one of STARTTLS, SSL or None)`, cfg.Notify.Mail.Encryption)
	}

	return nil
}

// LogLevel converts the .Log.Level field to a zerolog.Level
func (cfg *Config) LogLevel() zerolog.Level {
	return logLevels[cfg.Log.Level]
}
