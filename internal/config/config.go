package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Local file names of the downloaded datasets, relative to DestinationFolder.
const (
	ASNIPv4CountryFile = "asnIPv4country.csv"
	ASNIPv6CountryFile = "asnIPv6country.csv"
	ASNIPv4File        = "asnIPv4.csv"
	ASNIPv6File        = "asnIPv6.csv"
	ISO3166File        = "ISO3166Country.csv"
)

var ErrMissingSetting = errors.New("missing required setting")

// MissingError lists every required key that was not set.
type MissingError struct {
	Keys []string
}

func (e *MissingError) Error() string {
	return fmt.Sprintf("%s: %s", ErrMissingSetting, strings.Join(e.Keys, ", "))
}

func (e *MissingError) Is(target error) bool {
	return target == ErrMissingSetting
}

type Config struct {
	DestinationFolder string

	ASNIPv4CountryURL string
	ASNIPv6CountryURL string
	ASNIPv4URL        string
	ASNIPv6URL        string
	ISO3166URL        string

	StoreURI            string
	DBName              string
	IPv4Collection      string
	IPv6Collection      string
	CountryCollection   string
	RunCollection       string
	StoreConnectTimeout time.Duration

	FetchEnabled     bool
	FetchTimeout     time.Duration
	FetchRPS         int
	FetchConcurrency int
	UserAgent        string

	BatchSize  int
	PruneStale bool

	LogLevel  string
	LogFormat string
}

// LoadEnvFiles reads .env and .env.local into the process environment.
func LoadEnvFiles() {
	// Do not override environment provided by the runtime (e.g. Docker).
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")
}

// FromEnv builds a Config from the process environment. Malformed numeric,
// boolean or duration values are reported; required settings are checked
// separately by ValidateFetch and ValidateSync.
func FromEnv() (Config, error) {
	cfg := Config{
		DestinationFolder: os.Getenv("DESTINATION_FOLDER"),
		ASNIPv4CountryURL: os.Getenv("ASN_IPV4_CONT"),
		ASNIPv6CountryURL: os.Getenv("ASN_IPV6_CONT"),
		ASNIPv4URL:        os.Getenv("ASN_IPV4"),
		ASNIPv6URL:        os.Getenv("ASN_IPV6"),
		ISO3166URL:        os.Getenv("ISO_3166_CONT"),

		StoreURI:          getEnv("MONGO_URI", "mongodb://localhost:27017"),
		DBName:            getEnv("DB_NAME", "testDB"),
		IPv4Collection:    getEnv("IPV4_COLLECTION", "asnIPv4"),
		IPv6Collection:    getEnv("IPV6_COLLECTION", "asnIPv6"),
		CountryCollection: getEnv("COUNTRY_COLLECTION", "countries"),
		RunCollection:     getEnv("RUN_COLLECTION", "syncRuns"),

		UserAgent: getEnv("FETCH_USER_AGENT", "asnsync/1.0"),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "console"),
	}

	var errs []error
	var err error
	if cfg.StoreConnectTimeout, err = getEnvDuration("STORE_CONNECT_TIMEOUT", 10*time.Second); err != nil {
		errs = append(errs, err)
	}
	if cfg.FetchEnabled, err = getEnvBool("FETCH_ENABLED", false); err != nil {
		errs = append(errs, err)
	}
	if cfg.FetchTimeout, err = getEnvDuration("FETCH_TIMEOUT", 60*time.Second); err != nil {
		errs = append(errs, err)
	}
	if cfg.FetchRPS, err = getEnvInt("FETCH_RPS", 0); err != nil {
		errs = append(errs, err)
	}
	if cfg.FetchConcurrency, err = getEnvInt("FETCH_CONCURRENCY", 1); err != nil {
		errs = append(errs, err)
	}
	if cfg.BatchSize, err = getEnvInt("SYNC_BATCH_SIZE", 500); err != nil {
		errs = append(errs, err)
	}
	if cfg.PruneStale, err = getEnvBool("PRUNE_STALE", false); err != nil {
		errs = append(errs, err)
	}

	if cfg.FetchConcurrency < 1 {
		cfg.FetchConcurrency = 1
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 500
	}
	return cfg, errors.Join(errs...)
}

// ValidateFetch reports the settings the acquisition step cannot run without.
// ISO_3166_CONT is optional: a missing URL becomes a failed
// fetch outcome for that one resource.
func (c Config) ValidateFetch() error {
	return requireSet(map[string]string{
		"DESTINATION_FOLDER": c.DestinationFolder,
		"ASN_IPV4_CONT":      c.ASNIPv4CountryURL,
		"ASN_IPV6_CONT":      c.ASNIPv6CountryURL,
		"ASN_IPV4":           c.ASNIPv4URL,
		"ASN_IPV6":           c.ASNIPv6URL,
	})
}

func (c Config) ValidateSync() error {
	return requireSet(map[string]string{
		"DESTINATION_FOLDER": c.DestinationFolder,
		"IPV4_COLLECTION":    c.IPv4Collection,
		"IPV6_COLLECTION":    c.IPv6Collection,
		"COUNTRY_COLLECTION": c.CountryCollection,
		"RUN_COLLECTION":     c.RunCollection,
	})
}

// Path joins a dataset file name onto DestinationFolder.
func (c Config) Path(file string) string {
	return filepath.Join(c.DestinationFolder, file)
}

func requireSet(settings map[string]string) error {
	var missing []string
	for key, value := range settings {
		if strings.TrimSpace(value) == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	slices.Sort(missing)
	return &MissingError{Keys: missing}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getEnvBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}

func getEnvDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

// RedactURI hides credentials in a connection string before it is logged.
func RedactURI(uri string) string {
	const marker = "://"
	start := strings.Index(uri, marker)
	if start < 0 {
		return uri
	}
	start += len(marker)
	end := strings.Index(uri[start:], "@")
	if end < 0 {
		return uri
	}
	return uri[:start] + "***" + uri[start+end:]
}
