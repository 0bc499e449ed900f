package testutil

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"asnsync/internal/config"
)

// CountriesCSV is a small ISO-3166 table in the upstream column layout.
const CountriesCSV = `name,alpha-2,alpha-3,country-code,iso_3166-2,region,sub-region,intermediate-region,region-code,sub-region-code,intermediate-region-code
Australia,AU,AUS,036,ISO 3166-2:AU,Oceania,Australia and New Zealand,,009,053,
Austria,AT,AUT,040,ISO 3166-2:AT,Europe,Western Europe,,150,155,
Japan,JP,JPN,392,ISO 3166-2:JP,Asia,Eastern Asia,,142,030,
United Arab Emirates,AE,ARE,784,ISO 3166-2:AE,Asia,Western Asia,,142,145,
`

// Headerless ASN dumps, as published by ip-location-db.
const (
	ASNIPv4CountryCSV = "1.0.0.0,1.0.0.255,AU\n1.0.4.0,1.0.7.255,AU\n5.32.0.0,5.32.63.255,AE\n"
	ASNIPv4CSV        = "1.0.0.0,1.0.0.255,13335,CLOUDFLARENET\n5.32.0.0,5.32.63.255,5384,Emirates Telecommunications Corporation\n"
	ASNIPv6CountryCSV = "2001:200::,2001:200:ffff:ffff:ffff:ffff:ffff:ffff,JP\n2001:4:112::,2001:4:112:ffff:ffff:ffff:ffff:ffff,AT\n"
	ASNIPv6CSV        = "2001:200::,2001:200:ffff:ffff:ffff:ffff:ffff:ffff,2500,WIDE-BB\n"
)

// Files maps each dataset file name to its fixture content.
func Files() map[string]string {
	return map[string]string{
		config.ISO3166File:        CountriesCSV,
		config.ASNIPv4CountryFile: ASNIPv4CountryCSV,
		config.ASNIPv4File:        ASNIPv4CSV,
		config.ASNIPv6CountryFile: ASNIPv6CountryCSV,
		config.ASNIPv6File:        ASNIPv6CSV,
	}
}

// WriteFile writes content to name under dir.
func WriteFile(t testing.TB, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write fixture %s: %v", name, err)
	}
	return path
}

// WriteDataset writes every fixture file into dir.
func WriteDataset(t testing.TB, dir string) {
	t.Helper()
	for name, content := range Files() {
		WriteFile(t, dir, name, content)
	}
}

// Config returns a configuration that syncs dir into a SQLite file inside it.
func Config(dir string) config.Config {
	return config.Config{
		DestinationFolder:   dir,
		StoreURI:            "sqlite://" + filepath.Join(dir, "store.db"),
		IPv4Collection:      "asnIPv4",
		IPv6Collection:      "asnIPv6",
		CountryCollection:   "countries",
		RunCollection:       "syncRuns",
		StoreConnectTimeout: 5 * time.Second,
		FetchTimeout:        5 * time.Second,
		FetchConcurrency:    1,
		UserAgent:           "asnsync-test",
		BatchSize:           2,
		LogLevel:            "debug",
		LogFormat:           "json",
	}
}
