// Package acquire downloads the reference datasets to local files. Every
// resource is attempted; a failure is recorded in its Outcome and never stops
// the others.
package acquire

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"asnsync/internal/config"
)

var ErrNoURL = errors.New("no url configured")

// Resource ids.
const (
	ASNIPv4Country = "asn-ipv4-country"
	ASNIPv6Country = "asn-ipv6-country"
	ASNIPv4        = "asn-ipv4"
	ASNIPv6        = "asn-ipv6"
	ISO3166Country = "iso3166-country"
)

type Resource struct {
	ID        string
	URL       string
	LocalPath string
}

type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

type Outcome struct {
	ResourceID string        `json:"resourceId"`
	URL        string        `json:"url"`
	LocalPath  string        `json:"localPath"`
	Status     Status        `json:"status"`
	Bytes      int64         `json:"bytes"`
	Duration   time.Duration `json:"duration"`
	Err        error         `json:"-"`
	Error      string        `json:"error,omitempty"`
}

func (o Outcome) OK() bool { return o.Status == StatusSuccess }

// Resources builds the five datasets from configuration.
func Resources(cfg config.Config) []Resource {
	return []Resource{
		{ID: ASNIPv4Country, URL: cfg.ASNIPv4CountryURL, LocalPath: cfg.Path(config.ASNIPv4CountryFile)},
		{ID: ASNIPv6Country, URL: cfg.ASNIPv6CountryURL, LocalPath: cfg.Path(config.ASNIPv6CountryFile)},
		{ID: ASNIPv4, URL: cfg.ASNIPv4URL, LocalPath: cfg.Path(config.ASNIPv4File)},
		{ID: ASNIPv6, URL: cfg.ASNIPv6URL, LocalPath: cfg.Path(config.ASNIPv6File)},
		{ID: ISO3166Country, URL: cfg.ISO3166URL, LocalPath: cfg.Path(config.ISO3166File)},
	}
}

type Fetcher struct {
	client      *Client
	concurrency int
	log         zerolog.Logger
}

func NewFetcher(client *Client, concurrency int, log zerolog.Logger) *Fetcher {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Fetcher{client: client, concurrency: concurrency, log: log}
}

// FetchAll attempts every resource and returns one outcome per resource, in
// input order.
func (f *Fetcher) FetchAll(ctx context.Context, resources []Resource) []Outcome {
	outcomes := make([]Outcome, len(resources))

	var g errgroup.Group
	g.SetLimit(f.concurrency)
	for i, res := range resources {
		g.Go(func() error {
			outcomes[i] = f.fetch(ctx, res)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func (f *Fetcher) fetch(ctx context.Context, res Resource) Outcome {
	start := time.Now()
	n, err := f.client.Download(ctx, res.URL, res.LocalPath)

	out := Outcome{
		ResourceID: res.ID,
		URL:        res.URL,
		LocalPath:  res.LocalPath,
		Status:     StatusSuccess,
		Bytes:      n,
		Duration:   time.Since(start),
	}
	log := f.log.With().Str("resource", res.ID).Str("url", res.URL).Str("path", res.LocalPath).Logger()
	if err != nil {
		out.Status = StatusFailure
		out.Bytes = 0
		out.Err = err
		out.Error = err.Error()
		log.Error().Err(err).Msg("fetch failed")
		return out
	}
	log.Info().Int64("bytes", n).Dur("took", out.Duration).Msg("fetched")
	return out
}
