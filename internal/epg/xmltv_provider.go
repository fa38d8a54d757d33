package epg

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/thomasbambino/streamcore/internal/config"
	"github.com/thomasbambino/streamcore/internal/observability"
	"github.com/thomasbambino/streamcore/internal/urlutil"
	"github.com/thomasbambino/streamcore/internal/version"
	"github.com/thomasbambino/streamcore/pkg/format"
	"github.com/thomasbambino/streamcore/pkg/httpclient"
	"github.com/thomasbambino/streamcore/pkg/xmltv"
)

// guide is an immutable snapshot of parsed XMLTV data. A new snapshot
// replaces the old one wholesale on refresh, so lookups never see a
// partially loaded guide.
type guide struct {
	fetchedAt time.Time

	// namesByID maps XMLTV channel IDs to display names.
	namesByID map[string]string

	// programsByName maps lowercased display names to programs sorted by
	// start time. Programs on channels without a <channel> definition are
	// keyed by their raw channel ID.
	programsByName map[string][]Program

	programCount int
}

// GuideStats describes the loaded guide for health reporting.
type GuideStats struct {
	ChannelCount int       `json:"channel_count"`
	ProgramCount int       `json:"program_count"`
	FetchedAt    time.Time `json:"fetched_at,omitzero"`

	// Upstream reports the fetch client's circuit breaker, so an
	// unreachable guide source shows up before lookups start failing.
	Upstream httpclient.CircuitBreakerStats `json:"upstream"`
}

// XMLTVProvider serves guide lookups from a periodically refreshed XMLTV
// document. The source may be an http(s) URL or a file:// URL, optionally
// gzip, bzip2, or xz compressed.
//
// The guide loads lazily on first lookup and is considered fresh for the
// configured refresh interval. When a refresh fails and a previous snapshot
// exists, lookups keep serving the stale snapshot. Call Refresh to force a
// reload, typically from a scheduled job.
type XMLTVProvider struct {
	url             string
	refreshInterval time.Duration
	fetcher         *urlutil.ResourceFetcher
	logger          *slog.Logger
	now             func() time.Time

	// mu guards current. refreshMu serializes loads so concurrent lookups
	// past the freshness window trigger a single fetch.
	mu      sync.RWMutex
	current *guide

	refreshMu sync.Mutex
}

// XMLTVOption customizes an XMLTVProvider.
type XMLTVOption func(*XMLTVProvider)

// WithClock overrides the provider's time source. Used in tests.
func WithClock(now func() time.Time) XMLTVOption {
	return func(p *XMLTVProvider) {
		p.now = now
	}
}

// NewXMLTVProvider creates a provider for the configured XMLTV source.
func NewXMLTVProvider(cfg config.EPGConfig, logger *slog.Logger, opts ...XMLTVOption) *XMLTVProvider {
	if logger == nil {
		logger = slog.Default()
	}

	clientCfg := httpclient.DefaultConfig()
	clientCfg.Timeout = cfg.Timeout
	clientCfg.MaxResponseSize = cfg.MaxResponseSize.Bytes()
	clientCfg.UserAgent = version.UserAgent()
	clientCfg.Logger = logger

	p := &XMLTVProvider{
		url:             cfg.XMLTVURL,
		refreshInterval: cfg.RefreshInterval,
		fetcher:         urlutil.NewResourceFetcher(clientCfg),
		logger:          observability.WithComponent(logger, "epg"),
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ResolveChannelName implements Provider.
func (p *XMLTVProvider) ResolveChannelName(ctx context.Context, channelID string) (string, error) {
	if channelID == "" {
		return "", nil
	}
	g, err := p.snapshot(ctx)
	if err != nil {
		return "", err
	}
	return g.namesByID[channelID], nil
}

// CurrentProgram implements Provider.
func (p *XMLTVProvider) CurrentProgram(ctx context.Context, channelName string) (*Program, error) {
	if channelName == "" {
		return nil, nil
	}
	g, err := p.snapshot(ctx)
	if err != nil {
		return nil, err
	}

	programs := g.programsByName[strings.ToLower(channelName)]
	if len(programs) == 0 {
		return nil, nil
	}

	// Programs are sorted by start and do not overlap in well-formed
	// guides, so the airing entry is the first one that has not stopped.
	now := p.now()
	i := sort.Search(len(programs), func(i int) bool {
		return programs[i].Stop.After(now)
	})
	if i == len(programs) || programs[i].Start.After(now) {
		return nil, nil
	}

	program := programs[i]
	return &program, nil
}

// Refresh fetches and parses the guide, replacing the current snapshot.
func (p *XMLTVProvider) Refresh(ctx context.Context) (err error) {
	done := observability.TimedOperationWithError(ctx, p.logger, "guide_refresh", &err)
	defer done()

	p.refreshMu.Lock()
	defer p.refreshMu.Unlock()

	fresh, err := p.load(ctx)
	if err != nil {
		return err
	}
	p.setGuide(fresh)

	p.logger.Info("guide refreshed",
		slog.Int("channels", len(fresh.namesByID)),
		slog.String("programs", format.Count(fresh.programCount)),
	)
	return nil
}

// GuideStats reports the size and age of the loaded guide.
func (p *XMLTVProvider) GuideStats() GuideStats {
	stats := GuideStats{Upstream: p.fetcher.CircuitStats()}
	if g := p.guide(); g != nil {
		stats.ChannelCount = len(g.namesByID)
		stats.ProgramCount = g.programCount
		stats.FetchedAt = g.fetchedAt
	}
	return stats
}

// snapshot returns a fresh-enough guide, loading or reloading as needed.
// When a reload fails and a previous snapshot exists, the stale snapshot is
// returned so guide hiccups degrade lookups rather than break them.
func (p *XMLTVProvider) snapshot(ctx context.Context) (*guide, error) {
	if g := p.guide(); g != nil && !p.stale(g) {
		return g, nil
	}

	p.refreshMu.Lock()
	defer p.refreshMu.Unlock()

	// Another caller may have refreshed while we waited for the lock.
	if g := p.guide(); g != nil && !p.stale(g) {
		return g, nil
	}

	fresh, err := p.load(ctx)
	if err != nil {
		if g := p.guide(); g != nil {
			p.logger.Warn("guide refresh failed, serving stale snapshot",
				slog.String("error", err.Error()),
				slog.Time("fetched_at", g.fetchedAt),
			)
			return g, nil
		}
		return nil, err
	}

	p.setGuide(fresh)
	return fresh, nil
}

func (p *XMLTVProvider) guide() *guide {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}

func (p *XMLTVProvider) setGuide(g *guide) {
	p.mu.Lock()
	p.current = g
	p.mu.Unlock()
}

func (p *XMLTVProvider) stale(g *guide) bool {
	return p.now().Sub(g.fetchedAt) > p.refreshInterval
}

// load fetches and parses the XMLTV document into a new snapshot.
func (p *XMLTVProvider) load(ctx context.Context) (*guide, error) {
	fetchedAt := p.now()

	reader, err := p.fetcher.Fetch(ctx, p.url)
	if err != nil {
		return nil, fmt.Errorf("fetching guide: %w", err)
	}
	defer reader.Close()

	g := &guide{
		fetchedAt:      fetchedAt,
		namesByID:      make(map[string]string),
		programsByName: make(map[string][]Program),
	}

	parser := &xmltv.Parser{
		OnChannel: func(ch *xmltv.Channel) error {
			if ch.ID != "" && ch.DisplayName != "" {
				g.namesByID[ch.ID] = ch.DisplayName
			}
			return nil
		},
		OnProgramme: func(prog *xmltv.Programme) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			if prog.Title == "" || prog.Start.IsZero() || prog.Stop.IsZero() {
				return nil
			}

			name := g.namesByID[prog.Channel]
			if name == "" {
				name = prog.Channel
			}
			key := strings.ToLower(name)
			g.programsByName[key] = append(g.programsByName[key], Program{
				Title:    prog.Title,
				SubTitle: prog.SubTitle,
				Start:    prog.Start.UTC(),
				Stop:     prog.Stop.UTC(),
			})
			g.programCount++
			return nil
		},
		OnError: func(err error) {
			p.logger.Debug("skipping malformed guide entry", slog.String("error", err.Error()))
		},
	}

	if err := parser.ParseCompressed(reader); err != nil {
		return nil, fmt.Errorf("parsing guide: %w", err)
	}

	for _, programs := range g.programsByName {
		sort.Slice(programs, func(i, j int) bool {
			return programs[i].Start.Before(programs[j].Start)
		})
	}

	return g, nil
}

// Ensure XMLTVProvider implements Provider.
var _ Provider = (*XMLTVProvider)(nil)
