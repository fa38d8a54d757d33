// Package epg answers electronic program guide lookups for stream sessions.
//
// The ledger uses a Provider to resolve channel display names and to label
// viewing history with the program airing at session start and end. Guide
// data is best effort everywhere: callers are expected to log and continue
// when a lookup fails.
package epg

import (
	"context"
	"time"
)

// Program is a single guide entry for a channel.
type Program struct {
	Title    string    `json:"title"`
	SubTitle string    `json:"sub_title,omitempty"`
	Start    time.Time `json:"start"`
	Stop     time.Time `json:"stop"`
}

// Label returns the history label for the program. When an episode title is
// present it is appended to the program title.
func (p Program) Label() string {
	if p.SubTitle == "" {
		return p.Title
	}
	return p.Title + ": " + p.SubTitle
}

// Provider resolves guide data for channels. Implementations must be safe
// for concurrent use. Lookups return (nil, nil) respectively ("", nil) when
// the guide has no matching entry; errors indicate the guide itself is
// unavailable.
type Provider interface {
	// ResolveChannelName returns the guide display name for a channel ID.
	ResolveChannelName(ctx context.Context, channelID string) (string, error)

	// CurrentProgram returns the program airing now on the named channel.
	// Matching is case-insensitive on the display name.
	CurrentProgram(ctx context.Context, channelName string) (*Program, error)
}

// NoopProvider is the Provider used when no guide is configured.
// Every lookup misses.
type NoopProvider struct{}

// NewNoopProvider returns a provider with no guide data.
func NewNoopProvider() *NoopProvider {
	return &NoopProvider{}
}

// ResolveChannelName implements Provider.
func (NoopProvider) ResolveChannelName(ctx context.Context, channelID string) (string, error) {
	return "", nil
}

// CurrentProgram implements Provider.
func (NoopProvider) CurrentProgram(ctx context.Context, channelName string) (*Program, error) {
	return nil, nil
}

// Ensure NoopProvider implements Provider.
var _ Provider = (*NoopProvider)(nil)
