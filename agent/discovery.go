package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

var errNoRelay = errors.New("no relay found over mDNS")

// relay is one advertised sync server.
type relay struct {
	Instance string
	URL      string
}

// browse lists relays advertising service on the local network until timeout.
func browse(ctx context.Context, service string, timeout time.Duration, logger *slog.Logger) ([]relay, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize mDNS resolver: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	found := make(chan []relay, 1)
	go func(results <-chan *zeroconf.ServiceEntry) {
		var out []relay
		for entry := range results {
			r, ok := relayFromEntry(entry)
			if !ok {
				continue
			}
			logger.Info("mDNS discovered relay", slog.String("instance", r.Instance), slog.String("url", r.URL))
			out = append(out, r)
		}
		found <- out
	}(entries)

	if err := resolver.Browse(ctx, service, "local.", entries); err != nil {
		return nil, fmt.Errorf("failed to browse for mDNS services: %w", err)
	}
	<-ctx.Done()
	logger.Debug("mDNS browsing finished")
	return <-found, nil
}

// discoverRelay returns the websocket URL of the first relay found.
func discoverRelay(ctx context.Context, service string, timeout time.Duration, logger *slog.Logger) (string, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return "", fmt.Errorf("failed to initialize mDNS resolver: %w", err)
	}
	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, service, "local.", entries); err != nil {
		return "", fmt.Errorf("failed to browse for mDNS services: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return "", errNoRelay
			}
			if r, ok := relayFromEntry(entry); ok {
				logger.Info("Using relay", slog.String("instance", r.Instance), slog.String("url", r.URL))
				return r.URL, nil
			}
		case <-timer.C:
			return "", errNoRelay
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func relayFromEntry(entry *zeroconf.ServiceEntry) (relay, bool) {
	var host string
	switch {
	case len(entry.AddrIPv4) > 0:
		host = entry.AddrIPv4[0].String()
	case len(entry.AddrIPv6) > 0:
		host = entry.AddrIPv6[0].String()
	default:
		return relay{}, false
	}
	return relay{
		Instance: entry.Instance,
		URL:      relayURL(host, entry.Port, entry.Text),
	}, true
}

// relayURL builds the websocket URL, honoring a path=... TXT record.
func relayURL(host string, port int, txt []string) string {
	path := "/ws"
	for _, kv := range txt {
		if v, ok := strings.CutPrefix(kv, "path="); ok && v != "" {
			path = v
		}
	}
	return "ws://" + net.JoinHostPort(host, strconv.Itoa(port)) + path
}
