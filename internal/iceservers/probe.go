package iceservers

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pion/stun/v3"
	"github.com/pion/turn/v4"
	"go.uber.org/zap"
)

// ProbeResult is the outcome of checking one URI.
type ProbeResult struct {
	URL string
	RTT time.Duration
	// MappedAddress is our reflexive address as seen by the server.
	MappedAddress string
	// RelayAddress is set for TURN URIs after a successful allocation.
	RelayAddress string
	Err          error
}

func (r ProbeResult) Reachable() bool { return r.Err == nil }

var errUnsupportedScheme = errors.New("unsupported ICE URI scheme")

// Probe checks every URI of every server concurrently. STUN URIs get a binding
// request, TURN URIs get an allocation with the server's credentials.
func Probe(ctx context.Context, servers []Server) []ProbeResult {
	logger := zap.L().Named("ice-probe")

	type job struct {
		url    string
		server Server
	}
	var jobs []job
	for _, server := range servers {
		for _, u := range server.URLs {
			jobs = append(jobs, job{url: u, server: server})
		}
	}

	results := make([]ProbeResult, len(jobs))
	var wg sync.WaitGroup
	for i, j := range jobs {
		wg.Add(1)
		go func(i int, j job) {
			defer wg.Done()
			results[i] = probeURL(ctx, j.url, j.server)
			if results[i].Err != nil {
				logger.Warn("ICE server unreachable", zap.String("url", j.url), zap.Error(results[i].Err))
				return
			}
			logger.Debug("ICE server reachable",
				zap.String("url", j.url),
				zap.Duration("rtt", results[i].RTT),
				zap.String("mapped", results[i].MappedAddress),
				zap.String("relay", results[i].RelayAddress))
		}(i, j)
	}
	wg.Wait()
	return results
}

func probeURL(ctx context.Context, raw string, server Server) ProbeResult {
	result := ProbeResult{URL: raw}

	uri, err := stun.ParseURI(raw)
	if err != nil {
		result.Err = fmt.Errorf("failed to parse %s: %w", raw, err)
		return result
	}
	addr := net.JoinHostPort(uri.Host, strconv.Itoa(uri.Port))

	start := time.Now()
	switch uri.Scheme {
	case stun.SchemeTypeSTUN:
		result.MappedAddress, result.Err = stunBinding(ctx, addr)
	case stun.SchemeTypeTURN, stun.SchemeTypeTURNS:
		result.MappedAddress, result.RelayAddress, result.Err = turnAllocate(ctx, uri, addr, server)
	default:
		result.Err = fmt.Errorf("%w: %s", errUnsupportedScheme, uri.Scheme)
	}
	result.RTT = time.Since(start)
	return result
}

func stunBinding(ctx context.Context, addr string) (string, error) {
	c, err := stun.Dial("udp", addr)
	if err != nil {
		return "", fmt.Errorf("failed to dial STUN server: %w", err)
	}

	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer func() {
		stop()
		c.Close()
	}()

	var (
		mapped string
		doErr  error
	)
	message := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	if err := c.Do(message, func(res stun.Event) {
		if res.Error != nil {
			doErr = res.Error
			return
		}
		var xorAddr stun.XORMappedAddress
		if err := xorAddr.GetFrom(res.Message); err != nil {
			doErr = fmt.Errorf("binding response without XOR-MAPPED-ADDRESS: %w", err)
			return
		}
		mapped = xorAddr.String()
	}); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("STUN binding request failed: %w", err)
	}
	if doErr != nil {
		return "", fmt.Errorf("STUN binding request failed: %w", doErr)
	}
	return mapped, nil
}

func turnAllocate(ctx context.Context, uri *stun.URI, addr string, server Server) (string, string, error) {
	var dialer net.Dialer

	var conn net.PacketConn
	switch {
	case uri.Scheme == stun.SchemeTypeTURNS:
		tcpConn, err := (&tls.Dialer{NetDialer: &dialer, Config: &tls.Config{ServerName: uri.Host}}).DialContext(ctx, "tcp", addr)
		if err != nil {
			return "", "", fmt.Errorf("failed to dial TURN server over TLS: %w", err)
		}
		conn = turn.NewSTUNConn(tcpConn)
	case uri.Proto == stun.ProtoTypeTCP:
		tcpConn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return "", "", fmt.Errorf("failed to dial TURN server over TCP: %w", err)
		}
		conn = turn.NewSTUNConn(tcpConn)
	default:
		udpConn, err := net.ListenPacket("udp4", "0.0.0.0:0")
		if err != nil {
			return "", "", fmt.Errorf("failed to listen for TURN probe: %w", err)
		}
		conn = udpConn
	}

	client, err := turn.NewClient(&turn.ClientConfig{
		STUNServerAddr: addr,
		TURNServerAddr: addr,
		Conn:           conn,
		Username:       server.Username,
		Password:       server.Credential,
	})
	if err != nil {
		conn.Close()
		return "", "", fmt.Errorf("failed to create TURN client: %w", err)
	}

	stop := context.AfterFunc(ctx, func() { client.Close() })
	defer func() {
		stop()
		client.Close()
		conn.Close()
	}()

	if err := client.Listen(); err != nil {
		return "", "", fmt.Errorf("failed to listen on TURN client: %w", err)
	}

	mapped, err := client.SendBindingRequest()
	if err != nil {
		if ctx.Err() != nil {
			return "", "", ctx.Err()
		}
		return "", "", fmt.Errorf("TURN binding request failed: %w", err)
	}

	relayConn, err := client.Allocate()
	if err != nil {
		if ctx.Err() != nil {
			return "", "", ctx.Err()
		}
		return mapped.String(), "", fmt.Errorf("TURN allocation failed: %w", err)
	}
	relay := relayConn.LocalAddr().String()
	relayConn.Close()

	return mapped.String(), relay, nil
}
