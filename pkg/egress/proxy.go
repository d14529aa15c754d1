/*
Package egress implements the Egress Proxy (spec §4.7): an HTTP/1.1 CONNECT
tunnel that identifies the calling agent by peer IP (or an X-Agent-Name
fallback header) and only opens a tunnel to hosts on that agent's
configured allowlist.
*/
package egress

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"regexp"
	"strings"
	"sync"

	"github.com/agentsystems/control-plane-gateway/pkg/log"
	"github.com/agentsystems/control-plane-gateway/pkg/metrics"
	"github.com/agentsystems/control-plane-gateway/pkg/registry"
)

// ErrDenied marks a Forward call blocked by the calling agent's allowlist.
var ErrDenied = errors.New("egress: host not in agent's allowlist")

const readBufSize = 4096

// Proxy is the CONNECT-only forward proxy agent containers use for all
// outbound traffic.
type Proxy struct {
	registry *registry.Registry
	listener net.Listener
	addr     string

	mu        sync.RWMutex
	allowlist map[string][]*regexp.Regexp
}

// New builds a Proxy bound to addr (e.g. "0.0.0.0:3128"), not yet listening.
func New(reg *registry.Registry, addr string) *Proxy {
	return &Proxy{
		registry:  reg,
		addr:      addr,
		allowlist: make(map[string][]*regexp.Regexp),
	}
}

// SetAllowlist replaces the compiled per-agent allowlist, e.g. after a
// config reload.
func (p *Proxy) SetAllowlist(patterns map[string][]string) {
	compiled := make(map[string][]*regexp.Regexp, len(patterns))
	for agent, globs := range patterns {
		res := make([]*regexp.Regexp, 0, len(globs))
		for _, g := range globs {
			if re, err := globToRegexp(g); err == nil {
				res = append(res, re)
			} else {
				log.Warn(fmt.Sprintf("egress: invalid allowlist pattern %q for %s: %v", g, agent, err))
			}
		}
		compiled[agent] = res
	}
	p.mu.Lock()
	p.allowlist = compiled
	p.mu.Unlock()
}

// Snapshot returns the regular expressions compiled from the current
// allowlist patterns, keyed by agent, for the debug endpoint.
func (p *Proxy) Snapshot() map[string][]string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string][]string, len(p.allowlist))
	for agent, res := range p.allowlist {
		strs := make([]string, len(res))
		for i, re := range res {
			strs[i] = re.String()
		}
		out[agent] = strs
	}
	return out
}

func globToRegexp(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	return regexp.Compile(b.String())
}

func (p *Proxy) isAllowed(agent, url string) bool {
	p.mu.RLock()
	patterns := p.allowlist[agent]
	p.mu.RUnlock()
	for _, re := range patterns {
		if re.MatchString(url) {
			return true
		}
	}
	return false
}

// Forward performs a single HTTP request on behalf of agent, enforcing the
// same allowlist as the CONNECT tunnel. It backs the POST /egress helper at
// the main API port for agents that prefer plain HTTP over a CONNECT-capable
// client.
func (p *Proxy) Forward(ctx context.Context, agent, method, rawURL string, headers http.Header, body []byte) (*http.Response, error) {
	if !p.isAllowed(agent, rawURL) {
		log.Warn(fmt.Sprintf("egress: blocked %s -> %s", agent, rawURL))
		metrics.EgressDecisionsTotal.WithLabelValues(agent, "denied").Inc()
		return nil, ErrDenied
	}
	metrics.EgressDecisionsTotal.WithLabelValues(agent, "allowed").Inc()

	req, err := http.NewRequestWithContext(ctx, method, rawURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("egress: build request: %w", err)
	}
	req.Header = headers

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("egress: upstream request failed: %w", err)
	}
	return resp, nil
}

// Run listens and serves connections until ctx is canceled.
func (p *Proxy) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", p.addr)
	if err != nil {
		return fmt.Errorf("egress: listen on %s: %w", p.addr, err)
	}
	p.listener = ln
	log.Info(fmt.Sprintf("egress proxy listening on %s", p.addr))

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				log.Warn(fmt.Sprintf("egress: accept failed: %v", err))
				continue
			}
		}
		go p.handle(conn)
	}
}

func (p *Proxy) handle(conn net.Conn) {
	defer conn.Close()

	peerIP, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
	agent, _ := p.registry.NameForIP(peerIP)

	reader := bufio.NewReader(conn)
	reqLine, err := reader.ReadString('\n')
	if err != nil {
		return
	}
	reqLine = strings.TrimRight(reqLine, "\r\n")
	parts := strings.SplitN(reqLine, " ", 3)
	if len(parts) < 3 {
		writeStatus(conn, "400 Bad Request")
		return
	}
	method, target := parts[0], parts[1]

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		if idx := strings.Index(line, ":"); idx > 0 {
			key := strings.TrimSpace(line[:idx])
			val := strings.TrimSpace(line[idx+1:])
			if agent == "" && strings.EqualFold(key, "X-Agent-Name") {
				agent = val
			}
		}
	}

	if agent == "" {
		log.Warn(fmt.Sprintf("egress: connection from %s has no identifiable agent", peerIP))
		writeStatus(conn, "403 Forbidden")
		return
	}

	if method != "CONNECT" {
		writeStatus(conn, "405 Method Not Allowed")
		return
	}

	host, port := splitHostPort(target, "443")
	url := fmt.Sprintf("https://%s", host)

	if !p.isAllowed(agent, url) {
		log.Warn(fmt.Sprintf("egress: blocked %s -> %s", agent, url))
		metrics.EgressDecisionsTotal.WithLabelValues(agent, "denied").Inc()
		writeStatus(conn, "403 Forbidden")
		return
	}
	metrics.EgressDecisionsTotal.WithLabelValues(agent, "allowed").Inc()

	upstream, err := net.Dial("tcp", net.JoinHostPort(host, port))
	if err != nil {
		log.Warn(fmt.Sprintf("egress: upstream dial %s:%s failed: %v", host, port, err))
		writeStatus(conn, "502 Bad Gateway")
		return
	}
	defer upstream.Close()

	if _, err := conn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		return
	}

	metrics.EgressTunnelsActive.Inc()
	defer metrics.EgressTunnelsActive.Dec()

	log.Info(fmt.Sprintf("egress: tunnel established %s -> %s", agent, target))

	var wg sync.WaitGroup
	wg.Add(2)
	go pipe(&wg, upstream, reader, conn)
	go pipe(&wg, conn, bufio.NewReader(upstream), upstream)
	wg.Wait()
}

func pipe(wg *sync.WaitGroup, dst io.Writer, src *bufio.Reader, closer io.Closer) {
	defer wg.Done()
	defer closer.Close()
	buf := make([]byte, readBufSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func writeStatus(conn net.Conn, status string) {
	conn.Write([]byte(fmt.Sprintf("HTTP/1.1 %s\r\n\r\n", status)))
}

func splitHostPort(target, defaultPort string) (string, string) {
	if host, port, err := net.SplitHostPort(target); err == nil {
		return host, port
	}
	return target, defaultPort
}
