package sack

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/sync/errgroup"

	"github.com/osbuild/dnf-json/internal/repoconf"
)

const repomdPath = "repodata/repomd.xml"

// newHTTPClient builds the per-repo HTTP client honoring the repo's
// TLS settings and the request proxy. Metadata downloads wrap it in
// newRetryingClient.
func newHTTPClient(repo *repoconf.Repo, proxy string) (*http.Client, error) {
	tlsConfig := &tls.Config{
		InsecureSkipVerify: !repo.SSLVerify, //nolint:gosec
	}
	if repo.SSLCACert != "" {
		pem, err := os.ReadFile(repo.SSLCACert)
		if err != nil {
			return nil, fmt.Errorf("reading CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", repo.SSLCACert)
		}
		tlsConfig.RootCAs = pool
	}
	if repo.SSLClientCert != "" || repo.SSLClientKey != "" {
		cert, err := tls.LoadX509KeyPair(repo.SSLClientCert, repo.SSLClientKey)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	transport := &http.Transport{
		TLSClientConfig: tlsConfig,
		Proxy:           http.ProxyFromEnvironment,
	}
	if proxy != "" {
		proxyURL, err := url.Parse(proxy)
		if err != nil {
			return nil, fmt.Errorf("bad proxy URL %q: %w", proxy, err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}
	return &http.Client{Transport: transport, Timeout: 5 * time.Minute}, nil
}

func newRetryingClient(inner *http.Client) *http.Client {
	retry := retryablehttp.NewClient()
	retry.HTTPClient = inner
	retry.RetryMax = 3
	retry.Logger = nil
	return retry.StandardClient()
}

func fetchURL(client *http.Client, u string) ([]byte, error) {
	resp, err := client.Get(u)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: unexpected status %s", u, resp.Status)
	}
	return io.ReadAll(resp.Body)
}

// metalink models the subset of RFC 5854 the mirror selector needs.
type metalink struct {
	Files []metalinkFile `xml:"files>file"`
}

type metalinkFile struct {
	Name string        `xml:"name,attr"`
	URLs []metalinkURL `xml:"resources>url"`
}

type metalinkURL struct {
	Protocol   string `xml:"protocol,attr"`
	Preference int    `xml:"preference,attr"`
	Value      string `xml:",chardata"`
}

// mirrorCandidates resolves the repo's mirror base URLs from whichever
// of baseurl, metalink, mirrorlist the config carries.
func mirrorCandidates(repo *repoconf.Repo, client *http.Client) ([]string, error) {
	switch {
	case len(repo.BaseURLs) > 0:
		return repo.BaseURLs, nil
	case repo.Metalink != "":
		data, err := fetchURL(client, repo.Metalink)
		if err != nil {
			return nil, fmt.Errorf("fetching metalink: %w", err)
		}
		return parseMetalink(data)
	case repo.MirrorList != "":
		data, err := fetchURL(client, repo.MirrorList)
		if err != nil {
			return nil, fmt.Errorf("fetching mirrorlist: %w", err)
		}
		return parseMirrorlist(data), nil
	}
	return nil, fmt.Errorf("repo has no baseurl, metalink, or mirrorlist")
}

func parseMetalink(data []byte) ([]string, error) {
	var ml metalink
	if err := xml.Unmarshal(data, &ml); err != nil {
		return nil, fmt.Errorf("parsing metalink: %w", err)
	}
	var urls []metalinkURL
	for _, file := range ml.Files {
		if file.Name != "repomd.xml" {
			continue
		}
		for _, u := range file.URLs {
			if u.Protocol == "http" || u.Protocol == "https" {
				urls = append(urls, u)
			}
		}
	}
	sort.SliceStable(urls, func(i, j int) bool {
		return urls[i].Preference > urls[j].Preference
	})

	bases := make([]string, 0, len(urls))
	for _, u := range urls {
		base := strings.TrimSpace(u.Value)
		base = strings.TrimSuffix(base, repomdPath)
		bases = append(bases, base)
	}
	if len(bases) == 0 {
		return nil, fmt.Errorf("metalink has no usable repomd.xml mirrors")
	}
	return bases, nil
}

func parseMirrorlist(data []byte) []string {
	var bases []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		bases = append(bases, line)
	}
	return bases
}

// probeMirrors fetches repomd.xml from every candidate base
// concurrently and returns the reachable ones ordered by latency,
// fastest first, together with the repomd body of the winner.
func probeMirrors(client *http.Client, bases []string) ([]string, []byte, error) {
	type result struct {
		base    string
		body    []byte
		latency time.Duration
	}

	var mu sync.Mutex
	var results []result
	var g errgroup.Group
	for _, base := range bases {
		base := base
		g.Go(func() error {
			start := time.Now()
			body, err := fetchURL(client, joinURL(base, repomdPath))
			if err != nil {
				// Dead mirrors are dropped; only a fully
				// unreachable repo is an error.
				return nil
			}
			mu.Lock()
			results = append(results, result{base: base, body: body, latency: time.Since(start)})
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if len(results) == 0 {
		return nil, nil, fmt.Errorf("no reachable mirror among %d candidates", len(bases))
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].latency < results[j].latency
	})
	ordered := make([]string, len(results))
	for i, r := range results {
		ordered[i] = r.base
	}
	return ordered, results[0].body, nil
}
