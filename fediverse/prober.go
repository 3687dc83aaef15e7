package fediverse

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/fedisync/fedisync/util"
)

// ProbeResult identifies the platform family and software version of a
// remote server.
type ProbeResult struct {
	Platform Platform `json:"platform"`
	Software string   `json:"software"`
	Version  string   `json:"version"`
}

// Prober detects the platform family of a remote server via nodeinfo
// discovery, falling back to family-specific instance endpoints. Results are
// cached; platform software almost never changes under a domain.
type Prober struct {
	http  *http.Client
	cache *lru.Cache[string, ProbeResult]
}

func NewProber(httpClient *http.Client) *Prober {
	if httpClient == nil {
		httpClient = util.ProbeHTTPClient()
	}
	cache, _ := lru.New[string, ProbeResult](1_000)
	return &Prober{
		http:  httpClient,
		cache: cache,
	}
}

func (p *Prober) Probe(ctx context.Context, domain string) (*ProbeResult, error) {
	domain = strings.TrimSpace(strings.TrimSuffix(domain, "/"))
	if domain == "" {
		return nil, fmt.Errorf("%w: empty domain", ErrProbeFailed)
	}

	if res, ok := p.cache.Get(domain); ok {
		return &res, nil
	}

	res, err := p.probeNodeinfo(ctx, domain)
	if err != nil {
		res, err = p.probeDirect(ctx, domain)
	}
	if err != nil {
		return nil, err
	}

	p.cache.Add(domain, *res)
	return res, nil
}

// probeNodeinfo follows the /.well-known/nodeinfo document to the linked
// nodeinfo schema and reads software name and version.
func (p *Prober) probeNodeinfo(ctx context.Context, domain string) (*ProbeResult, error) {
	var wellKnown struct {
		Links []struct {
			Rel  string `json:"rel"`
			Href string `json:"href"`
		} `json:"links"`
	}
	wkURL := fmt.Sprintf("https://%s/.well-known/nodeinfo", domain)
	if err := getJSON(ctx, p.http, wkURL, nil, &wellKnown); err != nil {
		return nil, fmt.Errorf("%w: nodeinfo discovery for %s: %v", ErrProbeFailed, domain, err)
	}

	for _, link := range wellKnown.Links {
		if link.Href == "" {
			continue
		}
		var nodeinfo struct {
			Software struct {
				Name    string `json:"name"`
				Version string `json:"version"`
			} `json:"software"`
		}
		if err := getJSON(ctx, p.http, link.Href, nil, &nodeinfo); err != nil {
			continue
		}
		if nodeinfo.Software.Name == "" {
			continue
		}
		name := strings.ToLower(nodeinfo.Software.Name)
		platform, err := ParsePlatform(name)
		if err != nil {
			return nil, fmt.Errorf("%w: unrecognized software %q on %s", ErrProbeFailed, name, domain)
		}
		return &ProbeResult{Platform: platform, Software: name, Version: nodeinfo.Software.Version}, nil
	}
	return nil, fmt.Errorf("%w: no usable nodeinfo links for %s", ErrProbeFailed, domain)
}

// probeDirect hits family-specific instance endpoints and classifies by
// response shape. Used when nodeinfo is absent (older or misconfigured
// servers).
func (p *Prober) probeDirect(ctx context.Context, domain string) (*ProbeResult, error) {
	base := "https://" + domain

	var mastodon struct {
		URI     string `json:"uri"`
		Version string `json:"version"`
	}
	if err := getJSON(ctx, p.http, base+"/api/v1/instance", nil, &mastodon); err == nil {
		if mastodon.URI != "" && mastodon.Version != "" {
			return &ProbeResult{Platform: PlatformMastodon, Software: "mastodon", Version: mastodon.Version}, nil
		}
	}

	var misskey struct {
		Version      string `json:"version"`
		SoftwareName string `json:"softwareName"`
		Maintainer   any    `json:"maintainerName"`
	}
	if err := postJSON(ctx, p.http, base+"/api/meta", nil, map[string]any{}, &misskey); err == nil {
		if misskey.Version != "" && (misskey.SoftwareName != "" || misskey.Maintainer != nil) {
			software := strings.ToLower(misskey.SoftwareName)
			if software == "" {
				software = "misskey"
			}
			if platform, err := ParsePlatform(software); err == nil {
				return &ProbeResult{Platform: platform, Software: software, Version: misskey.Version}, nil
			}
		}
	}

	var lemmy struct {
		SiteView struct {
			Site struct {
				Name string `json:"name"`
			} `json:"site"`
		} `json:"site_view"`
		Version string `json:"version"`
	}
	if err := getJSON(ctx, p.http, base+"/api/v3/site", nil, &lemmy); err == nil {
		if lemmy.SiteView.Site.Name != "" {
			return &ProbeResult{Platform: PlatformLemmy, Software: "lemmy", Version: lemmy.Version}, nil
		}
	}

	return nil, fmt.Errorf("%w: no recognizable response from %s", ErrProbeFailed, domain)
}
