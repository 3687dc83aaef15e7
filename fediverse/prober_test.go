package fediverse

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProbeNodeinfo(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		switch r.URL.Path {
		case "/.well-known/nodeinfo":
			fmt.Fprintln(w, `{"links":[{"rel":"http://nodeinfo.diaspora.software/ns/schema/2.0","href":"https://social.example/nodeinfo/2.0"}]}`)
		case "/nodeinfo/2.0":
			fmt.Fprintln(w, `{"software":{"name":"Sharkey","version":"2024.5.0"}}`)
		default:
			http.Error(w, "not found", http.StatusNotFound)
		}
	}))
	defer srv.Close()

	p := NewProber(testHTTPClient(srv))

	res, err := p.Probe(ctx, "social.example")
	require.NoError(err)
	assert.Equal(PlatformMisskey, res.Platform)
	assert.Equal("sharkey", res.Software)
	assert.Equal("2024.5.0", res.Version)

	// second probe is served from cache
	before := hits
	res2, err := p.Probe(ctx, "social.example")
	require.NoError(err)
	assert.Equal(res.Platform, res2.Platform)
	assert.Equal(before, hits)
}

func TestProbeDirectFallback(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/instance":
			fmt.Fprintln(w, `{"uri":"old.example","version":"3.5.3"}`)
		default:
			http.Error(w, "not found", http.StatusNotFound)
		}
	}))
	defer srv.Close()

	p := NewProber(testHTTPClient(srv))

	res, err := p.Probe(ctx, "old.example")
	require.NoError(err)
	assert.Equal(PlatformMastodon, res.Platform)
	assert.Equal("3.5.3", res.Version)
}

func TestProbeUnrecognized(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	}))
	defer srv.Close()

	p := NewProber(testHTTPClient(srv))

	_, err := p.Probe(ctx, "unknown.example")
	assert.ErrorIs(err, ErrProbeFailed)

	_, err = p.Probe(ctx, "")
	assert.ErrorIs(err, ErrProbeFailed)
}
