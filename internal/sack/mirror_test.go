package sack

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMetalink(t *testing.T) {
	data := []byte(`<?xml version="1.0" encoding="utf-8"?>
<metalink xmlns="urn:ietf:params:xml:ns:metalink">
  <files>
    <file name="repomd.xml">
      <resources>
        <url protocol="https" preference="100">https://fast.example.com/fedora/repodata/repomd.xml</url>
        <url protocol="http" preference="90">http://slow.example.com/fedora/repodata/repomd.xml</url>
        <url protocol="rsync" preference="95">rsync://ignored.example.com/fedora/repodata/repomd.xml</url>
      </resources>
    </file>
  </files>
</metalink>`)

	bases, err := parseMetalink(data)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"https://fast.example.com/fedora/",
		"http://slow.example.com/fedora/",
	}, bases)
}

func TestParseMetalinkNoMirrors(t *testing.T) {
	_, err := parseMetalink([]byte(`<metalink><files/></metalink>`))
	assert.Error(t, err)
}

func TestParseMirrorlist(t *testing.T) {
	data := []byte(`# a comment
https://one.example.com/repo

https://two.example.com/repo
`)
	assert.Equal(t, []string{
		"https://one.example.com/repo",
		"https://two.example.com/repo",
	}, parseMirrorlist(data))
}

func TestProbeMirrors(t *testing.T) {
	live := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/"+repomdPath, r.URL.Path)
		_, _ = w.Write([]byte("<repomd/>"))
	}))
	defer live.Close()

	dead := httptest.NewServer(http.NotFoundHandler())
	dead.Close()

	client := &http.Client{Timeout: 5 * time.Second}
	ordered, body, err := probeMirrors(client, []string{dead.URL, live.URL})
	require.NoError(t, err)
	assert.Equal(t, []string{live.URL}, ordered)
	assert.Equal(t, "<repomd/>", string(body))

	_, _, err = probeMirrors(client, []string{dead.URL})
	assert.Error(t, err)
}

func TestJoinURL(t *testing.T) {
	assert.Equal(t, "https://example.com/a/b", joinURL("https://example.com/a", "b"))
	assert.Equal(t, "https://example.com/a/b", joinURL("https://example.com/a/", "b"))
	assert.Equal(t, "https://example.com/a/b", joinURL("https://example.com/a//", "b"))
}

func TestDecompress(t *testing.T) {
	plain := []byte("<metadata/>")

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, _ = zw.Write(plain)
	_ = zw.Close()

	r, err := decompress(bytes.NewReader(buf.Bytes()), "repodata/primary.xml.gz")
	require.NoError(t, err)
	out, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, plain, out)

	r, err = decompress(bytes.NewReader(plain), "repodata/primary.xml")
	require.NoError(t, err)
	out, err = io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, plain, out)
}
