package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandsRegistered(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "migrate", "inspect-page"} {
		assert.True(t, names[want], "missing command %s", want)
	}
}

func TestInspectPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<html><body><article><p>hi</p>` +
			`<img src="/file/a.jpg"><figure><img src="https://telegra.ph/file/b.gif"></figure></article></body></html>`))
	}))
	defer srv.Close()

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"inspect-page", srv.URL + "/Message-Log-01-01"})
	t.Cleanup(func() { rootCmd.SetArgs(nil); rootCmd.SetOut(nil) })

	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "Found 2 images:")
	assert.Contains(t, out.String(), "https://telegra.ph/file/b.gif")
}

func TestInspectPageRequiresURL(t *testing.T) {
	rootCmd.SetArgs([]string{"inspect-page"})
	t.Cleanup(func() { rootCmd.SetArgs(nil) })
	assert.Error(t, rootCmd.Execute())
}
