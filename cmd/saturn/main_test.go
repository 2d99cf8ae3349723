package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"

	apiclient "github.com/splax/saturn/pkg/api/client"
)

func TestWithClientRequiresToken(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	viper.Set("api", "http://localhost:4000")

	called := false
	err := withClient(func(context.Context, *apiclient.Client) error {
		called = true
		return nil
	})
	require.Error(t, err)
	require.False(t, called)
}

func TestWithClientSendsBearer(t *testing.T) {
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[]`))
	}))
	t.Cleanup(srv.Close)

	viper.Reset()
	t.Cleanup(viper.Reset)
	viper.Set("api", srv.URL)
	viper.Set("token", "tok")
	viper.Set("timeout", "5s")

	err := withClient(func(ctx context.Context, cli *apiclient.Client) error {
		items, err := cli.ListActive(ctx)
		require.Empty(t, items)
		return err
	})
	require.NoError(t, err)
	require.Equal(t, "Bearer tok", auth)
}
