package h2mux_test

import (
	"testing"

	"github.com/advdv/h2mux"
	"github.com/stretchr/testify/require"
)

func TestMethodTableAllow(t *testing.T) {
	tbl := h2mux.NewMethodTable()
	require.Empty(t, tbl.Allow())

	tbl.Set("POST", h2mux.HandlerFunc(serveBlogPost))
	tbl.Set("GET", h2mux.HandlerFunc(serveBlogPost))
	require.Equal(t, "GET, POST", tbl.Allow())
	require.Equal(t, []string{"GET", "POST"}, tbl.Methods())

	tbl.Set("DELETE", h2mux.HandlerFunc(serveBlogPost))
	require.Equal(t, "DELETE, GET, POST", tbl.Allow())

	_, ok := tbl.Lookup("GET")
	require.True(t, ok)
	_, ok = tbl.Lookup("PUT")
	require.False(t, ok)
}
