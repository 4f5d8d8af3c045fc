package shared

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPageFromQueryDefaults(t *testing.T) {
	page := PageFromQuery(url.Values{})
	require.Equal(t, 50, page.Limit)
	require.Equal(t, 0, page.Offset)
}

func TestPageFromQueryReadsValues(t *testing.T) {
	page := PageFromQuery(url.Values{"limit": {"25"}, "offset": {"100"}})
	require.Equal(t, 25, page.Limit)
	require.Equal(t, 100, page.Offset)
}

func TestPageFromQueryClampsBadInput(t *testing.T) {
	page := PageFromQuery(url.Values{"limit": {"9999"}, "offset": {"-3"}})
	require.Equal(t, 200, page.Limit)
	require.Equal(t, 0, page.Offset)

	page = PageFromQuery(url.Values{"limit": {"abc"}})
	require.Equal(t, 50, page.Limit)
}
