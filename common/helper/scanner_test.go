package helper

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewSSEScannerAllowsLargeEvent(t *testing.T) {
	t.Parallel()
	largeEvent := "data: " + strings.Repeat("a", 256*1024)

	scanner := NewSSEScanner(strings.NewReader(largeEvent + "\n"))
	require.True(t, scanner.Scan())
	require.Equal(t, largeEvent, scanner.Text())
	require.NoError(t, scanner.Err())
}
