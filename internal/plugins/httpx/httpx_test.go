package httpx

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CodeMonkeyCybersecurity/vigil/internal/config"
	"github.com/CodeMonkeyCybersecurity/vigil/internal/logger"
	"github.com/CodeMonkeyCybersecurity/vigil/internal/plugins/plugintest"
)

const sampleOutput = `{"timestamp":"2025-01-01T00:00:00Z","url":"https://www.example.com","input":"www.example.com","host":"93.184.216.34","port":"443","scheme":"https","status_code":200,"title":"Example Domain","webserver":"ECS","tech":["Nginx"]}
{"url":"http://api.example.com","input":"api.example.com","status_code":301}
{"url":"","input":"dead.example.com","failed":true}
`

func TestProbe(t *testing.T) {
	runner := plugintest.NewRunner().On("httpx", sampleOutput)
	p := New(config.HTTPXConfig{}, runner, logger.NewNop())

	results, err := p.Probe(context.Background(), []string{"www.example.com", "api.example.com", "dead.example.com"})
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, "https://www.example.com", results[0].URL)
	assert.Equal(t, 200, results[0].StatusCode)
	assert.Equal(t, "Example Domain", results[0].Title)
	assert.Equal(t, []string{"Nginx"}, results[0].Technologies)
	assert.Equal(t, []string{"https://www.example.com", "http://api.example.com"}, URLs(results))

	calls := runner.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"-silent", "-json"}, calls[0].Args)
	assert.Equal(t, "www.example.com\napi.example.com\ndead.example.com\n", calls[0].Stdin)
}

func TestProbeNoHostsSkipsTool(t *testing.T) {
	runner := plugintest.NewRunner()
	p := New(config.HTTPXConfig{}, runner, logger.NewNop())

	results, err := p.Probe(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.False(t, runner.Called("httpx"))
}

func TestParseMalformedLine(t *testing.T) {
	_, err := Parse([]byte("{\"url\":\"https://a.example.com\"}\nnot json\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")
}

func TestURLsDedupes(t *testing.T) {
	urls := URLs([]Result{{URL: "https://a"}, {URL: "https://a"}, {URL: "https://b"}})
	assert.Equal(t, []string{"https://a", "https://b"}, urls)
}
