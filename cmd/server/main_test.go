package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/kubilitics-analytics/internal/api/middleware"
	"github.com/kubilitics/kubilitics-analytics/internal/models"
)

const testSecret = "cli-test-secret-0123456789abcdef"

func writeConfig(t *testing.T, extra string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "analytics.yaml")
	content := `
database:
  sqlite_path: ` + filepath.Join(dir, "analytics.db") + `
logging:
  level: error
audit:
  file_path: ` + filepath.Join(dir, "audit.log") + `
auth:
  jwt_secret: ` + testSecret + `
` + extra
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCommand(strings.NewReader(stdin), &out, &errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestTokenCommandIssuesVerifiableToken(t *testing.T) {
	cfg := writeConfig(t, "")
	out, err := execute(t, "", "--config", cfg, "token", "--user", "sam", "--role", "shop_owner", "--shop", "S1")
	require.NoError(t, err)

	actor, err := middleware.NewAuthenticator(testSecret).Validate(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, models.Actor{ID: "sam", Role: models.RoleShopOwner, BoundShopID: "S1"}, actor)
}

func TestTokenCommandRequiresShopForOwners(t *testing.T) {
	cfg := writeConfig(t, "")
	_, err := execute(t, "", "--config", cfg, "token", "--user", "sam", "--role", "shop_owner")
	assert.ErrorContains(t, err, "--shop")
}

func TestInvalidConfigIsRejected(t *testing.T) {
	cfg := writeConfig(t, "analytics:\n  anomaly_algorithm: astrology\n")
	_, err := execute(t, "", "--config", cfg, "token", "--user", "sam")
	assert.ErrorContains(t, err, "anomaly_algorithm")
}

func TestReplayCommandOnEmptyStore(t *testing.T) {
	cfg := writeConfig(t, "")
	out, err := execute(t, "", "--config", cfg, "replay")
	require.NoError(t, err)
	assert.Equal(t, "replayed 0 events\n", out)
}

func TestPublishCommandRequiresTopic(t *testing.T) {
	cfg := writeConfig(t, "kafka:\n  topic: \"\"\n")
	_, err := execute(t, `{"event_type":"order_created"}`, "--config", cfg, "publish")
	assert.Error(t, err)
}

type recordingPublisher struct{ events []models.RawEvent }

func (p *recordingPublisher) Publish(_ context.Context, ev models.RawEvent) error {
	p.events = append(p.events, ev)
	return nil
}

func TestPublishLines(t *testing.T) {
	pub := &recordingPublisher{}
	in := `{"event_id":"a","event_type":"order_created","occurred_at":"2026-05-01T10:00:00Z"}

{"event_type":"user_registered","dimensions":{"shop_id":"S"}}
`
	n, err := publishLines(context.Background(), strings.NewReader(in), pub)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, "a", pub.events[0].EventID)
	assert.NotEmpty(t, pub.events[1].EventID, "missing ids are generated")
	assert.False(t, pub.events[1].OccurredAt.IsZero())
	assert.Equal(t, "S", pub.events[1].Dimensions.ShopID)
}

func TestPublishLinesStopsAtBadLine(t *testing.T) {
	pub := &recordingPublisher{}
	in := "{\"event_type\":\"order_created\"}\n{\"event_type\":\"\"}\n"
	n, err := publishLines(context.Background(), strings.NewReader(in), pub)
	assert.Equal(t, 1, n)
	assert.ErrorContains(t, err, "line 2")
}
