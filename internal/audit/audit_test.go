package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"gp-session-sync/internal/client"
	"gp-session-sync/internal/config"
	"gp-session-sync/internal/models"
)

func sampleEvent() models.DuplicateSessionEvent {
	return models.DuplicateSessionEvent{
		ID:       "evt-1",
		Username: "Bob",
		Original: models.SessionAttributes{
			Hostname: "H1", OS: "Windows", SourceIP: "1.1.1.1", Region: "US", Version: "6.1.0",
		},
		Attempted: models.SessionAttributes{
			Hostname: "H2\tevil", OS: "Mac", SourceIP: "5.5.5.5", Region: "DE",
		},
		DetectedAt: time.Date(2024, 3, 1, 12, 30, 45, 0, time.UTC),
	}
}

func TestFormatRecordFieldOrder(t *testing.T) {
	line := FormatRecord(sampleEvent())
	require.True(t, strings.HasSuffix(line, "\n"))

	fields := strings.Split(strings.TrimSuffix(line, "\n"), "\t")
	assert.Equal(t, []string{
		"2024-03-01T12:30:45Z", "Bob", "2024-03-01", "12:30:45",
		"H1", "Windows", "1.1.1.1", "US",
		"H2 evil", "Mac", "5.5.5.5", "DE",
	}, fields)
}

func TestFileSinkAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "duplicates.tsv")
	sink, err := NewFileSink(path)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, sink.Append(ctx, sampleEvent()))
	second := sampleEvent()
	second.Username = "alice"
	require.NoError(t, sink.Append(ctx, second))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	require.Len(t, lines, 2)
	assert.Equal(t, "alice", strings.Split(lines[1], "\t")[1])
}

type fakeProducer struct {
	topic   string
	key     []byte
	value   []byte
	headers map[string]string
	err     error
}

func (p *fakeProducer) ProduceMessage(_ context.Context, topic string, key, value []byte, headers map[string]string) error {
	p.topic, p.key, p.value, p.headers = topic, key, value, headers
	return p.err
}

func TestKafkaSinkPublishesJSON(t *testing.T) {
	p := &fakeProducer{}
	sink := NewKafkaSink(p, "duplicate-sessions")

	require.NoError(t, sink.Append(context.Background(), sampleEvent()))
	assert.Equal(t, "duplicate-sessions", p.topic)
	assert.Equal(t, "bob", string(p.key))
	assert.Equal(t, "evt-1", p.headers["event_id"])

	var decoded models.DuplicateSessionEvent
	require.NoError(t, json.Unmarshal(p.value, &decoded))
	assert.Equal(t, "H1", decoded.Original.Hostname)

	p.err = errors.New("broker down")
	assert.Error(t, sink.Append(context.Background(), sampleEvent()))
}

type fakeExec struct {
	queries []string
	args    [][]interface{}
}

func (e *fakeExec) Exec(_ context.Context, query string, args ...interface{}) error {
	e.queries = append(e.queries, query)
	e.args = append(e.args, args)
	return nil
}

func TestClickHouseSink(t *testing.T) {
	db := &fakeExec{}
	sink, err := NewClickHouseSink(context.Background(), db, "duplicate_sessions")
	require.NoError(t, err)
	require.Len(t, db.queries, 1)
	assert.Contains(t, db.queries[0], "CREATE TABLE IF NOT EXISTS duplicate_sessions")

	require.NoError(t, sink.Append(context.Background(), sampleEvent()))
	require.Len(t, db.args, 2)
	assert.Contains(t, db.queries[1], "INSERT INTO duplicate_sessions")
	assert.Len(t, db.args[1], 11)
	assert.Equal(t, "evt-1", db.args[1][0])

	_, err = NewClickHouseSink(context.Background(), db, "bad; DROP TABLE x")
	assert.Error(t, err)
}

func TestElasticsearchSinkIndexesByEventID(t *testing.T) {
	var (
		mu     sync.Mutex
		method string
		path   string
		body   []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Path == "/" {
			_, _ = io.WriteString(w, `{"version":{"number":"8.19.0"},"tagline":"You Know, for Search"}`)
			return
		}
		mu.Lock()
		method, path = r.Method, r.URL.Path
		body, _ = io.ReadAll(r.Body)
		mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"result":"created"}`)
	}))
	defer srv.Close()

	es, err := client.NewElasticsearchClient(config.ElasticsearchConfig{URL: srv.URL}, false, zap.NewNop())
	require.NoError(t, err)

	sink := NewElasticsearchSink(es, "duplicate-sessions")
	require.NoError(t, sink.Append(context.Background(), sampleEvent()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, http.MethodPut, method)
	assert.Equal(t, "/duplicate-sessions/_doc/evt-1", path)
	assert.Contains(t, string(body), `"username":"Bob"`)
}

type failingSink struct{ calls int }

func (f *failingSink) Append(context.Context, models.DuplicateSessionEvent) error {
	f.calls++
	return errors.New("unavailable")
}

func TestMultiSinkSecondaryFailureIsNotFatal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.tsv")
	primary, err := NewFileSink(path)
	require.NoError(t, err)
	secondary := &failingSink{}

	sink := NewMultiSink(zap.NewNop(), primary, secondary)
	require.NoError(t, sink.Append(context.Background(), sampleEvent()))
	assert.Equal(t, 1, secondary.calls)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "\tBob\t")

	failing := NewMultiSink(zap.NewNop(), &failingSink{})
	assert.Error(t, failing.Append(context.Background(), sampleEvent()))
}
