// Package sink implements the StarRocks Stream Load adapter: converting
// flushed batches into partial-update JSON-lines payloads, performing
// the HTTP load with explicit redirect handling, and applying additive
// schema deltas via the control-plane SQL port.
package sink

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/dbmazz/cdc/internal/pipeline"
	"github.com/dbmazz/cdc/internal/schema"
	"github.com/dbmazz/cdc/internal/wal"
)

// Config carries the StarRocks connection details of spec.md §6 plus the
// supplemented control-port/tuning fields of SPEC_FULL.md.
type Config struct {
	URL            string // frontend base URL, e.g. http://fe-host:8030
	ControlPort    int    // STARROCKS_PORT, MySQL-protocol control port, default 9030
	DB             string
	User           string
	Pass           string
	MaxRetries     int
	MaxFilterRatio float64
	HTTPTimeout    time.Duration
	SQLTimeout     time.Duration
}

// SchemaMismatchError is returned when the sink rejects a column as
// not-yet-present. The load is retried once (schema deltas are applied
// when the Relation message is ingested, ahead of later flushes) and is
// then returned without further retry.
type SchemaMismatchError struct {
	Table  string
	Detail string
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("sink: schema mismatch loading %s: %s", e.Table, e.Detail)
}

// TransientError wraps a retryable failure (5xx, reset, timeout).
type TransientError struct{ Err error }

func (e *TransientError) Error() string { return fmt.Sprintf("sink: transient: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// FatalError is returned when retries are exhausted; the engine must
// treat this as terminal with no partial progress recorded.
type FatalError struct{ Err error }

func (e *FatalError) Error() string { return fmt.Sprintf("sink: fatal: %v", e.Err) }
func (e *FatalError) Unwrap() error { return e.Err }

// StarRocks is the pipeline.Sink implementation.
type StarRocks struct {
	cfg    Config
	http   *http.Client
	ddl    *gorm.DB
	log    *logrus.Entry
	feHost string
}

// New builds a StarRocks sink: one keep-alive HTTP client with a
// per-host idle pool and no automatic redirect following (so
// Expect: 100-continue semantics survive the Stream Load 307), plus a
// GORM connection to the control-plane MySQL port for DDL. That
// connection is opened lazily: New does not contact the control port.
func New(cfg Config, log *logrus.Entry) (*StarRocks, error) {
	if cfg.ControlPort == 0 {
		cfg.ControlPort = 9030
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 30 * time.Second
	}

	parsed, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("sink: parsing STARROCKS_URL: %w", err)
	}

	transport := &http.Transport{
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 3 * time.Second,
	}
	client := &http.Client{
		Transport: transport,
		Timeout:   cfg.HTTPTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&timeout=%s",
		cfg.User, cfg.Pass, parsed.Hostname(), cfg.ControlPort, cfg.DB, cfg.SQLTimeout)
	ddl, err := gorm.Open(mysql.New(mysql.Config{DSN: dsn, SkipInitializeWithVersion: true}),
		&gorm.Config{Logger: logger.Default.LogMode(logger.Silent), DisableAutomaticPing: true})
	if err != nil {
		return nil, fmt.Errorf("sink: opening control-plane connection: %w", err)
	}

	return &StarRocks{cfg: cfg, http: client, ddl: ddl, log: log, feHost: parsed.Hostname()}, nil
}

// Flush implements pipeline.Sink: build the NDJSON payload for batch and
// load it with redirect handling and retry/backoff.
func (s *StarRocks) Flush(ctx context.Context, rel wal.Relation, batch pipeline.Batch) error {
	if len(batch.Rows) == 0 {
		return nil
	}
	payload, err := BuildPayload(rel, batch)
	if err != nil {
		return err
	}
	loadURL := fmt.Sprintf("%s/api/%s/%s/_stream_load", strings.TrimRight(s.cfg.URL, "/"), s.cfg.DB, rel.Name)
	return s.loadWithRetry(ctx, loadURL, rel.Name, payload)
}

// ApplySchemaDelta issues ADD COLUMN for each newly announced column,
// per spec.md §4.5; "column already exists" is treated as success.
func (s *StarRocks) ApplySchemaDelta(ctx context.Context, rel wal.Relation, delta schema.Delta) error {
	for _, col := range delta.Added {
		stmt := fmt.Sprintf("ALTER TABLE `%s`.`%s` ADD COLUMN `%s` %s",
			s.cfg.DB, rel.Name, col.Name, ddlType(col.TypeOID, col.TypeModifier))
		err := s.ddl.WithContext(ctx).Exec(stmt).Error
		if err != nil && !isAlreadyExists(err) {
			return fmt.Errorf("sink: ALTER TABLE ADD COLUMN %s.%s: %w", rel.Name, col.Name, err)
		}
	}
	return nil
}

func isAlreadyExists(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already exist") || strings.Contains(msg, "duplicate column")
}

func (s *StarRocks) loadWithRetry(ctx context.Context, loadURL, table string, payload Payload) error {
	var lastErr error
	schemaRetried := false
	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepBackoff(ctx, attempt); err != nil {
				return err
			}
		}

		err := s.doStreamLoad(ctx, loadURL, table, payload)
		if err == nil {
			return nil
		}

		var mismatch *SchemaMismatchError
		if isSchemaMismatch(err, &mismatch) && !schemaRetried {
			// spec.md §7: flush the pending delta first and retry once —
			// the delta is already applied by the time a RelationEvent
			// precedes this flush in stream order, so a retry is usually
			// enough; if it recurs the load is reported without further
			// retry.
			schemaRetried = true
			lastErr = err
			continue
		}
		if mismatch != nil {
			return mismatch
		}

		lastErr = err
		s.log.WithError(err).WithField("table", table).WithField("attempt", attempt).Warn("stream load attempt failed")
	}
	return &FatalError{Err: lastErr}
}

func isSchemaMismatch(err error, out **SchemaMismatchError) bool {
	var m *SchemaMismatchError
	for e := err; e != nil; {
		if sm, ok := e.(*SchemaMismatchError); ok {
			m = sm
			break
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			break
		}
		e = u.Unwrap()
	}
	*out = m
	return m != nil
}

func sleepBackoff(ctx context.Context, attempt int) error {
	base := 100 * time.Millisecond
	ceiling := 10 * time.Second
	d := base << uint(attempt-1)
	if d > ceiling || d <= 0 {
		d = ceiling
	}
	jittered := time.Duration(rand.Int63n(int64(d) + 1)) // full jitter
	select {
	case <-time.After(jittered):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type streamLoadResponse struct {
	Status   string `json:"Status"`
	Message  string `json:"Message"`
	ErrorURL string `json:"ErrorURL"`
}

// doStreamLoad issues one PUT, manually following at most one 307
// redirect so Expect: 100-continue is preserved across it, and rewrites
// a loopback redirect target to the frontend's real hostname (observed
// behind NAT/containers).
func (s *StarRocks) doStreamLoad(ctx context.Context, loadURL, table string, payload Payload) error {
	resp, err := s.put(ctx, loadURL, payload)
	if err != nil {
		return &TransientError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTemporaryRedirect {
		location := resp.Header.Get("Location")
		if location == "" {
			return &TransientError{Err: fmt.Errorf("307 response with no Location header")}
		}
		io.Copy(io.Discard, resp.Body)
		location = rewriteLoopback(location, s.feHost)
		resp2, err := s.put(ctx, location, payload)
		if err != nil {
			return &TransientError{Err: err}
		}
		defer resp2.Body.Close()
		return s.interpretResponse(resp2, table)
	}

	return s.interpretResponse(resp, table)
}

// rewriteLoopback replaces a redirect target's loopback host with host,
// the frontend hostname the client originally dialed, per
// SPEC_FULL.md's supplemented redirect-hostname-rewrite feature.
func rewriteLoopback(location, host string) string {
	u, err := url.Parse(location)
	if err != nil || host == "" {
		return location
	}
	h := u.Hostname()
	if h != "127.0.0.1" && h != "localhost" {
		return location
	}
	port := u.Port()
	if port != "" {
		u.Host = host + ":" + port
	} else {
		u.Host = host
	}
	return u.String()
}

func (s *StarRocks) put(ctx context.Context, rawURL string, payload Payload) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, rawURL, bytes.NewReader(payload.NDJSON))
	if err != nil {
		return nil, err
	}
	req.ContentLength = int64(len(payload.NDJSON))
	req.Header.Set("Expect", "100-continue")
	req.Header.Set("format", "json")
	req.Header.Set("strip_outer_array", "false")
	req.Header.Set("read_json_by_line", "true")
	req.Header.Set("columns", strings.Join(payload.Columns, ","))
	req.Header.Set("merge_condition", "dbmazz_cdc_version")
	if payload.PartialUpdate {
		req.Header.Set("partial_update", "true")
	}
	if s.cfg.MaxFilterRatio > 0 {
		req.Header.Set("max_filter_ratio", strconv.FormatFloat(s.cfg.MaxFilterRatio, 'f', -1, 64))
	}
	req.SetBasicAuth(s.cfg.User, s.cfg.Pass)
	return s.http.Do(req)
}

func (s *StarRocks) interpretResponse(resp *http.Response, table string) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransientError{Err: fmt.Errorf("reading response body: %w", err)}
	}

	if resp.StatusCode != http.StatusOK {
		return &TransientError{Err: fmt.Errorf("unexpected status %d: %s", resp.StatusCode, truncate(body, 512))}
	}

	var parsed streamLoadResponse
	if err := sonic.Unmarshal(body, &parsed); err != nil {
		return &TransientError{Err: fmt.Errorf("decoding stream load response: %w", err)}
	}

	switch parsed.Status {
	case "Success", "Publish Timeout":
		return nil
	default:
		if strings.Contains(strings.ToLower(parsed.ErrorURL), "column") &&
			strings.Contains(strings.ToLower(parsed.ErrorURL), "not found") {
			return &SchemaMismatchError{Table: table, Detail: parsed.Message}
		}
		return &TransientError{Err: fmt.Errorf("status=%s message=%s errorURL=%s", parsed.Status, parsed.Message, parsed.ErrorURL)}
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "...(truncated)"
}
