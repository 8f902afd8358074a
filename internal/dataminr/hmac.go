package dataminr

import (
	"archive/zip"
	"bufio"
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/alertops/dataminr-relay/internal/store"
)

// BulkClient is the alternate HMAC-signed operating mode of the gateway.
// Instead of bearer tokens and cursor pagination, it downloads ZIP archives
// of alert batches from a configured URL, resuming from an integer
// watermark carried in numeric archive entry names.
type BulkClient struct {
	downloadURL  string
	clientID     string
	clientSecret string
	httpc        *http.Client
	logger       *slog.Logger

	// now is swappable for tests; the signature embeds epoch seconds.
	now func() time.Time
}

// BulkConfig configures a BulkClient.
type BulkConfig struct {
	// DownloadURL is the full bulk-feed endpoint. Required.
	DownloadURL string

	// ClientID and ClientSecret sign each request. Required.
	ClientID     string
	ClientSecret string

	// RequestTimeout defaults to 30s; archives can be large.
	RequestTimeout time.Duration

	// Logger defaults to slog.Default() when nil.
	Logger *slog.Logger
}

// NewBulk creates a BulkClient.
func NewBulk(cfg BulkConfig) *BulkClient {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &BulkClient{
		downloadURL:  cfg.DownloadURL,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		httpc:        &http.Client{Timeout: cfg.RequestTimeout},
		logger:       cfg.Logger,
		now:          time.Now,
	}
}

// Sign computes the HELIX request signature over
// "pathname:METHOD:epochSeconds" with HMAC-SHA256, base64-encoded.
func Sign(secret, pathname, method string, epoch int64) string {
	toSign := pathname + ":" + strings.ToUpper(method) + ":" + strconv.FormatInt(epoch, 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(toSign))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// FetchSince downloads the bulk archive for alerts newer than the since
// watermark and returns the raw ZIP bytes.
func (b *BulkClient) FetchSince(ctx context.Context, since int64) ([]byte, error) {
	u, err := url.Parse(b.downloadURL)
	if err != nil {
		return nil, fmt.Errorf("dataminr: parse download URL: %w", err)
	}
	q := u.Query()
	q.Set("since", strconv.FormatInt(since, 10))
	u.RawQuery = q.Encode()

	epoch := b.now().Unix()
	sig := Sign(b.clientSecret, u.Path, http.MethodGet, epoch)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dataminr: build bulk request: %w", err)
	}
	req.Header.Set("Authorization", "HELIX "+b.clientID+":"+sig)
	req.Header.Set("Timestamp", strconv.FormatInt(epoch, 10))

	resp, err := b.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("dataminr: bulk request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Status: resp.StatusCode, Body: readSmall(resp.Body)}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("dataminr: read bulk archive: %w", err)
	}
	return body, nil
}

// ArchiveEntry is one decoded member of a bulk archive.
type ArchiveEntry struct {
	// Name is the member's file name within the archive.
	Name string
	// Number is the numeric stem of Name (e.g. 301 for "301.json"), or -1
	// when the name is not numeric. The largest Number across an archive
	// is the next resumption watermark.
	Number int64
	// Alerts holds the alerts decoded from the member.
	Alerts []store.Alert
}

// ExtractArchive decodes every JSON/JSONL member of the ZIP archive. It
// returns the decoded entries and the highest numeric entry name, which the
// poller uses as the next since watermark (-1 when no member is numeric).
// Malformed members are logged and skipped; one bad entry never poisons the
// batch.
func (b *BulkClient) ExtractArchive(data []byte) ([]ArchiveEntry, int64, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, -1, fmt.Errorf("dataminr: open bulk archive: %w", err)
	}

	var entries []ArchiveEntry
	watermark := int64(-1)

	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			b.logger.Warn("cannot open archive member",
				slog.String("name", f.Name), slog.Any("error", err))
			continue
		}
		raw, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			b.logger.Warn("cannot read archive member",
				slog.String("name", f.Name), slog.Any("error", err))
			continue
		}

		alerts, err := decodeEntry(raw)
		if err != nil {
			b.logger.Warn("skipping malformed archive member",
				slog.String("name", f.Name), slog.Any("error", err))
			continue
		}

		n := entryNumber(f.Name)
		if n > watermark {
			watermark = n
		}
		entries = append(entries, ArchiveEntry{Name: f.Name, Number: n, Alerts: alerts})
	}

	return entries, watermark, nil
}

// decodeEntry parses one archive member: a JSON document ({alerts:[...]} or
// a bare array), falling back to JSONL with one alert per line.
func decodeEntry(raw []byte) ([]store.Alert, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, nil
	}

	var wrapped struct {
		Alerts []store.Alert `json:"alerts"`
	}
	if err := json.Unmarshal(trimmed, &wrapped); err == nil && wrapped.Alerts != nil {
		return wrapped.Alerts, nil
	}

	var arr []store.Alert
	if err := json.Unmarshal(trimmed, &arr); err == nil {
		return arr, nil
	}

	// JSONL: one alert object per line.
	var alerts []store.Alert
	sc := bufio.NewScanner(bytes.NewReader(trimmed))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var a store.Alert
		if err := json.Unmarshal(line, &a); err != nil {
			return nil, fmt.Errorf("jsonl line: %w", err)
		}
		alerts = append(alerts, a)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return alerts, nil
}

// entryNumber parses the numeric stem of an archive member name, e.g.
// "301.json" → 301. Non-numeric names yield -1.
func entryNumber(name string) int64 {
	stem := strings.TrimSuffix(path.Base(name), path.Ext(name))
	n, err := strconv.ParseInt(stem, 10, 64)
	if err != nil {
		return -1
	}
	return n
}
