// Package archive exports audit trails to blob storage and reads them back
// for replay. An archive is a JSON Lines file of audit events, optionally
// sealed with a secrets keeper, next to a manifest carrying a BLAKE2b
// digest of the plaintext.
package archive

import (
	"bufio"
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // file:// archives
	_ "gocloud.dev/blob/memblob"  // mem:// archives
	"gocloud.dev/gcerrors"
	"gocloud.dev/secrets"
	_ "gocloud.dev/secrets/localsecrets" // base64key:// keepers
	"golang.org/x/crypto/blake2b"

	"github.com/plaenen/equbledger/pkg/audit"
	"github.com/plaenen/equbledger/pkg/domain"
	"github.com/plaenen/equbledger/pkg/idgen"
)

const (
	dataSuffix     = ".jsonl"
	manifestSuffix = ".manifest.json"
)

// ErrNotFound is returned when an archive key does not exist.
var ErrNotFound = errors.New("archive not found")

// Manifest describes one archive.
type Manifest struct {
	Key       string    `json:"key"`
	EqubID    string    `json:"equbId"`
	Events    int       `json:"events"`
	First     time.Time `json:"first,omitzero"`
	Last      time.Time `json:"last,omitzero"`
	Digest    string    `json:"digest"`
	Sealed    bool      `json:"sealed"`
	CreatedAt time.Time `json:"createdAt"`
}

// Archive reads and writes audit archives in one bucket.
type Archive struct {
	bucket *blob.Bucket
	keeper *secrets.Keeper
	logger *slog.Logger
	now    func() time.Time
	owned  bool
}

// Option configures an Archive.
type Option func(*Archive)

// WithKeeper seals archives with k. Without a keeper archives are stored in
// plaintext.
func WithKeeper(k *secrets.Keeper) Option {
	return func(a *Archive) {
		a.keeper = k
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Archive) {
		a.logger = l
	}
}

// WithClock sets the clock used for manifest timestamps and keys.
func WithClock(now func() time.Time) Option {
	return func(a *Archive) {
		a.now = now
	}
}

// New creates an Archive over an open bucket. The caller keeps ownership of
// the bucket and keeper.
func New(bucket *blob.Bucket, opts ...Option) *Archive {
	a := &Archive{
		bucket: bucket,
		logger: slog.Default(),
		now:    domain.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Open opens the bucket at bucketURL (mem://, file:///path) and, when
// keeperURL is set, the keeper sealing the archives (base64key://...).
// Close releases both.
func Open(ctx context.Context, bucketURL, keeperURL string, opts ...Option) (*Archive, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open archive bucket: %w", err)
	}
	if keeperURL != "" {
		keeper, err := secrets.OpenKeeper(ctx, keeperURL)
		if err != nil {
			_ = bucket.Close()
			return nil, fmt.Errorf("open archive keeper: %w", err)
		}
		opts = append(opts, WithKeeper(keeper))
	}
	a := New(bucket, opts...)
	a.owned = true
	return a, nil
}

// Close releases the bucket and keeper if Open created them.
func (a *Archive) Close() error {
	if !a.owned {
		return nil
	}
	var errs []error
	if a.keeper != nil {
		errs = append(errs, a.keeper.Close())
	}
	errs = append(errs, a.bucket.Close())
	return errors.Join(errs...)
}

// Export writes events as a new archive of equbID and returns its manifest.
// Events are written in the order given; every event must belong to equbID.
func (a *Archive) Export(ctx context.Context, equbID string, events []domain.AuditEvent) (Manifest, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, e := range events {
		if e.EqubID != equbID {
			return Manifest{}, domain.Invalid(domain.CodeInvalidAuditEvent,
				"event %s belongs to equb %s, not %s", e.ID, e.EqubID, equbID)
		}
		if err := enc.Encode(e); err != nil {
			return Manifest{}, fmt.Errorf("encode event %s: %w", e.ID, err)
		}
	}
	plaintext := buf.Bytes()

	now := a.now().UTC()
	m := Manifest{
		Key:       url.PathEscape(equbID) + "/" + idgen.NewIDAt(now),
		EqubID:    equbID,
		Events:    len(events),
		Digest:    digest(plaintext),
		Sealed:    a.keeper != nil,
		CreatedAt: now,
	}
	if len(events) > 0 {
		m.First = events[0].Timestamp
		m.Last = events[len(events)-1].Timestamp
	}

	payload := plaintext
	if a.keeper != nil {
		sealed, err := a.keeper.Encrypt(ctx, plaintext)
		if err != nil {
			return Manifest{}, fmt.Errorf("seal archive: %w", err)
		}
		payload = sealed
	}
	if err := a.bucket.WriteAll(ctx, m.Key+dataSuffix, payload, &blob.WriterOptions{ContentType: "application/x-ndjson"}); err != nil {
		return Manifest{}, fmt.Errorf("write archive %s: %w", m.Key, err)
	}

	raw, err := json.Marshal(m)
	if err != nil {
		return Manifest{}, fmt.Errorf("encode manifest: %w", err)
	}
	if err := a.bucket.WriteAll(ctx, m.Key+manifestSuffix, raw, &blob.WriterOptions{ContentType: "application/json"}); err != nil {
		return Manifest{}, fmt.Errorf("write manifest %s: %w", m.Key, err)
	}

	a.logger.InfoContext(ctx, "audit archive exported",
		slog.String("equb_id", equbID),
		slog.String("key", m.Key),
		slog.Int("events", m.Events),
		slog.Bool("sealed", m.Sealed),
	)
	return m, nil
}

// ExportLog archives the full history of equbID read from log.
func (a *Archive) ExportLog(ctx context.Context, log *audit.Log, equbID string) (Manifest, error) {
	events, err := log.Events(ctx, equbID)
	if err != nil {
		return Manifest{}, err
	}
	return a.Export(ctx, equbID, events)
}

// Import reads the archive at key, checks its digest and validates every
// event. A digest mismatch or a malformed event fails with
// AUDIT_ARCHIVE_CORRUPTED.
func (a *Archive) Import(ctx context.Context, key string) ([]domain.AuditEvent, Manifest, error) {
	m, err := a.Manifest(ctx, key)
	if err != nil {
		return nil, Manifest{}, err
	}

	payload, err := a.read(ctx, key+dataSuffix)
	if err != nil {
		return nil, Manifest{}, err
	}
	plaintext := payload
	if m.Sealed {
		if a.keeper == nil {
			return nil, Manifest{}, fmt.Errorf("archive %s is sealed and no keeper is configured", key)
		}
		if plaintext, err = a.keeper.Decrypt(ctx, payload); err != nil {
			return nil, Manifest{}, corrupted(key, "cannot unseal: %v", err)
		}
	}
	if got := digest(plaintext); got != m.Digest {
		return nil, Manifest{}, corrupted(key, "digest %s does not match manifest %s", got, m.Digest)
	}

	var events []domain.AuditEvent
	sc := bufio.NewScanner(bytes.NewReader(plaintext))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var e domain.AuditEvent
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return nil, Manifest{}, corrupted(key, "line %d: %v", len(events)+1, err)
		}
		if err := audit.ValidateEvent(e); err != nil {
			return nil, Manifest{}, corrupted(key, "line %d: %v", len(events)+1, err)
		}
		events = append(events, e)
	}
	if err := sc.Err(); err != nil {
		return nil, Manifest{}, fmt.Errorf("read archive %s: %w", key, err)
	}
	if len(events) != m.Events {
		return nil, Manifest{}, corrupted(key, "has %d events, manifest says %d", len(events), m.Events)
	}
	return events, m, nil
}

// Restore imports the archive at key and appends its events to log.
func (a *Archive) Restore(ctx context.Context, key string, log *audit.Log) (Manifest, error) {
	events, m, err := a.Import(ctx, key)
	if err != nil {
		return Manifest{}, err
	}
	for _, e := range events {
		if err := log.Append(ctx, e); err != nil {
			return Manifest{}, err
		}
	}
	return m, nil
}

// Manifest reads the manifest of the archive at key.
func (a *Archive) Manifest(ctx context.Context, key string) (Manifest, error) {
	raw, err := a.read(ctx, key+manifestSuffix)
	if err != nil {
		return Manifest{}, err
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return Manifest{}, corrupted(key, "manifest: %v", err)
	}
	return m, nil
}

// List returns the archive keys of equbID, oldest first.
func (a *Archive) List(ctx context.Context, equbID string) ([]string, error) {
	iter := a.bucket.List(&blob.ListOptions{Prefix: url.PathEscape(equbID) + "/"})
	var keys []string
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list archives of %s: %w", equbID, err)
		}
		if key, ok := strings.CutSuffix(obj.Key, manifestSuffix); ok {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (a *Archive) read(ctx context.Context, key string) ([]byte, error) {
	data, err := a.bucket.ReadAll(ctx, key)
	if gcerrors.Code(err) == gcerrors.NotFound {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

func digest(b []byte) string {
	sum := blake2b.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func corrupted(key, format string, args ...any) error {
	return domain.NewError(domain.KindGeneric, domain.CodeArchiveCorrupted,
		"archive %s: "+format, append([]any{key}, args...)...).
		WithDetail("archive_key", key)
}
