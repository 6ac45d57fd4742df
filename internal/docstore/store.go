// Package docstore keeps claim documents encrypted on disk. Plaintext only
// ever exists in scratch files that are removed before an operation returns.
package docstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/shirou/gopsutil/disk"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"claimdesk.org/internal/cipher"
	"claimdesk.org/internal/claims"
	"claimdesk.org/internal/ids"
	"claimdesk.org/internal/obs"
)

const (
	// DefaultMaxSize is the largest accepted upload.
	DefaultMaxSize  int64 = 5 << 20
	artifactSuffix        = ".enc"
	maxBaseLen            = 64
)

// DefaultExtensions maps each accepted extension to the content type served on download.
var DefaultExtensions = map[string]string{
	".pdf":  "application/pdf",
	".doc":  "application/msword",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".xls":  "application/vnd.ms-excel",
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
}

// ErrDiskFull is returned when free space under the store root is below the configured minimum.
var ErrDiskFull = errors.New("docstore: insufficient free disk space")

// Payload is a decrypted document ready for delivery.
type Payload struct {
	Name        string
	ContentType string
	Data        []byte
}

// Store seals uploads into encrypted artifacts under root and decrypts them on demand.
type Store struct {
	root       string
	scratch    string
	engine     *cipher.Engine
	repo       claims.Repository
	maxSize    int64
	extensions map[string]string
	minFree    uint64
	now        func() time.Time
	log        *zap.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithMaxSize overrides DefaultMaxSize.
func WithMaxSize(n int64) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxSize = n
		}
	}
}

// WithExtensions replaces the accepted extension table.
func WithExtensions(exts map[string]string) Option {
	return func(s *Store) {
		if len(exts) == 0 {
			return
		}
		s.extensions = make(map[string]string, len(exts))
		for ext, ct := range exts {
			s.extensions[strings.ToLower(ext)] = ct
		}
	}
}

// WithScratchDir places plaintext scratch files in dir instead of os.TempDir.
func WithScratchDir(dir string) Option {
	return func(s *Store) {
		if dir != "" {
			s.scratch = dir
		}
	}
}

// WithMinFreeBytes refuses new uploads once free space under root drops below n.
func WithMinFreeBytes(n uint64) Option {
	return func(s *Store) { s.minFree = n }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the logger; the default is obs.Logger().
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// New creates root if needed and returns a Store writing artifacts there.
func New(root string, engine *cipher.Engine, repo claims.Repository, opts ...Option) (*Store, error) {
	if engine == nil {
		return nil, errors.New("docstore: cipher engine is required")
	}
	if repo == nil {
		return nil, errors.New("docstore: repository is required")
	}
	if root == "" {
		return nil, errors.New("docstore: root directory is required")
	}
	s := &Store{
		root:       root,
		scratch:    os.TempDir(),
		engine:     engine,
		repo:       repo,
		maxSize:    DefaultMaxSize,
		extensions: DefaultExtensions,
		now:        time.Now,
		log:        obs.Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, dir := range []string{s.root, s.scratch} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("docstore: create %s: %w", dir, err)
		}
	}
	return s, nil
}

// MaxSize reports the upload limit in bytes.
func (s *Store) MaxSize() int64 { return s.maxSize }

// Validate checks name and, when size is non-negative, the declared size.
func (s *Store) Validate(name string, size int64) error {
	name = cleanName(name)
	if name == "" {
		return claims.Invalid("file", "name is required")
	}
	ext := strings.ToLower(filepath.Ext(name))
	if _, ok := s.extensions[ext]; !ok {
		return claims.Invalid("file", "extension %q is not allowed", ext)
	}
	if size > s.maxSize {
		return claims.Invalid("file", "%s exceeds the %d byte limit", name, s.maxSize)
	}
	return nil
}

// Seal encrypts the upload into a new artifact and returns its unregistered
// record. Callers register it with the repository or Discard it.
func (s *Store) Seal(ctx context.Context, claimID, name string, r io.Reader) (doc claims.Document, err error) {
	defer func() { obs.ObserveDocument("seal", err) }()
	if err := ctx.Err(); err != nil {
		return claims.Document{}, err
	}
	name = cleanName(name)
	if err := s.Validate(name, -1); err != nil {
		return claims.Document{}, err
	}
	if err := s.CheckDisk(ctx); err != nil {
		return claims.Document{}, err
	}

	scratch, err := os.CreateTemp(s.scratch, "upload-*")
	if err != nil {
		return claims.Document{}, fmt.Errorf("docstore: scratch file: %w", err)
	}
	scratchPath := scratch.Name()
	scratchGone := false
	defer func() {
		if !scratchGone {
			_ = scratch.Close()
			_ = os.Remove(scratchPath)
		}
	}()

	n, err := io.Copy(scratch, io.LimitReader(r, s.maxSize+1))
	if err != nil {
		return claims.Document{}, fmt.Errorf("docstore: read upload: %w", err)
	}
	switch {
	case n == 0:
		return claims.Document{}, claims.Invalid("file", "%s is empty", name)
	case n > s.maxSize:
		return claims.Document{}, claims.Invalid("file", "%s exceeds the %d byte limit", name, s.maxSize)
	}
	if _, err := scratch.Seek(0, io.SeekStart); err != nil {
		return claims.Document{}, err
	}
	contentType, err := s.sniff(scratch, name)
	if err != nil {
		return claims.Document{}, err
	}
	if _, err := scratch.Seek(0, io.SeekStart); err != nil {
		return claims.Document{}, err
	}

	storage := storageName(name)
	artifact := filepath.Join(s.root, storage)
	out, err := os.OpenFile(artifact, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return claims.Document{}, fmt.Errorf("docstore: create artifact: %w", err)
	}
	if err := s.engine.EncryptTo(out, artifact, scratch); err != nil {
		return claims.Document{}, fmt.Errorf("docstore: encrypt %s: %w", name, err)
	}

	scratchGone = true
	if err := multierr.Append(scratch.Close(), os.Remove(scratchPath)); err != nil {
		// A plaintext copy may survive; do not keep an artifact that claims otherwise.
		return claims.Document{}, multierr.Append(
			fmt.Errorf("docstore: remove scratch: %w", err),
			os.Remove(artifact),
		)
	}

	doc = claims.Document{
		ID:          ids.New(),
		ClaimID:     claimID,
		FileName:    name,
		StorageName: storage,
		ContentType: contentType,
		Size:        n,
		CreatedAt:   s.now().UTC(),
	}
	obs.ObserveDocumentSize(n)
	s.log.Info("document sealed",
		zap.String("claim_id", claimID),
		zap.String("document_id", doc.ID),
		zap.String("storage_name", storage),
		zap.Int64("bytes", n),
	)
	return doc, nil
}

// Store seals an upload and registers it against an existing claim.
func (s *Store) Store(ctx context.Context, claimID, name string, r io.Reader) (claims.Document, error) {
	doc, err := s.Seal(ctx, claimID, name, r)
	if err != nil {
		return claims.Document{}, err
	}
	if err := s.repo.SaveDocument(ctx, doc); err != nil {
		return claims.Document{}, multierr.Append(err, s.Discard(doc))
	}
	return doc, nil
}

// Discard removes the artifacts of documents that were never registered.
func (s *Store) Discard(docs ...claims.Document) error {
	var errs error
	for _, d := range docs {
		path, err := s.artifactPath(d.StorageName)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = multierr.Append(errs, err)
		}
	}
	obs.ObserveDocument("discard", errs)
	return errs
}

// Retrieve decrypts the granted document through a private temp file that is
// removed before returning. On failure no plaintext is returned.
func (s *Store) Retrieve(ctx context.Context, g claims.Grant) (p Payload, err error) {
	defer func() { obs.ObserveDocument("retrieve", err) }()
	if !g.Valid() {
		return Payload{}, claims.ErrForbidden
	}
	if err := ctx.Err(); err != nil {
		return Payload{}, err
	}
	doc := g.Document()
	artifact, err := s.artifactPath(doc.StorageName)
	if err != nil {
		return Payload{}, err
	}
	if _, err := os.Stat(artifact); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Payload{}, fmt.Errorf("%w: artifact for document %s", claims.ErrNotFound, doc.ID)
		}
		return Payload{}, err
	}

	tmp, err := os.CreateTemp(s.scratch, "retrieve-*")
	if err != nil {
		return Payload{}, fmt.Errorf("docstore: temp file: %w", err)
	}
	tmpPath := tmp.Name()
	_ = tmp.Close()
	defer os.Remove(tmpPath)

	if err := s.engine.DecryptFile(artifact, tmpPath); err != nil {
		if errors.Is(err, cipher.ErrCrypto) {
			s.log.Warn("document decrypt failed",
				zap.String("document_id", doc.ID),
				zap.String("claim_id", doc.ClaimID),
				zap.Error(err),
			)
			return Payload{}, fmt.Errorf("%w: document %s", claims.ErrCrypto, doc.ID)
		}
		return Payload{}, fmt.Errorf("docstore: decrypt %s: %w", doc.ID, err)
	}
	data, err := os.ReadFile(tmpPath)
	if err != nil {
		return Payload{}, err
	}
	return Payload{Name: doc.FileName, ContentType: doc.ContentType, Data: data}, nil
}

// CheckDisk fails with ErrDiskFull when free space under root is below the minimum.
func (s *Store) CheckDisk(ctx context.Context) error {
	if s.minFree == 0 {
		return nil
	}
	usage, err := disk.UsageWithContext(ctx, s.root)
	if err != nil {
		return fmt.Errorf("docstore: disk usage: %w", err)
	}
	if usage.Free < s.minFree {
		return fmt.Errorf("%w: %d bytes free, %d required", ErrDiskFull, usage.Free, s.minFree)
	}
	return nil
}

func (s *Store) artifactPath(storage string) (string, error) {
	if storage == "" || storage != filepath.Base(storage) || !strings.HasSuffix(storage, artifactSuffix) {
		return "", fmt.Errorf("docstore: invalid storage name %q", storage)
	}
	return filepath.Join(s.root, storage), nil
}

// executableTypes are refused whatever extension they arrive with.
var executableTypes = []string{
	"application/vnd.microsoft.portable-executable",
	"application/x-msdownload",
	"application/x-executable",
	"application/x-elf",
	"application/x-mach-binary",
	"application/x-sharedlib",
	"text/x-shellscript",
}

// sniff detects the upload's content type from its leading bytes and rejects
// executables. Generic results fall back to the type registered for the extension.
func (s *Store) sniff(r io.Reader, name string) (string, error) {
	mt, err := mimetype.DetectReader(r)
	if err != nil {
		return "", fmt.Errorf("docstore: detect content type: %w", err)
	}
	for m := mt; m != nil; m = m.Parent() {
		for _, bad := range executableTypes {
			if m.Is(bad) {
				return "", claims.Invalid("file", "%s has executable content (%s)", name, mt.String())
			}
		}
	}
	if mt.Is("application/octet-stream") || mt.Is("text/plain") {
		return s.extensions[strings.ToLower(filepath.Ext(name))], nil
	}
	return mt.String(), nil
}

func cleanName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = strings.TrimSpace(filepath.Base(name))
	if name == "." || name == "/" {
		return ""
	}
	return name
}

// storageName derives a collision-resistant artifact name: the sanitised base
// name, a fresh ULID, the original extension and the .enc suffix.
func storageName(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	base := strings.TrimSuffix(name, filepath.Ext(name))
	var b strings.Builder
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		case r == ' ' || r == '.':
			b.WriteByte('_')
		}
		if b.Len() >= maxBaseLen {
			break
		}
	}
	clean := b.String()
	if clean == "" {
		clean = "document"
	}
	return clean + "_" + ids.New() + ext + artifactSuffix
}
