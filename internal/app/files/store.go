// Package files keeps uploaded audio on local disk and their records in a
// Repository.
package files

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dkeye/voicelink/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Repository persists file records. Get and Delete return a NotFound
// AppError for unknown ids.
type Repository interface {
	Insert(ctx context.Context, rec domain.UploadedFileRecord) error
	Get(ctx context.Context, id string) (domain.UploadedFileRecord, error)
	List(ctx context.Context) ([]domain.UploadedFileRecord, error)
	Delete(ctx context.Context, id string) error
}

var allowedExt = map[string]bool{".wav": true, ".wave": true}

type Store struct {
	dir      string
	maxBytes int64
	repo     Repository
	now      func() time.Time
}

func NewStore(dir string, maxBytes int64, repo Repository) (*Store, error) {
	if dir == "" {
		return nil, errors.New("upload dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	if repo == nil {
		repo = NewMemoryRepository()
	}
	return &Store{dir: dir, maxBytes: maxBytes, repo: repo, now: time.Now}, nil
}

// Save writes r under a fresh id and records it. The file is removed again if
// it is too large or the record cannot be stored.
func (s *Store) Save(ctx context.Context, name string, r io.Reader) (domain.UploadedFileRecord, error) {
	const op = "files.Save"
	base := filepath.Base(strings.TrimSpace(name))
	ext := strings.ToLower(filepath.Ext(base))
	if base == "" || base == "." || !allowedExt[ext] {
		return domain.UploadedFileRecord{}, domain.E(domain.CodeValidationFailed, op, "only .wav files are supported", nil)
	}

	id := uuid.NewString()
	path := filepath.Join(s.dir, id+ext)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return domain.UploadedFileRecord{}, domain.E(domain.CodeInternal, op, "", err)
	}

	src := r
	if s.maxBytes > 0 {
		src = io.LimitReader(r, s.maxBytes+1)
	}
	n, err := io.Copy(f, src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return domain.UploadedFileRecord{}, domain.E(domain.CodeInternal, op, "", err)
	}
	if s.maxBytes > 0 && n > s.maxBytes {
		_ = os.Remove(path)
		return domain.UploadedFileRecord{}, domain.E(domain.CodeValidationFailed, op, "file is too large", nil)
	}
	if n == 0 {
		_ = os.Remove(path)
		return domain.UploadedFileRecord{}, domain.E(domain.CodeValidationFailed, op, "file is empty", nil)
	}

	rec := domain.UploadedFileRecord{
		FileID:       id,
		StoragePath:  path,
		OriginalName: base,
		Size:         n,
		UploadedAt:   s.now().UTC(),
	}
	if err := s.repo.Insert(ctx, rec); err != nil {
		_ = os.Remove(path)
		return domain.UploadedFileRecord{}, err
	}
	log.Info().Str("module", "files").Str("file_id", id).Str("name", base).Int64("size", n).Msg("file stored")
	return rec, nil
}

func (s *Store) Get(ctx context.Context, id string) (domain.UploadedFileRecord, error) {
	if id == "" {
		return domain.UploadedFileRecord{}, domain.E(domain.CodeValidationFailed, "files.Get", "file id is required", nil)
	}
	return s.repo.Get(ctx, id)
}

// List returns records newest first.
func (s *Store) List(ctx context.Context) ([]domain.UploadedFileRecord, error) {
	recs, err := s.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].UploadedAt.After(recs[j].UploadedAt) })
	return recs, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	if err := os.Remove(rec.StoragePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Str("module", "files").Str("file_id", id).Msg("remove stored file")
	}
	log.Info().Str("module", "files").Str("file_id", id).Msg("file deleted")
	return nil
}

// Path resolves id to the stored file, failing with NotFound when the record
// or the file on disk is gone.
func (s *Store) Path(ctx context.Context, id string) (string, error) {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(rec.StoragePath); err != nil {
		return "", domain.E(domain.CodeNotFound, "files.Path", "file is missing from storage", err)
	}
	return rec.StoragePath, nil
}

type MemoryRepository struct {
	mu   sync.RWMutex
	recs map[string]domain.UploadedFileRecord
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{recs: make(map[string]domain.UploadedFileRecord)}
}

func (m *MemoryRepository) Insert(_ context.Context, rec domain.UploadedFileRecord) error {
	m.mu.Lock()
	m.recs[rec.FileID] = rec
	m.mu.Unlock()
	return nil
}

func (m *MemoryRepository) Get(_ context.Context, id string) (domain.UploadedFileRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.recs[id]
	if !ok {
		return domain.UploadedFileRecord{}, domain.E(domain.CodeNotFound, "files.Get", "file not found", nil)
	}
	return rec, nil
}

func (m *MemoryRepository) List(context.Context) ([]domain.UploadedFileRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.UploadedFileRecord, 0, len(m.recs))
	for _, r := range m.recs {
		out = append(out, r)
	}
	return out, nil
}

func (m *MemoryRepository) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.recs[id]; !ok {
		return domain.E(domain.CodeNotFound, "files.Delete", "file not found", nil)
	}
	delete(m.recs, id)
	return nil
}
