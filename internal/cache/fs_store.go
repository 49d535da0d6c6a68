package cache

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const entrySuffix = ".entry"

// NewStore 以 basePath 为根目录构建磁盘缓存，整站复用一份实例。
// 磁盘布局遵循：
//
//	<StoragePath>/<site>/<generation>/<sha1(key)>.entry
//
// 每个 .entry 文件首行是 JSON 元数据（key/status/header/stored_at），其后是原始正文。
func NewStore(basePath string) (Store, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileStore{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}, nil
}

// fileStore 通过 entryLock 避免同一 key 并发写入，同时复用 basePath。
type fileStore struct {
	basePath string

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

type fileGeneration struct {
	store *fileStore
	site  string
	name  string
	dir   string
}

type entryMeta struct {
	Key      Key         `json:"key"`
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	StoredAt time.Time   `json:"stored_at"`
}

func (s *fileStore) Open(ctx context.Context, site, name string) (Generation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := s.generationDir(site, name)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create generation %s: %w", name, err)
	}
	return &fileGeneration{store: s, site: site, name: name, dir: dir}, nil
}

func (s *fileStore) Lookup(ctx context.Context, site, name string) (Generation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := s.generationDir(site, name)
	if err != nil {
		return nil, err
	}
	gen := &fileGeneration{store: s, site: site, name: name, dir: dir}
	if err := gen.ensureExists(); err != nil {
		return nil, err
	}
	return gen, nil
}

func (s *fileStore) Keys(ctx context.Context, site string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateSegment("site", site); err != nil {
		return nil, err
	}
	items, err := os.ReadDir(filepath.Join(s.basePath, site))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	names := make([]string, 0, len(items))
	for _, item := range items {
		// 以 . 开头的是 PutAll 的暂存目录
		if !item.IsDir() || strings.HasPrefix(item.Name(), ".") {
			continue
		}
		names = append(names, item.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (s *fileStore) Delete(ctx context.Context, site, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	dir, err := s.generationDir(site, name)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if !info.IsDir() {
		return false, nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return false, fmt.Errorf("delete generation %s: %w", name, err)
	}
	return true, nil
}

func (s *fileStore) Close() error {
	return nil
}

func (g *fileGeneration) Name() string {
	return g.name
}

func (g *fileGeneration) Match(ctx context.Context, key Key) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := os.Open(g.entryPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer f.Close()

	entry, err := decodeEntry(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	if entry.Key != key {
		// sha1 冲突时按未命中处理
		return nil, ErrNotFound
	}
	return entry, nil
}

func (g *fileGeneration) Put(ctx context.Context, entry Entry) error {
	if err := validateEntry(entry); err != nil {
		return err
	}
	if err := g.ensureExists(); err != nil {
		return err
	}

	unlock := g.store.lockEntry(g.lockKey(entry.Key))
	defer unlock()

	tempName, err := writeEntryFile(ctx, g.dir, entry)
	if err != nil {
		return err
	}
	if err := os.Rename(tempName, g.entryPath(entry.Key)); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}

// PutAll 先把全部条目写入站点目录下的暂存目录，全部成功后再逐个 rename 进缓存代，
// 暂存阶段的任何失败都不会让缓存代出现部分条目。
func (g *fileGeneration) PutAll(ctx context.Context, entries []Entry) error {
	for _, entry := range entries {
		if err := validateEntry(entry); err != nil {
			return err
		}
	}
	if err := g.ensureExists(); err != nil {
		return err
	}

	staging, err := os.MkdirTemp(filepath.Dir(g.dir), ".staging-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(staging)

	staged := make([]string, len(entries))
	for i, entry := range entries {
		tempName, err := writeEntryFile(ctx, staging, entry)
		if err != nil {
			return err
		}
		staged[i] = tempName
	}

	moved := make([]string, 0, len(entries))
	for i, entry := range entries {
		target := g.entryPath(entry.Key)
		unlock := g.store.lockEntry(g.lockKey(entry.Key))
		err := os.Rename(staged[i], target)
		unlock()
		if err != nil {
			for _, done := range moved {
				os.Remove(done)
			}
			return fmt.Errorf("commit %s: %w", entry.Key, err)
		}
		moved = append(moved, target)
	}
	return nil
}

func (g *fileGeneration) Keys(ctx context.Context) ([]Key, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	items, err := os.ReadDir(g.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	keys := make([]Key, 0, len(items))
	for _, item := range items {
		if item.IsDir() || !strings.HasSuffix(item.Name(), entrySuffix) {
			continue
		}
		meta, err := readEntryMeta(filepath.Join(g.dir, item.Name()))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		keys = append(keys, meta.Key)
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].String() < keys[j].String()
	})
	return keys, nil
}

func (g *fileGeneration) ensureExists() error {
	info, err := os.Stat(g.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrGenerationMissing
		}
		return err
	}
	if !info.IsDir() {
		return ErrGenerationMissing
	}
	return nil
}

func (g *fileGeneration) entryPath(key Key) string {
	sum := sha1.Sum([]byte(key.String()))
	return filepath.Join(g.dir, hex.EncodeToString(sum[:])+entrySuffix)
}

func (g *fileGeneration) lockKey(key Key) string {
	return g.site + "::" + g.name + "::" + key.String()
}

func (s *fileStore) lockEntry(key string) func() {
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

func (s *fileStore) generationDir(site, name string) (string, error) {
	if err := validateSegment("site", site); err != nil {
		return "", err
	}
	if err := validateSegment("generation", name); err != nil {
		return "", err
	}
	return filepath.Join(s.basePath, site, name), nil
}

// writeEntryFile 在 dir 下写入临时文件并返回其路径，失败时自动清理。
func writeEntryFile(ctx context.Context, dir string, entry Entry) (string, error) {
	tempFile, err := os.CreateTemp(dir, ".cache-*")
	if err != nil {
		return "", err
	}
	tempName := tempFile.Name()

	err = encodeEntry(ctx, tempFile, entry)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return "", err
	}
	return tempName, nil
}

func encodeEntry(ctx context.Context, w io.Writer, entry Entry) error {
	meta := entryMeta{
		Key:      entry.Key,
		Status:   entry.Status,
		Header:   entry.Header,
		StoredAt: storedAt(entry),
	}
	line, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	line = append(line, '\n')
	if _, err := w.Write(line); err != nil {
		return err
	}
	_, err = copyWithContext(ctx, w, bytes.NewReader(entry.Body))
	return err
}

func decodeEntry(r io.Reader) (*Entry, error) {
	reader := bufio.NewReader(r)
	meta, err := readMeta(reader)
	if err != nil {
		return nil, err
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	return &Entry{
		Key:      meta.Key,
		Status:   meta.Status,
		Header:   meta.Header,
		Body:     body,
		StoredAt: meta.StoredAt,
	}, nil
}

func readEntryMeta(filePath string) (*entryMeta, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return readMeta(bufio.NewReader(f))
}

func readMeta(reader *bufio.Reader) (*entryMeta, error) {
	line, err := reader.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("read entry header: %w", err)
	}
	var meta entryMeta
	if err := json.Unmarshal(line, &meta); err != nil {
		return nil, fmt.Errorf("parse entry header: %w", err)
	}
	if meta.Header == nil {
		meta.Header = http.Header{}
	}
	return &meta, nil
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}
