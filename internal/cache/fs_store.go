package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cacheproxy/cacheproxy/internal/config"
	"github.com/cacheproxy/cacheproxy/internal/logging"
	"github.com/cacheproxy/cacheproxy/internal/metrics"
)

// NewStore 以 cfg.Folder 为根目录构建磁盘缓存，整个进程复用一份实例。
func NewStore(cfg config.CacheConfig, logger *logrus.Logger) (Store, error) {
	if cfg.Folder == "" {
		return nil, errors.New("cache folder required")
	}
	if cfg.HeaderFileSuffix == "" || cfg.BodyFileSuffix == "" {
		return nil, errors.New("cache file suffixes required")
	}
	if cfg.HeaderFileSuffix == cfg.BodyFileSuffix {
		return nil, errors.New("cache file suffixes must differ")
	}

	abs, err := filepath.Abs(cfg.Folder)
	if err != nil {
		return nil, fmt.Errorf("resolve cache folder: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create cache folder: %w", err)
	}

	if logger == nil {
		logger = logging.Discard()
	}

	return &fileStore{
		folder:       abs,
		headerSuffix: cfg.HeaderFileSuffix,
		bodySuffix:   cfg.BodyFileSuffix,
		logger:       logger,
		now:          time.Now,
		locks:        make(map[string]*entryLock),
	}, nil
}

// fileStore 通过 entryLock 串行化同一 Key 的提交，并让读取看到完整的头部/正文对。
type fileStore struct {
	folder       string
	headerSuffix string
	bodySuffix   string
	logger       *logrus.Logger
	now          func() time.Time

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.RWMutex
	refs int
}

func (s *fileStore) FilenameFor(rawURL string, kind Kind) string {
	return s.filename(Key(rawURL), kind)
}

func (s *fileStore) filename(key string, kind Kind) string {
	suffix := s.bodySuffix
	if kind == KindHeaders {
		suffix = s.headerSuffix
	}
	return filepath.Join(s.folder, key+suffix)
}

func (s *fileStore) Lookup(rawURL string) (*Entry, bool) {
	key := Key(rawURL)
	unlock := s.lockEntry(key, false)
	defer unlock()

	headers, err := s.readHeaders(key)
	if err != nil {
		s.logMiss(rawURL, key, err)
		return nil, false
	}

	f, err := os.Open(s.filename(key, KindBody))
	if err != nil {
		s.logMiss(rawURL, key, err)
		return nil, false
	}
	info, err := f.Stat()
	if err != nil || info.IsDir() {
		f.Close()
		if err == nil {
			err = errors.New("body path is a directory")
		}
		s.logMiss(rawURL, key, err)
		return nil, false
	}

	return &Entry{
		Key:       key,
		Headers:   headers,
		Body:      f,
		SizeBytes: info.Size(),
		ModTime:   info.ModTime(),
	}, true
}

func (s *fileStore) readHeaders(key string) (Headers, error) {
	data, err := os.ReadFile(s.filename(key, KindHeaders))
	if err != nil {
		return nil, err
	}
	var headers Headers
	if err := json.Unmarshal(data, &headers); err != nil {
		return nil, fmt.Errorf("decode header record: %w", err)
	}
	if headers == nil {
		return nil, errors.New("empty header record")
	}
	return headers, nil
}

func (s *fileStore) Write(rawURL string, statusCode int, headers Headers, body io.ReadCloser) io.ReadCloser {
	key := Key(rawURL)

	record := headers.Clone()
	if !record.Has("date") {
		record.Set("date", s.now().UTC().Format(http.TimeFormat))
	}

	headerTemp, err := s.writeHeaderTemp(key, record)
	if err != nil {
		s.logWriteError(rawURL, key, "headers", err)
		return body
	}

	bodyFile, err := os.CreateTemp(s.folder, ".cache-"+key+"-*"+s.bodySuffix)
	if err != nil {
		os.Remove(headerTemp)
		s.logWriteError(rawURL, key, "body", err)
		return body
	}

	return &writeThrough{
		store:      s,
		rawURL:     rawURL,
		key:        key,
		status:     statusCode,
		src:        body,
		headerTemp: headerTemp,
		bodyFile:   bodyFile,
		expected:   contentLength(record),
	}
}

func contentLength(h Headers) int64 {
	raw := strings.TrimSpace(h.Get("content-length"))
	if raw == "" {
		return -1
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return -1
	}
	return n
}

// writeHeaderTemp 在正文开始流动之前把头部记录完整写入临时文件。
func (s *fileStore) writeHeaderTemp(key string, record Headers) (string, error) {
	data, err := json.Marshal(record)
	if err != nil {
		return "", err
	}
	f, err := os.CreateTemp(s.folder, ".cache-"+key+"-*"+s.headerSuffix)
	if err != nil {
		return "", err
	}
	name := f.Name()
	_, err = f.Write(data)
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(name)
		return "", err
	}
	return name, nil
}

// commit 在写锁内把两个临时文件依次 rename 到正式位置。
func (s *fileStore) commit(key, headerTemp, bodyTemp string) error {
	unlock := s.lockEntry(key, true)
	defer unlock()

	headerPath := s.filename(key, KindHeaders)
	bodyPath := s.filename(key, KindBody)
	if err := os.Rename(headerTemp, headerPath); err != nil {
		return err
	}
	if err := os.Rename(bodyTemp, bodyPath); err != nil {
		// 新头部不能与旧正文配对。
		os.Remove(headerPath)
		return err
	}
	return nil
}

func (s *fileStore) lockEntry(key string, write bool) func() {
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	if write {
		lock.mu.Lock()
	} else {
		lock.mu.RLock()
	}
	return func() {
		if write {
			lock.mu.Unlock()
		} else {
			lock.mu.RUnlock()
		}
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

func (s *fileStore) logMiss(rawURL, key string, err error) {
	if errors.Is(err, os.ErrNotExist) {
		return
	}
	s.logger.WithError(err).WithFields(logrus.Fields{
		"action": "cache_lookup",
		"url":    rawURL,
		"key":    key,
	}).Debug("cache_lookup_miss")
}

func (s *fileStore) logWriteError(rawURL, key, stage string, err error) {
	metrics.CacheWriteErrors.WithLabelValues(stage).Inc()
	s.logger.WithError(err).WithFields(logrus.Fields{
		"action": "cache_write",
		"url":    rawURL,
		"key":    key,
		"stage":  stage,
	}).Warn("cache_write_failed")
}
