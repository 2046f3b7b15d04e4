package cache

import (
	"errors"
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/cacheproxy/cacheproxy/internal/metrics"
)

// writeThrough 把读取到的每个分块原样交给调用方，同时追加到正文临时文件。
// 调用方（客户端连接）拉取的速度即是两个去向共同的速度，内存占用只有一个分块。
type writeThrough struct {
	store  *fileStore
	rawURL string
	key    string
	status int
	src    io.ReadCloser

	headerTemp string
	bodyFile   *os.File
	written    int64
	// expected 来自源站 Content-Length，未知时为 -1。
	expected int64

	once sync.Once
}

func (w *writeThrough) Read(p []byte) (int, error) {
	n, err := w.src.Read(p)
	if n > 0 && w.bodyFile != nil {
		if _, werr := w.bodyFile.Write(p[:n]); werr != nil {
			w.abort("body", werr)
		} else {
			w.written += int64(n)
		}
	}
	switch {
	case err == nil:
	case errors.Is(err, io.EOF):
		w.finish()
	default:
		w.abort("source", err)
	}
	return n, err
}

// Close 关闭上游正文。调用方按 Content-Length 读满后不会再读到 EOF，
// 此时以已写入字节数对齐 expected 作为完整的判据；其余情况直接丢弃临时文件，不再读取上游。
func (w *writeThrough) Close() error {
	if w.bodyFile != nil && w.expected >= 0 && w.written == w.expected {
		w.finish()
	}
	err := w.src.Close()
	w.abort("incomplete", errors.New("body closed before EOF"))
	return err
}

func (w *writeThrough) finish() {
	w.once.Do(func() {
		bodyTemp := w.bodyFile.Name()
		if err := w.bodyFile.Close(); err != nil {
			w.cleanup(bodyTemp)
			w.store.logWriteError(w.rawURL, w.key, "body", err)
			metrics.CacheWrites.WithLabelValues("aborted").Inc()
			return
		}
		w.bodyFile = nil
		if err := w.store.commit(w.key, w.headerTemp, bodyTemp); err != nil {
			w.cleanup(bodyTemp)
			w.store.logWriteError(w.rawURL, w.key, "commit", err)
			metrics.CacheWrites.WithLabelValues("aborted").Inc()
			return
		}
		metrics.CacheWrites.WithLabelValues("committed").Inc()
		metrics.CacheBytesWritten.Add(float64(w.written))
		w.store.logger.WithFields(logrus.Fields{
			"action": "cache_write",
			"url":    w.rawURL,
			"key":    w.key,
			"status": w.status,
			"bytes":  w.written,
		}).Debug("cache_committed")
	})
}

// abort 丢弃临时文件。磁盘错误记为 cache_write_failed，其他原因只记 debug。
func (w *writeThrough) abort(stage string, cause error) {
	w.once.Do(func() {
		var bodyTemp string
		if w.bodyFile != nil {
			bodyTemp = w.bodyFile.Name()
			w.bodyFile.Close()
			w.bodyFile = nil
		}
		w.cleanup(bodyTemp)
		metrics.CacheWrites.WithLabelValues("aborted").Inc()
		if stage == "body" {
			w.store.logWriteError(w.rawURL, w.key, stage, cause)
			return
		}
		w.store.logger.WithError(cause).WithFields(logrus.Fields{
			"action": "cache_write",
			"url":    w.rawURL,
			"key":    w.key,
			"stage":  stage,
		}).Debug("cache_write_aborted")
	})
}

func (w *writeThrough) cleanup(bodyTemp string) {
	if bodyTemp != "" {
		os.Remove(bodyTemp)
	}
	os.Remove(w.headerTemp)
}
