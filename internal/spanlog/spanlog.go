package spanlog

// ============================================================================
// Span Log 核心實作
// 職責：
// 1. 追加已完成的 span 到日誌檔案（append-only）
// 2. 提供重放功能以讀回歷史追蹤
// 3. 支援日誌旋轉（可選 gzip 壓縮封存檔）
// 4. 確保寫入持久性與資料完整性（CRC32 framing + fsync）
//
// 檔案格式（每筆記錄一個 frame）：
//   ┌──────────────┬──────────────┬──────────────────────┐
//   │ length (u32) │ crc32 (u32)  │ payload (json/cbor)  │
//   └──────────────┴──────────────┴──────────────────────┘
// ============================================================================

import (
	"bufio"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/ChuLiYu/beaver-async/pkg/tracing"
)

// Record is one archived span with its position in the log.
type Record struct {
	Seq  uint64                `json:"seq" cbor:"1,keyasint"`
	Span tracing.CompletedSpan `json:"span" cbor:"2,keyasint"`
}

// Handler receives records during Replay. Returning an error stops it.
type Handler func(rec Record) error

// Option configures a Log.
type Option func(*Log)

// WithCodec selects the payload encoding. The default is CBOR.
func WithCodec(c Codec) Option {
	return func(l *Log) { l.codec = c }
}

// WithSyncOnAppend flushes and fsyncs on every Append.
func WithSyncOnAppend(on bool) Option {
	return func(l *Log) { l.syncOnAppend = on }
}

// WithBuffer sets how many records and how much time may pass between
// flushes.
func WithBuffer(size int, interval time.Duration) Option {
	return func(l *Log) {
		if size > 0 {
			l.bufferSize = size
		}
		if interval > 0 {
			l.flushInterval = interval
		}
	}
}

// WithCompressRotated gzips files moved aside by Rotate.
func WithCompressRotated(on bool) Option {
	return func(l *Log) { l.compress = on }
}

// Log is an append-only span archive. It implements tracing.Sink.
type Log struct {
	mu           sync.Mutex
	file         *os.File
	w            *bufio.Writer
	path         string
	codec        Codec
	seq          uint64
	syncOnAppend bool
	compress     bool
	closed       bool

	buffer        []Record
	bufferSize    int
	lastFlushTime time.Time
	flushInterval time.Duration
}

var _ tracing.Sink = (*Log)(nil)

// Open creates or reopens the log at path. An existing file is scanned to
// continue its sequence; a torn final frame left by a crash is cut off.
func Open(path string, opts ...Option) (*Log, error) {
	l := &Log{
		path:          path,
		bufferSize:    256,
		flushInterval: time.Second,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.codec == nil {
		c, err := CBOR()
		if err != nil {
			return nil, err
		}
		l.codec = c
	}
	l.buffer = make([]Record, 0, l.bufferSize)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}

	if _, err := os.Stat(path); err == nil {
		res, err := scanFile(path, l.codec, nil)
		switch {
		case err == nil:
		case res.torn:
			if terr := os.Truncate(path, res.goodOffset); terr != nil {
				return nil, terr
			}
		default:
			return nil, err
		}
		l.seq = res.lastSeq
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	l.file = file
	l.w = bufio.NewWriter(file)
	l.lastFlushTime = time.Now()
	return l, nil
}

// Append adds a completed span.
func (l *Log) Append(span tracing.CompletedSpan) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}

	l.seq++
	l.buffer = append(l.buffer, Record{Seq: l.seq, Span: span})

	if l.syncOnAppend || len(l.buffer) >= l.bufferSize || time.Since(l.lastFlushTime) > l.flushInterval {
		return l.flushLocked()
	}
	return nil
}

// Flush writes buffered records and syncs the file.
func (l *Log) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	return l.flushLocked()
}

// Replay feeds every record in the current file to fn, in order.
func (l *Log) Replay(fn Handler) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if err := l.flushLocked(); err != nil {
		return err
	}
	return ReplayFile(l.path, l.codec, fn)
}

// Rotate moves the current file aside and starts an empty one with the
// sequence reset. It returns the path of the archived file.
func (l *Log) Rotate() (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return "", ErrClosed
	}

	if err := l.flushLocked(); err != nil {
		return "", err
	}
	if err := l.file.Close(); err != nil {
		return "", err
	}

	backupPath := l.path + "." + time.Now().Format("20060102_150405.000000000")
	if err := os.Rename(l.path, backupPath); err != nil {
		return "", err
	}
	if l.compress {
		if err := compressFile(backupPath, backupPath+".gz"); err != nil {
			return "", err
		}
		if err := os.Remove(backupPath); err != nil {
			return "", err
		}
		backupPath += ".gz"
	}

	newFile, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0644)
	if err != nil {
		return "", err
	}
	l.file = newFile
	l.w = bufio.NewWriter(newFile)
	l.seq = 0
	l.lastFlushTime = time.Now()
	return backupPath, nil
}

// Close flushes and closes the file. The log cannot be reused.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true

	err := l.flushLocked()
	if cerr := l.file.Close(); err == nil {
		err = cerr
	}
	return err
}

// LastSeq returns the sequence number of the newest record.
func (l *Log) LastSeq() uint64 {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

func (l *Log) Path() string { return l.path }

// Archives lists files moved aside by Rotate, oldest first.
func (l *Log) Archives() ([]string, error) {
	matches, err := filepath.Glob(l.path + ".*")
	if err != nil {
		return nil, err
	}
	slices.Sort(matches)
	return matches, nil
}

// flushLocked 假設調用者已經持有 l.mu
func (l *Log) flushLocked() error {
	if len(l.buffer) == 0 {
		return nil
	}
	for _, rec := range l.buffer {
		payload, err := l.codec.Marshal(rec)
		if err != nil {
			return err
		}
		if err := writeFrame(l.w, payload); err != nil {
			return err
		}
	}
	l.buffer = l.buffer[:0]
	l.lastFlushTime = time.Now()
	if err := l.w.Flush(); err != nil {
		return err
	}
	return l.file.Sync()
}

// ReplayFile reads a log or archive written with codec. Files ending in
// .gz are decompressed on the fly.
func ReplayFile(path string, codec Codec, fn Handler) error {
	_, err := scanFile(path, codec, fn)
	return err
}

// compressFile 只在旋轉時壓縮，避免每次寫入的開銷
func compressFile(srcPath, dstPath string) error {
	srcFile, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	dstFile, err := os.Create(dstPath)
	if err != nil {
		return err
	}

	zw := gzip.NewWriter(dstFile)
	if _, err := io.Copy(zw, srcFile); err != nil {
		dstFile.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		dstFile.Close()
		return err
	}
	if err := dstFile.Sync(); err != nil {
		dstFile.Close()
		return err
	}
	return dstFile.Close()
}
