package indexmanager

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sushant-115/gojoidx/core/indexing/bplustree"
	"github.com/sushant-115/gojoidx/core/indexing/rowlink"
	"github.com/sushant-115/gojoidx/core/security/encryption"
	"github.com/sushant-115/gojoidx/core/storage_engine/common"
	"github.com/sushant-115/gojoidx/core/storage_engine/rowstore"
	flushmanager "github.com/sushant-115/gojoidx/core/write_engine/flush_manager"
	"github.com/sushant-115/gojoidx/core/write_engine/memtable"
	internaltelemetry "github.com/sushant-115/gojoidx/internal/telemetry"
	"github.com/sushant-115/gojoidx/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Config describes one B+Tree index and its storage.
type Config struct {
	// Path is the index file. Empty keeps the index in memory.
	Path     string `yaml:"path" toml:"path"`
	PageSize int    `yaml:"page_size" toml:"page_size"`
	PoolSize int    `yaml:"pool_size" toml:"pool_size"`
	KeySize  int    `yaml:"key_size" toml:"key_size"`
	// LeafVersion 1 stores only row links in leaves; 2 stores keys inline.
	LeafVersion   uint32 `yaml:"leaf_version" toml:"leaf_version"`
	MaxLeafItems  int    `yaml:"max_leaf_items" toml:"max_leaf_items"`
	MaxInnerKeys  int    `yaml:"max_inner_keys" toml:"max_inner_keys"`
	FreezeFormats bool   `yaml:"freeze_formats" toml:"freeze_formats"`
	// Compression is none, snappy or lz4.
	Compression             string `yaml:"compression" toml:"compression"`
	RowCacheBytes           int64  `yaml:"row_cache_bytes" toml:"row_cache_bytes"`
	SnapshotRateBytesPerSec int64  `yaml:"snapshot_rate_bytes_per_sec" toml:"snapshot_rate_bytes_per_sec"`
	// SnapshotLowPriority copies snapshots on a reniced thread.
	SnapshotLowPriority bool `yaml:"snapshot_low_priority" toml:"snapshot_low_priority"`
	// EncryptionKeyFile holds a hex AES key; rows are encrypted at rest when set.
	EncryptionKeyFile string `yaml:"encryption_key_file" toml:"encryption_key_file"`
}

// DefaultConfig is an in-memory index with 32-byte keys.
func DefaultConfig() Config {
	return Config{
		PageSize:      flushmanager.DefaultPageSize,
		PoolSize:      256,
		KeySize:       32,
		LeafVersion:   2,
		Compression:   "snappy",
		RowCacheBytes: 16 << 20,
	}
}

// Stats is a point-in-time view of the index.
type Stats struct {
	Name          string
	IndexID       string
	Tree          bplustree.Stats
	Pool          memtable.PoolStats
	RowCacheRatio float64
}

// BTreeIndexManager stores rows (key followed by value) in a row store and
// indexes them by key in a B+Tree.
type BTreeIndexManager struct {
	cfg    Config
	disk   flushmanager.Disk
	pool   *memtable.BufferPoolManager
	rows   *rowstore.Store
	tree   *bplustree.Tree
	logger *zap.Logger

	// mu serializes writers; readers only use the tree's latches. Snapshot and
	// Stats take it to see a quiescent tree.
	mu     sync.Mutex
	closed bool

	tracer      trace.Tracer
	metrics     *internaltelemetry.IndexMetrics
	serviceName string
}

var _ IndexManager = (*BTreeIndexManager)(nil)

// NewBTreeIndexManager opens the index at cfg.Path, creating it when missing.
func NewBTreeIndexManager(cfg Config, logger *zap.Logger, tel *telemetry.Telemetry) (*BTreeIndexManager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if tel == nil {
		tel = telemetry.Noop()
	}
	logger = logger.Named("btree_indexmanager")
	compression, err := rowstore.ParseCompression(cfg.Compression)
	if err != nil {
		return nil, err
	}
	var sealer rowstore.Sealer
	if cfg.EncryptionKeyFile != "" {
		s, err := encryption.LoadKeyFile(cfg.EncryptionKeyFile)
		if err != nil {
			return nil, err
		}
		sealer = s
	}
	disk, err := openDisk(cfg, logger)
	if err != nil {
		return nil, err
	}
	hdr, err := disk.ReadHeader()
	if err != nil {
		return nil, multierr.Append(err, disk.Close())
	}
	if int(hdr.KeySize) != cfg.KeySize {
		return nil, multierr.Append(
			fmt.Errorf("%w: file has key size %d, configured %d", bplustree.ErrInvalidConfig, hdr.KeySize, cfg.KeySize),
			disk.Close())
	}
	pool, err := memtable.NewBufferPoolManager(cfg.PoolSize, disk, logger)
	if err != nil {
		return nil, multierr.Append(err, disk.Close())
	}

	m := &BTreeIndexManager{
		cfg:         cfg,
		disk:        disk,
		pool:        pool,
		logger:      logger,
		tracer:      tel.Tracer,
		serviceName: "btree_indexmanager",
	}
	fail := func(err error) (*BTreeIndexManager, error) {
		if m.rows != nil {
			m.rows.Close()
		}
		return nil, multierr.Append(err, pool.Close())
	}

	m.metrics, err = internaltelemetry.NewIndexMetrics(tel.Meter)
	if err != nil {
		return fail(fmt.Errorf("creating index metrics: %w", err))
	}
	treeMetrics, err := internaltelemetry.NewTreeMetrics(tel.Meter)
	if err != nil {
		return fail(fmt.Errorf("creating tree metrics: %w", err))
	}
	m.rows, err = rowstore.New(pool, rowstore.Options{
		Compression: compression,
		CacheBytes:  cfg.RowCacheBytes,
		Sealer:      sealer,
		Logger:      logger,
	})
	if err != nil {
		return fail(err)
	}

	treeCfg := bplustree.DefaultConfig()
	treeCfg.KeySize = cfg.KeySize
	treeCfg.LeafVersion = cfg.LeafVersion
	treeCfg.MaxLeafItems = cfg.MaxLeafItems
	treeCfg.MaxInnerKeys = cfg.MaxInnerKeys
	treeCfg.FreezeFormats = cfg.FreezeFormats
	treeCfg.Keys = m.rows.KeyResolver(m.keyOfRow)
	treeCfg.Logger = logger
	treeCfg.Metrics = treeMetrics
	m.tree, err = bplustree.New(pool, treeCfg)
	if err != nil {
		return fail(err)
	}
	logger.Info("Index opened",
		zap.String("path", cfg.Path),
		zap.String("index_id", uuid.UUID(hdr.IndexID).String()),
		zap.Int("depth", m.tree.Depth()),
		zap.Stringer("compression", compression),
		zap.Bool("encrypted", sealer != nil))
	return m, nil
}

func openDisk(cfg Config, logger *zap.Logger) (flushmanager.Disk, error) {
	header := flushmanager.NewHeader(cfg.PageSize, cfg.KeySize, uuid.New(), time.Now().Unix())
	if cfg.Path == "" {
		return flushmanager.NewMemDisk(cfg.PageSize, header)
	}
	dm, err := flushmanager.NewDiskManager(cfg.Path, cfg.PageSize, logger)
	if err != nil {
		return nil, err
	}
	_, statErr := os.Stat(cfg.Path)
	if _, err := dm.OpenOrCreateFile(os.IsNotExist(statErr), header); err != nil {
		return nil, err
	}
	return dm, nil
}

func (m *BTreeIndexManager) keyOfRow(row []byte) ([]byte, error) {
	if len(row) < m.cfg.KeySize {
		return nil, fmt.Errorf("%w: row of %d bytes holds no key", rowstore.ErrCorruptRow, len(row))
	}
	return row[:m.cfg.KeySize], nil
}

func (m *BTreeIndexManager) Name() string { return "btree" }

func (m *BTreeIndexManager) Key(s string) []byte { return bplustree.StringKey(s, m.cfg.KeySize) }

// Put stores value under key, replacing an existing value.
func (m *BTreeIndexManager) Put(ctx context.Context, key, value []byte) (err error) {
	ctx, span, startTime := m.StartMetricsAndTrace(ctx, "Put")
	defer func() { m.EndMetricsAndTrace(ctx, span, startTime, "Put", err) }()

	if len(key) != m.cfg.KeySize {
		return fmt.Errorf("%w: got %d bytes, key size is %d", bplustree.ErrInvalidKey, len(key), m.cfg.KeySize)
	}
	row := make([]byte, 0, len(key)+len(value))
	row = append(append(row, key...), value...)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	link, err := m.rows.Insert(ctx, row)
	if errors.Is(err, rowstore.ErrRowTooLarge) {
		return fmt.Errorf("%w: %v", ErrValueTooLarge, err)
	}
	if err != nil {
		return err
	}
	// Swapping the link in place keeps the key visible to concurrent readers.
	old, found, err := m.tree.Replace(ctx, key, link)
	if err == nil && !found {
		err = m.tree.Insert(ctx, key, link)
	}
	if err != nil {
		if derr := m.rows.Delete(context.WithoutCancel(ctx), link); derr != nil {
			m.logger.Warn("Orphaned row", zap.Stringer("link", link), zap.Error(derr))
		}
		return err
	}
	if found {
		m.dropRow(ctx, old)
	}
	return nil
}

func (m *BTreeIndexManager) dropRow(ctx context.Context, link rowlink.Link) {
	if err := m.rows.Delete(context.WithoutCancel(ctx), link); err != nil {
		m.logger.Warn("Failed to delete replaced row", zap.Stringer("link", link), zap.Error(err))
	}
}

func (m *BTreeIndexManager) Get(ctx context.Context, key []byte) (value []byte, found bool, err error) {
	ctx, span, startTime := m.StartMetricsAndTrace(ctx, "Get")
	defer func() { m.EndMetricsAndTrace(ctx, span, startTime, "Get", err) }()

	link, found, err := m.tree.Search(ctx, key)
	if err != nil || !found {
		return nil, false, err
	}
	return m.readRow(ctx, key, link)
}

// readRow loads the value of key from the row at link. Readers take no manager
// lock, so the row may have been replaced or deleted since link was read from
// the tree; the tree is then asked again until it agrees with the row store.
func (m *BTreeIndexManager) readRow(ctx context.Context, key []byte, link rowlink.Link) ([]byte, bool, error) {
	for {
		row, err := m.rows.Get(ctx, link)
		if err == nil && len(row) >= m.cfg.KeySize && bytes.Equal(row[:m.cfg.KeySize], key) {
			return row[m.cfg.KeySize:], true, nil
		}
		if err != nil && !errors.Is(err, rowstore.ErrRowNotFound) {
			return nil, false, err
		}
		cur, found, serr := m.tree.Search(ctx, key)
		if serr != nil || !found {
			return nil, false, serr
		}
		if cur == link {
			if err == nil {
				err = fmt.Errorf("%w: row at %s does not hold key %x", rowstore.ErrCorruptRow, link, key)
			}
			return nil, false, err
		}
		link = cur
	}
}

func (m *BTreeIndexManager) Delete(ctx context.Context, key []byte) (removed bool, err error) {
	ctx, span, startTime := m.StartMetricsAndTrace(ctx, "Delete")
	defer func() { m.EndMetricsAndTrace(ctx, span, startTime, "Delete", err) }()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	link, found, err := m.tree.Search(ctx, key)
	if err != nil || !found {
		return false, err
	}
	if removed, err = m.tree.RemoveItem(ctx, key, link); err != nil || !removed {
		return false, err
	}
	m.dropRow(ctx, link)
	return true, nil
}

func (m *BTreeIndexManager) GetRange(ctx context.Context, startKey, endKey []byte, limit int) (results []KeyValuePair, err error) {
	ctx, span, startTime := m.StartMetricsAndTrace(ctx, "GetRange")
	defer func() { m.EndMetricsAndTrace(ctx, span, startTime, "GetRange", err) }()

	it := m.tree.Range(ctx, startKey, endKey)
	defer it.Close()
	for it.Next() {
		value, found, err := m.readRow(ctx, it.Key(), it.Link())
		if err != nil {
			return nil, err
		}
		if !found {
			// Deleted after the iterator copied its leaf.
			continue
		}
		results = append(results, KeyValuePair{Key: it.Key(), Value: value})
		if limit > 0 && len(results) == limit {
			break
		}
	}
	return results, it.Err()
}

// Snapshot writes a consistent copy of the index file to dstPath. Writers wait
// until the copy is done. dstPath must not be the index file itself.
func (m *BTreeIndexManager) Snapshot(ctx context.Context, dstPath string) (info SnapshotInfo, err error) {
	ctx, span, startTime := m.StartMetricsAndTrace(ctx, "Snapshot")
	defer func() { m.EndMetricsAndTrace(ctx, span, startTime, "Snapshot", err) }()

	if m.cfg.Path == "" {
		return info, ErrNoBackingFile
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return info, ErrClosed
	}
	if err := m.pool.FlushAllPages(); err != nil {
		return info, fmt.Errorf("flushing before snapshot: %w", err)
	}
	res, err := common.CopyThrottled(ctx, m.cfg.Path, dstPath, common.CopyOptions{
		RateBytesPerSec: m.cfg.SnapshotRateBytesPerSec,
		LowPriority:     m.cfg.SnapshotLowPriority,
	})
	if err != nil {
		return info, fmt.Errorf("copying snapshot: %w", err)
	}
	info = SnapshotInfo{
		ID:         uuid.NewString(),
		Path:       dstPath,
		Bytes:      res.Bytes,
		Checksum:   res.Checksum,
		RootPageID: uint64(m.tree.RootPageID()),
	}
	m.logger.Info("Snapshot written", zap.String("id", info.ID), zap.String("path", dstPath), zap.Int64("bytes", info.Bytes))
	return info, nil
}

// Stats validates the tree and reports its shape with pool and cache counters.
func (m *BTreeIndexManager) Stats(ctx context.Context) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Stats{}, ErrClosed
	}
	treeStats, err := m.tree.Validate(ctx)
	hdr := m.pool.Header()
	return Stats{
		Name:          m.Name(),
		IndexID:       uuid.UUID(hdr.IndexID).String(),
		Tree:          treeStats,
		Pool:          m.pool.Stats(),
		RowCacheRatio: m.rows.CacheRatio(),
	}, err
}

// Dump writes the tree structure to w.
func (m *BTreeIndexManager) Dump(ctx context.Context, w io.Writer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	return m.tree.Dump(ctx, w)
}

// Close flushes every page and closes the file.
func (m *BTreeIndexManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.rows.Close()
	err := m.pool.Close()
	m.logger.Info("Index closed", zap.String("path", m.cfg.Path), zap.Error(err))
	return err
}

// StartMetricsAndTrace begins the telemetry recording for an index method.
// It returns a new context, the trace span, and the start time.
func (m *BTreeIndexManager) StartMetricsAndTrace(ctx context.Context, method string) (context.Context, trace.Span, time.Time) {
	startTime := time.Now()
	attrs := metric.WithAttributes(
		attribute.String("index.service", m.serviceName),
		attribute.String("index.method", method),
	)
	m.metrics.ActiveOpsUpDownCounter.Add(ctx, 1, attrs)
	m.metrics.OpsStartedCounter.Add(ctx, 1, attrs)

	ctx, span := m.tracer.Start(ctx, method, trace.WithAttributes(
		attribute.String("index.service", m.serviceName),
		attribute.String("index.method", method),
	))
	return ctx, span, startTime
}

// EndMetricsAndTrace completes the telemetry recording for an index method.
func (m *BTreeIndexManager) EndMetricsAndTrace(ctx context.Context, span trace.Span, startTime time.Time, method string, err error) {
	latency := time.Since(startTime).Milliseconds()

	statusCode := otelcodes.Ok
	if err != nil {
		statusCode = otelcodes.Error
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
	} else {
		span.SetStatus(otelcodes.Ok, "Success")
	}
	span.End()

	m.metrics.ActiveOpsUpDownCounter.Add(ctx, -1, metric.WithAttributes(
		attribute.String("index.service", m.serviceName),
		attribute.String("index.method", method),
	))
	metricAttributes := attribute.NewSet(
		attribute.String("index.service", m.serviceName),
		attribute.String("index.method", method),
		attribute.String("index.code", statusCode.String()),
	)
	m.metrics.OpLatencyHistogram.Record(ctx, latency, metric.WithAttributeSet(metricAttributes))
	m.metrics.OpsHandledCounter.Add(ctx, 1, metric.WithAttributeSet(metricAttributes))
}
