package flushmanager

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	pagemanager "github.com/sushant-115/gojoidx/core/write_engine/page_manager"
	"go.uber.org/zap"
)

// --- Test Helpers ---

func newTestDiskManager(t *testing.T, path string) *DiskManager {
	t.Helper()
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)
	dm, err := NewDiskManager(path, 512, logger)
	require.NoError(t, err)
	return dm
}

// --- Test Cases ---

// TestDiskManager_CreateWriteReopen writes a page, closes the file and checks that
// a second manager sees the same header and page bytes.
func TestDiskManager_CreateWriteReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.db")
	id := [16]byte{1, 2, 3}

	// 1. Create and write.
	dm := newTestDiskManager(t, path)
	header, err := dm.OpenOrCreateFile(true, NewHeader(512, 8, id, 42))
	require.NoError(t, err)
	require.Equal(t, uint64(1), header.NumPages)

	pageID, err := dm.AllocatePage()
	require.NoError(t, err)
	require.Equal(t, pagemanager.PageID(1), pageID)

	payload := bytes.Repeat([]byte{0xAB}, 512)
	require.NoError(t, dm.WritePage(pageID, payload))

	header.RootPageID = pageID
	require.NoError(t, dm.WriteHeader(header))
	require.NoError(t, dm.Close())

	// 2. Reopen and verify.
	dm2 := newTestDiskManager(t, path)
	defer dm2.Close()
	reopened, err := dm2.OpenOrCreateFile(false, DBFileHeader{})
	require.NoError(t, err)
	require.Equal(t, pageID, reopened.RootPageID)
	require.Equal(t, uint32(8), reopened.KeySize)
	require.Equal(t, id, reopened.IndexID)
	require.Equal(t, uint64(2), dm2.NumPages())

	got := make([]byte, 512)
	require.NoError(t, dm2.ReadPage(pageID, got))
	require.Equal(t, payload, got)
}

func TestDiskManager_OpenErrors(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "index.db")

	dm := newTestDiskManager(t, path)
	_, err := dm.OpenOrCreateFile(false, DBFileHeader{})
	require.ErrorIs(t, err, ErrDBFileNotFound)

	_, err = dm.OpenOrCreateFile(true, NewHeader(512, 8, [16]byte{}, 0))
	require.NoError(t, err)
	require.NoError(t, dm.Close())

	dm2 := newTestDiskManager(t, path)
	_, err = dm2.OpenOrCreateFile(true, NewHeader(512, 8, [16]byte{}, 0))
	require.ErrorIs(t, err, ErrDBFileExists)

	logger := zap.NewNop()
	dm3, err := NewDiskManager(path, 1024, logger)
	require.NoError(t, err)
	_, err = dm3.OpenOrCreateFile(false, DBFileHeader{})
	require.ErrorIs(t, err, ErrPageSizeMismatch)
}

func TestDiskManager_ReadOutOfBounds(t *testing.T) {
	dm := newTestDiskManager(t, filepath.Join(t.TempDir(), "index.db"))
	_, err := dm.OpenOrCreateFile(true, NewHeader(512, 8, [16]byte{}, 0))
	require.NoError(t, err)
	defer dm.Close()

	buf := make([]byte, 512)
	require.ErrorIs(t, dm.ReadPage(7, buf), ErrPageNotFound)
	require.ErrorIs(t, dm.WritePage(pagemanager.HeaderPageID, buf), ErrInvalidPageData)
}

func TestMemDisk_RoundTrip(t *testing.T) {
	md, err := NewMemDisk(512, NewHeader(512, 16, [16]byte{9}, 0))
	require.NoError(t, err)

	pageID, err := md.AllocatePage()
	require.NoError(t, err)
	require.Equal(t, pagemanager.PageID(1), pageID)

	payload := bytes.Repeat([]byte{7}, 512)
	require.NoError(t, md.WritePage(pageID, payload))
	got := make([]byte, 512)
	require.NoError(t, md.ReadPage(pageID, got))
	require.Equal(t, payload, got)

	header, err := md.ReadHeader()
	require.NoError(t, err)
	header.RootPageID = pageID
	require.NoError(t, md.WriteHeader(header))
	header, err = md.ReadHeader()
	require.NoError(t, err)
	require.Equal(t, pageID, header.RootPageID)
	require.Equal(t, uint64(2), header.NumPages)

	require.NoError(t, md.Close())
	require.ErrorIs(t, md.ReadPage(pageID, got), ErrClosed)
}
