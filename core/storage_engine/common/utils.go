package common

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"syscall"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/time/rate"
)

// chunkSize: size of each read/write chunk
const chunkSize = 1024 * 1024 // 1 MiB

// ErrSameFile is returned when a copy would overwrite its own source.
var ErrSameFile = errors.New("destination is the source file")

var bufPool = sync.Pool{
	New: func() interface{} { return make([]byte, chunkSize) },
}

// lowerThreadPriority renices the calling OS thread to 19. The caller must
// hold the thread with runtime.LockOSThread and let it exit afterwards.
func lowerThreadPriority() error {
	const niceness = 19
	if err := syscall.Setpriority(syscall.PRIO_PROCESS, syscall.Gettid(), niceness); err != nil {
		return fmt.Errorf("setpriority failed: %w", err)
	}
	return nil
}

// CopyOptions tunes CopyThrottled.
type CopyOptions struct {
	// RateBytesPerSec limits throughput; 0 copies at full speed.
	RateBytesPerSec int64
	// LowPriority runs the copy on its own OS thread at the lowest priority.
	LowPriority bool
}

// CopyResult describes a finished copy.
type CopyResult struct {
	Bytes    int64
	Checksum uint64 // xxhash64 of the copied bytes
}

// CopyThrottled copies srcPath to dstPath in chunks, waiting on a token bucket
// between chunks. The copy goes to a temporary file in the destination
// directory that is synced and renamed over dstPath, so a failed copy leaves an
// existing dstPath untouched. A dstPath naming the source fails with ErrSameFile.
func CopyThrottled(ctx context.Context, srcPath, dstPath string, opts CopyOptions) (CopyResult, error) {
	if err := checkDistinct(srcPath, dstPath); err != nil {
		return CopyResult{}, err
	}
	if !opts.LowPriority {
		return copyThrottled(ctx, srcPath, dstPath, opts)
	}
	type outcome struct {
		res CopyResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		// No UnlockOSThread: the reniced thread exits with the goroutine.
		runtime.LockOSThread()
		_ = lowerThreadPriority()
		res, err := copyThrottled(ctx, srcPath, dstPath, opts)
		done <- outcome{res, err}
	}()
	o := <-done
	return o.res, o.err
}

// checkDistinct fails when dstPath exists and is the same file as srcPath,
// whatever path or link leads to it.
func checkDistinct(srcPath, dstPath string) error {
	srcInfo, err := os.Stat(srcPath)
	if err != nil {
		return fmt.Errorf("stat src: %w", err)
	}
	dstInfo, err := os.Stat(dstPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat dst: %w", err)
	}
	if os.SameFile(srcInfo, dstInfo) {
		return fmt.Errorf("%w: %s", ErrSameFile, dstPath)
	}
	return nil
}

func copyThrottled(ctx context.Context, srcPath, dstPath string, opts CopyOptions) (res CopyResult, err error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return res, fmt.Errorf("open src: %w", err)
	}
	defer src.Close()

	dst, err := os.CreateTemp(filepath.Dir(dstPath), "."+filepath.Base(dstPath)+".tmp-*")
	if err != nil {
		return res, fmt.Errorf("open dst: %w", err)
	}
	defer func() {
		if err != nil {
			dst.Close()
			os.Remove(dst.Name())
		}
	}()

	// Set up throughput limiter using golang.org/x/time/rate
	var limiter *rate.Limiter
	if opts.RateBytesPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RateBytesPerSec), chunkSize) // burst = chunkSize
	}
	sum := xxhash.New()
	buf := bufPool.Get().([]byte)
	defer bufPool.Put(buf)

	for {
		n, rerr := src.ReadAt(buf[:chunkSize], res.Bytes)
		if n > 0 {
			if limiter != nil {
				if err := limiter.WaitN(ctx, n); err != nil {
					return res, fmt.Errorf("rate limiter: %w", err)
				}
			} else if err := ctx.Err(); err != nil {
				return res, err
			}
			if _, err := dst.Write(buf[:n]); err != nil {
				return res, fmt.Errorf("write error: %w", err)
			}
			_, _ = sum.Write(buf[:n])
			res.Bytes += int64(n)
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				break
			}
			return res, fmt.Errorf("read error: %w", rerr)
		}
	}

	if err := dst.Sync(); err != nil {
		return res, fmt.Errorf("sync error: %w", err)
	}
	if err := dst.Close(); err != nil {
		return res, fmt.Errorf("close dst: %w", err)
	}
	if err := os.Rename(dst.Name(), dstPath); err != nil {
		return res, fmt.Errorf("rename dst: %w", err)
	}
	res.Checksum = sum.Sum64()
	return res, nil
}

// FileChecksum is the xxhash64 of a whole file, comparable with CopyResult.Checksum.
func FileChecksum(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	sum := xxhash.New()
	if _, err := io.Copy(sum, f); err != nil {
		return 0, err
	}
	return sum.Sum64(), nil
}
