package utils

import (
	"fmt"
	"syscall"
)

// DiskSpaceInfo contains information about disk space
type DiskSpaceInfo struct {
	TotalBytes     uint64
	FreeBytes      uint64
	AvailableBytes uint64
	UsedBytes      uint64
	UsedPercent    float64
}

// GetDiskSpace returns disk space information for a given path
func GetDiskSpace(path string) (*DiskSpaceInfo, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return nil, fmt.Errorf("failed to get disk space: %w", err)
	}

	totalBytes := stat.Blocks * uint64(stat.Bsize)
	freeBytes := stat.Bfree * uint64(stat.Bsize)
	availableBytes := stat.Bavail * uint64(stat.Bsize) // available to non-root users
	usedBytes := totalBytes - freeBytes
	usedPercent := float64(usedBytes) / float64(totalBytes) * 100

	return &DiskSpaceInfo{
		TotalBytes:     totalBytes,
		FreeBytes:      freeBytes,
		AvailableBytes: availableBytes,
		UsedBytes:      usedBytes,
		UsedPercent:    usedPercent,
	}, nil
}

// CheckDiskSpace checks whether the staging volume can hold an incoming
// upload while keeping minFreeBytes in reserve. Returns false with a
// human-readable reason when it cannot.
func CheckDiskSpace(path string, uploadSize, minFreeBytes int64) (bool, string, error) {
	info, err := GetDiskSpace(path)
	if err != nil {
		return false, "Failed to check disk space", err
	}

	if minFreeBytes > 0 && info.AvailableBytes < uint64(minFreeBytes) {
		return false, fmt.Sprintf("Insufficient disk space (less than %s available)", FormatBytes(uint64(minFreeBytes))), nil
	}

	if uploadSize > 0 && uint64(uploadSize)+uint64(minFreeBytes) > info.AvailableBytes {
		return false, "Upload size exceeds available disk space", nil
	}

	return true, "", nil
}

// FormatBytes formats bytes into human-readable format
func FormatBytes(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := uint64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
