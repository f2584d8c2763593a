package node

import "syscall"

// MinFreeDiskBytes is the free-space floor below which the crawl loop
// pauses rather than risk filling the volume holding the index and
// dedup databases, per spec §4.18.
const MinFreeDiskBytes = 200 * 1024 * 1024

// diskSpaceCritical reports whether the filesystem holding path has
// fewer than MinFreeDiskBytes free.
func diskSpaceCritical(path string) bool {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return false
	}
	free := stat.Bavail * uint64(stat.Bsize)
	return free < MinFreeDiskBytes
}
