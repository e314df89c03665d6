package downloader

import (
	"github.com/shirou/gopsutil/v3/disk"
)

func freeDiskSpace(dir string) (uint64, error) {
	usage, err := disk.Usage(dir)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}
