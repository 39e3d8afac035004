package nodeagent

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/procfs"
	"github.com/prometheus/procfs/blockdevice"
)

// loadSampler turns cumulative /proc counters into the instantaneous
// CPU/memory/disk/network gauges a heartbeat reports (spec §4.3, §6).
// Every call to sample diffs against the previous call, so the first
// sample after startup always reports zero throughput.
type loadSampler struct {
	proc   procfs.FS
	procOK bool
	block  blockdevice.FS
	blockOK bool

	mu       sync.Mutex
	lastAt   time.Time
	lastCPU  procfs.CPUStat
	lastRx   uint64
	lastTx   uint64
	lastRead uint64
	lastWrite uint64
	haveSample bool
}

// diskstatsSectorBytes is the fixed 512-byte sector size /proc/diskstats
// has always reported in, regardless of the device's actual block size.
const diskstatsSectorBytes = 512

func newLoadSampler() *loadSampler {
	ls := &loadSampler{}
	if fs, err := procfs.NewDefaultFS(); err == nil {
		ls.proc = fs
		ls.procOK = true
	}
	if fs, err := blockdevice.NewDefaultFS(); err == nil {
		ls.block = fs
		ls.blockOK = true
	}
	return ls
}

// loadSample is one point-in-time reading of the host's load.
type loadSample struct {
	CPUPercent    float64
	MemPercent    float64
	DiskReadMBps  float64
	DiskWriteMBps float64
	NetInMBps     float64
	NetOutMBps    float64
}

// sample reads /proc and returns the gauges due on the next heartbeat.
// Any individual source that is unavailable (non-Linux host, permission
// denied) is left at zero rather than failing the whole heartbeat.
func (ls *loadSampler) sample() loadSample {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	now := time.Now()
	var out loadSample

	if ls.procOK {
		if stat, err := ls.proc.Stat(); err == nil {
			out.CPUPercent = ls.cpuPercent(stat.CPUTotal, now)
		}
		if mem, err := ls.proc.Meminfo(); err == nil {
			out.MemPercent = memPercent(mem)
		}
		if netDev, err := ls.proc.NetDev(); err == nil {
			rx, tx := sumNetDev(netDev)
			out.NetInMBps, out.NetOutMBps = ls.netRates(rx, tx, now)
		}
	}
	if ls.blockOK {
		if stats, err := ls.block.ProcDiskstats(); err == nil {
			read, write := sumDiskstats(stats)
			out.DiskReadMBps, out.DiskWriteMBps = ls.diskRates(read, write, now)
		}
	}

	ls.lastAt = now
	ls.haveSample = true
	return out
}

func (ls *loadSampler) cpuPercent(cur procfs.CPUStat, now time.Time) float64 {
	prev := ls.lastCPU
	ls.lastCPU = cur
	if !ls.haveSample || ls.lastAt.IsZero() {
		return 0
	}
	elapsed := now.Sub(ls.lastAt).Seconds()
	if elapsed <= 0 {
		return 0
	}

	busy := (cur.User + cur.Nice + cur.System + cur.IRQ + cur.SoftIRQ + cur.Steal) -
		(prev.User + prev.Nice + prev.System + prev.IRQ + prev.SoftIRQ + prev.Steal)
	if busy < 0 {
		return 0
	}
	pct := (busy / elapsed) * 100
	if pct > 100 {
		pct = 100
	}
	return pct
}

func memPercent(m procfs.Meminfo) float64 {
	if m.MemTotal == nil || *m.MemTotal == 0 {
		return 0
	}
	avail := uint64(0)
	if m.MemAvailable != nil {
		avail = *m.MemAvailable
	} else if m.MemFree != nil {
		avail = *m.MemFree
	}
	used := float64(*m.MemTotal) - float64(avail)
	return (used / float64(*m.MemTotal)) * 100
}

// sumNetDev totals bytes across every interface except loopback, which
// never reflects the node's actual network load.
func sumNetDev(dev procfs.NetDev) (rx, tx uint64) {
	for name, line := range dev {
		if strings.HasPrefix(name, "lo") {
			continue
		}
		rx += line.RxBytes
		tx += line.TxBytes
	}
	return rx, tx
}

func (ls *loadSampler) netRates(rx, tx uint64, now time.Time) (inMBps, outMBps float64) {
	prevRx, prevTx := ls.lastRx, ls.lastTx
	ls.lastRx, ls.lastTx = rx, tx
	if !ls.haveSample || ls.lastAt.IsZero() || rx < prevRx || tx < prevTx {
		return 0, 0
	}
	elapsed := now.Sub(ls.lastAt).Seconds()
	if elapsed <= 0 {
		return 0, 0
	}
	const mb = 1 << 20
	return float64(rx-prevRx) / elapsed / mb, float64(tx-prevTx) / elapsed / mb
}

func sumDiskstats(stats []blockdevice.Diskstats) (readSectors, writeSectors uint64) {
	for _, d := range stats {
		// Skip partitions, which double-count their parent device's
		// sectors; whole-disk device names never end in a digit.
		if len(d.DeviceName) == 0 || isDigit(d.DeviceName[len(d.DeviceName)-1]) {
			continue
		}
		readSectors += d.ReadSectors
		writeSectors += d.WriteSectors
	}
	return readSectors, writeSectors
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

func (ls *loadSampler) diskRates(read, write uint64, now time.Time) (readMBps, writeMBps float64) {
	prevRead, prevWrite := ls.lastRead, ls.lastWrite
	ls.lastRead, ls.lastWrite = read, write
	if !ls.haveSample || ls.lastAt.IsZero() || read < prevRead || write < prevWrite {
		return 0, 0
	}
	elapsed := now.Sub(ls.lastAt).Seconds()
	if elapsed <= 0 {
		return 0, 0
	}
	const mb = 1 << 20
	readBytes := float64(read-prevRead) * diskstatsSectorBytes
	writeBytes := float64(write-prevWrite) * diskstatsSectorBytes
	return readBytes / elapsed / mb, writeBytes / elapsed / mb
}
