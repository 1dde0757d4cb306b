package hook

import (
	"fmt"
	"os"
	"unsafe"

	"github.com/shirou/gopsutil/v3/process"
)

// DumpAll logs the process identity and every installed hook. With debug
// enabled it also disassembles each patched entry and its trampoline, which
// is the quickest way to spot a bad relocation by eye.
func (r *Registry) DumpAll() {
	hooks := r.Snapshot()

	r.log.Infoln("==== hook dump:", len(hooks), "hooks ====")
	r.logProcessBanner()

	for _, h := range hooks {
		r.log.Infoln(h.String())
		if !r.debug.Load() {
			continue
		}

		entry := unsafe.Slice((*byte)(unsafe.Pointer(h.target)), h.patchLen)
		if text, err := disassemble(entry); err == nil {
			r.log.Debugln("entry:\n" + text)
		} else {
			r.log.Debugln("entry: decode failed:", err)
		}
		if text, err := disassemble(h.tramp); err == nil {
			r.log.Debugln("trampoline:\n" + text)
		} else {
			r.log.Debugln("trampoline: decode failed:", err)
		}
	}
}

func (r *Registry) logProcessBanner() {
	pid := os.Getpid()
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		r.log.Infoln("process pid", pid)
		return
	}

	name, _ := p.Name()
	exe, _ := p.Exe()
	line := fmt.Sprintf("process %s pid %d exe %s", name, pid, exe)
	if mi, err := p.MemoryInfo(); err == nil && mi != nil {
		line += fmt.Sprintf(" rss %d KiB", mi.RSS/1024)
	}
	if r.base != 0 {
		line += fmt.Sprintf(" module base %#x", r.base)
	}
	r.log.Infoln(line)
}
