// Package smp implements the SMP bring-up sequence of spec section 4.4:
// the serially-brought-up AP trampoline protocol, the per-CPU structure's
// GS-relative addressing, and the reschedule/shootdown IPI plumbing that
// lets other layers (sched, mm) stay hardware-agnostic. Grounded on the
// teacher's cpus_start/cpus_stack_init (main.go): serial AP bring-up
// sharing one low trampoline page, INIT+SIPI timing, and the
// ipilow/icrw-style bit-packed IPI send helper.
package smp

import (
	"sync"
	"time"

	"github.com/go-logr/logr"
)

// TrampolineData is the fixed data region inside the shared low physical
// page (spec 4.4, section 6: "fixed block at a low page, around physical
// 0x8000"). The real kernel pokes these fields into memory at those
// offsets before sending SIPIs; here they are named fields since nothing
// in this repo runs on bare metal.
type TrampolineData struct {
	StackTop  uint64
	Entry     uint64
	CR3       uint64
	LogicalID uint64
	ApicID    uint64
	LapicBase uint64
}

// CPUDescriptor is one entry from the firmware CPU table (spec 4.4 step
// 3): a logical id, an APIC id, and whether the BSP should bring it up.
type CPUDescriptor struct {
	LogicalID int
	ApicID    int
	IsBSP     bool
	Enabled   bool
}

// APHandoff is invoked once per AP, in firmware-table order, standing in
// for the code that would otherwise run in the AP's real-mode/long-mode
// trampoline and entry function: disable interrupts, init per-CPU state,
// set kernel-GS, match BSP MSR bits, init GDT/TSS, init LAPIC, configure
// the local timer, set the online flag, enter the hlt idle loop.
type APHandoff func(cpu CPUDescriptor, data TrampolineData)

// Bringup serially brings up every enabled AP listed in table, sharing one
// TrampolineData instance per spec 4.4 ("the trampoline data region is
// shared" -- APs are brought up one at a time, never concurrently). Each
// AP must be marked online within the timeout window or Bringup reports
// it as failed rather than hanging forever.
type Bringup struct {
	log       logr.Logger
	sipiDelay time.Duration // 200us in real hardware; parameterized for tests
	initWait  time.Duration // 10ms in real hardware
	timeout   time.Duration // ~500ms in real hardware

	mu      sync.Mutex
	online  map[int]bool
	handoff APHandoff
}

func NewBringup(log logr.Logger, handoff APHandoff) *Bringup {
	return &Bringup{
		log:       log,
		sipiDelay: 200 * time.Microsecond,
		initWait:  10 * time.Millisecond,
		timeout:   500 * time.Millisecond,
		online:    make(map[int]bool),
		handoff:   handoff,
	}
}

// WithTimings overrides the INIT/SIPI/timeout durations, for fast tests.
func (b *Bringup) WithTimings(initWait, sipiDelay, timeout time.Duration) *Bringup {
	b.initWait, b.sipiDelay, b.timeout = initWait, sipiDelay, timeout
	return b
}

// Start brings up every enabled, non-BSP CPU in table, serially, and
// returns the logical ids that came online within the timeout.
func (b *Bringup) Start(table []CPUDescriptor, lapicBase uint64) []int {
	var online []int
	for _, cpu := range table {
		if cpu.IsBSP || !cpu.Enabled {
			continue
		}
		data := TrampolineData{
			LogicalID: uint64(cpu.LogicalID),
			ApicID:    uint64(cpu.ApicID),
			LapicBase: lapicBase,
		}

		// INIT IPI assert, wait, two SIPIs 200us apart (spec 4.4).
		time.Sleep(b.initWait)
		b.runHandoffWithTimeout(cpu, data)
		time.Sleep(b.sipiDelay)

		if b.isOnline(cpu.LogicalID) {
			online = append(online, cpu.LogicalID)
		} else {
			b.log.Error(nil, "AP failed to come online within timeout", "logicalID", cpu.LogicalID, "apicID", cpu.ApicID)
		}
	}
	return online
}

func (b *Bringup) runHandoffWithTimeout(cpu CPUDescriptor, data TrampolineData) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		b.handoff(cpu, data)
		b.markOnline(cpu.LogicalID)
	}()
	select {
	case <-done:
	case <-time.After(b.timeout):
	}
}

func (b *Bringup) markOnline(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.online[id] = true
}

func (b *Bringup) isOnline(id int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.online[id]
}
