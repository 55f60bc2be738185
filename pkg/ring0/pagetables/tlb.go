// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pagetables

import (
	"context"

	"gvisor.dev/vmcore/pkg/hostarch"
)

// TLB is one CPU's translation cache. It caches present entries of the
// loaded page tables and is never told about changes to them; the owner of
// a change must call Reload.
//
// A TLB is not safe for concurrent use. Only the goroutine driving the CPU
// touches it.
type TLB struct {
	pt      *PageTables
	entries map[hostarch.Addr]PTE

	// Flushes counts full flushes, for tests and diagnostics.
	Flushes uint64
}

// NewTLB returns an empty TLB with no page tables loaded.
func NewTLB() *TLB {
	return &TLB{entries: make(map[hostarch.Addr]PTE)}
}

// Load switches to pt and flushes the cache.
func (t *TLB) Load(pt *PageTables) {
	t.pt = pt
	t.Flush()
}

// Loaded returns the page tables currently loaded, or nil.
func (t *TLB) Loaded() *PageTables {
	return t.pt
}

// Flush drops every cached translation.
func (t *TLB) Flush() {
	clear(t.entries)
	t.Flushes++
}

// Reload flushes the cache if pt is the loaded page table, as rewriting cr3
// with its current value would.
func (t *TLB) Reload(pt *PageTables) {
	if t.pt == pt {
		t.Flush()
	}
}

// Translate resolves addr for an access of type at. user is true for user
// mode accesses. ok is false when the access must fault: there is no present
// entry, or the entry (possibly stale) does not permit the access.
func (t *TLB) Translate(addr hostarch.Addr, at hostarch.AccessType, user bool) (pa uint32, ok bool) {
	if t.pt == nil {
		return 0, false
	}
	page := addr.RoundDown()
	pte, cached := t.entries[page]
	if !cached {
		e := t.pt.Lookup(page)
		if e == nil || !e.Valid() {
			return 0, false
		}
		pte = *e
		t.entries[page] = pte
	}
	opts := pte.Opts()
	if user && !opts.User {
		return 0, false
	}
	if !opts.AccessType.SupersetOf(at) {
		return 0, false
	}
	return pte.Frame().Addr() + addr.PageOffset(), true
}

// Len returns the number of cached translations.
func (t *TLB) Len() int {
	return len(t.entries)
}

type contextID int

const (
	// CtxTLB is a Context.Value key for the current CPU's *TLB.
	CtxTLB contextID = iota
)

// WithTLB returns a copy of ctx carrying tlb.
func WithTLB(ctx context.Context, tlb *TLB) context.Context {
	return context.WithValue(ctx, CtxTLB, tlb)
}

// TLBFromContext returns the TLB carried by ctx, or nil.
func TLBFromContext(ctx context.Context) *TLB {
	if v := ctx.Value(CtxTLB); v != nil {
		return v.(*TLB)
	}
	return nil
}
