package sandbox

import (
	"fmt"
	"runtime/metrics"
	"strings"
	"sync"
	"time"

	"goldrun/internal/market"

	"github.com/dop251/goja"
)

const memoryPollEvery = time.Millisecond

const heapMetric = "/memory/classes/heap/objects:bytes"

func heapBytes() uint64 {
	sample := []metrics.Sample{{Name: heapMetric}}
	metrics.Read(sample)
	if sample[0].Value.Kind() != metrics.KindUint64 {
		return 0
	}
	return sample[0].Value.Uint64()
}

// install binds the host API. Number and JSON.stringify are captured here so
// that a script overwriting them cannot change how results are coerced.
func (h *Handle) install() error {
	vm := h.vm

	number, ok := goja.AssertFunction(vm.Get("Number"))
	if !ok {
		return fmt.Errorf("Number is not callable")
	}
	h.number = number

	jsonObj := vm.Get("JSON")
	if jsonObj == nil {
		return fmt.Errorf("JSON is missing")
	}
	stringify, ok := goja.AssertFunction(jsonObj.ToObject(vm).Get("stringify"))
	if !ok {
		return fmt.Errorf("JSON.stringify is not callable")
	}
	h.stringify = stringify

	global := vm.GlobalObject()
	if err := global.Set("global", global); err != nil {
		return err
	}
	if err := global.Set("getTick", func() int64 { return h.env.Tick }); err != nil {
		return err
	}
	if err := global.Set("getGold", func() int64 { return h.env.Gold }); err != nil {
		return err
	}
	if err := global.Set("getMyHistory", func() goja.Value { return historyValue(vm, h.env.History) }); err != nil {
		return err
	}
	if err := global.Set("getAllHistory", func() goja.Value { return historyValue(vm, h.env.AllHistory) }); err != nil {
		return err
	}

	console := vm.NewObject()
	if err := console.Set("log", func(call goja.FunctionCall) goja.Value {
		parts := make([]string, 0, len(call.Arguments))
		for _, arg := range call.Arguments {
			parts = append(parts, h.format(arg))
		}
		h.out.WriteLine(strings.Join(parts, " "))
		return goja.Undefined()
	}); err != nil {
		return err
	}
	if err := console.Set("getOutput", func() string { return h.out.String() }); err != nil {
		return err
	}
	if err := console.Set("clearOutput", func() { h.out.reset() }); err != nil {
		return err
	}
	return global.Set("console", console)
}

// historyValue builds a fresh array on every call so scripts can mutate what
// they receive without touching engine state.
func historyValue(vm *goja.Runtime, items []market.Investment) goja.Value {
	values := make([]any, 0, len(items))
	for _, inv := range items {
		obj := vm.NewObject()
		_ = obj.Set("id", inv.ID)
		_ = obj.Set("userId", inv.UserID)
		_ = obj.Set("amount", inv.Amount)
		_ = obj.Set("profit", inv.Profit)
		_ = obj.Set("tick", inv.Tick)
		values = append(values, obj)
	}
	return vm.NewArray(values...)
}

func (h *Handle) format(v goja.Value) (s string) {
	defer func() {
		if r := recover(); r != nil {
			if ie, ok := r.(*goja.InterruptedError); ok {
				panic(ie)
			}
			s = "[unprintable]"
		}
	}()
	if v == nil || goja.IsUndefined(v) {
		return "undefined"
	}
	if goja.IsNull(v) {
		return "null"
	}
	if _, ok := v.(*goja.Object); !ok {
		return v.String()
	}
	if _, isFn := goja.AssertFunction(v); isFn {
		return v.String()
	}
	out, err := h.stringify(goja.Undefined(), v)
	if err == nil && out != nil && !goja.IsUndefined(out) {
		return out.String()
	}
	if ie, ok := err.(*goja.InterruptedError); ok {
		panic(ie)
	}
	return v.String()
}

// outputBuffer keeps console output up to limit runes; the rest is dropped.
// An abandoned evaluation may still write to it, hence the lock.
type outputBuffer struct {
	mu    sync.Mutex
	limit int
	runes int
	b     strings.Builder
}

func newOutputBuffer(limit int) *outputBuffer {
	return &outputBuffer{limit: limit}
}

func (o *outputBuffer) WriteLine(line string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.b.Len() > 0 {
		o.write("\n")
	}
	o.write(line)
}

func (o *outputBuffer) write(s string) {
	if o.runes >= o.limit {
		return
	}
	for _, r := range s {
		if o.runes >= o.limit {
			return
		}
		o.b.WriteRune(r)
		o.runes++
	}
}

func (o *outputBuffer) String() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.b.String()
}

func (o *outputBuffer) reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.b.Reset()
	o.runes = 0
}
