// Package bench provides benchmarks for the execution engine.
//
// Run with: go test -bench=. -benchtime=3x ./bench/
package bench

import (
	"context"
	"testing"

	"github.com/mkarlsen/runex/engine"
)

// --- Cold start: new engine each time ---

func BenchmarkEngine_ColdStart(b *testing.B) {
	for i := 0; i < b.N; i++ {
		eng, _ := engine.New()
		eng.Run(context.Background(), "x = 1")
		eng.Close()
	}
}

// --- Warm start: reuse engine, compile cache hot ---

func BenchmarkEngine_WarmStart(b *testing.B) {
	eng, _ := engine.New()
	defer eng.Close()

	// First run to populate the compile cache
	eng.Run(context.Background(), "x = 1")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		eng.Run(context.Background(), "x = 1")
	}
}

func BenchmarkEngine_WarmStart_Computation(b *testing.B) {
	eng, _ := engine.New()
	defer eng.Close()

	code := "return sum([i * i for i in range(1000)])"
	eng.Run(context.Background(), code) // warmup

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		eng.Run(context.Background(), code)
	}
}

func BenchmarkEngine_WarmStart_HostFunction(b *testing.B) {
	eng, _ := engine.New()
	defer eng.Close()

	code := `kv_set(key="k", value="v")`
	eng.Run(context.Background(), code) // warmup

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		eng.Run(context.Background(), code)
	}
}

// --- Compile only ---

func BenchmarkEngine_CompileOnly(b *testing.B) {
	eng, _ := engine.New()
	defer eng.Close()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		eng.Run(context.Background(), "return 1 + 1", engine.WithCompileOnly())
	}
}

// --- Parallel pool ---

func BenchmarkEngine_Parallel(b *testing.B) {
	eng, _ := engine.New()
	defer eng.Close()

	eng.Run(context.Background(), "x = 1") // warmup

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			eng.Run(context.Background(), "x = 1", engine.WithParallel())
		}
	})
}
