package sharedmap

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/jrhy/sharedmap/opstore"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/commands"
	"github.com/stretchr/testify/require"
)

func benchmarkStdMapSet(factor int, b *testing.B) {
	m := map[string]interface{}{}
	for n := 0; n < factor*b.N; n++ {
		m[fmt.Sprintf("k%d", n)] = n
	}
}

func BenchmarkStdMapSet1(b *testing.B)   { benchmarkStdMapSet(1, b) }
func BenchmarkStdMapSet10(b *testing.B)  { benchmarkStdMapSet(10, b) }
func BenchmarkStdMapSet100(b *testing.B) { benchmarkStdMapSet(100, b) }
func BenchmarkStdMapSet1k(b *testing.B)  { benchmarkStdMapSet(1_000, b) }

func benchmarkMapSet(factor int, b *testing.B) {
	r := newTestReplica(b, "bench")
	for n := 0; n < factor*b.N; n++ {
		if _, err := r.m.Set(fmt.Sprintf("k%d", n), n); err != nil {
			b.Fatal(err)
		}
	}
	r.sync(b)
}

func BenchmarkMapSet1(b *testing.B)   { benchmarkMapSet(1, b) }
func BenchmarkMapSet10(b *testing.B)  { benchmarkMapSet(10, b) }
func BenchmarkMapSet100(b *testing.B) { benchmarkMapSet(100, b) }
func BenchmarkMapSet1k(b *testing.B)  { benchmarkMapSet(1_000, b) }

func benchmarkMapGet(factor int, b *testing.B) {
	r := newTestReplica(b, "bench")
	b.StopTimer()
	for n := 0; n < factor*b.N; n++ {
		if _, err := r.m.Set(fmt.Sprintf("k%d", n), n); err != nil {
			b.Fatal(err)
		}
	}
	r.sync(b)
	b.StartTimer()
	for n := 0; n < factor*b.N; n++ {
		r.m.GetPrimitive(fmt.Sprintf("k%d", n))
	}
}

func BenchmarkMapGet1(b *testing.B)   { benchmarkMapGet(1, b) }
func BenchmarkMapGet10(b *testing.B)  { benchmarkMapGet(10, b) }
func BenchmarkMapGet100(b *testing.B) { benchmarkMapGet(100, b) }
func BenchmarkMapGet1k(b *testing.B)  { benchmarkMapGet(1_000, b) }

// benchmarkApplyRemote measures integrating another replica's log of
// factor writes.
func benchmarkApplyRemote(factor int, b *testing.B) {
	src := newTestReplica(b, "src")
	for n := 0; n < factor; n++ {
		if _, err := src.m.Set(fmt.Sprintf("k%d", n%64), n); err != nil {
			b.Fatal(err)
		}
	}
	src.sync(b)
	msgs := src.take()
	b.ResetTimer()
	for n := 0; n < b.N; n++ {
		dst := opstore.New(&opstore.Config{Replica: "dst"})
		ops := make([]*opstore.Operation, len(msgs))
		for i, msg := range msgs {
			ops[i] = &opstore.Operation{}
			if err := opstore.Decode(msg, ops[i]); err != nil {
				b.Fatal(err)
			}
		}
		if _, err := dst.ApplyRemote(ops).Await(ctx); err != nil {
			b.Fatal(err)
		}
		dst.Close()
	}
}

func BenchmarkApplyRemote100(b *testing.B) { benchmarkApplyRemote(100, b) }
func BenchmarkApplyRemote1k(b *testing.B)  { benchmarkApplyRemote(1_000, b) }

func BenchmarkExerciser(b *testing.B) {
	parameters := gopter.DefaultTestParametersWithSeed(1593228262585360000)
	parameters.MaxSize = 256
	parameters.MinSuccessfulTests = b.N
	properties := gopter.NewProperties(parameters)
	properties.Property("map exerciser", commands.Prop(mapCommands))
	out := bytes.NewBuffer(nil)
	reporter := gopter.NewFormatedReporter(false, 98, out)
	require.True(b, properties.Run(reporter))
}
