package buffer

import (
	"testing"
)

func benchmarkWrite(b *testing.B, limit int64, size int) {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i)
	}
	b.SetBytes(int64(size))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		buf, err := New(NewLimit(limit), 0)
		if err != nil {
			b.Fatal(err)
		}
		if _, err := buf.Write(data, 0); err != nil {
			b.Fatal(err)
		}
		buf.Release()
		buf.Close()
	}
}

func BenchmarkWriteMemory64K(b *testing.B)  { benchmarkWrite(b, -1, 64*1024) }
func BenchmarkWriteMemory1M(b *testing.B)   { benchmarkWrite(b, -1, 1024*1024) }
func BenchmarkWriteScratch64K(b *testing.B) { benchmarkWrite(b, 0, 64*1024) }

func BenchmarkReadMemory(b *testing.B) {
	buf, err := New(NewLimit(-1), 0)
	if err != nil {
		b.Fatal(err)
	}
	data := make([]byte, 1024*1024)
	if _, err := buf.Write(data, 0); err != nil {
		b.Fatal(err)
	}
	out := make([]byte, 64*1024)
	b.SetBytes(int64(len(out)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := buf.Read(out, int64(i%16)*64*1024); err != nil {
			b.Fatal(err)
		}
	}
}
