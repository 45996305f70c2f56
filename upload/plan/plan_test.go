package plan

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const mib = 1024 * 1024

var modTime = time.UnixMilli(1700000000000)

func TestPlan_ChunkArithmetic(t *testing.T) {
	tests := []struct {
		name       string
		size       uint64
		chunkSize  uint64
		wantChunks int
		wantLast   uint64
	}{
		{name: "empty file", size: 0, chunkSize: 5 * mib, wantChunks: 0},
		{name: "smaller than a chunk", size: 10, chunkSize: 5 * mib, wantChunks: 1, wantLast: 10},
		{name: "exact multiple", size: 10 * mib, chunkSize: 5 * mib, wantChunks: 2, wantLast: 5 * mib},
		{name: "12 MiB in 5 MiB chunks", size: 12 * mib, chunkSize: 5 * mib, wantChunks: 3, wantLast: 2 * mib},
		{name: "one byte chunks", size: 7, chunkSize: 1, wantChunks: 7, wantLast: 1},
		{name: "odd sizes", size: 1000003, chunkSize: 4099, wantChunks: 244, wantLast: 1000003 - 243*4099},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Plan(SourceDescriptor{Name: "a.bin", SizeBytes: tt.size, LastModified: modTime}, tt.chunkSize)

			require.Equal(t, tt.wantChunks, p.TotalChunks)
			require.Len(t, p.Ranges, tt.wantChunks)

			var sum, offset uint64
			for i, r := range p.Ranges {
				assert.Equal(t, i, r.Index)
				assert.Equal(t, offset, r.Offset, "ranges must be contiguous")
				if i < len(p.Ranges)-1 {
					assert.Equal(t, tt.chunkSize, r.Length)
				}
				sum += r.Length
				offset = r.End()
			}
			assert.Equal(t, tt.size, sum)
			if tt.wantChunks > 0 {
				assert.Equal(t, tt.wantLast, p.Ranges[len(p.Ranges)-1].Length)
			}
		})
	}
}

func TestPlan_TwelveMiBLengths(t *testing.T) {
	p := Plan(SourceDescriptor{Name: "big.pdf", SizeBytes: 12 * mib, LastModified: modTime}, DefaultChunkSizeBytes)

	var lengths []uint64
	for _, r := range p.Ranges {
		lengths = append(lengths, r.Length)
	}
	assert.Equal(t, []uint64{5 * mib, 5 * mib, 2 * mib}, lengths)
}

func TestPlan_ZeroChunkSizeUsesDefault(t *testing.T) {
	p := Plan(SourceDescriptor{Name: "a.bin", SizeBytes: 11 * mib}, 0)

	assert.Equal(t, DefaultChunkSizeBytes, p.ChunkSizeBytes)
	assert.Equal(t, 3, p.TotalChunks)
}

func TestPlan_Deterministic(t *testing.T) {
	d := SourceDescriptor{Name: "季度报告 v2.pdf", SizeBytes: 123456789, LastModified: modTime}

	first := Plan(d, DefaultChunkSizeBytes)
	second := Plan(d, DefaultChunkSizeBytes)

	assert.Equal(t, first, second)
}

func TestPlan_Range(t *testing.T) {
	p := Plan(SourceDescriptor{Name: "a.bin", SizeBytes: 10}, 4)

	r, ok := p.Range(2)
	require.True(t, ok)
	assert.Equal(t, ChunkRange{Index: 2, Offset: 8, Length: 2}, r)

	_, ok = p.Range(3)
	assert.False(t, ok)
	_, ok = p.Range(-1)
	assert.False(t, ok)
}

func TestUploadID(t *testing.T) {
	tests := []struct {
		name string
		d    SourceDescriptor
		want string
	}{
		{
			name: "ascii name",
			d:    SourceDescriptor{Name: "report.pdf", SizeBytes: 12582912, LastModified: modTime},
			want: "cmVwb3J0LnBkZi0xMjU4MjkxMi0xNzAw",
		},
		{
			name: "non-ascii name is percent encoded first",
			d:    SourceDescriptor{Name: "季度报告 v2.pdf", SizeBytes: 1024, LastModified: modTime},
			want: "JUU1JUFEJUEzJUU1JUJBJUE2JUU2JThB",
		},
		{
			name: "invalid utf-8 uses the hashed fallback",
			d:    SourceDescriptor{Name: "bad\xff.bin", SizeBytes: 3, LastModified: modTime},
			want: "1pdfobgkykmvn",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, New().UploadID(tt.d))
		})
	}
}

func TestUploadID_LengthAndAlphabet(t *testing.T) {
	id := New().UploadID(SourceDescriptor{Name: "a very long file name with spaces & symbols?.docx", SizeBytes: 99, LastModified: modTime})

	assert.Len(t, id, maxUploadIDLength)
	assert.NotContains(t, id, "/")
	assert.NotContains(t, id, "+")
	assert.NotContains(t, id, "=")
}

func TestUploadID_HashedFallbackIsStable(t *testing.T) {
	d := SourceDescriptor{Name: "bad\xff.bin", SizeBytes: 3, LastModified: modTime}

	assert.Equal(t, New().UploadID(d), New().UploadID(d))
}

func TestUploadID_LegacyFallback(t *testing.T) {
	d := SourceDescriptor{Name: "bad\xff.bin", SizeBytes: 3, LastModified: modTime}
	now := time.UnixMilli(1700000000000)

	p := New(WithLegacyFallback(func() time.Time { return now }))
	assert.Equal(t, "rmhwk4loyw3v28", p.UploadID(d))

	later := New(WithLegacyFallback(func() time.Time { return now.Add(time.Second) }))
	assert.NotEqual(t, p.UploadID(d), later.UploadID(d), "legacy fallback depends on the clock")
}

func TestUploadID_LegacyFallbackNotUsedForValidKeys(t *testing.T) {
	d := SourceDescriptor{Name: "report.pdf", SizeBytes: 12582912, LastModified: modTime}

	p := New(WithLegacyFallback(time.Now))
	assert.Equal(t, "cmVwb3J0LnBkZi0xMjU4MjkxMi0xNzAw", p.UploadID(d))
}

func TestDescribeFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o600))
	require.NoError(t, os.Chtimes(path, modTime, modTime))

	d, err := DescribeFile(path)
	require.NoError(t, err)
	assert.Equal(t, "notes.txt", d.Name)
	assert.Equal(t, uint64(5), d.SizeBytes)
	assert.True(t, d.LastModified.Equal(modTime))

	_, err = DescribeFile(dir)
	assert.Error(t, err)

	_, err = DescribeFile(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

func TestChunkSet(t *testing.T) {
	s := NewChunkSet(130, 0, 2, 2, 129, 130, -1)

	assert.Equal(t, 3, s.Len())
	assert.Equal(t, []int{0, 2, 129}, s.Indices())
	assert.True(t, s.Has(129))
	assert.False(t, s.Has(1))
	assert.False(t, s.Has(130))

	assert.True(t, s.Add(1))
	assert.False(t, s.Add(1))
	assert.Equal(t, 4, s.Len())
	assert.False(t, s.Complete())
	assert.Equal(t, 126, len(s.Missing()))
	assert.Equal(t, 3, s.Missing()[0])
}

func TestChunkSet_Empty(t *testing.T) {
	s := NewChunkSet(0)

	assert.True(t, s.Complete())
	assert.Empty(t, s.Indices())
	assert.Empty(t, s.Missing())
	assert.False(t, s.Add(0))
}
