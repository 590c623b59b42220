package storage

import (
	"bytes"
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bdougie/framecaption/internal/models"
)

func sampleOutputs(n int) ([][]float32, []models.Tensor) {
	var embs [][]float32
	var encs []models.Tensor
	for i := 0; i < n; i++ {
		embs = append(embs, []float32{float32(i), 0.25, -1.5, float32(i) / 3})
		encs = append(encs, models.Tensor{
			Shape: []int{2, 3},
			Data:  []float32{1, 2, 3, 4, 5, float32(i)},
		})
	}
	return embs, encs
}

func TestSave_RoundTrip(t *testing.T) {
	root := t.TempDir()
	embs, encs := sampleOutputs(5)

	require.NoError(t, Save(embs, encs, root, "clip-a"))

	assert.FileExists(t, filepath.Join(root, EmbeddingsDir, "clip-a"))
	assert.FileExists(t, filepath.Join(root, EncoderOutputsDir, "clip-a"))

	gotEmbs, err := LoadEmbeddings(root, "clip-a")
	require.NoError(t, err)
	require.Len(t, gotEmbs, len(embs))
	for i := range embs {
		assert.InDeltaSlice(t, embs[i], gotEmbs[i], 1e-6)
	}

	gotEncs, err := LoadEncoderOutputs(root, "clip-a")
	require.NoError(t, err)
	assert.Equal(t, encs, gotEncs)
}

func TestSave_OverwritesPreviousRun(t *testing.T) {
	root := t.TempDir()

	embs, encs := sampleOutputs(10)
	require.NoError(t, Save(embs, encs, root, "clip"))

	embs2, encs2 := sampleOutputs(2)
	embs2[0][0] = 42
	require.NoError(t, Save(embs2, encs2, root, "clip"))

	got, err := LoadEmbeddings(root, "clip")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, float32(42), got[0][0])

	gotEncs, err := LoadEncoderOutputs(root, "clip")
	require.NoError(t, err)
	assert.Len(t, gotEncs, 2)
}

func TestSave_ExistingDirectories(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, EmbeddingsDir), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, EncoderOutputsDir), 0755))

	embs, encs := sampleOutputs(1)
	assert.NoError(t, Save(embs, encs, root, "x"))
}

func TestSave_Empty(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, Save(nil, nil, root, "empty"))

	got, err := LoadEmbeddings(root, "empty")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSave_InvalidClipID(t *testing.T) {
	for _, id := range []string{"", "../escape", "a/b"} {
		err := Save(nil, nil, t.TempDir(), id)
		assert.ErrorIs(t, err, ErrPersistence, id)
	}
}

func TestSave_RootIsAFile(t *testing.T) {
	root := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(root, []byte("x"), 0644))

	err := Save(nil, nil, root, "clip")
	assert.ErrorIs(t, err, ErrPersistence)
}

func TestSave_MismatchedLengths(t *testing.T) {
	root := t.TempDir()
	embs, encs := sampleOutputs(3)

	err := Save(embs, encs[:2], root, "clip")
	assert.ErrorIs(t, err, ErrPersistence)
	assert.NoFileExists(t, filepath.Join(root, EmbeddingsDir, "clip"))
	assert.NoFileExists(t, filepath.Join(root, EncoderOutputsDir, "clip"))
}

func TestReadTensors_OversizedHeader(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(magic[:])
	zw, err := zstd.NewWriter(&buf)
	require.NoError(t, err)
	// one tensor claiming 2^31-1 floats, followed by only a few
	require.NoError(t, binary.Write(zw, binary.LittleEndian, []uint32{1, 1, 0x7fffffff}))
	require.NoError(t, binary.Write(zw, binary.LittleEndian, []float32{1, 2, 3}))
	require.NoError(t, zw.Close())

	_, err = ReadTensors(&buf)
	assert.ErrorIs(t, err, ErrFormat)
}

func TestReadTensors_BadInput(t *testing.T) {
	_, err := ReadTensors(bytes.NewReader([]byte("nope, not an artifact")))
	assert.ErrorIs(t, err, ErrFormat)

	var buf bytes.Buffer
	require.NoError(t, WriteTensors(&buf, []models.Tensor{models.Vector([]float32{1, 2, 3})}))
	truncated := buf.Bytes()[:6]
	_, err = ReadTensors(bytes.NewReader(truncated))
	assert.Error(t, err)
}

func TestWriteTensors_RejectsInconsistentShape(t *testing.T) {
	var buf bytes.Buffer
	err := WriteTensors(&buf, []models.Tensor{{Shape: []int{2, 2}, Data: []float32{1}}})
	assert.Error(t, err)
}

func TestFileStorage_FlushWritesAccumulatedResults(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()

	store, err := FileFactory(root)(ctx, "clip")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, store.AddResult(ctx, models.PredictionResult{
			FrameIndex:       i,
			CaptionEmbedding: []float32{float32(i)},
			EncoderOutput:    models.Vector([]float32{float32(i), 1}),
		}))
	}
	require.NoError(t, store.Flush(ctx))

	got, err := LoadEmbeddings(root, "clip")
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{0}, {1}, {2}}, got)
}

func TestSchemaSQL(t *testing.T) {
	sql := schemaSQL(768)
	assert.Contains(t, sql, "embedding vector(768)")
	assert.Contains(t, sql, "UNIQUE(clip_id, position)")
}

func TestPostgres_IndexAndSearch(t *testing.T) {
	dsn := os.Getenv("FRAMECAPTION_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("FRAMECAPTION_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()

	pg, err := NewPostgres(ctx, dsn)
	require.NoError(t, err)
	defer pg.Close()
	require.NoError(t, pg.InitSchema(ctx, 3))

	store, err := pg.ForClip(ctx, "search-test")
	require.NoError(t, err)
	require.NoError(t, store.AddResult(ctx, models.PredictionResult{FrameIndex: 0, Caption: "cooking", CaptionEmbedding: []float32{1, 0, 0}}))
	require.NoError(t, store.AddResult(ctx, models.PredictionResult{FrameIndex: 0, Caption: "running", CaptionEmbedding: []float32{0, 1, 0}}))
	require.NoError(t, store.Flush(ctx))

	results, err := pg.SearchSimilarFrames(ctx, []float32{0.9, 0.1, 0}, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "cooking", results[0].Caption)
	assert.Equal(t, 0, results[0].Position)
}

func TestPostgres_IndexClipReplacesRows(t *testing.T) {
	dsn := os.Getenv("FRAMECAPTION_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("FRAMECAPTION_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()

	pg, err := NewPostgres(ctx, dsn)
	require.NoError(t, err)
	defer pg.Close()
	require.NoError(t, pg.InitSchema(ctx, 3))

	first := []models.PredictionResult{
		{FrameIndex: 0, Caption: "sitting", CaptionEmbedding: []float32{0, 0, 1}},
		{FrameIndex: 1, Caption: "sitting", CaptionEmbedding: []float32{0, 0, 1}},
	}
	require.NoError(t, pg.IndexClip(ctx, "reindex-test", first))
	require.NoError(t, pg.IndexClip(ctx, "reindex-test", first[:1]))

	var n int
	require.NoError(t, pg.pool.QueryRow(ctx,
		`SELECT count(*) FROM samples s JOIN clips c ON s.clip_id = c.id WHERE c.name = $1`,
		"reindex-test").Scan(&n))
	assert.Equal(t, 1, n)
}

func TestPostgres_UnflushedClipKeepsPreviousRows(t *testing.T) {
	dsn := os.Getenv("FRAMECAPTION_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("FRAMECAPTION_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()

	pg, err := NewPostgres(ctx, dsn)
	require.NoError(t, err)
	defer pg.Close()
	require.NoError(t, pg.InitSchema(ctx, 3))

	first := []models.PredictionResult{
		{FrameIndex: 0, Caption: "walking", CaptionEmbedding: []float32{0, 1, 1}},
		{FrameIndex: 1, Caption: "walking", CaptionEmbedding: []float32{0, 1, 1}},
	}
	require.NoError(t, pg.IndexClip(ctx, "failed-rerun-test", first))

	// a rerun that fails before Flush
	rerun, err := pg.ForClip(ctx, "failed-rerun-test")
	require.NoError(t, err)
	require.NoError(t, rerun.AddResult(ctx, first[0]))

	// a rerun whose batch is rejected by the database
	bad, err := pg.ForClip(ctx, "failed-rerun-test")
	require.NoError(t, err)
	require.NoError(t, bad.AddResult(ctx, first[0]))
	require.NoError(t, bad.AddResult(ctx, models.PredictionResult{FrameIndex: 2, CaptionEmbedding: []float32{1, 2}}))
	require.Error(t, bad.Flush(ctx))

	var n int
	require.NoError(t, pg.pool.QueryRow(ctx,
		`SELECT count(*) FROM samples s JOIN clips c ON s.clip_id = c.id WHERE c.name = $1`,
		"failed-rerun-test").Scan(&n))
	assert.Equal(t, 2, n)
}
