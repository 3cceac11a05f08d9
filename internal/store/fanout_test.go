package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ragline/ragline/internal/errors"
)

// fakeRelational counts upserts and fails a configurable number of times.
type fakeRelational struct {
	Relational
	failures int
	calls    int
	fatal    bool
	last     *ChunkRecord
}

func (f *fakeRelational) UpsertChunk(_ context.Context, chunk *ChunkRecord) error {
	f.calls++
	f.last = chunk
	if f.calls <= f.failures {
		if f.fatal {
			return errors.New(errors.KindFatalDatabase, "constraint violation")
		}
		return errors.New(errors.KindTransientDatabase, "connection reset")
	}
	return nil
}

type fakeVector struct {
	Vector
	fail  bool
	calls int
}

func (f *fakeVector) UpsertChunk(_ context.Context, _ *ChunkRecord, _ []float32) error {
	f.calls++
	if f.fail {
		return errors.New(errors.KindUpstreamUnavailable, "qdrant down")
	}
	return nil
}

type fakeLexical struct {
	Lexical
	fail  bool
	calls int
}

func (f *fakeLexical) IndexChunks(_ context.Context, _ string, _ []*ChunkRecord) error {
	f.calls++
	if f.fail {
		return errors.New(errors.KindUpstreamUnavailable, "bm25 down")
	}
	return nil
}

func TestFanoutWriteChunkHappyPath(t *testing.T) {
	rel := &fakeRelational{}
	vec := &fakeVector{}
	f := NewFanout(rel, vec, &fakeLexical{}, nil)

	chunk := testChunk("c1", "doc-a", "body", 0)
	out, err := f.WriteChunk(context.Background(), chunk, []float32{1, 0})
	require.NoError(t, err)
	assert.True(t, out.VectorOK)
	assert.Equal(t, EmbeddingStored, chunk.EmbeddingStatus)
	assert.Equal(t, 1, rel.calls)
	assert.Equal(t, 1, vec.calls)
}

func TestFanoutVectorFailureIsNotFatal(t *testing.T) {
	rel := &fakeRelational{}
	f := NewFanout(rel, &fakeVector{fail: true}, &fakeLexical{}, nil)

	chunk := testChunk("c1", "doc-a", "body", 0)
	out, err := f.WriteChunk(context.Background(), chunk, []float32{1, 0})
	require.NoError(t, err)
	assert.False(t, out.VectorOK)
	assert.Equal(t, EmbeddingFailed, chunk.EmbeddingStatus)
	assert.Equal(t, 1, rel.calls)
}

func TestFanoutMissingVectorMarksEmbeddingFailed(t *testing.T) {
	rel := &fakeRelational{}
	vec := &fakeVector{}
	f := NewFanout(rel, vec, &fakeLexical{}, nil)

	chunk := testChunk("c1", "doc-a", "body", 0)
	out, err := f.WriteChunk(context.Background(), chunk, nil)
	require.NoError(t, err)
	assert.False(t, out.VectorOK)
	assert.Equal(t, EmbeddingFailed, chunk.EmbeddingStatus)
	assert.Zero(t, vec.calls)
}

func TestFanoutRelationalRetriesTransientFailures(t *testing.T) {
	rel := &fakeRelational{failures: 2}
	f := NewFanout(rel, &fakeVector{}, &fakeLexical{}, nil)

	_, err := f.WriteChunk(context.Background(), testChunk("c1", "doc-a", "body", 0), []float32{1})
	require.NoError(t, err)
	assert.Equal(t, 3, rel.calls)
}

func TestFanoutRelationalExhaustsRetries(t *testing.T) {
	rel := &fakeRelational{failures: 10}
	f := NewFanout(rel, &fakeVector{}, &fakeLexical{}, nil)

	_, err := f.WriteChunk(context.Background(), testChunk("c1", "doc-a", "body", 0), []float32{1})
	require.Error(t, err)
	assert.Equal(t, 3, rel.calls)
	assert.Equal(t, errors.KindTransientDatabase, errors.KindOf(err))
}

func TestFanoutRelationalFatalFailsFast(t *testing.T) {
	rel := &fakeRelational{failures: 10, fatal: true}
	f := NewFanout(rel, &fakeVector{}, &fakeLexical{}, nil)

	_, err := f.WriteChunk(context.Background(), testChunk("c1", "doc-a", "body", 0), []float32{1})
	require.Error(t, err)
	assert.Equal(t, 1, rel.calls)
}

func TestFanoutIndexDocumentReportsFailure(t *testing.T) {
	lex := &fakeLexical{fail: true}
	f := NewFanout(&fakeRelational{}, &fakeVector{}, lex, nil)

	err := f.IndexDocument(context.Background(), "doc-a", []*ChunkRecord{testChunk("c1", "doc-a", "x", 0)})
	require.Error(t, err)
	assert.Equal(t, 1, lex.calls)
}

func TestCompletionPolicy(t *testing.T) {
	cases := []struct {
		name       string
		total      int
		relational int
		vector     int
		lexical    bool
		want       bool
	}{
		{"all stored", 10, 10, 10, true, true},
		{"vector at floor", 10, 10, 9, true, true},
		{"vector below floor", 10, 10, 8, true, false},
		{"relational incomplete", 10, 9, 10, true, false},
		{"no lexical index", 10, 10, 10, false, false},
		{"zero chunks", 0, 0, 0, true, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, CompletionOK(tc.total, tc.relational, tc.vector, tc.lexical))
		})
	}
}
