package main

import (
	"context"
	"testing"
	"time"

	"github.com/datallboy/nzbfetch/internal/decoding"
	"github.com/datallboy/nzbfetch/internal/domain"
	"github.com/datallboy/nzbfetch/internal/nntp"
	"github.com/datallboy/nzbfetch/internal/nntp/nntptest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckPlan(t *testing.T) {
	srv := nntptest.NewServer()
	defer srv.Close()

	srv.AddArticle("a1@test", []byte("one"), decoding.EncodeOptions{Name: "a"})
	srv.AddArticle("a2@test", []byte("two"), decoding.EncodeOptions{Name: "a"})
	srv.AddArticle("b1@test", []byte("three"), decoding.EncodeOptions{Name: "b"})

	host, port := srv.Addr()
	pool, err := nntp.NewPool(nntp.Options{Host: host, Port: port, Connections: 2, Timeout: 2 * time.Second}, nil)
	require.NoError(t, err)
	defer pool.Close()

	plan := &domain.JobPlan{Files: []domain.FileTarget{
		{Name: "a", Segments: []domain.SegmentRef{{MessageID: "a1@test", Index: 1}, {MessageID: "a2@test", Index: 2}, {MessageID: "gone@test", Index: 3}}},
		{Name: "b", Segments: []domain.SegmentRef{{MessageID: "b1@test", Index: 1}}},
	}}

	res, err := checkPlan(context.Background(), pool, plan)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 0}, res.missing)
	assert.Equal(t, 1, res.totalMissing())
	assert.Zero(t, res.unchecked.Load())

	// Nothing was downloaded
	assert.Zero(t, srv.Requests("a1@test"))
	assert.Equal(t, 0, pool.Busy())
}
