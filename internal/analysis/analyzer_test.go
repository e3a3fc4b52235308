package analysis

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/malarialab/smearscan/internal/conf"
	"github.com/malarialab/smearscan/internal/datastore"
	"github.com/malarialab/smearscan/internal/detection"
	"github.com/malarialab/smearscan/internal/diagnosis"
	"github.com/malarialab/smearscan/internal/errors"
)

type fakeDetector struct {
	mu        sync.Mutex
	calls     []string
	fail      map[string]bool
	results   map[string]detection.PerImageResult
	threshold float64
}

func (d *fakeDetector) Detect(_ context.Context, path string, threshold float64) (*detection.PerImageResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, filepath.Base(path))
	d.threshold = threshold
	if d.fail[filepath.Base(path)] {
		return nil, fmt.Errorf("inference failed for %s", path)
	}
	r := d.results[filepath.Base(path)]
	return &r, nil
}

type fakeWriter struct {
	requests []diagnosis.Request
	err      error
}

func (w *fakeWriter) Write(_ context.Context, req diagnosis.Request) (*diagnosis.Outcome, error) {
	w.requests = append(w.requests, req)
	if w.err != nil {
		return nil, w.err
	}
	return &diagnosis.Outcome{Diagnosis: &datastore.DiagnosisResult{ID: "d1", TestID: req.TestID}}, nil
}

func touch(t *testing.T, dir string, names ...string) []string {
	t.Helper()
	paths := make([]string, 0, len(names))
	for _, n := range names {
		p := filepath.Join(dir, n)
		require.NoError(t, os.WriteFile(p, []byte("img"), 0o600))
		paths = append(paths, p)
	}
	return paths
}

func TestAnalyzer_RunProcessesInOrderAndSkipsFailures(t *testing.T) {
	dir := t.TempDir()
	paths := touch(t, dir, "1.jpg", "2.jpg", "3.jpg", "4.jpg")
	paths = append(paths[:2], append([]string{filepath.Join(dir, "missing.jpg")}, paths[2:]...)...)

	det := &fakeDetector{
		fail: map[string]bool{"2.jpg": true},
		results: map[string]detection.PerImageResult{
			"1.jpg": {ParasiteCount: 1, WBCCount: 2},
			"3.jpg": {ParasiteCount: 0, WBCCount: 5},
			"4.jpg": {ParasiteCount: 3},
		},
	}
	w := &fakeWriter{}
	a := NewAnalyzer(det, w, 0.4, quietLogger(), nil)

	var progress []int
	out, err := a.Run(context.Background(), Job{SessionID: "s", TestID: "t", ImagePaths: paths},
		func(p int) { progress = append(progress, p) })
	require.NoError(t, err)
	assert.Equal(t, "d1", out.Diagnosis.ID)

	assert.Equal(t, []string{"1.jpg", "2.jpg", "3.jpg", "4.jpg"}, det.calls)
	assert.InDelta(t, 0.4, det.threshold, 1e-9)
	assert.Equal(t, []int{20, 35, 50, 65, 80, 80, 100}, progress)

	require.Len(t, w.requests, 1)
	req := w.requests[0]
	assert.Equal(t, "t", req.TestID)
	assert.Equal(t, "s", req.SessionID)
	require.Len(t, req.Results, 3)
	assert.Equal(t, 1, req.Results[0].ParasiteCount)
	assert.Equal(t, 5, req.Results[1].WBCCount)
	assert.Equal(t, 3, req.Results[2].ParasiteCount)
}

func TestAnalyzer_NoValidImages(t *testing.T) {
	dir := t.TempDir()
	det := &fakeDetector{}
	w := &fakeWriter{}
	a := NewAnalyzer(det, w, 0, quietLogger(), nil)

	_, err := a.Run(context.Background(), Job{
		SessionID:  "s",
		ImagePaths: []string{filepath.Join(dir, "a.jpg"), dir},
	}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoValidImages)
	assert.Empty(t, det.calls)
	assert.Empty(t, w.requests)
}

func TestAnalyzer_AllImagesFailed(t *testing.T) {
	paths := touch(t, t.TempDir(), "a.jpg", "b.jpg")
	det := &fakeDetector{fail: map[string]bool{"a.jpg": true, "b.jpg": true}}
	w := &fakeWriter{}
	a := NewAnalyzer(det, w, 0.26, quietLogger(), nil)

	_, err := a.Run(context.Background(), Job{SessionID: "s", ImagePaths: paths}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAllImagesFailed)
	assert.True(t, errors.IsCategory(err, errors.CategoryProcessing))
	assert.Len(t, det.calls, 2)
	assert.Empty(t, w.requests)
}

func TestAnalyzer_WriterErrorFailsJob(t *testing.T) {
	paths := touch(t, t.TempDir(), "a.jpg")
	w := &fakeWriter{err: diagnosis.ErrPersistence}
	a := NewAnalyzer(&fakeDetector{}, w, 0.26, quietLogger(), nil)

	var last int
	_, err := a.Run(context.Background(), Job{SessionID: "s", ImagePaths: paths}, func(p int) { last = p })
	require.ErrorIs(t, err, diagnosis.ErrPersistence)
	assert.Equal(t, persistProgress, last)
}

func TestAnalyzer_CancelledContextStopsBatch(t *testing.T) {
	paths := touch(t, t.TempDir(), "a.jpg", "b.jpg")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	det := &fakeDetector{}
	_, err := NewAnalyzer(det, &fakeWriter{}, 0.26, quietLogger(), nil).
		Run(ctx, Job{SessionID: "s", ImagePaths: paths}, nil)
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, det.calls)
}

func TestAnalyzer_DefaultThreshold(t *testing.T) {
	paths := touch(t, t.TempDir(), "a.jpg")
	det := &fakeDetector{}
	a := NewAnalyzer(det, &fakeWriter{}, 1.5, quietLogger(), nil)

	_, err := a.ProcessSingleImage(context.Background(), paths[0], 0)
	require.NoError(t, err)
	assert.InDelta(t, conf.DefaultThreshold, det.threshold, 1e-9)

	_, err = a.ProcessSingleImage(context.Background(), paths[0], 0.7)
	require.NoError(t, err)
	assert.InDelta(t, 0.7, det.threshold, 1e-9)
}
