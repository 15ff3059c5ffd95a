package tts

import (
	"context"
	"testing"
	"time"

	"github.com/example/go-tacotron/internal/testutil"
)

func TestLoadAndSynthesize_RealBundle(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test")
	}

	lib := testutil.RequireONNXRuntime(t)
	bundle := testutil.RequireBundle(t)

	cfg := testConfig(t)
	cfg.Runtime.ORTLibraryPath = lib
	cfg.Paths.BundleConfig = bundle

	svc, err := Load(cfg, nil, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	t.Cleanup(func() { _ = svc.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	res, err := svc.Synthesize(ctx, Request{Text: "hello world"})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}

	hp := svc.HParams()
	if res.ODim != hp.ODim {
		t.Fatalf("odim = %d, want %d", res.ODim, hp.ODim)
	}

	if res.Frames == 0 || len(res.Features) != res.ODim*res.Frames {
		t.Fatalf("frames=%d features=%d", res.Frames, len(res.Features))
	}

	if len(res.StopProbabilities) != res.Iterations {
		t.Fatalf("stop probabilities %d != iterations %d", len(res.StopProbabilities), res.Iterations)
	}
}
