// Package doctor provides environment preflight checks for tacotron.
package doctor

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/example/go-tacotron/internal/model"
)

// PassMark and FailMark are the prefix symbols printed for each check result.
const (
	PassMark = "✓"
	FailMark = "✗"
)

// RuntimeFunc locates the ONNX Runtime library. It returns the library path
// and its version, which may be empty when unknown.
type RuntimeFunc func() (path, version string, err error)

// Config holds injectable dependencies for each doctor check.
type Config struct {
	// Runtime locates the ONNX Runtime shared library.
	Runtime RuntimeFunc
	// APIVersion is the ORT C API version the binding will request. The
	// library's minor version must be at least this.
	APIVersion uint32
	// BundleConfig is the exported model's config.yaml. Empty skips the
	// bundle checks.
	BundleConfig string
	UseQuantized bool
}

// Result collects the outcome of all checks.
type Result struct {
	failures []string
}

// Failed returns true if any check failed.
func (r *Result) Failed() bool { return len(r.failures) > 0 }

// Failures returns the list of failure messages.
func (r *Result) Failures() []string { return append([]string(nil), r.failures...) }

// AddFailure appends an external failure message to the result.
func (r *Result) AddFailure(msg string) { r.failures = append(r.failures, msg) }

func (r *Result) fail(msg string) { r.failures = append(r.failures, msg) }

// Run executes all configured checks and writes human-readable output to w.
// Each check line is prefixed with PassMark or FailMark.
func Run(cfg Config, w io.Writer) Result {
	var res Result

	// ---- ONNX Runtime -----------------------------------------------------
	switch {
	case cfg.Runtime == nil:
		fmt.Fprintf(w, "%s onnxruntime: skipped\n", PassMark)
	default:
		path, ver, err := cfg.Runtime()
		switch {
		case err != nil:
			res.fail(fmt.Sprintf("onnxruntime: %v", err))
			fmt.Fprintf(w, "%s onnxruntime: not found (%v)\n", FailMark, err)
		case ver == "":
			fmt.Fprintf(w, "%s onnxruntime: %s (version unknown)\n", PassMark, path)
		default:
			if verErr := checkORTVersion(ver, cfg.APIVersion); verErr != nil {
				res.fail(fmt.Sprintf("onnxruntime version: %v", verErr))
				fmt.Fprintf(w, "%s onnxruntime %s: %v\n", FailMark, ver, verErr)
			} else {
				fmt.Fprintf(w, "%s onnxruntime: %s (%s)\n", PassMark, ver, path)
			}
		}
	}

	// ---- model bundle -----------------------------------------------------
	if cfg.BundleConfig == "" {
		fmt.Fprintf(w, "%s model bundle: skipped\n", PassMark)
		return res
	}

	bundle, err := model.LoadBundle(cfg.BundleConfig)
	if err != nil {
		res.fail(fmt.Sprintf("model bundle: %v", err))
		fmt.Fprintf(w, "%s model bundle %s: %v\n", FailMark, cfg.BundleConfig, err)

		return res
	}

	fmt.Fprintf(w, "%s model bundle: %s (dlayers=%d dunits=%d odim=%d)\n",
		PassMark, cfg.BundleConfig, bundle.Decoder.DLayers, bundle.Decoder.DUnits, bundle.Decoder.ODim)

	if err := bundle.HParams(model.DecodeOverrides{}).Validate(); err != nil {
		res.fail(fmt.Sprintf("decoder settings: %v", err))
		fmt.Fprintf(w, "%s decoder settings: %v\n", FailMark, err)
	}

	sessions, err := bundle.Sessions(cfg.UseQuantized)
	if err != nil {
		res.fail(fmt.Sprintf("graph list: %v", err))
		fmt.Fprintf(w, "%s graph list: %v\n", FailMark, err)

		return res
	}

	for _, s := range sessions {
		if _, err := os.Stat(s.Path); err != nil {
			res.fail(fmt.Sprintf("%s graph %q: %v", s.Name, s.Path, err))
			fmt.Fprintf(w, "%s %s graph %s: not found\n", FailMark, s.Name, s.Path)
		} else {
			fmt.Fprintf(w, "%s %s graph: %s\n", PassMark, s.Name, s.Path)
		}
	}

	switch tokens, err := bundle.TokenConverter(); {
	case err != nil:
		res.fail(fmt.Sprintf("token list: %v", err))
		fmt.Fprintf(w, "%s token list: %v\n", FailMark, err)
	case tokens == nil:
		fmt.Fprintf(w, "%s token list: empty, requests must carry token_ids\n", PassMark)
	default:
		fmt.Fprintf(w, "%s token list: %d tokens (%s)\n", PassMark, tokens.Size(), tokens.TokenType())
	}

	return res
}

// checkORTVersion returns an error if ver is not a 1.x release providing
// C API version api. ORT 1.N serves API versions up to N.
func checkORTVersion(ver string, api uint32) error {
	major, minor, err := parseMajorMinor(ver)
	if err != nil {
		return fmt.Errorf("cannot parse %q: %w", ver, err)
	}
	if major != 1 {
		return fmt.Errorf("requires onnxruntime 1.x, got %d", major)
	}
	if api > 0 && minor < int(api) {
		return fmt.Errorf("C API version %d requires onnxruntime >=1.%d, got 1.%d", api, api, minor)
	}
	return nil
}

func parseMajorMinor(ver string) (major, minor int, err error) {
	parts := strings.SplitN(strings.TrimPrefix(ver, "v"), ".", 3)
	if len(parts) < 2 {
		return 0, 0, fmt.Errorf("unexpected version format %q", ver)
	}
	major, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("bad major in %q: %w", ver, err)
	}
	minor, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("bad minor in %q: %w", ver, err)
	}
	return major, minor, nil
}
