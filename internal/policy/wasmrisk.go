package policy

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// RiskPlugin is an optional pluggable risk-scoring extension point: an
// operator may replace the built-in RiskScore formula with a
// content-hash-pinned WASM module, so the exact scoring logic an
// installation runs is independently auditable and reproducible (spec
// §4.4 step 8 closing note: "any implementation must make it
// reproducible from the event log" — pinning by content hash extends
// that guarantee to the formula itself, not just its inputs).
//
// Deny-by-default WASI confinement, adapted from the teacher's
// WasiSandbox: no filesystem, no network, bounded memory, bounded
// compute time.
type RiskPlugin struct {
	runtime      wazero.Runtime
	compiled     wazero.CompiledModule
	contentHash  string
	memoryPages  uint32
	computeLimit int64 // not enforced directly here; caller wraps with context.WithTimeout
}

// RiskPluginConfig bounds the sandbox a risk plugin runs in.
type RiskPluginConfig struct {
	MemoryLimitBytes int64
}

// LoadRiskPlugin compiles a WASM risk-scoring module, identified by the
// content hash of its bytes so a misconfigured or tampered plugin binary
// is detected at load time rather than silently swapped in.
func LoadRiskPlugin(ctx context.Context, wasmBytes []byte, expectedContentHash string, cfg RiskPluginConfig) (*RiskPlugin, error) {
	actualHash := contentHashOf(wasmBytes)
	if expectedContentHash != "" && actualHash != expectedContentHash {
		return nil, fmt.Errorf("policy: risk plugin content hash mismatch: want %s, got %s", expectedContentHash, actualHash)
	}

	rConfig := wazero.NewRuntimeConfig()
	if cfg.MemoryLimitBytes > 0 {
		pages := uint32(cfg.MemoryLimitBytes / 65536)
		if pages == 0 {
			pages = 1
		}
		rConfig = rConfig.WithMemoryLimitPages(pages)
	}
	r := wazero.NewRuntimeWithConfig(ctx, rConfig)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("policy: failed to instantiate WASI: %w", err)
	}

	compiled, err := r.CompileModule(ctx, wasmBytes)
	if err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("policy: failed to compile risk plugin module: %w", err)
	}

	return &RiskPlugin{
		runtime:     r,
		compiled:    compiled,
		contentHash: actualHash,
	}, nil
}

// Score runs the plugin against the risk signals, encoded as JSON on
// stdin, and expects a single float64 JSON value on stdout. Any runtime
// failure fails closed: the caller should treat an error as "use the
// built-in RiskScore formula instead", never as "admit".
func (p *RiskPlugin) Score(ctx context.Context, signals RiskSignals) (float64, error) {
	input, err := json.Marshal(signals)
	if err != nil {
		return 0, fmt.Errorf("policy: risk plugin input encoding failed: %w", err)
	}

	var stdout, stderr bytes.Buffer
	moduleConfig := wazero.NewModuleConfig().
		WithStdin(bytes.NewReader(input)).
		WithStdout(&stdout).
		WithStderr(&stderr).
		WithName("risk-plugin")

	mod, err := p.runtime.InstantiateModule(ctx, p.compiled, moduleConfig)
	if err != nil {
		return 0, fmt.Errorf("policy: risk plugin execution failed: %w", err)
	}
	defer func() { _ = mod.Close(ctx) }()

	var score float64
	if err := json.Unmarshal(stdout.Bytes(), &score); err != nil {
		return 0, fmt.Errorf("policy: risk plugin returned non-numeric output: %w", err)
	}
	if score < 0 || score > 1 {
		return 0, fmt.Errorf("policy: risk plugin returned out-of-range score %f", score)
	}
	return score, nil
}

// ContentHash returns the pinned content hash of the loaded module.
func (p *RiskPlugin) ContentHash() string { return p.contentHash }

// Close releases the WASM runtime.
func (p *RiskPlugin) Close(ctx context.Context) error {
	return p.runtime.Close(ctx)
}

func contentHashOf(b []byte) string {
	sum := sha256.Sum256(b)
	return "sha256:" + hex.EncodeToString(sum[:])
}
