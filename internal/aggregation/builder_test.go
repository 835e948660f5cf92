package aggregation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"ISMeta/internal/ism"

	"github.com/ethereum/go-ethereum/common"
)

// stubProvider returns canned results keyed by module address.
type stubProvider struct {
	results map[common.Address][]byte
	calls   atomic.Int32
}

func (s *stubProvider) Build(_ context.Context, _ *ism.Message, module *ism.ModuleConfig) ([]byte, error) {
	s.calls.Add(1)

	data, ok := s.results[module.Address]
	if !ok {
		return nil, fmt.Errorf("no metadata for %s", module.Address.Hex())
	}

	return data, nil
}

// aggregationConfig builds an aggregation config over n leaf modules at addresses 1..n.
func aggregationConfig(n, threshold int) *ism.ModuleConfig {
	cfg := &ism.ModuleConfig{
		Type:      ism.TypeAggregation,
		Address:   common.HexToAddress("0xa0"),
		Threshold: threshold,
	}

	for i := 1; i <= n; i++ {
		cfg.Modules = append(cfg.Modules, ism.ModuleConfig{
			Type:    ism.TypeMessageIDMultisig,
			Address: common.HexToAddress(fmt.Sprintf("0x%02x", i)),
		})
	}

	return cfg
}

func testMessage() *ism.Message {
	return &ism.Message{Version: 3, Nonce: 7, Origin: 1, Destination: 2, Body: []byte("body")}
}

func TestBuildConcreteScenario(t *testing.T) {
	cfg := aggregationConfig(3, 2)
	p := &stubProvider{results: map[common.Address][]byte{
		cfg.Modules[1].Address: {0x12, 0x34},
		cfg.Modules[2].Address: {},
	}}

	blob, err := NewBuilder(p).Build(context.Background(), testMessage(), cfg)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	wantRanges := []Range{{0, 0}, {24, 26}, {26, 26}}
	for i, want := range wantRanges {
		r, err := RangeAt(blob, i)
		if err != nil {
			t.Fatalf("RangeAt(%d) failed: %v", i, err)
		}

		if r != want {
			t.Errorf("range %d = %+v, want %+v", i, r, want)
		}
	}

	got, err := Decode(blob, 3)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if !sameMetadata(got, Metadata{nil, {0x12, 0x34}, {}}) {
		t.Errorf("Decode = %v", got)
	}

	if p.calls.Load() != 3 {
		t.Errorf("provider called %d times, want 3", p.calls.Load())
	}
}

func TestBuildThresholdBoundary(t *testing.T) {
	for _, threshold := range []int{0, 1, 2, 3} {
		t.Run(fmt.Sprintf("threshold=%d", threshold), func(t *testing.T) {
			cfg := aggregationConfig(3, threshold)
			p := &stubProvider{results: map[common.Address][]byte{
				cfg.Modules[0].Address: []byte("a"),
				cfg.Modules[2].Address: []byte("c"),
			}}

			_, err := NewBuilder(p).Build(context.Background(), testMessage(), cfg)

			if threshold <= 2 {
				if err != nil {
					t.Fatalf("Build failed with 2 included: %v", err)
				}
				return
			}

			var te *ThresholdError
			if !errors.As(err, &te) {
				t.Fatalf("expected ThresholdError, got %v", err)
			}

			if te.Included != 2 || te.Threshold != 3 {
				t.Errorf("counts = %d/%d, want 2/3", te.Included, te.Threshold)
			}

			if !errors.Is(err, ErrThresholdNotMet) {
				t.Error("ThresholdError does not match ErrThresholdNotMet")
			}

			if _, ok := te.Failures[1]; !ok || len(te.Failures) != 1 {
				t.Errorf("Failures = %v, want only index 1", te.Failures)
			}
		})
	}
}

func TestBuildOrderingUnderRaces(t *testing.T) {
	cfg := aggregationConfig(2, 1)
	slowDone := make(chan struct{})
	fastDone := make(chan struct{})

	p := ProviderFunc(func(_ context.Context, _ *ism.Message, module *ism.ModuleConfig) ([]byte, error) {
		if module.Address == cfg.Modules[0].Address {
			// Module 0 completes only after module 1 has failed.
			<-fastDone
			time.Sleep(10 * time.Millisecond)
			close(slowDone)
			return []byte("slow"), nil
		}

		close(fastDone)
		return nil, errors.New("fast failure")
	})

	blob, err := NewBuilder(p).Build(context.Background(), testMessage(), cfg)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	select {
	case <-slowDone:
	default:
		t.Fatal("Build returned before slow module finished")
	}

	got, err := Decode(blob, 2)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if !bytes.Equal(got[0], []byte("slow")) || got[1] != nil {
		t.Errorf("slots = %q, want [slow <nil>]", got)
	}
}

func TestBuildWaitsForAll(t *testing.T) {
	cfg := aggregationConfig(4, 0)
	var finished atomic.Int32

	p := ProviderFunc(func(_ context.Context, _ *ism.Message, module *ism.ModuleConfig) ([]byte, error) {
		defer finished.Add(1)

		if module.Address == cfg.Modules[0].Address {
			return nil, errors.New("first fails")
		}

		time.Sleep(20 * time.Millisecond)
		return []byte{1}, nil
	})

	if _, err := NewBuilder(p).Build(context.Background(), testMessage(), cfg); err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	if finished.Load() != 4 {
		t.Errorf("%d providers finished before Build returned, want 4", finished.Load())
	}
}

func TestBuildNilResultIsIncluded(t *testing.T) {
	cfg := aggregationConfig(1, 1)
	p := ProviderFunc(func(context.Context, *ism.Message, *ism.ModuleConfig) ([]byte, error) {
		return nil, nil
	})

	blob, err := NewBuilder(p).Build(context.Background(), testMessage(), cfg)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	r, _ := RangeAt(blob, 0)
	if r != (Range{8, 8}) {
		t.Errorf("range = %+v, want {8 8}", r)
	}
}

func TestBuildRecoversPanic(t *testing.T) {
	cfg := aggregationConfig(2, 1)
	p := ProviderFunc(func(_ context.Context, _ *ism.Message, module *ism.ModuleConfig) ([]byte, error) {
		if module.Address == cfg.Modules[0].Address {
			panic("boom")
		}

		return []byte("ok"), nil
	})

	blob, err := NewBuilder(p).Build(context.Background(), testMessage(), cfg)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	got, _ := Decode(blob, 2)
	if got[0] != nil || string(got[1]) != "ok" {
		t.Errorf("slots = %q", got)
	}
}

func TestBuildNoModules(t *testing.T) {
	cfg := aggregationConfig(0, 0)

	blob, err := NewBuilder(&stubProvider{}).Build(context.Background(), testMessage(), cfg)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	if len(blob) != 0 {
		t.Errorf("blob = %x, want empty", blob)
	}
}
