package audioio

import (
	"context"
	"errors"
	"testing"
	"time"
)

func testConfig() Config {
	cfg := CaptureConfig()
	cfg.Backend = BackendMock
	cfg.BufferDuration = 10 * time.Millisecond
	return cfg
}

func TestMockSourceStartStop(t *testing.T) {
	src := NewMockSource(testConfig(), nil)
	defer src.Close()

	ctx := context.Background()
	if err := src.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := src.Start(ctx); err != nil {
		t.Fatalf("second Start() error = %v", err)
	}
	if err := src.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := src.Stop(); err != nil {
		t.Fatalf("second Stop() error = %v", err)
	}
	if _, ok := <-src.Stream(); ok {
		t.Error("stream still open after Stop")
	}
}

func TestMockSourceGenerates(t *testing.T) {
	cfg := testConfig()
	src := NewMockSource(cfg, nil, WithSineWave(440, 0.5))
	defer src.Close()

	if err := src.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	select {
	case chunk := <-src.Stream():
		if len(chunk.Samples) != cfg.BufferSize() {
			t.Errorf("len(Samples) = %d, want %d", len(chunk.Samples), cfg.BufferSize())
		}
		if chunk.SampleRate != cfg.SampleRate {
			t.Errorf("SampleRate = %d, want %d", chunk.SampleRate, cfg.SampleRate)
		}
		if RMS(chunk.Samples) == 0 {
			t.Error("sine chunk is silent")
		}
	case <-time.After(time.Second):
		t.Fatal("no chunk generated")
	}
}

func TestMockSourceManual(t *testing.T) {
	src := NewMockSource(testConfig(), nil, WithManual())
	if src.Push(Chunk{}) {
		t.Error("Push() before Start = true")
	}
	src.Start(context.Background())
	if !src.Push(Chunk{Samples: []int16{7}}) {
		t.Fatal("Push() = false")
	}
	if c := <-src.Stream(); c.Samples[0] != 7 {
		t.Errorf("chunk = %+v", c)
	}
}

func TestMockSourceErrors(t *testing.T) {
	src := NewMockSource(testConfig(), nil, WithStartError(ErrDeviceUnavailable))
	if err := src.Start(context.Background()); !errors.Is(err, ErrDeviceUnavailable) {
		t.Errorf("Start() = %v, want ErrDeviceUnavailable", err)
	}

	closed := NewMockSource(testConfig(), nil)
	closed.Close()
	if err := closed.Start(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Start() after Close = %v, want ErrClosed", err)
	}
}

func TestMockSinkClearAbortsWrite(t *testing.T) {
	sink := NewMockSink(PlaybackConfig(), nil)
	sink.Start(context.Background())
	sink.SetWriteDelay(time.Hour)

	done := make(chan error, 1)
	go func() { done <- sink.Write(context.Background(), Chunk{Samples: []int16{1}}) }()

	time.Sleep(10 * time.Millisecond)
	sink.Clear()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Write() = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Clear did not abort Write")
	}
	if len(sink.Written()) != 0 || sink.Clears() != 1 {
		t.Errorf("written = %d, clears = %d", len(sink.Written()), sink.Clears())
	}
}

func TestFactoryMock(t *testing.T) {
	cfg := testConfig()
	src, err := NewSource(cfg, nil)
	if err != nil || src.Name() != "mock" {
		t.Errorf("NewSource() = %v, %v", src, err)
	}
	sink, err := NewSink(cfg, nil)
	if err != nil || sink.Name() != "mock" {
		t.Errorf("NewSink() = %v, %v", sink, err)
	}

	cfg.Backend = "rtp"
	if _, err := NewSink(cfg, nil); err == nil {
		t.Error("NewSink(rtp) succeeded, want unsupported backend")
	}
	if _, err := NewSource(cfg, nil); err == nil {
		t.Error("NewSource(rtp) succeeded")
	}
}
